package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-5-mini"

	defaultMaxAttempts = 5
	defaultRetryBase   = 250 * time.Millisecond
	defaultRetryCap    = 4 * time.Second
)

// OpenAIProvider talks to any OpenAI-compatible chat-completions endpoint.
type OpenAIProvider struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter

	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
}

// NewOpenAIProvider builds a provider for the chat-completions wire format.
// requestsPerMinute bounds outbound calls client-side; zero disables the
// limiter.
func NewOpenAIProvider(apiKey, apiBase, model, proxy string, requestsPerMinute int, timeout time.Duration) (*OpenAIProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if proxy = strings.TrimSpace(proxy); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse openai proxy: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}

	return &OpenAIProvider{
		apiKey:      apiKey,
		apiBase:     apiBase,
		model:       model,
		httpClient:  client,
		limiter:     limiter,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
		retryCap:    defaultRetryCap,
	}, nil
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

func (p *OpenAIProvider) Generate(ctx context.Context, systemPrompt string, history []Message, userMessage string) (*GenerateResult, error) {
	messages := make([]Message, 0, len(history)+2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: userMessage})

	text, err := p.complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Text: text, Provider: p.Name(), Model: p.model}, nil
}

func (p *OpenAIProvider) SummarizeAndExtract(ctx context.Context, existingSummary, patch, locale string) (*Extraction, error) {
	system, user := buildExtractionMessages(existingSummary, patch, locale)
	text, err := p.complete(ctx, []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	})
	if err != nil {
		return nil, err
	}

	summary, candidates := parseExtraction(text)
	return &Extraction{
		UpdatedSummary: summary,
		Candidates:     candidates,
		Provider:       p.Name(),
		Model:          p.model,
	}, nil
}

// complete runs one chat-completions call with the provider's own
// transient-error retry loop.
func (p *OpenAIProvider) complete(ctx context.Context, messages []Message) (string, error) {
	var text string
	err := retryTransient(ctx, p.maxAttempts, p.retryBase, p.retryCap, func() error {
		out, err := p.doRequest(ctx, messages)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	return text, err
}

func (p *OpenAIProvider) doRequest(ctx context.Context, messages []Message) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("openai rate limiter: %w", err)
		}
	}

	requestBody := map[string]interface{}{
		"model":    p.model,
		"messages": messages,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("marshal openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send openai request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read openai response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &ProviderError{
			Provider: p.Name(),
			Status:   resp.StatusCode,
			Class:    classifyStatus(resp.StatusCode, string(body)),
			Message:  extractAPIError(body),
		}
	}

	return parseChatCompletionsResponse(body)
}

func parseChatCompletionsResponse(body []byte) (string, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return "", fmt.Errorf("unmarshal chat completions response: %w", err)
	}
	if len(apiResponse.Choices) == 0 {
		return "", nil
	}
	return apiResponse.Choices[0].Message.Content, nil
}

// extractAPIError pulls a human-readable message out of a provider error
// body, falling back to the raw (truncated) body.
func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}
