package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultAnthropicAPIBase = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-haiku-4-5-20251001"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 4096
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey     string
	apiBase    string
	model      string
	httpClient *http.Client
	limiter    *rate.Limiter

	maxAttempts int
	retryBase   time.Duration
	retryCap    time.Duration
}

func NewAnthropicProvider(apiKey, apiBase, model string, requestsPerMinute int, timeout time.Duration) (*AnthropicProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		apiBase = defaultAnthropicAPIBase
	}
	if strings.TrimSpace(model) == "" {
		model = defaultAnthropicModel
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	var limiter *rate.Limiter
	if requestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), requestsPerMinute)
	}

	return &AnthropicProvider{
		apiKey:      apiKey,
		apiBase:     apiBase,
		model:       model,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		maxAttempts: defaultMaxAttempts,
		retryBase:   defaultRetryBase,
		retryCap:    defaultRetryCap,
	}, nil
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

func (p *AnthropicProvider) Generate(ctx context.Context, systemPrompt string, history []Message, userMessage string) (*GenerateResult, error) {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: userMessage})

	text, err := p.complete(ctx, systemPrompt, messages)
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Text: text, Provider: p.Name(), Model: p.model}, nil
}

func (p *AnthropicProvider) SummarizeAndExtract(ctx context.Context, existingSummary, patch, locale string) (*Extraction, error) {
	system, user := buildExtractionMessages(existingSummary, patch, locale)
	text, err := p.complete(ctx, system, []Message{{Role: RoleUser, Content: user}})
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

func (p *AnthropicProvider) complete(ctx context.Context, system string, messages []Message) (string, error) {
	var text string
	err := retryTransient(ctx, p.maxAttempts, p.retryBase, p.retryCap, func() error {
		out, err := p.doRequest(ctx, system, messages)
		if err != nil {
			return err
		}
		text = out
		return nil
	})
	return text, err
}

func (p *AnthropicProvider) doRequest(ctx context.Context, system string, messages []Message) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("anthropic rate limiter: %w", err)
		}
	}

	requestBody := map[string]interface{}{
		"model":      p.model,
		"max_tokens": anthropicMaxTokens,
		"messages":   messages,
	}
	if strings.TrimSpace(system) != "" {
		requestBody["system"] = system
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("marshal anthropic request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create anthropic request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send anthropic request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read anthropic response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &ProviderError{
			Provider: p.Name(),
			Status:   resp.StatusCode,
			Class:    classifyStatus(resp.StatusCode, string(body)),
			Message:  extractAPIError(body),
		}
	}

	var respData struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &respData); err != nil {
		return "", fmt.Errorf("unmarshal anthropic response: %w", err)
	}

	parts := make([]string, 0, len(respData.Content))
	for _, block := range respData.Content {
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, ""), nil
}
