package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestOpenAI(t *testing.T, baseURL string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider("test-key", baseURL, "test-model", "", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	p.retryBase = time.Millisecond
	p.retryCap = 5 * time.Millisecond
	return p
}

func chatCompletionsBody(content string) string {
	out, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	})
	return string(out)
}

func TestOpenAIGenerate(t *testing.T) {
	var gotAuth string
	var gotReq struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Write([]byte(chatCompletionsBody("hello there")))
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL)
	res, err := p.Generate(context.Background(), "persona", []Message{{Role: RoleUser, Content: "earlier"}}, "hi")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "hello there" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Provider != ProviderOpenAI || res.Model != "test-model" {
		t.Fatalf("attribution = %q/%q", res.Provider, res.Model)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if len(gotReq.Messages) != 3 || gotReq.Messages[0].Role != RoleSystem {
		t.Fatalf("unexpected messages %+v", gotReq.Messages)
	}
}

func TestOpenAIRetriesTransient(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(chatCompletionsBody("recovered")))
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL)
	res, err := p.Generate(context.Background(), "", nil, "hi")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "recovered" {
		t.Fatalf("text = %q", res.Text)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestOpenAIQuotaNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"You exceeded your current quota"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL)
	_, err := p.Generate(context.Background(), "", nil, "hi")
	if !IsQuota(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("quota errors must not be retried, got %d calls", calls)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Message != "You exceeded your current quota" {
		t.Fatalf("unexpected error detail: %v", err)
	}
}

func TestOpenAIPermanentNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL)
	_, err := p.Generate(context.Background(), "", nil, "hi")
	if Classify(err) != ClassPermanent {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestOpenAISummarizeAndExtract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		content := "```json\n" + `{"updatedSummary":"User mentioned strawberries.","memories":[{"category":"FAVORITE","subject":"strawberries","value":"user likes strawberries","confidence":0.8,"meta":{"sourceMid":7}}]}` + "\n```"
		w.Write([]byte(chatCompletionsBody(content)))
	}))
	defer server.Close()

	p := newTestOpenAI(t, server.URL)
	ext, err := p.SummarizeAndExtract(context.Background(), "", "U#7: I love strawberries", "en")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if ext.UpdatedSummary != "User mentioned strawberries." {
		t.Fatalf("summary = %q", ext.UpdatedSummary)
	}
	if len(ext.Candidates) != 1 || ext.Candidates[0].Meta.SourceMid != 7 {
		t.Fatalf("candidates = %+v", ext.Candidates)
	}
	if ext.Provider != ProviderOpenAI {
		t.Fatalf("provider = %q", ext.Provider)
	}
}

func TestOpenAIRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIProvider("", "", "", "", 0, 0); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   ErrorClass
	}{
		{402, "", ClassQuota},
		{429, "insufficient quota", ClassQuota},
		{429, "billing hard limit reached", ClassQuota},
		{429, "slow down", ClassTransient},
		{500, "", ClassTransient},
		{503, "", ClassTransient},
		{400, "bad request", ClassPermanent},
		{401, "", ClassPermanent},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status, tc.body); got != tc.want {
			t.Fatalf("classifyStatus(%d, %q) = %v, want %v", tc.status, tc.body, got, tc.want)
		}
	}
}
