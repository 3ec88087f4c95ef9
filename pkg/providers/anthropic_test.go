package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAnthropicGenerate(t *testing.T) {
	var gotKey, gotVersion string
	var gotReq struct {
		Model    string    `json:"model"`
		System   string    `json:"system"`
		Messages []Message `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		out, _ := json.Marshal(map[string]interface{}{
			"content": []map[string]string{
				{"type": "text", "text": "well "},
				{"type": "text", "text": "hello"},
			},
		})
		w.Write(out)
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("ak-test", server.URL, "claude-test", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	res, err := p.Generate(context.Background(), "persona prompt", nil, "hi")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "well hello" {
		t.Fatalf("text = %q, want joined content blocks", res.Text)
	}
	if res.Provider != ProviderAnthropic || res.Model != "claude-test" {
		t.Fatalf("attribution = %q/%q", res.Provider, res.Model)
	}
	if gotKey != "ak-test" || gotVersion != anthropicVersion {
		t.Fatalf("headers = %q/%q", gotKey, gotVersion)
	}
	if gotReq.System != "persona prompt" {
		t.Fatalf("system prompt not top-level: %+v", gotReq)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != RoleUser {
		t.Fatalf("unexpected messages %+v", gotReq.Messages)
	}
}

func TestAnthropicQuotaClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"billing issue"}}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("ak-test", server.URL, "", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = p.Generate(context.Background(), "", nil, "hi")
	if !IsQuota(err) {
		t.Fatalf("expected quota classification, got %v", err)
	}
}
