package providers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &fakeGateway{name: "primary", result: &GenerateResult{Text: "ok"}}
	g := WithBreaker(inner, 2, time.Minute)

	res, err := g.Generate(context.Background(), "sys", nil, "hi")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "ok" {
		t.Fatalf("text = %q", res.Text)
	}
	if g.State() != "closed" {
		t.Fatalf("state = %q, want closed", g.State())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeGateway{name: "primary", err: &ProviderError{Provider: "primary", Status: 500, Class: ClassTransient, Message: "down"}}
	g := WithBreaker(inner, 2, time.Minute)

	for i := 0; i < 2; i++ {
		if _, err := g.Generate(context.Background(), "", nil, "hi"); err == nil {
			t.Fatalf("attempt %d: expected failure", i)
		}
	}
	if g.State() != "open" {
		t.Fatalf("state = %q, want open", g.State())
	}

	callsBefore := inner.generateCalls
	_, err := g.Generate(context.Background(), "", nil, "hi")
	if err == nil {
		t.Fatal("expected open-circuit error")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Class != ClassTransient {
		t.Fatalf("open circuit must surface as transient, got %v", err)
	}
	if !strings.Contains(pe.Message, "circuit breaker open") {
		t.Fatalf("unexpected message %q", pe.Message)
	}
	if inner.generateCalls != callsBefore {
		t.Fatalf("open circuit must shed the call, inner was invoked")
	}
}

func TestBreakerHalfOpensAfterTimeout(t *testing.T) {
	inner := &fakeGateway{name: "primary", err: &ProviderError{Provider: "primary", Status: 503, Class: ClassTransient, Message: "down"}}
	g := WithBreaker(inner, 1, 20*time.Millisecond)

	if _, err := g.Generate(context.Background(), "", nil, "hi"); err == nil {
		t.Fatal("expected failure")
	}
	if g.State() != "open" {
		t.Fatalf("state = %q, want open", g.State())
	}

	time.Sleep(30 * time.Millisecond)
	inner.err = nil
	inner.result = &GenerateResult{Text: "back"}
	res, err := g.Generate(context.Background(), "", nil, "hi")
	if err != nil {
		t.Fatalf("generate after recovery: %v", err)
	}
	if res.Text != "back" {
		t.Fatalf("text = %q", res.Text)
	}
}
