package providers

import (
	"context"
	"log/slog"
	"time"
)

const defaultFallbackBackoff = 300 * time.Millisecond

// FallbackGateway composes a primary and secondary gateway behind the
// Gateway interface. Quota exhaustion on the primary switches to the
// secondary immediately; every other primary failure is retried a bounded
// number of times with linear backoff before falling back. Secondary
// failures propagate to the caller.
type FallbackGateway struct {
	primary        Gateway
	secondary      Gateway
	retryOnPrimary int
	backoff        time.Duration
}

func NewFallbackGateway(primary, secondary Gateway, retryOnPrimary int) *FallbackGateway {
	if retryOnPrimary < 0 {
		retryOnPrimary = 0
	}
	return &FallbackGateway{
		primary:        primary,
		secondary:      secondary,
		retryOnPrimary: retryOnPrimary,
		backoff:        defaultFallbackBackoff,
	}
}

func (g *FallbackGateway) Name() string {
	return g.primary.Name() + "+" + g.secondary.Name()
}

func (g *FallbackGateway) Generate(ctx context.Context, systemPrompt string, history []Message, userMessage string) (*GenerateResult, error) {
	out, err := g.withFallback(ctx, "generate", func(gw Gateway) (interface{}, error) {
		return gw.Generate(ctx, systemPrompt, history, userMessage)
	})
	if err != nil {
		return nil, err
	}
	return out.(*GenerateResult), nil
}

func (g *FallbackGateway) SummarizeAndExtract(ctx context.Context, existingSummary, patch, locale string) (*Extraction, error) {
	out, err := g.withFallback(ctx, "summarize_and_extract", func(gw Gateway) (interface{}, error) {
		return gw.SummarizeAndExtract(ctx, existingSummary, patch, locale)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Extraction), nil
}

func (g *FallbackGateway) withFallback(ctx context.Context, op string, call func(Gateway) (interface{}, error)) (interface{}, error) {
	var primaryErr error
	for attempt := 0; attempt <= g.retryOnPrimary; attempt++ {
		out, err := call(g.primary)
		if err == nil {
			return out, nil
		}
		primaryErr = err

		if IsQuota(err) {
			// Quota will not recover within this call; no point retrying.
			break
		}
		if attempt < g.retryOnPrimary {
			delay := time.Duration(attempt+1) * g.backoff
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	slog.Warn("model gateway falling back to secondary",
		"op", op,
		"primary", g.primary.Name(),
		"secondary", g.secondary.Name(),
		"error", primaryErr)

	return call(g.secondary)
}
