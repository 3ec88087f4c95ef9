package providers

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultBreakerMaxFailures = 8
	defaultBreakerTimeout     = 30 * time.Second
)

// BreakerGateway wraps a concrete provider with a circuit breaker so a
// hard-down provider sheds calls quickly instead of burning its full retry
// budget on every request. An open circuit surfaces as a transient
// ProviderError, which the fallback decorator escalates like any other
// transient failure.
type BreakerGateway struct {
	inner   Gateway
	breaker *gobreaker.CircuitBreaker
}

func WithBreaker(inner Gateway, maxFailures uint32, timeout time.Duration) *BreakerGateway {
	settings := gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	return &BreakerGateway{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *BreakerGateway) Name() string { return g.inner.Name() }

// State reports the breaker state: "closed", "open" or "half-open".
func (g *BreakerGateway) State() string {
	switch g.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (g *BreakerGateway) Generate(ctx context.Context, systemPrompt string, history []Message, userMessage string) (*GenerateResult, error) {
	out, err := g.execute(ctx, func() (interface{}, error) {
		return g.inner.Generate(ctx, systemPrompt, history, userMessage)
	})
	if err != nil {
		return nil, err
	}
	return out.(*GenerateResult), nil
}

func (g *BreakerGateway) SummarizeAndExtract(ctx context.Context, existingSummary, patch, locale string) (*Extraction, error) {
	out, err := g.execute(ctx, func() (interface{}, error) {
		return g.inner.SummarizeAndExtract(ctx, existingSummary, patch, locale)
	})
	if err != nil {
		return nil, err
	}
	return out.(*Extraction), nil
}

func (g *BreakerGateway) execute(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := g.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ProviderError{
				Provider: g.inner.Name(),
				Class:    ClassTransient,
				Message:  "circuit breaker open",
			}
		}
		return nil, err
	}
	return out, nil
}
