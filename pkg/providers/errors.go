package providers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// ErrorClass partitions provider failures by how callers should react.
type ErrorClass int

const (
	// ClassTransient covers rate limits and temporary unavailability.
	// Retried locally with backoff, then escalated to fallback.
	ClassTransient ErrorClass = iota
	// ClassQuota means the account's quota is exhausted. Never retried
	// locally; the fallback decorator switches providers immediately.
	ClassQuota
	// ClassPermanent covers malformed requests, auth failures and other
	// errors that retrying cannot fix.
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassQuota:
		return "quota"
	case ClassPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// ProviderError is a classified failure from a concrete provider.
type ProviderError struct {
	Provider string
	Status   int
	Class    ErrorClass
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s error (status=%d): %s", e.Provider, e.Class, e.Status, e.Message)
}

// classifyStatus maps an HTTP status plus error body to an ErrorClass.
// Quota exhaustion hides behind 429 on some providers, so the body is
// inspected for billing/quota markers before treating 429 as transient.
func classifyStatus(status int, body string) ErrorClass {
	lower := strings.ToLower(body)
	switch {
	case status == 402:
		return ClassQuota
	case status == 429 && (strings.Contains(lower, "quota") || strings.Contains(lower, "billing")):
		return ClassQuota
	case status == 429:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// Classify reports the class of any error from a Gateway call. Transport
// errors without a ProviderError wrapper (timeouts, connection resets) are
// treated as transient.
func Classify(err error) ErrorClass {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// IsQuota reports whether err is a quota-exhaustion failure.
func IsQuota(err error) bool {
	return err != nil && Classify(err) == ClassQuota
}

// retryTransient runs fn up to maxAttempts times, backing off exponentially
// with random jitter between attempts, capped at maxDelay. Only transient
// failures are retried; quota and permanent failures return immediately.
func retryTransient(ctx context.Context, maxAttempts int, baseDelay, maxDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if Classify(lastErr) != ClassTransient {
			return lastErr
		}

		if attempt < maxAttempts-1 {
			delay := baseDelay << uint(attempt)
			if delay > maxDelay {
				delay = maxDelay
			}
			delay += time.Duration(rand.Int63n(int64(delay/2) + 1))

			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return lastErr
}
