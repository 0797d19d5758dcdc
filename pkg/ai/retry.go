package ai

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/auterity/engine/pkg/errors"
)

// RetryConfig configures same-model retry with exponential backoff.
// Retries apply only to transient failures (network, 5xx, 429);
// permanent failures advance to the next fallback model instead.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations per model,
	// including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// Multiplier is the backoff multiplier.
	Multiplier float64

	// Jitter is the symmetric jitter fraction applied to each delay.
	Jitter float64
}

// DefaultRetryConfig returns the routing client's retry settings:
// base 200ms, factor 2, jitter ±25%, capped at 4 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// backoff computes the delay before the given retry attempt (1-based)
// with jitter applied.
func (c RetryConfig) backoff(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if c.Jitter > 0 {
		jitterAmount := delay * c.Jitter
		delay += (rand.Float64() * 2 * jitterAmount) - jitterAmount
	}
	return time.Duration(delay)
}

// completeWithRetry invokes one provider/model pair, retrying
// transient failures per the config. It returns the number of
// attempts made alongside the result.
func completeWithRetry(ctx context.Context, provider Provider, modelID string, req Request, cfg RetryConfig, timeout time.Duration) (*Completion, int, error) {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(cfg.backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			}
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := provider.Complete(callCtx, modelID, req)
		cancel()
		if err == nil {
			return resp, attempts, nil
		}
		lastErr = err

		// The parent context firing means the step was cancelled or
		// timed out; stop immediately.
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
		if !errors.IsTransient(err) {
			return nil, attempts, err
		}
	}

	return nil, attempts, lastErr
}
