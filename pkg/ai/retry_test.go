package ai

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/engine/pkg/errors"
)

func TestCompleteWithRetryTransientExhausts(t *testing.T) {
	provider := newScriptedProvider("fake")
	transient := &errors.ProviderError{Provider: "fake", Model: "m", StatusCode: 503}
	provider.failNext("m", transient, transient, transient)

	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}
	_, attempts, err := completeWithRetry(context.Background(), provider, "m", Request{}, cfg, time.Second)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, transient)
}

func TestCompleteWithRetryRecoversMidway(t *testing.T) {
	provider := newScriptedProvider("fake")
	provider.failNext("m", &errors.ProviderError{Provider: "fake", Model: "m", StatusCode: 500})

	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}
	resp, attempts, err := completeWithRetry(context.Background(), provider, "m", Request{}, cfg, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NotEmpty(t, resp.Text)
}

func TestCompleteWithRetryPermanentStops(t *testing.T) {
	provider := newScriptedProvider("fake")
	permanent := &errors.ProviderError{Provider: "fake", Model: "m", StatusCode: 401}
	provider.failNext("m", permanent)

	cfg := RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 1}
	_, attempts, err := completeWithRetry(context.Background(), provider, "m", Request{}, cfg, time.Second)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, permanent)
}

func TestCompleteWithRetryParentContext(t *testing.T) {
	provider := newScriptedProvider("fake")
	transient := &errors.ProviderError{Provider: "fake", Model: "m", StatusCode: 503}
	provider.failNext("m", transient, transient, transient, transient)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{MaxAttempts: 4, InitialDelay: time.Hour, Multiplier: 1}
	_, _, err := completeWithRetry(ctx, provider, "m", Request{}, cfg, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffGrowth(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.backoff(2))
	assert.Equal(t, 400*time.Millisecond, cfg.backoff(3))
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := RetryConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.25}
	for i := 0; i < 50; i++ {
		d := cfg.backoff(1)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
}
