// Package ai provides the cost-aware model routing client. It selects
// a model for each request per the tenant's steering rules and budget,
// invokes the provider with retry, falls back across models on
// failure, and accounts actual cost against the tenant's period spend.
// The client is stateless across calls; all shared state (budgets,
// rulesets, the model catalog) is reached through injected
// collaborators with bounded staleness.
package ai

import (
	"context"
	"time"
)

// Provider is implemented by each model provider adapter. Adapters
// live outside the engine; tests substitute fakes.
type Provider interface {
	// Name returns the unique provider identifier (e.g. "anthropic").
	Name() string

	// Complete sends a synchronous completion request for the given
	// model and blocks until the response is complete or ctx fires.
	Complete(ctx context.Context, modelID string, req Request) (*Completion, error)
}

// Request is a routing request for one AI step.
type Request struct {
	// Prompt is the fully resolved prompt text.
	Prompt string

	// PreferredCapabilities narrows model selection to models whose
	// declared capabilities are a superset of this list.
	PreferredCapabilities []string

	// MaxCostCents caps the estimated cost of the call. Zero means no
	// per-call cap.
	MaxCostCents float64

	// MaxLatencyMs caps the provider round-trip. The effective request
	// timeout is min(MaxLatencyMs, provider default).
	MaxLatencyMs int64

	// TenantID scopes budget accounting and rate limits.
	TenantID string

	// Metadata carries correlation identifiers for tracing.
	Metadata map[string]string
}

// Usage tracks token consumption for cost calculation.
type Usage struct {
	// PromptTokens is the number of tokens in the prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens in the completion.
	CompletionTokens int
}

// Completion is a raw provider response.
type Completion struct {
	// Text is the generated text.
	Text string

	// Usage contains token consumption reported by the provider.
	Usage Usage

	// RequestID correlates the response with provider logs.
	RequestID string
}

// Decision records how one model invocation was routed. One decision
// is recorded per model tried during a single AI step; the successful
// decision carries the actual cost and token counts.
type Decision struct {
	ModelID            string
	Provider           string
	EstimatedCostCents float64
	ActualCostCents    float64
	PromptTokens       int
	CompletionTokens   int
	LatencyMs          int64
	FallbackDepth      int
}

// Response is the routed result surfaced to the ai step handler.
type Response struct {
	// Text is the generated text.
	Text string

	// ModelID is the model that produced the response.
	ModelID string

	// Provider is the provider that served the response.
	Provider string

	// Usage is the token consumption of the successful call.
	Usage Usage

	// CostCents is the actual cost of the successful call.
	CostCents float64

	// Attempts is the total number of provider invocations, including
	// retries and fallbacks.
	Attempts int

	// FallbackDepth is the number of alternative models tried after
	// the primary failed.
	FallbackDepth int

	// Decisions holds one entry per model tried, in order.
	Decisions []Decision
}

// BudgetStore exposes the tenant period-spend counter. The engine
// wires the execution store's atomic counter behind this interface.
type BudgetStore interface {
	// AddSpendCents atomically increments the tenant's period spend
	// and returns the new total.
	AddSpendCents(ctx context.Context, tenantID string, cents float64) (float64, error)

	// PeriodSpendCents returns the tenant's current period spend.
	PeriodSpendCents(ctx context.Context, tenantID string) (float64, error)
}

// DefaultProviderTimeout bounds a provider round-trip when the
// request does not set MaxLatencyMs and the model declares no
// timeout.
const DefaultProviderTimeout = 60 * time.Second
