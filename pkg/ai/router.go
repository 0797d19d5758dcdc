package ai

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/auterity/engine/pkg/errors"
)

// MaxFallbackDepth bounds how many alternative models are tried after
// the primary fails during a single AI step.
const MaxFallbackDepth = 3

// Router selects, invokes, and accounts AI model calls. It holds no
// per-call state; budgets and rulesets are reached through its
// collaborators.
type Router struct {
	catalog   *Catalog
	rules     RulesetSource
	budget    BudgetStore
	providers map[string]Provider
	retry     RetryConfig
	limits    *providerLimits
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithRetryConfig overrides the default retry settings.
func WithRetryConfig(cfg RetryConfig) RouterOption {
	return func(r *Router) { r.retry = cfg }
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// WithRateLimit configures the per-(tenant, provider) token bucket.
func WithRateLimit(perSecond float64, burst int) RouterOption {
	return func(r *Router) { r.limits = newProviderLimits(perSecond, burst) }
}

// WithClock overrides the router's clock; selection uses it for the
// hourOfDay predicate variable. Tests pin it for determinism.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter builds a routing client over the given catalog, ruleset
// source, budget store, and provider adapters keyed by name.
func NewRouter(catalog *Catalog, rules RulesetSource, budget BudgetStore, providers map[string]Provider, opts ...RouterOption) *Router {
	r := &Router{
		catalog:   catalog,
		rules:     rules,
		budget:    budget,
		providers: providers,
		retry:     DefaultRetryConfig(),
		limits:    newProviderLimits(10, 10),
		logger:    slog.Default(),
		tracer:    otel.Tracer("auterity/ai"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route selects a model per the tenant's steering rules and budget,
// invokes providers with retry and fallback, and accounts the actual
// cost. Selection is deterministic given the request, the ruleset,
// the catalog, and the clock.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	ctx, span := r.tracer.Start(ctx, "ai.complete", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.Int("prompt_length", len(req.Prompt)),
	))
	defer span.End()

	ruleset, err := r.rules.RulesetFor(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load steering ruleset: %w", err)
	}

	candidates, err := r.selectCandidates(req, ruleset)
	if err != nil {
		return nil, err
	}

	candidates, err = r.applyBudget(ctx, req, ruleset, candidates)
	if err != nil {
		return nil, err
	}

	resp, err := r.invokeWithFallback(ctx, req, candidates)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("model_id", resp.ModelID),
		attribute.Int("fallback_depth", resp.FallbackDepth),
	)
	return resp, nil
}

// selectCandidates produces the ordered model list to try: the
// selected primary followed by its fallback chain, bounded by
// MaxFallbackDepth.
func (r *Router) selectCandidates(req Request, ruleset *Ruleset) ([]Model, error) {
	rule, err := ruleset.Match(req, r.now())
	if err != nil {
		return nil, err
	}

	ranked := r.rankedAcceptable(req)

	var ordered []Model
	if rule != nil {
		primary, ok := r.catalog.Get(rule.Model)
		if !ok {
			return nil, &errors.StepError{
				Kind:    errors.KindModelNotFound,
				Message: fmt.Sprintf("steering rule selects unknown model %q", rule.Model),
			}
		}
		ordered = append(ordered, primary)
		if len(rule.Fallbacks) > 0 {
			for _, id := range rule.Fallbacks {
				m, ok := r.catalog.Get(id)
				if !ok {
					return nil, &errors.StepError{
						Kind:    errors.KindModelNotFound,
						Message: fmt.Sprintf("steering rule fallback names unknown model %q", id),
					}
				}
				ordered = append(ordered, m)
			}
		} else {
			// Fallback list unspecified: derive from the default
			// selector ordering.
			ordered = append(ordered, ranked...)
		}
	} else {
		if len(ranked) == 0 {
			return nil, &errors.StepError{
				Kind:    errors.KindModelNotFound,
				Message: "no registered model satisfies the requested capabilities and cost cap",
			}
		}
		ordered = ranked
	}

	return dedupeModels(ordered, 1+MaxFallbackDepth), nil
}

// rankedAcceptable returns models whose capabilities cover the
// request and whose estimated cost fits the per-call cap, ordered
// cheapest first with ties broken by higher quality score then
// lexicographic model id.
func (r *Router) rankedAcceptable(req Request) []Model {
	var acceptable []Model
	estimates := make(map[string]float64)
	for _, m := range r.catalog.Models() {
		if !m.HasCapabilities(req.PreferredCapabilities) {
			continue
		}
		est := r.catalog.EstimateCostCents(m, req.Prompt)
		if req.MaxCostCents > 0 && est > req.MaxCostCents {
			continue
		}
		estimates[m.ID] = est
		acceptable = append(acceptable, m)
	}
	sort.Slice(acceptable, func(i, j int) bool {
		a, b := acceptable[i], acceptable[j]
		if estimates[a.ID] != estimates[b.ID] {
			return estimates[a.ID] < estimates[b.ID]
		}
		if a.QualityScore != b.QualityScore {
			return a.QualityScore > b.QualityScore
		}
		return a.ID < b.ID
	})
	return acceptable
}

// applyBudget enforces the tenant budget cap on the primary
// candidate. Per the ruleset policy it either downgrades to the next
// cheapest candidate that fits, or fails budget-exceeded.
func (r *Router) applyBudget(ctx context.Context, req Request, ruleset *Ruleset, candidates []Model) ([]Model, error) {
	budgetCap := ruleset.BudgetCapCents
	if budgetCap <= 0 {
		return candidates, nil
	}
	spend, err := r.budget.PeriodSpendCents(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("read tenant spend: %w", err)
	}

	fits := func(m Model) bool {
		return spend+r.catalog.EstimateCostCents(m, req.Prompt) <= budgetCap
	}
	if fits(candidates[0]) {
		return candidates, nil
	}

	if ruleset.BudgetPolicyOrDefault() == BudgetDowngrade {
		// Walk the default ordering for the cheapest acceptable model
		// that still fits under the cap.
		for _, m := range r.rankedAcceptable(req) {
			if fits(m) {
				r.logger.Info("budget downgrade",
					"tenant_id", req.TenantID,
					"from", candidates[0].ID,
					"to", m.ID,
				)
				return dedupeModels(append([]Model{m}, candidates...), 1+MaxFallbackDepth), nil
			}
		}
	}
	return nil, &errors.StepError{
		Kind: errors.KindBudgetExceeded,
		Message: fmt.Sprintf("estimated cost would exceed tenant budget cap (spend %.2f¢, cap %.2f¢)",
			spend, budgetCap),
	}
}

// invokeWithFallback tries candidates in order, retrying transient
// failures per model and recording a decision per model tried.
func (r *Router) invokeWithFallback(ctx context.Context, req Request, candidates []Model) (*Response, error) {
	resp := &Response{}
	var lastErr error

	for depth, model := range candidates {
		provider, ok := r.providers[model.Provider]
		if !ok {
			lastErr = &errors.ProviderError{
				Provider: model.Provider,
				Model:    model.ID,
				Message:  "provider not configured",
			}
			resp.Decisions = append(resp.Decisions, Decision{
				ModelID:            model.ID,
				Provider:           model.Provider,
				EstimatedCostCents: r.catalog.EstimateCostCents(model, req.Prompt),
				FallbackDepth:      depth,
			})
			continue
		}

		if err := r.limits.wait(ctx, req.TenantID, model.Provider); err != nil {
			return nil, err
		}

		timeout := model.Timeout()
		if req.MaxLatencyMs > 0 {
			if reqTimeout := time.Duration(req.MaxLatencyMs) * time.Millisecond; reqTimeout < timeout {
				timeout = reqTimeout
			}
		}

		started := r.now()
		completion, attempts, err := completeWithRetry(ctx, provider, model.ID, req, r.retry, timeout)
		latency := r.now().Sub(started)
		resp.Attempts += attempts

		decision := Decision{
			ModelID:            model.ID,
			Provider:           model.Provider,
			EstimatedCostCents: r.catalog.EstimateCostCents(model, req.Prompt),
			LatencyMs:          latency.Milliseconds(),
			FallbackDepth:      depth,
		}

		if err != nil {
			resp.Decisions = append(resp.Decisions, decision)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			r.logger.Warn("model invocation failed, falling back",
				"model", model.ID,
				"provider", model.Provider,
				"fallback_depth", depth,
				"error", err,
			)
			continue
		}

		cost := r.catalog.ActualCostCents(model, completion.Usage)
		if _, err := r.budget.AddSpendCents(ctx, req.TenantID, cost); err != nil {
			// Spend accounting must stay conservative: a call whose
			// cost cannot be recorded is surfaced as a failure.
			return nil, fmt.Errorf("record tenant spend: %w", err)
		}

		decision.ActualCostCents = cost
		decision.PromptTokens = completion.Usage.PromptTokens
		decision.CompletionTokens = completion.Usage.CompletionTokens
		resp.Decisions = append(resp.Decisions, decision)

		resp.Text = completion.Text
		resp.ModelID = model.ID
		resp.Provider = model.Provider
		resp.Usage = completion.Usage
		resp.CostCents = cost
		resp.FallbackDepth = depth
		return resp, nil
	}

	kind := errors.KindAIUnavailable
	var provErr *errors.ProviderError
	if stderrors.As(lastErr, &provErr) && provErr.StatusCode == 429 {
		kind = errors.KindRateLimitedTerminal
	}
	return nil, &errors.StepError{
		Kind:    kind,
		Message: "all models in the fallback chain failed",
		Cause:   lastErr,
	}
}

// dedupeModels keeps the first occurrence of each model id, capped at
// limit entries.
func dedupeModels(models []Model, limit int) []Model {
	seen := make(map[string]bool, len(models))
	var out []Model
	for _, m := range models {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out
}
