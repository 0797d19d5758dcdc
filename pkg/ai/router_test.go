package ai

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/engine/pkg/errors"
)

// scriptedProvider pops one scripted error per call and model; an
// exhausted script means success.
type scriptedProvider struct {
	name string

	mu     sync.Mutex
	script map[string][]error
	calls  map[string]int
}

func newScriptedProvider(name string) *scriptedProvider {
	return &scriptedProvider{
		name:   name,
		script: make(map[string][]error),
		calls:  make(map[string]int),
	}
}

func (p *scriptedProvider) failNext(modelID string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[modelID] = append(p.script[modelID], errs...)
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, modelID string, req Request) (*Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[modelID]++
	if queue := p.script[modelID]; len(queue) > 0 {
		err := queue[0]
		p.script[modelID] = queue[1:]
		return nil, err
	}
	return &Completion{
		Text:      "completion from " + modelID,
		Usage:     Usage{PromptTokens: 100, CompletionTokens: 200},
		RequestID: "req-1",
	}, nil
}

type memBudget struct {
	mu    sync.Mutex
	spend map[string]float64
}

func newMemBudget() *memBudget { return &memBudget{spend: make(map[string]float64)} }

func (b *memBudget) AddSpendCents(ctx context.Context, tenantID string, cents float64) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spend[tenantID] += cents
	return b.spend[tenantID], nil
}

func (b *memBudget) PeriodSpendCents(ctx context.Context, tenantID string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spend[tenantID], nil
}

func testCatalog() *Catalog {
	return NewCatalog(
		Model{
			ID: "haiku", Provider: "fake",
			Capabilities:         []string{"text-generation"},
			QualityScore:         0.5,
			InputCentsPerKTokens: 0.1, OutputCentsPerKTokens: 0.1,
		},
		Model{
			ID: "sonnet", Provider: "fake",
			Capabilities:         []string{"text-generation", "code"},
			QualityScore:         0.8,
			InputCentsPerKTokens: 1, OutputCentsPerKTokens: 1,
		},
		Model{
			ID: "opus", Provider: "fake",
			Capabilities:         []string{"text-generation", "code", "vision"},
			QualityScore:         0.95,
			InputCentsPerKTokens: 5, OutputCentsPerKTokens: 5,
		},
	)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1}
}

func newTestRouter(t *testing.T, rules RulesetSource, budget BudgetStore, provider *scriptedProvider) *Router {
	t.Helper()
	return NewRouter(
		testCatalog(),
		rules,
		budget,
		map[string]Provider{"fake": provider},
		WithRetryConfig(fastRetry()),
		WithRateLimit(1000, 1000),
	)
}

func TestRouteDefaultSelectionPicksCheapest(t *testing.T) {
	provider := newScriptedProvider("fake")
	router := newTestRouter(t, StaticRulesets{}, newMemBudget(), provider)

	resp, err := router.Route(context.Background(), Request{
		Prompt:                "hello",
		PreferredCapabilities: []string{"text-generation"},
		TenantID:              "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, "haiku", resp.ModelID)
	assert.Equal(t, 0, resp.FallbackDepth)
	assert.Equal(t, 1, resp.Attempts)
	require.Len(t, resp.Decisions, 1)
	assert.Equal(t, resp.CostCents, resp.Decisions[0].ActualCostCents)
}

func TestRouteCapabilityFilter(t *testing.T) {
	provider := newScriptedProvider("fake")
	router := newTestRouter(t, StaticRulesets{}, newMemBudget(), provider)

	resp, err := router.Route(context.Background(), Request{
		Prompt:                "describe this image",
		PreferredCapabilities: []string{"vision"},
		TenantID:              "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, "opus", resp.ModelID)
}

func TestRouteNoAcceptableModel(t *testing.T) {
	provider := newScriptedProvider("fake")
	router := newTestRouter(t, StaticRulesets{}, newMemBudget(), provider)

	_, err := router.Route(context.Background(), Request{
		Prompt:                "hi",
		PreferredCapabilities: []string{"audio"},
		TenantID:              "t1",
	})
	assert.Equal(t, errors.KindModelNotFound, errors.KindOf(err))
}

func TestRoutePerCallCostCap(t *testing.T) {
	provider := newScriptedProvider("fake")
	router := newTestRouter(t, StaticRulesets{}, newMemBudget(), provider)

	// The cap admits haiku only; sonnet and opus estimate higher.
	resp, err := router.Route(context.Background(), Request{
		Prompt:       "hi",
		MaxCostCents: 0.1,
		TenantID:     "t1",
	})
	require.NoError(t, err)
	assert.Equal(t, "haiku", resp.ModelID)
}

func TestRouteFallbackAfterRetries(t *testing.T) {
	provider := newScriptedProvider("fake")
	// opus fails both attempts with a transient 503; sonnet succeeds.
	provider.failNext("opus",
		&errors.ProviderError{Provider: "fake", Model: "opus", StatusCode: 503},
		&errors.ProviderError{Provider: "fake", Model: "opus", StatusCode: 503},
	)

	rules := StaticRulesets{"t1": mustCompile(t, &Ruleset{
		TenantID: "t1",
		Rules: []SteeringRule{{
			Predicate: `promptBucket == "short"`,
			Model:     "opus",
			Fallbacks: []string{"sonnet", "haiku"},
		}},
	})}
	router := newTestRouter(t, rules, newMemBudget(), provider)

	resp, err := router.Route(context.Background(), Request{Prompt: "hi", TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "sonnet", resp.ModelID)
	assert.Equal(t, 1, resp.FallbackDepth)
	assert.Equal(t, 3, resp.Attempts)
	require.Len(t, resp.Decisions, 2)
	assert.Equal(t, "opus", resp.Decisions[0].ModelID)
	assert.Equal(t, 0, resp.Decisions[0].FallbackDepth)
	assert.Zero(t, resp.Decisions[0].ActualCostCents)
	assert.Equal(t, "sonnet", resp.Decisions[1].ModelID)
	assert.Equal(t, 1, resp.Decisions[1].FallbackDepth)
}

func TestRoutePermanentFailureSkipsRetry(t *testing.T) {
	provider := newScriptedProvider("fake")
	provider.failNext("haiku",
		&errors.ProviderError{Provider: "fake", Model: "haiku", StatusCode: 400},
	)
	router := newTestRouter(t, StaticRulesets{}, newMemBudget(), provider)

	resp, err := router.Route(context.Background(), Request{Prompt: "hi", TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "sonnet", resp.ModelID)
	assert.Equal(t, 1, provider.calls["haiku"])
}

func TestRouteAllModelsFail(t *testing.T) {
	provider := newScriptedProvider("fake")
	for _, id := range []string{"haiku", "sonnet", "opus"} {
		provider.failNext(id,
			&errors.ProviderError{Provider: "fake", Model: id, StatusCode: 503},
			&errors.ProviderError{Provider: "fake", Model: id, StatusCode: 503},
		)
	}
	router := newTestRouter(t, StaticRulesets{}, newMemBudget(), provider)

	_, err := router.Route(context.Background(), Request{Prompt: "hi", TenantID: "t1"})
	assert.Equal(t, errors.KindAIUnavailable, errors.KindOf(err))
}

func TestRouteRateLimitedTerminal(t *testing.T) {
	provider := newScriptedProvider("fake")
	for _, id := range []string{"haiku", "sonnet", "opus"} {
		provider.failNext(id,
			&errors.ProviderError{Provider: "fake", Model: id, StatusCode: 429},
			&errors.ProviderError{Provider: "fake", Model: id, StatusCode: 429},
		)
	}
	router := newTestRouter(t, StaticRulesets{}, newMemBudget(), provider)

	_, err := router.Route(context.Background(), Request{Prompt: "hi", TenantID: "t1"})
	assert.Equal(t, errors.KindRateLimitedTerminal, errors.KindOf(err))
}

func TestRouteSteeringRuleUnknownModel(t *testing.T) {
	provider := newScriptedProvider("fake")
	rules := StaticRulesets{"t1": mustCompile(t, &Ruleset{
		TenantID: "t1",
		Rules:    []SteeringRule{{Predicate: "true", Model: "nonexistent"}},
	})}
	router := newTestRouter(t, rules, newMemBudget(), provider)

	_, err := router.Route(context.Background(), Request{Prompt: "hi", TenantID: "t1"})
	assert.Equal(t, errors.KindModelNotFound, errors.KindOf(err))
}

func TestRouteBudgetDowngrade(t *testing.T) {
	provider := newScriptedProvider("fake")
	budget := newMemBudget()
	// Spend sits just under the cap; opus no longer fits but haiku does.
	budget.spend["t1"] = 9.5

	rules := StaticRulesets{"t1": mustCompile(t, &Ruleset{
		TenantID:       "t1",
		Rules:          []SteeringRule{{Predicate: "true", Model: "opus"}},
		BudgetCapCents: 10,
		OnBudgetNear:   BudgetDowngrade,
	})}
	router := newTestRouter(t, rules, newMemBudget(), provider)
	router.budget = budget

	resp, err := router.Route(context.Background(), Request{Prompt: "hi", TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "haiku", resp.ModelID)
	assert.Equal(t, 0, resp.FallbackDepth)
}

func TestRouteBudgetFail(t *testing.T) {
	provider := newScriptedProvider("fake")
	budget := newMemBudget()
	budget.spend["t1"] = 9.5

	rules := StaticRulesets{"t1": mustCompile(t, &Ruleset{
		TenantID:       "t1",
		Rules:          []SteeringRule{{Predicate: "true", Model: "opus"}},
		BudgetCapCents: 10,
	})}
	router := newTestRouter(t, rules, newMemBudget(), provider)
	router.budget = budget

	_, err := router.Route(context.Background(), Request{Prompt: "hi", TenantID: "t1"})
	assert.Equal(t, errors.KindBudgetExceeded, errors.KindOf(err))
	assert.Zero(t, provider.calls["opus"])
}

func TestRouteRecordsSpend(t *testing.T) {
	provider := newScriptedProvider("fake")
	budget := newMemBudget()
	router := newTestRouter(t, StaticRulesets{}, budget, provider)

	resp, err := router.Route(context.Background(), Request{Prompt: "hi", TenantID: "t1"})
	require.NoError(t, err)

	spend, err := budget.PeriodSpendCents(context.Background(), "t1")
	require.NoError(t, err)
	assert.InDelta(t, resp.CostCents, spend, 1e-9)
	assert.Greater(t, spend, 0.0)
}

func TestRouteUnconfiguredProviderFallsThrough(t *testing.T) {
	catalog := NewCatalog(
		Model{ID: "cheap", Provider: "ghost", Capabilities: []string{"text-generation"},
			InputCentsPerKTokens: 0.01, OutputCentsPerKTokens: 0.01},
		Model{ID: "real", Provider: "fake", Capabilities: []string{"text-generation"},
			InputCentsPerKTokens: 1, OutputCentsPerKTokens: 1},
	)
	provider := newScriptedProvider("fake")
	router := NewRouter(catalog, StaticRulesets{}, newMemBudget(),
		map[string]Provider{"fake": provider},
		WithRetryConfig(fastRetry()),
	)

	resp, err := router.Route(context.Background(), Request{Prompt: "hi", TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "real", resp.ModelID)
	assert.Equal(t, 1, resp.FallbackDepth)
	require.Len(t, resp.Decisions, 2)
	assert.Equal(t, "cheap", resp.Decisions[0].ModelID)
}

func TestRankedAcceptableOrdering(t *testing.T) {
	catalog := NewCatalog(
		Model{ID: "b-model", Provider: "fake", QualityScore: 0.5,
			InputCentsPerKTokens: 1, OutputCentsPerKTokens: 1},
		Model{ID: "a-model", Provider: "fake", QualityScore: 0.5,
			InputCentsPerKTokens: 1, OutputCentsPerKTokens: 1},
		Model{ID: "smart", Provider: "fake", QualityScore: 0.9,
			InputCentsPerKTokens: 1, OutputCentsPerKTokens: 1},
		Model{ID: "pricey", Provider: "fake", QualityScore: 0.99,
			InputCentsPerKTokens: 10, OutputCentsPerKTokens: 10},
	)
	router := NewRouter(catalog, StaticRulesets{}, newMemBudget(), nil)

	ranked := router.rankedAcceptable(Request{Prompt: "hi"})
	ids := make([]string, len(ranked))
	for i, m := range ranked {
		ids[i] = m.ID
	}
	// Equal cost sorts by quality descending, then id; pricey is last.
	assert.Equal(t, []string{"smart", "a-model", "b-model", "pricey"}, ids)
}

func TestRouteContextCancelled(t *testing.T) {
	provider := newScriptedProvider("fake")
	router := newTestRouter(t, StaticRulesets{}, newMemBudget(), provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := router.Route(ctx, Request{Prompt: "hi", TenantID: "t1"})
	assert.Error(t, err)
}

func mustCompile(t *testing.T, rs *Ruleset) *Ruleset {
	t.Helper()
	require.NoError(t, rs.Compile())
	return rs
}
