package ai

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesetCompileRejectsBadPredicate(t *testing.T) {
	rs := &Ruleset{Rules: []SteeringRule{{Predicate: "promptLength ==", Model: "haiku"}}}
	assert.Error(t, rs.Compile())

	rs = &Ruleset{Rules: []SteeringRule{{Predicate: "promptLength", Model: "haiku"}}}
	assert.Error(t, rs.Compile(), "non-boolean predicate must not compile")
}

func TestRulesetMatchFirstWins(t *testing.T) {
	rs := mustCompile(t, &Ruleset{
		Tier: "pro",
		Rules: []SteeringRule{
			{Predicate: `promptBucket == "long"`, Model: "opus"},
			{Predicate: `tenantTier == "pro"`, Model: "sonnet"},
			{Predicate: "true", Model: "haiku"},
		},
	})
	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)

	rule, err := rs.Match(Request{Prompt: strings.Repeat("x", 5000)}, now)
	require.NoError(t, err)
	assert.Equal(t, "opus", rule.Model)

	rule, err = rs.Match(Request{Prompt: "short"}, now)
	require.NoError(t, err)
	assert.Equal(t, "sonnet", rule.Model)
}

func TestRulesetMatchNoRuleMatches(t *testing.T) {
	rs := mustCompile(t, &Ruleset{
		Rules: []SteeringRule{{Predicate: `promptBucket == "long"`, Model: "opus"}},
	})
	rule, err := rs.Match(Request{Prompt: "hi"}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestRulesetMatchUncompiled(t *testing.T) {
	rs := &Ruleset{Rules: []SteeringRule{{Predicate: "true", Model: "haiku"}}}
	_, err := rs.Match(Request{}, time.Now())
	assert.Error(t, err)
}

func TestPredicateEnvBuckets(t *testing.T) {
	tests := []struct {
		length int
		want   string
	}{
		{0, "short"},
		{500, "short"},
		{501, "medium"},
		{4000, "medium"},
		{4001, "long"},
	}
	for _, tt := range tests {
		env := predicateEnv(Request{Prompt: strings.Repeat("x", tt.length)}, "", time.Time{})
		assert.Equal(t, tt.want, env["promptBucket"], "length %d", tt.length)
		assert.Equal(t, tt.length, env["promptLength"])
	}
}

func TestBudgetPolicyOrDefault(t *testing.T) {
	assert.Equal(t, BudgetFail, (&Ruleset{}).BudgetPolicyOrDefault())
	assert.Equal(t, BudgetFail, (&Ruleset{OnBudgetNear: "bogus"}).BudgetPolicyOrDefault())
	assert.Equal(t, BudgetDowngrade, (&Ruleset{OnBudgetNear: BudgetDowngrade}).BudgetPolicyOrDefault())
}

func TestStaticRulesetsDefaultsUnknownTenant(t *testing.T) {
	rs, err := StaticRulesets{}.RulesetFor(context.Background(), "t-unknown")
	require.NoError(t, err)
	assert.Equal(t, "t-unknown", rs.TenantID)
	assert.Empty(t, rs.Rules)
	assert.Zero(t, rs.BudgetCapCents)
}

func TestLoadRulesets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rulesets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rulesets:
  - tenantId: acme
    tier: pro
    budgetCapCents: 500
    onBudgetNear: downgrade
    rules:
      - predicate: promptBucket == "long"
        model: opus
        fallbacks: [sonnet, haiku]
`), 0o600))

	rulesets, err := LoadRulesets(path)
	require.NoError(t, err)

	rs, err := rulesets.RulesetFor(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "pro", rs.Tier)
	assert.Equal(t, BudgetDowngrade, rs.BudgetPolicyOrDefault())
	require.Len(t, rs.Rules, 1)

	rule, err := rs.Match(Request{Prompt: strings.Repeat("x", 5000)}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, rule)
	assert.Equal(t, []string{"sonnet", "haiku"}, rule.Fallbacks)
}

func TestLoadRulesetsErrors(t *testing.T) {
	_, err := LoadRulesets(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`rulesets: [{tenantId: x, rules: [{predicate: "???", model: m}]}]`), 0o600))
	_, err = LoadRulesets(bad)
	assert.Error(t, err)
}

type countingSource struct {
	calls int
}

func (c *countingSource) RulesetFor(ctx context.Context, tenantID string) (*Ruleset, error) {
	c.calls++
	return &Ruleset{TenantID: tenantID}, nil
}

func TestCachedRulesets(t *testing.T) {
	source := &countingSource{}
	cached := NewCachedRulesets(source, time.Minute)
	ctx := context.Background()

	_, err := cached.RulesetFor(ctx, "t1")
	require.NoError(t, err)
	_, err = cached.RulesetFor(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, source.calls, "second lookup served from cache")

	cached.Invalidate("t1")
	_, err = cached.RulesetFor(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls, "invalidation forces reload")
}

func TestCachedRulesetsTTLExpiry(t *testing.T) {
	source := &countingSource{}
	cached := NewCachedRulesets(source, time.Nanosecond)
	ctx := context.Background()

	_, err := cached.RulesetFor(ctx, "t1")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = cached.RulesetFor(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}
