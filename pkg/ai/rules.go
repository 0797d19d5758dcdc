package ai

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/auterity/engine/pkg/errors"
)

// BudgetPolicy controls what happens when a selection would push the
// tenant over its budget cap.
type BudgetPolicy string

const (
	// BudgetFail rejects the request with budget-exceeded.
	BudgetFail BudgetPolicy = "fail"

	// BudgetDowngrade selects the next cheapest acceptable model
	// instead of failing.
	BudgetDowngrade BudgetPolicy = "downgrade"
)

// SteeringRule maps a predicate over request attributes to a model
// selector. Predicates are expr expressions evaluated against the
// request environment; the first matching rule wins.
type SteeringRule struct {
	// Predicate is an expr boolean expression. Available variables:
	// promptLength (int), promptBucket ("short"|"medium"|"long"),
	// capabilities ([]string), hourOfDay (int), tenantTier (string).
	Predicate string `yaml:"predicate"`

	// Model is the selected model id.
	Model string `yaml:"model"`

	// Fallbacks is the ordered fallback list tried after Model fails.
	// When empty, the fallback list is derived from the default
	// selector ordering.
	Fallbacks []string `yaml:"fallbacks,omitempty"`

	program *vm.Program
}

// Ruleset is a tenant's active steering configuration.
type Ruleset struct {
	// TenantID scopes the ruleset.
	TenantID string `yaml:"tenantId"`

	// Tier is the tenant tier exposed to predicates.
	Tier string `yaml:"tier,omitempty"`

	// Rules are evaluated in order; first match wins.
	Rules []SteeringRule `yaml:"rules,omitempty"`

	// BudgetCapCents is the per-period spending ceiling. Zero means
	// no cap.
	BudgetCapCents float64 `yaml:"budgetCapCents,omitempty"`

	// OnBudgetNear selects the policy applied when a selection would
	// exceed the cap. Defaults to BudgetFail.
	OnBudgetNear BudgetPolicy `yaml:"onBudgetNear,omitempty"`
}

// BudgetPolicyOrDefault returns the effective budget policy.
func (r *Ruleset) BudgetPolicyOrDefault() BudgetPolicy {
	if r.OnBudgetNear == BudgetDowngrade {
		return BudgetDowngrade
	}
	return BudgetFail
}

// predicateEnv builds the expr environment for one request.
// hourOfDay is passed in so selection stays deterministic given its
// inputs.
func predicateEnv(req Request, tier string, now time.Time) map[string]any {
	length := len(req.Prompt)
	bucket := "short"
	switch {
	case length > 4000:
		bucket = "long"
	case length > 500:
		bucket = "medium"
	}
	caps := req.PreferredCapabilities
	if caps == nil {
		caps = []string{}
	}
	return map[string]any{
		"promptLength": length,
		"promptBucket": bucket,
		"capabilities": caps,
		"hourOfDay":    now.Hour(),
		"tenantTier":   tier,
	}
}

// Compile compiles every predicate in the ruleset. Must be called
// once after loading; Match returns an error on uncompiled rules.
func (r *Ruleset) Compile() error {
	sample := predicateEnv(Request{}, "", time.Time{})
	for i := range r.Rules {
		rule := &r.Rules[i]
		program, err := expr.Compile(rule.Predicate, expr.Env(sample), expr.AsBool())
		if err != nil {
			return &errors.ConfigError{
				Key:    fmt.Sprintf("rules[%d].predicate", i),
				Reason: "predicate does not compile",
				Cause:  err,
			}
		}
		rule.program = program
	}
	return nil
}

// Match evaluates predicates in order and returns the first matching
// rule, or nil when no rule matches and the default selector applies.
func (r *Ruleset) Match(req Request, now time.Time) (*SteeringRule, error) {
	env := predicateEnv(req, r.Tier, now)
	for i := range r.Rules {
		rule := &r.Rules[i]
		if rule.program == nil {
			return nil, &errors.ConfigError{
				Key:    fmt.Sprintf("rules[%d]", i),
				Reason: "ruleset not compiled",
			}
		}
		out, err := expr.Run(rule.program, env)
		if err != nil {
			return nil, &errors.ConfigError{
				Key:    fmt.Sprintf("rules[%d].predicate", i),
				Reason: "predicate evaluation failed",
				Cause:  err,
			}
		}
		if matched, ok := out.(bool); ok && matched {
			return rule, nil
		}
	}
	return nil, nil
}

// LoadRulesets reads tenant steering rulesets from a YAML file of the
// shape {rulesets: [...]} and compiles every predicate.
func LoadRulesets(path string) (StaticRulesets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: path, Reason: "cannot read rulesets file", Cause: err}
	}
	var doc struct {
		Rulesets []*Ruleset `yaml:"rulesets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &errors.ConfigError{Key: path, Reason: "cannot parse rulesets file", Cause: err}
	}
	out := make(StaticRulesets, len(doc.Rulesets))
	for _, rs := range doc.Rulesets {
		if err := rs.Compile(); err != nil {
			return nil, err
		}
		out[rs.TenantID] = rs
	}
	return out, nil
}

// RulesetSource resolves a tenant's active steering ruleset.
type RulesetSource interface {
	RulesetFor(ctx context.Context, tenantID string) (*Ruleset, error)
}

// StaticRulesets is a RulesetSource backed by a fixed map. Tenants
// without an entry get an empty ruleset (default selector, no cap).
type StaticRulesets map[string]*Ruleset

// RulesetFor implements RulesetSource.
func (s StaticRulesets) RulesetFor(ctx context.Context, tenantID string) (*Ruleset, error) {
	if rs, ok := s[tenantID]; ok {
		return rs, nil
	}
	return &Ruleset{TenantID: tenantID}, nil
}

// CachedRulesets wraps a RulesetSource with a bounded-staleness cache.
// Entries live at most TTL; writers invalidate on mutation.
type CachedRulesets struct {
	source RulesetSource
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]cachedRuleset
}

type cachedRuleset struct {
	ruleset  *Ruleset
	loadedAt time.Time
}

// RulesetCacheTTL is the bounded staleness for cached rulesets.
const RulesetCacheTTL = 30 * time.Second

// NewCachedRulesets wraps source with a TTL cache. A non-positive ttl
// uses RulesetCacheTTL.
func NewCachedRulesets(source RulesetSource, ttl time.Duration) *CachedRulesets {
	if ttl <= 0 {
		ttl = RulesetCacheTTL
	}
	return &CachedRulesets{
		source:  source,
		ttl:     ttl,
		entries: make(map[string]cachedRuleset),
	}
}

// RulesetFor returns the cached ruleset when fresh, reloading
// otherwise.
func (c *CachedRulesets) RulesetFor(ctx context.Context, tenantID string) (*Ruleset, error) {
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < c.ttl {
		return entry.ruleset, nil
	}
	ruleset, err := c.source.RulesetFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[tenantID] = cachedRuleset{ruleset: ruleset, loadedAt: time.Now()}
	c.mu.Unlock()
	return ruleset, nil
}

// Invalidate drops the cached entry for a tenant after a mutation.
func (c *CachedRulesets) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}
