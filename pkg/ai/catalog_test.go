package ai

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogGetAndModels(t *testing.T) {
	c := testCatalog()

	m, ok := c.Get("sonnet")
	require.True(t, ok)
	assert.Equal(t, "fake", m.Provider)

	_, ok = c.Get("nope")
	assert.False(t, ok)

	models := c.Models()
	require.Len(t, models, 3)
	assert.Equal(t, "haiku", models[0].ID)
	assert.Equal(t, "opus", models[1].ID)
	assert.Equal(t, "sonnet", models[2].ID)
}

func TestHasCapabilities(t *testing.T) {
	m := Model{Capabilities: []string{"text-generation", "code"}}
	assert.True(t, m.HasCapabilities(nil))
	assert.True(t, m.HasCapabilities([]string{"code"}))
	assert.True(t, m.HasCapabilities([]string{"code", "text-generation"}))
	assert.False(t, m.HasCapabilities([]string{"vision"}))
}

func TestModelTimeout(t *testing.T) {
	assert.Equal(t, DefaultProviderTimeout, Model{}.Timeout())
	assert.Equal(t, 1500*time.Millisecond, Model{TimeoutMs: 1500}.Timeout())
}

func TestEstimateCostCents(t *testing.T) {
	c := NewCatalog()
	m := Model{InputCentsPerKTokens: 2, OutputCentsPerKTokens: 4}

	// 8 chars round to 2 tokens; completion assumed 500 tokens.
	est := c.EstimateCostCents(m, "12345678")
	assert.InDelta(t, 2*2.0/1000+4*500.0/1000, est, 1e-9)

	assert.InDelta(t, 4*500.0/1000, c.EstimateCostCents(m, ""), 1e-9)
}

func TestActualCostCents(t *testing.T) {
	c := NewCatalog()
	m := Model{InputCentsPerKTokens: 2, OutputCentsPerKTokens: 4}
	got := c.ActualCostCents(m, Usage{PromptTokens: 1000, CompletionTokens: 500})
	assert.InDelta(t, 2.0+2.0, got, 1e-9)
}

func TestApproxTokens(t *testing.T) {
	assert.Equal(t, 0, approxTokens(""))
	assert.Equal(t, 1, approxTokens("a"))
	assert.Equal(t, 1, approxTokens("abcd"))
	assert.Equal(t, 2, approxTokens("abcde"))
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  - id: haiku
    provider: anthropic
    capabilities: [text-generation]
    qualityScore: 0.5
    inputCentsPerKTokens: 0.1
    outputCentsPerKTokens: 0.2
    timeoutMs: 30000
`), 0o600))

	c, err := LoadCatalog(path)
	require.NoError(t, err)

	m, ok := c.Get("haiku")
	require.True(t, ok)
	assert.Equal(t, "anthropic", m.Provider)
	assert.Equal(t, 30*time.Second, m.Timeout())
}

func TestLoadCatalogErrors(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	incomplete := filepath.Join(t.TempDir(), "incomplete.yaml")
	require.NoError(t, os.WriteFile(incomplete, []byte("models:\n  - id: haiku\n"), 0o600))
	_, err = LoadCatalog(incomplete)
	assert.Error(t, err, "model without provider must be rejected")
}
