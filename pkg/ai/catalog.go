package ai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/auterity/engine/pkg/errors"
)

// Model describes one registered model and its published rates.
// Models are registered by the model registry; the engine only
// consumes them.
type Model struct {
	// ID is the unique model identifier (e.g. "claude-haiku").
	ID string `yaml:"id"`

	// Provider names the provider adapter that serves this model.
	Provider string `yaml:"provider"`

	// Capabilities declares what the model supports (e.g.
	// "text-generation", "code", "vision").
	Capabilities []string `yaml:"capabilities"`

	// QualityScore ranks models of equal cost; higher wins ties.
	QualityScore float64 `yaml:"qualityScore"`

	// InputCentsPerKTokens is the published input rate.
	InputCentsPerKTokens float64 `yaml:"inputCentsPerKTokens"`

	// OutputCentsPerKTokens is the published output rate.
	OutputCentsPerKTokens float64 `yaml:"outputCentsPerKTokens"`

	// TimeoutMs is the provider default timeout for this model.
	// Zero falls back to DefaultProviderTimeout.
	TimeoutMs int64 `yaml:"timeoutMs,omitempty"`
}

// HasCapabilities reports whether the model's declared capabilities
// cover all requested ones.
func (m Model) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range m.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Timeout returns the provider default timeout for this model.
func (m Model) Timeout() time.Duration {
	if m.TimeoutMs > 0 {
		return time.Duration(m.TimeoutMs) * time.Millisecond
	}
	return DefaultProviderTimeout
}

// estimatedCompletionTokens is the planning assumption for the
// completion length when estimating cost before the call.
const estimatedCompletionTokens = 500

// Catalog holds the model registry with published rates. Rates are
// loaded at startup and refreshable: Watch reloads the backing file
// on change, and readers always see a consistent snapshot.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]Model
	path   string
}

// NewCatalog builds a catalog from an in-memory model list.
func NewCatalog(models ...Model) *Catalog {
	c := &Catalog{models: make(map[string]Model, len(models))}
	for _, m := range models {
		c.models[m.ID] = m
	}
	return c
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{models: make(map[string]Model), path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

type catalogFile struct {
	Models []Model `yaml:"models"`
}

func (c *Catalog) reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return &errors.ConfigError{Key: "catalog", Reason: "cannot read model catalog", Cause: err}
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return &errors.ConfigError{Key: "catalog", Reason: "cannot parse model catalog", Cause: err}
	}
	models := make(map[string]Model, len(file.Models))
	for _, m := range file.Models {
		if m.ID == "" || m.Provider == "" {
			return &errors.ConfigError{
				Key:    "catalog.models",
				Reason: fmt.Sprintf("model entry %+v is missing id or provider", m),
			}
		}
		models[m.ID] = m
	}
	c.mu.Lock()
	c.models = models
	c.mu.Unlock()
	return nil
}

// Watch reloads the catalog when its backing file changes. It blocks
// until ctx is cancelled and is a no-op for in-memory catalogs.
func (c *Catalog) Watch(ctx context.Context, logger *slog.Logger) error {
	if c.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(c.path); err != nil {
		return fmt.Errorf("watch catalog file: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.reload(); err != nil {
				logger.Warn("catalog reload failed, keeping previous rates", "error", err)
				continue
			}
			logger.Info("model catalog reloaded", "path", c.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("catalog watcher error", "error", err)
		}
	}
}

// Get returns the model with the given id.
func (c *Catalog) Get(id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// Models returns all models sorted by id for deterministic iteration.
func (c *Catalog) Models() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EstimateCostCents predicts the cost of a call before it is made,
// using the published rates, an approximate prompt token count, and
// the planning assumption for completion length.
func (c *Catalog) EstimateCostCents(model Model, prompt string) float64 {
	promptTokens := approxTokens(prompt)
	return model.InputCentsPerKTokens*float64(promptTokens)/1000 +
		model.OutputCentsPerKTokens*float64(estimatedCompletionTokens)/1000
}

// ActualCostCents computes the cost of a completed call from reported
// usage and published rates.
func (c *Catalog) ActualCostCents(model Model, usage Usage) float64 {
	return model.InputCentsPerKTokens*float64(usage.PromptTokens)/1000 +
		model.OutputCentsPerKTokens*float64(usage.CompletionTokens)/1000
}

// approxTokens estimates token count at four characters per token,
// rounding up. Good enough for pre-call budgeting.
func approxTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
