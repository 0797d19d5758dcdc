// Package step defines the step handler capability set and the typed
// registry the engine dispatches through. Unknown step types fail at
// definition validation, never at dispatch.
package step

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/auterity/engine/pkg/ai"
	"github.com/auterity/engine/pkg/errors"
	"github.com/auterity/engine/pkg/workflow"
)

// AIClient is the slice of the routing client handlers consume.
type AIClient interface {
	Route(ctx context.Context, req ai.Request) (*ai.Response, error)
}

// SecretAccessor resolves tenant-scoped secrets by name. The vault
// integration lives outside the engine.
type SecretAccessor interface {
	Secret(ctx context.Context, name string) (string, error)
}

// StaticSecrets is a SecretAccessor backed by a fixed map, for tests
// and single-tenant deployments.
type StaticSecrets map[string]string

// Secret implements SecretAccessor.
func (s StaticSecrets) Secret(ctx context.Context, name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", &errors.NotFoundError{Resource: "secret", ID: name}
}

// RecordMeta is the read-only step record metadata exposed to a
// handler during execution.
type RecordMeta struct {
	ExecutionID string
	StepID      string
	Attempt     int
}

// Context is the execution context handed to a handler alongside its
// resolved inputs. Cancellation propagates through the standard
// context passed to Execute; well-behaved handlers check it at
// suspension points.
type Context struct {
	// Meta is the current step record metadata.
	Meta RecordMeta

	// TenantID scopes AI routing and secrets.
	TenantID string

	// ExecutionInputs is the execution's materialized input set.
	ExecutionInputs map[string]any

	// Logger is scoped to the execution and step.
	Logger *slog.Logger

	// AI is the routing client reference, nil when no AI steps exist.
	AI AIClient

	// Secrets resolves tenant-scoped secrets.
	Secrets SecretAccessor
}

// Result is the structured outcome of a successful step execution.
type Result struct {
	// Output is the step's output object, consumed by successors.
	Output map[string]any

	// Decisions carries AI routing decisions to persist with the
	// step record. Empty for non-AI steps.
	Decisions []ai.Decision
}

// Handler executes one step type.
type Handler interface {
	// Type returns the step type this handler serves.
	Type() workflow.StepType

	// ValidateParameters checks type-specific parameters beyond the
	// structural schema. Most handlers have nothing to add.
	ValidateParameters(params map[string]any) error

	// Execute runs the step with its resolved inputs. Failures return
	// an error carrying a stable kind; only unexpected conditions may
	// panic, and the engine converts those to handler-panic.
	Execute(ctx context.Context, step *workflow.Step, inputs map[string]any, sc *Context) (*Result, error)

	// Idempotent reports whether the engine may retry this handler on
	// ambiguous failures.
	Idempotent() bool

	// DefaultTimeout is the handler's per-step timeout when the step
	// parameters do not set one. Zero means the engine default.
	DefaultTimeout() time.Duration
}

// Registry maps step types to handlers. It is safe for concurrent
// reads after registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[workflow.StepType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[workflow.StepType]Handler)}
}

// NewBuiltinRegistry creates a registry with the built-in handlers
// registered.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, h := range []Handler{
		&startHandler{},
		&endHandler{},
		&inputHandler{},
		&processHandler{},
		&outputHandler{},
		&aiHandler{},
	} {
		// Built-in types cannot collide.
		_ = r.Register(h)
	}
	return r
}

// Register adds a handler. Registering a type twice is an error;
// connector packages own distinct types.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Type()]; exists {
		return fmt.Errorf("handler for step type %q already registered", h.Type())
	}
	r.handlers[h.Type()] = h
	return nil
}

// Get returns the handler for a step type.
func (r *Registry) Get(stepType workflow.StepType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[stepType]
	if !ok {
		return nil, &errors.ValidationError{
			Kind:    errors.KindUnknownStepType,
			Message: fmt.Sprintf("no handler registered for step type %q", stepType),
		}
	}
	return h, nil
}

// Types returns the registered step types in sorted order.
func (r *Registry) Types() []workflow.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]workflow.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
