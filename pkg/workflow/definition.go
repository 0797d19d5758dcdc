// Package workflow defines the workflow definition model and its
// validator. A definition is a directed acyclic graph of typed steps;
// it is produced by the builder, validated once on save, and never
// mutated afterwards (new versions supersede).
package workflow

import (
	"encoding/json"
	"fmt"
)

// StepType identifies the handler responsible for a step.
type StepType string

const (
	// StepTypeStart marks the entry node. Its output is the
	// execution's materialized inputs.
	StepTypeStart StepType = "start"

	// StepTypeEnd marks a terminal node. It accepts inputs and
	// produces no outputs.
	StepTypeEnd StepType = "end"

	// StepTypeInput selects a subset of execution inputs by key.
	StepTypeInput StepType = "input"

	// StepTypeProcess applies a declared transformation to its inputs.
	StepTypeProcess StepType = "process"

	// StepTypeOutput registers its resolved inputs as execution outputs.
	StepTypeOutput StepType = "output"

	// StepTypeAI delegates to the AI routing client.
	StepTypeAI StepType = "ai"
)

// BuiltinStepTypes lists the step types shipped with the engine.
// Connector step types are registered separately at startup.
var BuiltinStepTypes = []StepType{
	StepTypeStart, StepTypeEnd, StepTypeInput,
	StepTypeProcess, StepTypeOutput, StepTypeAI,
}

// FailurePolicy controls how an execution reacts to a failed step.
type FailurePolicy string

const (
	// FailFast cancels remaining running steps and fails the
	// execution on the first step failure. This is the default.
	FailFast FailurePolicy = "fail-fast"

	// ContinueOnError skips only the failed branch; the execution
	// keeps running and terminates FAILED iff any step failed.
	ContinueOnError FailurePolicy = "continue-on-error"
)

// Binding declares how one input of a step is resolved at dispatch
// time. Exactly one of the three forms is set: a literal value, a
// reference to a predecessor step's output, or a reference to a
// workflow input.
type Binding struct {
	// Literal is an inline constant value.
	Literal json.RawMessage `json:"literal,omitempty"`

	// StepID references a predecessor step. OutputName selects a key
	// of that step's output; empty selects the whole output object.
	StepID     string `json:"stepId,omitempty"`
	OutputName string `json:"outputName,omitempty"`

	// Input references a declared workflow input by name.
	Input string `json:"input,omitempty"`
}

// kindOf reports which of the three binding forms is set.
// Returns an error when zero or more than one form is set.
func (b Binding) kindOf() (string, error) {
	set := 0
	kind := ""
	if b.Literal != nil {
		set++
		kind = "literal"
	}
	if b.StepID != "" {
		set++
		kind = "step"
	}
	if b.Input != "" {
		set++
		kind = "input"
	}
	if set != 1 {
		return "", fmt.Errorf("binding must set exactly one of literal, stepId, input")
	}
	return kind, nil
}

// Step is a node in the workflow DAG.
type Step struct {
	// ID is unique within the definition.
	ID string `json:"id"`

	// Type selects the handler.
	Type StepType `json:"type"`

	// Parameters is the step-type-specific configuration, validated
	// structurally against the type's parameter schema.
	Parameters map[string]any `json:"parameters,omitempty"`

	// InputBindings maps handler input names to their sources.
	InputBindings map[string]Binding `json:"inputBindings,omitempty"`
}

// Edge is a dependency between two steps: Target may not start until
// Source has completed.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Definition is an immutable workflow version.
type Definition struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Name    string `json:"name"`

	Nodes []Step `json:"nodes"`
	Edges []Edge `json:"edges"`

	// DeclaredInputs maps workflow input names to their JSON types.
	DeclaredInputs map[string]string `json:"declaredInputs,omitempty"`

	// DeclaredOutputs maps workflow output names to their JSON types.
	DeclaredOutputs map[string]string `json:"declaredOutputs,omitempty"`

	// OnStepFailure is the failure policy; FailFast when empty.
	OnStepFailure FailurePolicy `json:"onStepFailure,omitempty"`

	// MaxConcurrency bounds concurrent steps within one execution.
	// Zero means the engine default.
	MaxConcurrency int `json:"maxConcurrency,omitempty"`

	// DefaultTimeoutMs is the per-execution timeout when the caller
	// does not override it. Zero means the engine default.
	DefaultTimeoutMs int64 `json:"defaultTimeoutMs,omitempty"`
}

// Policy returns the effective failure policy.
func (d *Definition) Policy() FailurePolicy {
	if d.OnStepFailure == ContinueOnError {
		return ContinueOnError
	}
	return FailFast
}

// ParseDefinition decodes a persisted JSON definition. The result is
// not yet validated; call Validate before handing it to the engine.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	return &def, nil
}
