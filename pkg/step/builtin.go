package step

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/itchyny/gojq"

	"github.com/auterity/engine/pkg/ai"
	"github.com/auterity/engine/pkg/errors"
	"github.com/auterity/engine/pkg/workflow"
)

// startHandler marks the entry node. Its output is the execution's
// materialized input set, so unbound successors inherit the inputs.
type startHandler struct{}

func (h *startHandler) Type() workflow.StepType                        { return workflow.StepTypeStart }
func (h *startHandler) ValidateParameters(params map[string]any) error { return nil }
func (h *startHandler) Idempotent() bool                               { return true }
func (h *startHandler) DefaultTimeout() time.Duration                  { return 0 }

func (h *startHandler) Execute(ctx context.Context, step *workflow.Step, inputs map[string]any, sc *Context) (*Result, error) {
	out := make(map[string]any, len(sc.ExecutionInputs))
	for k, v := range sc.ExecutionInputs {
		out[k] = v
	}
	return &Result{Output: out}, nil
}

// endHandler marks a terminal node. It produces no output.
type endHandler struct{}

func (h *endHandler) Type() workflow.StepType                        { return workflow.StepTypeEnd }
func (h *endHandler) ValidateParameters(params map[string]any) error { return nil }
func (h *endHandler) Idempotent() bool                               { return true }
func (h *endHandler) DefaultTimeout() time.Duration                  { return 0 }

func (h *endHandler) Execute(ctx context.Context, step *workflow.Step, inputs map[string]any, sc *Context) (*Result, error) {
	return &Result{Output: map[string]any{}}, nil
}

// inputHandler projects named keys from the execution inputs into the
// step output. Missing keys fail invalid-input unless allowMissing is
// set.
type inputHandler struct{}

func (h *inputHandler) Type() workflow.StepType                        { return workflow.StepTypeInput }
func (h *inputHandler) ValidateParameters(params map[string]any) error { return nil }
func (h *inputHandler) Idempotent() bool                               { return true }
func (h *inputHandler) DefaultTimeout() time.Duration                  { return 0 }

func (h *inputHandler) Execute(ctx context.Context, step *workflow.Step, inputs map[string]any, sc *Context) (*Result, error) {
	keys, err := stringSlice(step.Parameters["keys"])
	if err != nil {
		return nil, &errors.StepError{
			Kind:    errors.KindParameterSchema,
			StepID:  step.ID,
			Message: "keys must be a list of strings",
			Cause:   err,
		}
	}
	allowMissing, _ := step.Parameters["allowMissing"].(bool)

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		v, ok := sc.ExecutionInputs[k]
		if !ok {
			if allowMissing {
				continue
			}
			return nil, &errors.StepError{
				Kind:    errors.KindInvalidInput,
				StepID:  step.ID,
				Message: fmt.Sprintf("required execution input %q not provided", k),
			}
		}
		out[k] = v
	}
	return &Result{Output: out}, nil
}

// processHandler applies one of the built-in transforms to the
// resolved inputs.
type processHandler struct{}

func (h *processHandler) Type() workflow.StepType       { return workflow.StepTypeProcess }
func (h *processHandler) Idempotent() bool              { return true }
func (h *processHandler) DefaultTimeout() time.Duration { return 0 }

// ValidateParameters precompiles the transform so definition upload
// catches bad jq paths and templates before any execution starts.
func (h *processHandler) ValidateParameters(params map[string]any) error {
	switch params["transform"] {
	case "jsonExtract":
		path, _ := params["path"].(string)
		if _, err := gojq.Parse(path); err != nil {
			return &errors.ValidationError{
				Kind:    errors.KindParameterSchema,
				Field:   "path",
				Message: fmt.Sprintf("jq path does not parse: %v", err),
			}
		}
	case "templateRender":
		tmpl, _ := params["template"].(string)
		if _, err := template.New("step").Parse(tmpl); err != nil {
			return &errors.ValidationError{
				Kind:    errors.KindParameterSchema,
				Field:   "template",
				Message: fmt.Sprintf("template does not parse: %v", err),
			}
		}
	}
	return nil
}

func (h *processHandler) Execute(ctx context.Context, step *workflow.Step, inputs map[string]any, sc *Context) (*Result, error) {
	transform, _ := step.Parameters["transform"].(string)
	switch transform {
	case "identity":
		out := make(map[string]any, len(inputs))
		for k, v := range inputs {
			out[k] = v
		}
		return &Result{Output: out}, nil

	case "uppercase":
		out := make(map[string]any, len(inputs))
		for k, v := range inputs {
			if s, ok := v.(string); ok {
				out[k] = strings.ToUpper(s)
			} else {
				out[k] = v
			}
		}
		return &Result{Output: out}, nil

	case "jsonExtract":
		path, _ := step.Parameters["path"].(string)
		return jsonExtract(step.ID, path, inputs)

	case "templateRender":
		tmpl, _ := step.Parameters["template"].(string)
		strict := true
		if v, ok := step.Parameters["strict"].(bool); ok {
			strict = v
		}
		return templateRender(step.ID, tmpl, strict, inputs)

	default:
		return nil, &errors.StepError{
			Kind:    errors.KindParameterSchema,
			StepID:  step.ID,
			Message: fmt.Sprintf("unknown transform %q", transform),
		}
	}
}

// jsonExtract evaluates a jq path over the input object. The first
// emitted value lands under "result"; an empty stream is a transform
// error, not a silent null.
func jsonExtract(stepID, path string, inputs map[string]any) (*Result, error) {
	query, err := gojq.Parse(path)
	if err != nil {
		return nil, &errors.StepError{
			Kind:    errors.KindTransformError,
			StepID:  stepID,
			Message: fmt.Sprintf("jq path does not parse: %v", err),
			Cause:   err,
		}
	}
	doc := make(map[string]any, len(inputs))
	for k, v := range inputs {
		doc[k] = v
	}
	iter := query.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, &errors.StepError{
			Kind:    errors.KindTransformError,
			StepID:  stepID,
			Message: fmt.Sprintf("jq path %q produced no value", path),
		}
	}
	if err, isErr := v.(error); isErr {
		return nil, &errors.StepError{
			Kind:    errors.KindTransformError,
			StepID:  stepID,
			Message: fmt.Sprintf("jq evaluation failed: %v", err),
			Cause:   err,
		}
	}
	return &Result{Output: map[string]any{"result": v}}, nil
}

// templateRender renders a Go text template over the input object.
// Strict mode turns unresolved references into transform errors.
func templateRender(stepID, tmpl string, strict bool, inputs map[string]any) (*Result, error) {
	t := template.New("step")
	if strict {
		t = t.Option("missingkey=error")
	} else {
		t = t.Option("missingkey=zero")
	}
	t, err := t.Parse(tmpl)
	if err != nil {
		return nil, &errors.StepError{
			Kind:    errors.KindTransformError,
			StepID:  stepID,
			Message: fmt.Sprintf("template does not parse: %v", err),
			Cause:   err,
		}
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, inputs); err != nil {
		return nil, &errors.StepError{
			Kind:    errors.KindTransformError,
			StepID:  stepID,
			Message: fmt.Sprintf("template render failed: %v", err),
			Cause:   err,
		}
	}
	return &Result{Output: map[string]any{"result": buf.String()}}, nil
}

// aiHandler routes a prompt through the AI routing client. The prompt
// parameter is itself a template over the resolved inputs, so upstream
// outputs flow into the prompt without an extra process step.
type aiHandler struct{}

func (h *aiHandler) Type() workflow.StepType { return workflow.StepTypeAI }

// Idempotent is false: a completion may have been billed even when the
// response was lost, so ambiguous failures are not retried here. Retry
// lives inside the routing client where attempts are accounted.
func (h *aiHandler) Idempotent() bool { return false }

func (h *aiHandler) DefaultTimeout() time.Duration { return ai.DefaultProviderTimeout }

func (h *aiHandler) ValidateParameters(params map[string]any) error {
	prompt, _ := params["prompt"].(string)
	if _, err := template.New("prompt").Parse(prompt); err != nil {
		return &errors.ValidationError{
			Kind:    errors.KindParameterSchema,
			Field:   "prompt",
			Message: fmt.Sprintf("prompt template does not parse: %v", err),
		}
	}
	return nil
}

func (h *aiHandler) Execute(ctx context.Context, step *workflow.Step, inputs map[string]any, sc *Context) (*Result, error) {
	if sc.AI == nil {
		return nil, &errors.StepError{
			Kind:    errors.KindAIUnavailable,
			StepID:  step.ID,
			Message: "no AI routing client configured",
		}
	}

	promptTmpl, _ := step.Parameters["prompt"].(string)
	rendered, err := templateRender(step.ID, promptTmpl, false, inputs)
	if err != nil {
		return nil, err
	}
	prompt, _ := rendered.Output["result"].(string)

	req := ai.Request{
		Prompt:   prompt,
		TenantID: sc.TenantID,
		Metadata: map[string]string{
			"executionId": sc.Meta.ExecutionID,
			"stepId":      sc.Meta.StepID,
		},
	}
	if caps, err := stringSlice(step.Parameters["preferredCapabilities"]); err == nil {
		req.PreferredCapabilities = caps
	}
	if v, ok := asFloat(step.Parameters["maxCostCents"]); ok {
		req.MaxCostCents = v
	}
	if v, ok := asFloat(step.Parameters["maxLatencyMs"]); ok {
		req.MaxLatencyMs = int64(v)
	}

	resp, err := sc.AI.Route(ctx, req)
	if err != nil {
		return nil, err
	}

	sc.Logger.Info("ai completion",
		"model", resp.ModelID,
		"provider", resp.Provider,
		"cost_cents", resp.CostCents,
		"fallback_depth", resp.FallbackDepth,
	)
	return &Result{
		Output: map[string]any{
			"text":    resp.Text,
			"modelId": resp.ModelID,
			"usage": map[string]any{
				"promptTokens":     resp.Usage.PromptTokens,
				"completionTokens": resp.Usage.CompletionTokens,
			},
			"costCents": resp.CostCents,
		},
		Decisions: resp.Decisions,
	}, nil
}

// outputHandler registers its resolved inputs as a fragment of the
// execution outputs. The engine gathers output-step results into the
// final output object.
type outputHandler struct{}

func (h *outputHandler) Type() workflow.StepType                        { return workflow.StepTypeOutput }
func (h *outputHandler) ValidateParameters(params map[string]any) error { return nil }
func (h *outputHandler) Idempotent() bool                               { return true }
func (h *outputHandler) DefaultTimeout() time.Duration                  { return 0 }

func (h *outputHandler) Execute(ctx context.Context, step *workflow.Step, inputs map[string]any, sc *Context) (*Result, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return &Result{Output: out}, nil
}

// stringSlice coerces a decoded JSON array into []string.
func stringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", v)
	}
}

// asFloat coerces decoded JSON numbers.
func asFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case float64:
		return vv, true
	case int:
		return float64(vv), true
	case int64:
		return float64(vv), true
	default:
		return 0, false
	}
}
