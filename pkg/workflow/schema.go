package workflow

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/auterity/engine/pkg/errors"
)

// Per-type parameter schemas. Validation is structural: a definition
// whose parameters do not match its step type's schema is rejected at
// save time, never at dispatch.
var parameterSchemas = map[StepType]string{
	StepTypeStart: `{
		"type": "object",
		"properties": {
			"timeoutMs": {"type": "integer", "minimum": 1}
		}
	}`,
	StepTypeEnd: `{
		"type": "object",
		"properties": {
			"timeoutMs": {"type": "integer", "minimum": 1}
		}
	}`,
	StepTypeInput: `{
		"type": "object",
		"required": ["keys"],
		"properties": {
			"keys": {
				"type": "array",
				"items": {"type": "string", "minLength": 1},
				"minItems": 1
			},
			"allowMissing": {"type": "boolean"},
			"timeoutMs": {"type": "integer", "minimum": 1}
		}
	}`,
	StepTypeProcess: `{
		"type": "object",
		"required": ["transform"],
		"properties": {
			"transform": {"enum": ["identity", "uppercase", "jsonExtract", "templateRender"]},
			"path": {"type": "string", "minLength": 1},
			"template": {"type": "string"},
			"strict": {"type": "boolean"},
			"timeoutMs": {"type": "integer", "minimum": 1}
		},
		"allOf": [
			{
				"if": {"properties": {"transform": {"const": "jsonExtract"}}},
				"then": {"required": ["path"]}
			},
			{
				"if": {"properties": {"transform": {"const": "templateRender"}}},
				"then": {"required": ["template"]}
			}
		]
	}`,
	StepTypeOutput: `{
		"type": "object",
		"properties": {
			"timeoutMs": {"type": "integer", "minimum": 1}
		}
	}`,
	StepTypeAI: `{
		"type": "object",
		"required": ["prompt"],
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"preferredCapabilities": {
				"type": "array",
				"items": {"type": "string", "minLength": 1}
			},
			"maxCostCents": {"type": "number", "minimum": 0},
			"maxLatencyMs": {"type": "integer", "minimum": 1},
			"timeoutMs": {"type": "integer", "minimum": 1}
		}
	}`,
}

var compiledSchemas = compileParameterSchemas()

func compileParameterSchemas() map[StepType]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	out := make(map[StepType]*jsonschema.Schema, len(parameterSchemas))
	for stepType, raw := range parameterSchemas {
		url := fmt.Sprintf("urn:auterity:step:%s.json", stepType)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("parameter schema for %s: %v", stepType, err))
		}
		if err := compiler.AddResource(url, doc); err != nil {
			panic(fmt.Sprintf("parameter schema for %s: %v", stepType, err))
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("parameter schema for %s: %v", stepType, err))
		}
		out[stepType] = sch
	}
	return out
}

// ValidateParameters checks a step's parameters against its type's
// schema. Unknown types are caught earlier by Validate.
func ValidateParameters(step *Step) error {
	sch, ok := compiledSchemas[step.Type]
	if !ok {
		return &errors.ValidationError{
			Kind:    errors.KindUnknownStepType,
			Field:   step.ID,
			Message: fmt.Sprintf("unknown step type %q", step.Type),
		}
	}
	params := step.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if err := sch.Validate(toJSONValue(params)); err != nil {
		return &errors.ValidationError{
			Kind:    errors.KindParameterSchema,
			Field:   step.ID,
			Message: fmt.Sprintf("parameters do not match %s schema: %v", step.Type, err),
		}
	}
	return nil
}

// toJSONValue normalizes Go values into the shapes the jsonschema
// validator expects (the set produced by encoding/json). Integers in
// hand-built parameter maps are widened to float64.
func toJSONValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONValue(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
