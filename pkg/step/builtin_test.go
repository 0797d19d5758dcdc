package step

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/engine/pkg/ai"
	"github.com/auterity/engine/pkg/errors"
	"github.com/auterity/engine/pkg/workflow"
)

func testContext(inputs map[string]any) *Context {
	return &Context{
		Meta:            RecordMeta{ExecutionID: "exec-1", StepID: "s1", Attempt: 1},
		TenantID:        "tenant-a",
		ExecutionInputs: inputs,
		Logger:          slog.Default(),
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewBuiltinRegistry()
	_, err := r.Get("teleport")
	require.Error(t, err)
	assert.Equal(t, errors.KindUnknownStepType, errors.KindOf(err))
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&startHandler{}))
	assert.Error(t, r.Register(&startHandler{}))
}

func TestStartHandlerReturnsExecutionInputs(t *testing.T) {
	h := &startHandler{}
	sc := testContext(map[string]any{"name": "ada", "n": float64(3)})
	res, err := h.Execute(context.Background(), &workflow.Step{ID: "start", Type: workflow.StepTypeStart}, nil, sc)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada", "n": float64(3)}, res.Output)
}

func TestInputHandler(t *testing.T) {
	h := &inputHandler{}
	sc := testContext(map[string]any{"a": "x", "b": "y"})

	tests := []struct {
		name    string
		params  map[string]any
		want    map[string]any
		wantErr errors.Kind
	}{
		{
			name:   "selects declared keys",
			params: map[string]any{"keys": []any{"a"}},
			want:   map[string]any{"a": "x"},
		},
		{
			name:    "missing key fails",
			params:  map[string]any{"keys": []any{"a", "missing"}},
			wantErr: errors.KindInvalidInput,
		},
		{
			name:   "missing key tolerated with allowMissing",
			params: map[string]any{"keys": []any{"a", "missing"}, "allowMissing": true},
			want:   map[string]any{"a": "x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &workflow.Step{ID: "in", Type: workflow.StepTypeInput, Parameters: tt.params}
			res, err := h.Execute(context.Background(), step, nil, sc)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, errors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output)
		})
	}
}

func TestProcessTransforms(t *testing.T) {
	h := &processHandler{}
	sc := testContext(nil)

	tests := []struct {
		name    string
		params  map[string]any
		inputs  map[string]any
		want    map[string]any
		wantErr errors.Kind
	}{
		{
			name:   "identity passes inputs through",
			params: map[string]any{"transform": "identity"},
			inputs: map[string]any{"k": "v"},
			want:   map[string]any{"k": "v"},
		},
		{
			name:   "uppercase transforms string values only",
			params: map[string]any{"transform": "uppercase"},
			inputs: map[string]any{"s": "hello", "n": float64(7)},
			want:   map[string]any{"s": "HELLO", "n": float64(7)},
		},
		{
			name:   "jsonExtract pulls nested value",
			params: map[string]any{"transform": "jsonExtract", "path": ".user.name"},
			inputs: map[string]any{"user": map[string]any{"name": "ada"}},
			want:   map[string]any{"result": "ada"},
		},
		{
			name:    "jsonExtract on bad path fails",
			params:  map[string]any{"transform": "jsonExtract", "path": ".["},
			inputs:  map[string]any{},
			wantErr: errors.KindTransformError,
		},
		{
			name:   "templateRender interpolates inputs",
			params: map[string]any{"transform": "templateRender", "template": "hi {{.name}}"},
			inputs: map[string]any{"name": "ada"},
			want:   map[string]any{"result": "hi ada"},
		},
		{
			name:    "templateRender strict fails on missing key",
			params:  map[string]any{"transform": "templateRender", "template": "hi {{.missing}}"},
			inputs:  map[string]any{"name": "ada"},
			wantErr: errors.KindTransformError,
		},
		{
			name:    "unknown transform rejected",
			params:  map[string]any{"transform": "reverse"},
			inputs:  map[string]any{},
			wantErr: errors.KindParameterSchema,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := &workflow.Step{ID: "p", Type: workflow.StepTypeProcess, Parameters: tt.params}
			res, err := h.Execute(context.Background(), step, tt.inputs, sc)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, errors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output)
		})
	}
}

func TestProcessValidateParameters(t *testing.T) {
	h := &processHandler{}
	assert.NoError(t, h.ValidateParameters(map[string]any{"transform": "jsonExtract", "path": ".a.b"}))
	assert.Error(t, h.ValidateParameters(map[string]any{"transform": "jsonExtract", "path": ".["}))
	assert.NoError(t, h.ValidateParameters(map[string]any{"transform": "templateRender", "template": "{{.x}}"}))
	assert.Error(t, h.ValidateParameters(map[string]any{"transform": "templateRender", "template": "{{.x"}))
}

type fakeAI struct {
	lastReq ai.Request
	resp    *ai.Response
	err     error
}

func (f *fakeAI) Route(ctx context.Context, req ai.Request) (*ai.Response, error) {
	f.lastReq = req
	return f.resp, f.err
}

func TestAIHandlerRendersPromptAndShapesOutput(t *testing.T) {
	client := &fakeAI{resp: &ai.Response{
		Text:      "summary text",
		ModelID:   "gpt-4o-mini",
		Provider:  "openai",
		Usage:     ai.Usage{PromptTokens: 12, CompletionTokens: 40},
		CostCents: 0.8,
		Decisions: []ai.Decision{{ModelID: "gpt-4o-mini", Provider: "openai"}},
	}}
	sc := testContext(nil)
	sc.AI = client

	step := &workflow.Step{
		ID:   "summarize",
		Type: workflow.StepTypeAI,
		Parameters: map[string]any{
			"prompt":                "Summarize: {{.text}}",
			"preferredCapabilities": []any{"summarize"},
			"maxCostCents":          float64(5),
		},
	}
	res, err := (&aiHandler{}).Execute(context.Background(), step, map[string]any{"text": "long doc"}, sc)
	require.NoError(t, err)

	assert.Equal(t, "Summarize: long doc", client.lastReq.Prompt)
	assert.Equal(t, []string{"summarize"}, client.lastReq.PreferredCapabilities)
	assert.Equal(t, float64(5), client.lastReq.MaxCostCents)
	assert.Equal(t, "tenant-a", client.lastReq.TenantID)

	assert.Equal(t, "summary text", res.Output["text"])
	assert.Equal(t, "gpt-4o-mini", res.Output["modelId"])
	assert.Equal(t, 0.8, res.Output["costCents"])
	assert.Len(t, res.Decisions, 1)
}

func TestAIHandlerWithoutClient(t *testing.T) {
	sc := testContext(nil)
	step := &workflow.Step{ID: "s", Type: workflow.StepTypeAI, Parameters: map[string]any{"prompt": "x"}}
	_, err := (&aiHandler{}).Execute(context.Background(), step, nil, sc)
	require.Error(t, err)
	assert.Equal(t, errors.KindAIUnavailable, errors.KindOf(err))
}

func TestAIHandlerNotIdempotent(t *testing.T) {
	assert.False(t, (&aiHandler{}).Idempotent())
	assert.True(t, (&processHandler{}).Idempotent())
}

func TestStaticSecrets(t *testing.T) {
	s := StaticSecrets{"api-key": "shhh"}
	v, err := s.Secret(context.Background(), "api-key")
	require.NoError(t, err)
	assert.Equal(t, "shhh", v)

	_, err = s.Secret(context.Background(), "nope")
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}
