package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auterity/engine/pkg/errors"
)

func node(id string, t StepType) Step {
	s := Step{ID: id, Type: t}
	if t == StepTypeProcess {
		s.Parameters = map[string]any{"transform": "identity"}
	}
	return s
}

func diamond() *Definition {
	return &Definition{
		ID: "wf-d", Version: 1, Name: "diamond",
		Nodes: []Step{
			node("start", StepTypeStart),
			node("left", StepTypeProcess),
			node("right", StepTypeProcess),
			node("join", StepTypeOutput),
		},
		Edges: []Edge{
			{Source: "start", Target: "left"},
			{Source: "start", Target: "right"},
			{Source: "left", Target: "join"},
			{Source: "right", Target: "join"},
		},
	}
}

func TestValidateAccessors(t *testing.T) {
	v, err := Validate(diamond(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "start", v.StartID())
	assert.Equal(t, []string{"left", "right"}, v.Predecessors("join"))
	assert.Equal(t, []string{"left", "right"}, v.Successors("start"))
	assert.Equal(t, []string{"join", "left", "right", "start"}, v.Reachable())
	assert.Equal(t, []string{"join", "left", "right"}, v.Descendants("start"))
	assert.Equal(t, []string{"join"}, v.OutputSteps())
	assert.Nil(t, v.Step("missing"))
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name string
		def  *Definition
		want errors.Kind
	}{
		{
			name: "nil definition",
			def:  nil,
			want: errors.KindSchema,
		},
		{
			name: "duplicate id",
			def: &Definition{Nodes: []Step{
				node("start", StepTypeStart), node("a", StepTypeProcess), node("a", StepTypeProcess),
			}},
			want: errors.KindDuplicateID,
		},
		{
			name: "unknown step type",
			def: &Definition{Nodes: []Step{
				node("start", StepTypeStart), {ID: "x", Type: "teleport"},
			}},
			want: errors.KindUnknownStepType,
		},
		{
			name: "dangling edge",
			def: &Definition{
				Nodes: []Step{node("start", StepTypeStart), node("a", StepTypeProcess)},
				Edges: []Edge{{Source: "start", Target: "ghost"}},
			},
			want: errors.KindDanglingEdge,
		},
		{
			name: "self edge",
			def: &Definition{
				Nodes: []Step{node("start", StepTypeStart), node("a", StepTypeProcess)},
				Edges: []Edge{{Source: "start", Target: "a"}, {Source: "a", Target: "a"}},
			},
			want: errors.KindCycleDetected,
		},
		{
			name: "cycle",
			def: &Definition{
				Nodes: []Step{node("start", StepTypeStart), node("a", StepTypeProcess), node("b", StepTypeProcess)},
				Edges: []Edge{
					{Source: "start", Target: "a"},
					{Source: "a", Target: "b"},
					{Source: "b", Target: "a"},
				},
			},
			want: errors.KindCycleDetected,
		},
		{
			name: "no start",
			def: &Definition{
				Nodes: []Step{node("a", StepTypeProcess)},
			},
			want: errors.KindSchema,
		},
		{
			name: "two starts",
			def: &Definition{
				Nodes: []Step{node("s1", StepTypeStart), node("s2", StepTypeStart)},
			},
			want: errors.KindSchema,
		},
		{
			name: "start with predecessor",
			def: &Definition{
				Nodes: []Step{node("start", StepTypeStart), node("a", StepTypeProcess)},
				Edges: []Edge{{Source: "a", Target: "start"}},
			},
			want: errors.KindSchema,
		},
		{
			name: "unreachable node",
			def: &Definition{
				Nodes: []Step{node("start", StepTypeStart), node("island", StepTypeProcess)},
			},
			want: errors.KindUnreachableNode,
		},
		{
			name: "parameter schema violation",
			def: &Definition{
				Nodes: []Step{
					node("start", StepTypeStart),
					{ID: "p", Type: StepTypeProcess, Parameters: map[string]any{"transform": "jsonExtract"}},
				},
				Edges: []Edge{{Source: "start", Target: "p"}},
			},
			want: errors.KindParameterSchema,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.def, Options{})
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.KindOf(err))
		})
	}
}

func TestValidateAllowUnreachable(t *testing.T) {
	def := &Definition{
		Nodes: []Step{node("start", StepTypeStart), node("island", StepTypeProcess)},
	}
	v, err := Validate(def, Options{AllowUnreachable: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, v.Reachable())
}

func TestValidateExtraTypes(t *testing.T) {
	def := &Definition{
		Nodes: []Step{
			node("start", StepTypeStart),
			{ID: "hook", Type: "webhook", Parameters: map[string]any{"url": "https://example.test"}},
		},
		Edges: []Edge{{Source: "start", Target: "hook"}},
	}

	_, err := Validate(def, Options{})
	require.Error(t, err)
	assert.Equal(t, errors.KindUnknownStepType, errors.KindOf(err))

	v, err := Validate(def, Options{ExtraTypes: []StepType{"webhook"}})
	require.NoError(t, err)
	assert.NotNil(t, v.Step("hook"))
}

func TestValidateBindings(t *testing.T) {
	lit := json.RawMessage(`"x"`)

	base := func() *Definition {
		d := diamond()
		d.DeclaredInputs = map[string]string{"who": "string"}
		return d
	}

	t.Run("valid binding forms", func(t *testing.T) {
		d := base()
		d.Nodes[3].InputBindings = map[string]Binding{
			"a": {Literal: lit},
			"b": {StepID: "left", OutputName: "result"},
			"c": {Input: "who"},
		}
		_, err := Validate(d, Options{})
		assert.NoError(t, err)
	})

	t.Run("two forms set", func(t *testing.T) {
		d := base()
		d.Nodes[3].InputBindings = map[string]Binding{
			"a": {Literal: lit, Input: "who"},
		}
		_, err := Validate(d, Options{})
		assert.Equal(t, errors.KindInvalidBinding, errors.KindOf(err))
	})

	t.Run("no form set", func(t *testing.T) {
		d := base()
		d.Nodes[3].InputBindings = map[string]Binding{"a": {}}
		_, err := Validate(d, Options{})
		assert.Equal(t, errors.KindInvalidBinding, errors.KindOf(err))
	})

	t.Run("step binding must reference ancestor", func(t *testing.T) {
		d := base()
		// left and right are siblings, not ancestors of each other.
		d.Nodes[1].InputBindings = map[string]Binding{
			"x": {StepID: "right"},
		}
		_, err := Validate(d, Options{})
		assert.Equal(t, errors.KindInvalidBinding, errors.KindOf(err))
	})

	t.Run("undeclared workflow input", func(t *testing.T) {
		d := base()
		d.Nodes[3].InputBindings = map[string]Binding{
			"x": {Input: "nonexistent"},
		}
		_, err := Validate(d, Options{})
		assert.Equal(t, errors.KindInvalidBinding, errors.KindOf(err))
	})
}

func TestPolicyDefaultsToFailFast(t *testing.T) {
	assert.Equal(t, FailFast, (&Definition{}).Policy())
	assert.Equal(t, ContinueOnError, (&Definition{OnStepFailure: ContinueOnError}).Policy())
	assert.Equal(t, FailFast, (&Definition{OnStepFailure: "bogus"}).Policy())
}

func TestParseDefinitionRoundTrip(t *testing.T) {
	raw, err := json.Marshal(diamond())
	require.NoError(t, err)
	def, err := ParseDefinition(raw)
	require.NoError(t, err)
	assert.Equal(t, "wf-d", def.ID)
	require.Len(t, def.Nodes, 4)

	_, err = ParseDefinition([]byte("{not json"))
	assert.Error(t, err)
}
