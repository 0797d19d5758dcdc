package workflow

import (
	"fmt"
	"sort"

	"github.com/auterity/engine/pkg/errors"
)

// Options configures validation policy.
type Options struct {
	// AllowUnreachable permits nodes that cannot be reached from the
	// start step. The default deployment policy rejects them.
	AllowUnreachable bool

	// ExtraTypes extends the known step types beyond the built-ins,
	// for registries that carry custom handlers.
	ExtraTypes []StepType
}

// Validated is a definition that passed validation, with adjacency
// computed on load. It is safe for concurrent reads and shared by all
// executions of the version.
type Validated struct {
	def *Definition

	steps map[string]*Step
	preds map[string][]string
	succs map[string][]string

	startID   string
	reachable map[string]bool
}

// Validate checks a definition against the structural rules and the
// per-type parameter schemas. It is pure: no I/O, no state. On
// success it returns the definition wrapped with its adjacency maps.
func Validate(def *Definition, opts Options) (*Validated, error) {
	if def == nil {
		return nil, &errors.ValidationError{Kind: errors.KindSchema, Message: "definition is nil"}
	}
	if len(def.Nodes) == 0 {
		return nil, &errors.ValidationError{Kind: errors.KindSchema, Message: "definition has no nodes"}
	}

	v := &Validated{
		def:   def,
		steps: make(map[string]*Step, len(def.Nodes)),
		preds: make(map[string][]string),
		succs: make(map[string][]string),
	}

	known := make(map[StepType]bool, len(BuiltinStepTypes)+len(opts.ExtraTypes))
	for _, t := range BuiltinStepTypes {
		known[t] = true
	}
	extra := make(map[StepType]bool, len(opts.ExtraTypes))
	for _, t := range opts.ExtraTypes {
		known[t] = true
		extra[t] = true
	}

	for i := range def.Nodes {
		step := &def.Nodes[i]
		if step.ID == "" {
			return nil, &errors.ValidationError{
				Kind:    errors.KindSchema,
				Field:   fmt.Sprintf("nodes[%d]", i),
				Message: "step id must not be empty",
			}
		}
		if _, dup := v.steps[step.ID]; dup {
			return nil, &errors.ValidationError{
				Kind:    errors.KindDuplicateID,
				Field:   step.ID,
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		if !known[step.Type] {
			return nil, &errors.ValidationError{
				Kind:    errors.KindUnknownStepType,
				Field:   step.ID,
				Message: fmt.Sprintf("unknown step type %q", step.Type),
			}
		}
		v.steps[step.ID] = step
	}

	for i, e := range def.Edges {
		if _, ok := v.steps[e.Source]; !ok {
			return nil, &errors.ValidationError{
				Kind:    errors.KindDanglingEdge,
				Field:   fmt.Sprintf("edges[%d]", i),
				Message: fmt.Sprintf("edge source %q is not a declared node", e.Source),
			}
		}
		if _, ok := v.steps[e.Target]; !ok {
			return nil, &errors.ValidationError{
				Kind:    errors.KindDanglingEdge,
				Field:   fmt.Sprintf("edges[%d]", i),
				Message: fmt.Sprintf("edge target %q is not a declared node", e.Target),
			}
		}
		if e.Source == e.Target {
			return nil, &errors.ValidationError{
				Kind:    errors.KindCycleDetected,
				Field:   fmt.Sprintf("edges[%d]", i),
				Message: fmt.Sprintf("self edge on %q", e.Source),
			}
		}
		v.succs[e.Source] = append(v.succs[e.Source], e.Target)
		v.preds[e.Target] = append(v.preds[e.Target], e.Source)
	}

	if err := v.findStart(); err != nil {
		return nil, err
	}
	if err := v.detectCycle(); err != nil {
		return nil, err
	}
	if err := v.checkReachability(opts.AllowUnreachable); err != nil {
		return nil, err
	}
	if err := v.checkBindings(); err != nil {
		return nil, err
	}
	for _, step := range v.steps {
		if extra[step.Type] {
			// Custom types carry no built-in parameter schema; their
			// handlers validate parameters through the registry.
			continue
		}
		if err := ValidateParameters(step); err != nil {
			return nil, err
		}
	}

	// Deterministic adjacency order for downstream tie-breaking.
	for _, adj := range []map[string][]string{v.preds, v.succs} {
		for id := range adj {
			sort.Strings(adj[id])
		}
	}

	return v, nil
}

// findStart locates the unique start node and checks it has no
// predecessors.
func (v *Validated) findStart() error {
	for id, step := range v.steps {
		if step.Type != StepTypeStart {
			continue
		}
		if v.startID != "" {
			return &errors.ValidationError{
				Kind:    errors.KindSchema,
				Field:   id,
				Message: "definition has more than one start step",
			}
		}
		v.startID = id
	}
	if v.startID == "" {
		return &errors.ValidationError{
			Kind:    errors.KindSchema,
			Message: "definition has no start step",
		}
	}
	if len(v.preds[v.startID]) > 0 {
		return &errors.ValidationError{
			Kind:    errors.KindSchema,
			Field:   v.startID,
			Message: "start step must have no predecessors",
		}
	}
	return nil
}

// detectCycle runs a coloring DFS over the graph. White nodes are
// unvisited, grey nodes are on the current stack, black nodes are
// done. A grey-to-grey edge is a back edge.
func (v *Validated) detectCycle() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(v.steps))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		for _, next := range v.succs[id] {
			switch color[next] {
			case grey:
				return &errors.ValidationError{
					Kind:    errors.KindCycleDetected,
					Field:   next,
					Message: fmt.Sprintf("cycle through step %q", next),
				}
			case white:
				if err := visit(next); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range v.steps {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkReachability marks nodes reachable from start and flags the
// rest per deployment policy.
func (v *Validated) checkReachability(allowUnreachable bool) error {
	v.reachable = make(map[string]bool, len(v.steps))
	queue := []string{v.startID}
	v.reachable[v.startID] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range v.succs[id] {
			if !v.reachable[next] {
				v.reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	if allowUnreachable {
		return nil
	}
	for id := range v.steps {
		if !v.reachable[id] {
			return &errors.ValidationError{
				Kind:    errors.KindUnreachableNode,
				Field:   id,
				Message: fmt.Sprintf("step %q is not reachable from start", id),
			}
		}
	}
	return nil
}

// checkBindings validates each step's input bindings: exactly one
// form per binding, step references must name an ancestor, and input
// references must name a declared workflow input.
func (v *Validated) checkBindings() error {
	for id, step := range v.steps {
		for name, binding := range step.InputBindings {
			kind, err := binding.kindOf()
			if err != nil {
				return &errors.ValidationError{
					Kind:    errors.KindInvalidBinding,
					Field:   fmt.Sprintf("%s.%s", id, name),
					Message: err.Error(),
				}
			}
			switch kind {
			case "step":
				if _, ok := v.steps[binding.StepID]; !ok {
					return &errors.ValidationError{
						Kind:    errors.KindInvalidBinding,
						Field:   fmt.Sprintf("%s.%s", id, name),
						Message: fmt.Sprintf("binding references unknown step %q", binding.StepID),
					}
				}
				if !v.isAncestor(binding.StepID, id) {
					return &errors.ValidationError{
						Kind:    errors.KindInvalidBinding,
						Field:   fmt.Sprintf("%s.%s", id, name),
						Message: fmt.Sprintf("binding references step %q which is not an ancestor of %q", binding.StepID, id),
					}
				}
			case "input":
				if v.def.DeclaredInputs != nil {
					if _, ok := v.def.DeclaredInputs[binding.Input]; !ok {
						return &errors.ValidationError{
							Kind:    errors.KindInvalidBinding,
							Field:   fmt.Sprintf("%s.%s", id, name),
							Message: fmt.Sprintf("binding references undeclared workflow input %q", binding.Input),
						}
					}
				}
			}
		}
	}
	return nil
}

// isAncestor reports whether candidate precedes id in the DAG.
func (v *Validated) isAncestor(candidate, id string) bool {
	seen := make(map[string]bool)
	queue := append([]string(nil), v.preds[id]...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if p == candidate {
			return true
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		queue = append(queue, v.preds[p]...)
	}
	return false
}

// Definition returns the underlying immutable definition.
func (v *Validated) Definition() *Definition { return v.def }

// Step returns the step with the given id, or nil.
func (v *Validated) Step(id string) *Step { return v.steps[id] }

// StartID returns the id of the start step.
func (v *Validated) StartID() string { return v.startID }

// Predecessors returns the sorted predecessor ids of a step.
func (v *Validated) Predecessors(id string) []string { return v.preds[id] }

// Successors returns the sorted successor ids of a step.
func (v *Validated) Successors(id string) []string { return v.succs[id] }

// Reachable returns the ids of all nodes reachable from start, in
// lexicographic order.
func (v *Validated) Reachable() []string {
	ids := make([]string, 0, len(v.reachable))
	for id := range v.reachable {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Descendants returns all nodes strictly downstream of id.
func (v *Validated) Descendants(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), v.succs[id]...)
	var out []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, v.succs[n]...)
	}
	sort.Strings(out)
	return out
}

// OutputSteps returns the ids of reachable output steps in
// lexicographic order. Execution outputs are gathered in this order
// with last-writer-wins per key.
func (v *Validated) OutputSteps() []string {
	var ids []string
	for id, step := range v.steps {
		if step.Type == StepTypeOutput && v.reachable[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
