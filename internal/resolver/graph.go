// Package resolver turns a process definition into a dependency graph and
// decides, from the current step statuses, which steps may start, which must
// be skipped and which may finish.
package resolver

import (
	"strings"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// Edge is a dependency on the node at index From.
type Edge struct {
	From int
	Type schema.DependencyType
	Gate schema.DependencyGate
}

// Node is a step in a scope graph. Deps point at predecessors, Dependents at
// the steps that depend on this one.
type Node struct {
	ID         string
	Step       *schema.StepDefinition
	Deps       []Edge
	Dependents []int
}

// Graph is the dependency graph of one scope: the top level of a process or
// the nested steps of a single container. Nodes are stored in declaration
// order and referenced by index.
type Graph struct {
	Owner string // container step id, empty for the top level
	nodes []Node
	index map[string]int
}

// CycleError reports a dependency cycle. It is a validation error and is
// never retryable.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Chain, " -> ")
}

func (e *CycleError) Unwrap() error {
	return schema.NewError(schema.ErrCodeValidation, e.Error()).
		WithDetails(map[string]any{"cycle": e.Chain})
}

// Build validates the whole definition, including every nested scope, and
// returns the top-level graph.
func Build(def *schema.ProcessDefinition) (*Graph, error) {
	l, err := analyze(def)
	if err != nil {
		return nil, err
	}
	for _, owner := range l.containers {
		if _, err := l.graph(def, owner); err != nil {
			return nil, err
		}
	}
	return l.graph(def, "")
}

// BuildScope returns the graph of the steps owned by the container step
// owner. An empty owner yields the top-level graph.
func BuildScope(def *schema.ProcessDefinition, owner string) (*Graph, error) {
	l, err := analyze(def)
	if err != nil {
		return nil, err
	}
	if owner != "" {
		if _, ok := l.steps[owner]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", owner)
		}
	}
	return l.graph(def, owner)
}

// layout is the ownership analysis shared by every scope graph.
type layout struct {
	steps      map[string]*schema.StepDefinition
	owner      map[string]string // step id -> container id ("" for top level)
	containers []string          // container ids in declaration order
	branchOf   map[string]string // branch step id -> condition step id
}

func analyze(def *schema.ProcessDefinition) (*layout, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "process definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "process has no steps")
	}

	l := &layout{
		steps:    make(map[string]*schema.StepDefinition, len(def.Steps)),
		owner:    make(map[string]string, len(def.Steps)),
		branchOf: make(map[string]string),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty id", i)
		}
		if _, exists := l.steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id: %s", step.ID)
		}
		l.steps[step.ID] = step
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		owned := step.OwnedSteps()
		if owned == nil {
			continue
		}
		l.containers = append(l.containers, step.ID)
		for _, child := range owned {
			if _, ok := l.steps[child]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s owns non-existent step: %s", step.ID, child).WithStep(step.ID)
			}
			if child == step.ID {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s cannot own itself", step.ID).WithStep(step.ID)
			}
			if prev, taken := l.owner[child]; taken {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s is owned by both %s and %s", child, prev, step.ID).WithStep(child)
			}
			l.owner[child] = step.ID
		}
	}

	// A container must not end up nested inside itself.
	for id := range l.owner {
		seen := map[string]bool{id: true}
		for cur := l.owner[id]; cur != ""; cur = l.owner[cur] {
			if seen[cur] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s is nested inside itself", cur).WithStep(cur)
			}
			seen[cur] = true
		}
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		then, otherwise := step.BranchSteps()
		for _, b := range append(append([]string{}, then...), otherwise...) {
			if _, ok := l.steps[b]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition %s references non-existent branch step: %s", step.ID, b).WithStep(step.ID)
			}
			if b == step.ID {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition %s cannot branch to itself", step.ID).WithStep(step.ID)
			}
			if l.owner[b] != l.owner[step.ID] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "condition %s branch step %s is in a different scope", step.ID, b).WithStep(step.ID)
			}
			if prev, taken := l.branchOf[b]; taken {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s is a branch of both %s and %s", b, prev, step.ID).WithStep(b)
			}
			l.branchOf[b] = step.ID
		}
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		seen := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, ok := l.steps[dep.Step]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", step.ID, dep.Step).WithStep(step.ID)
			}
			if seen[dep.Step] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", step.ID, dep.Step).WithStep(step.ID)
			}
			seen[dep.Step] = true
			if l.owner[dep.Step] != l.owner[step.ID] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on %s across a scope boundary", step.ID, dep.Step).WithStep(step.ID)
			}
			if err := validDependency(step.ID, dep); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

func validDependency(stepID string, dep schema.StepDependency) error {
	switch dep.EffectiveType() {
	case schema.FinishToStart, schema.StartToStart, schema.FinishToFinish:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown dependency type %q", stepID, dep.Type).WithStep(stepID)
	}
	switch dep.EffectiveGate() {
	case schema.GateOnSuccess, schema.GateAlways, schema.GateOnFailure:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown dependency gate %q", stepID, dep.Gate).WithStep(stepID)
	}
	return nil
}

func (l *layout) graph(def *schema.ProcessDefinition, owner string) (*Graph, error) {
	g := &Graph{Owner: owner, index: make(map[string]int)}
	for i := range def.Steps {
		step := &def.Steps[i]
		if l.owner[step.ID] != owner {
			continue
		}
		g.index[step.ID] = len(g.nodes)
		g.nodes = append(g.nodes, Node{ID: step.ID, Step: step})
	}

	for i := range g.nodes {
		n := &g.nodes[i]
		explicit := make(map[string]bool, len(n.Step.DependsOn))
		for _, dep := range n.Step.DependsOn {
			explicit[dep.Step] = true
			g.link(i, g.index[dep.Step], dep.EffectiveType(), dep.EffectiveGate())
		}
		if cond, ok := l.branchOf[n.ID]; ok && !explicit[cond] {
			g.link(i, g.index[cond], schema.FinishToStart, schema.GateOnSuccess)
		}
	}

	if chain := g.findCycle(); chain != nil {
		return nil, &CycleError{Chain: chain}
	}
	return g, nil
}

func (g *Graph) link(to, from int, typ schema.DependencyType, gate schema.DependencyGate) {
	g.nodes[to].Deps = append(g.nodes[to].Deps, Edge{From: from, Type: typ, Gate: gate})
	g.nodes[from].Dependents = append(g.nodes[from].Dependents, to)
}

const (
	white = iota
	grey
	black
)

// findCycle walks dependents depth-first in declaration order and returns
// the first cycle found, in execution order, with the first node repeated
// at the end.
func (g *Graph) findCycle() []string {
	color := make([]int, len(g.nodes))
	var stack []int

	var visit func(int) []string
	visit = func(i int) []string {
		color[i] = grey
		stack = append(stack, i)
		for _, next := range g.nodes[i].Dependents {
			switch color[next] {
			case grey:
				start := 0
				for k, v := range stack {
					if v == next {
						start = k
						break
					}
				}
				chain := make([]string, 0, len(stack)-start+1)
				for _, v := range stack[start:] {
					chain = append(chain, g.nodes[v].ID)
				}
				return append(chain, g.nodes[next].ID)
			case white:
				if chain := visit(next); chain != nil {
					return chain
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range g.nodes {
		if color[i] == white {
			if chain := visit(i); chain != nil {
				return chain
			}
		}
	}
	return nil
}

// Len returns the number of steps in the scope.
func (g *Graph) Len() int { return len(g.nodes) }

// IDs returns the step ids in declaration order.
func (g *Graph) IDs() []string {
	ids := make([]string, len(g.nodes))
	for i := range g.nodes {
		ids[i] = g.nodes[i].ID
	}
	return ids
}

// Has reports whether id belongs to this scope.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Node returns the node for id.
func (g *Graph) Node(id string) (*Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.nodes[i], true
}

// Dependents returns the ids of the steps that depend on id.
func (g *Graph) Dependents(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.nodes[i].Dependents))
	for _, d := range g.nodes[i].Dependents {
		out = append(out, g.nodes[d].ID)
	}
	return out
}

// Predecessors returns the ids id depends on, implicit branch edges included.
func (g *Graph) Predecessors(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.nodes[i].Deps))
	for _, e := range g.nodes[i].Deps {
		out = append(out, g.nodes[e.From].ID)
	}
	return out
}

// HandlesFailure reports whether some dependent of id reacts to its failure
// through an always or on-failure gate.
func (g *Graph) HandlesFailure(id string) bool {
	i, ok := g.index[id]
	if !ok {
		return false
	}
	for _, d := range g.nodes[i].Dependents {
		for _, e := range g.nodes[d].Deps {
			if e.From == i && (e.Gate == schema.GateAlways || e.Gate == schema.GateOnFailure) {
				return true
			}
		}
	}
	return false
}

// Plan is the outcome of a scheduling pass. Both lists are in declaration
// order.
type Plan struct {
	Ready []string
	Skip  []string
}

// Empty reports whether the pass found nothing to do.
func (p Plan) Empty() bool { return len(p.Ready) == 0 && len(p.Skip) == 0 }

// ReadySet inspects every pending step. A step is ready when all of its
// blocking dependencies are satisfied, and skipped as soon as one terminal
// predecessor fails its gate. Steps missing from runs count as pending.
func (g *Graph) ReadySet(runs map[string]*schema.StepRun) Plan {
	var plan Plan
	for i := range g.nodes {
		n := &g.nodes[i]
		if status(runs, n.ID) != schema.StepPending {
			continue
		}

		ready, skip := true, false
		for _, e := range n.Deps {
			ps := status(runs, g.nodes[e.From].ID)
			switch e.Type {
			case schema.StartToStart:
				switch {
				case ps == schema.StepSkipped:
					if e.Gate != schema.GateAlways {
						skip = true
					}
				case ps.IsTerminal():
					if !gateSatisfied(e.Gate, ps) {
						skip = true
					}
				case ps != schema.StepRunning:
					ready = false
				}
			case schema.FinishToFinish:
				if ps.IsTerminal() && !gateSatisfied(e.Gate, ps) {
					skip = true
				}
			default:
				if !ps.IsTerminal() {
					ready = false
				} else if !gateSatisfied(e.Gate, ps) {
					skip = true
				}
			}
		}

		switch {
		case skip:
			plan.Skip = append(plan.Skip, n.ID)
		case ready:
			plan.Ready = append(plan.Ready, n.ID)
		}
	}
	return plan
}

// CanFinish reports whether a step whose work is done may take its terminal
// status: every finish-to-finish predecessor must be terminal.
func (g *Graph) CanFinish(id string, runs map[string]*schema.StepRun) bool {
	i, ok := g.index[id]
	if !ok {
		return true
	}
	for _, e := range g.nodes[i].Deps {
		if e.Type == schema.FinishToFinish && !status(runs, g.nodes[e.From].ID).IsTerminal() {
			return false
		}
	}
	return true
}

func gateSatisfied(gate schema.DependencyGate, s schema.StepStatus) bool {
	switch gate {
	case schema.GateAlways:
		return s.IsTerminal()
	case schema.GateOnFailure:
		return s == schema.StepFailed || s == schema.StepCancelled
	default:
		return s == schema.StepSucceeded
	}
}

func status(runs map[string]*schema.StepRun, id string) schema.StepStatus {
	if r, ok := runs[id]; ok && r != nil && r.Status != "" {
		return r.Status
	}
	return schema.StepPending
}
