package diagram

import (
	"fmt"
	"strings"

	"github.com/synthesis-run/synthesis/internal/resolver"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// Build constructs a DiagramModel from a ProcessDefinition and an optional
// execution status. The top-level scope becomes the main graph framed by
// virtual start and end nodes; loop bodies and parallel branches become
// SubGraph children of their container.
func Build(def *schema.ProcessDefinition, status *schema.ExecutionStatus) (*DiagramModel, error) {
	g, err := resolver.Build(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	runs := make(map[string]schema.StepRun)
	if status != nil {
		for _, r := range status.StepRuns {
			runs[r.StepID] = r
		}
	}

	b := &builder{def: def, runs: runs}
	nodes, err := b.scopeNodes(g)
	if err != nil {
		return nil, err
	}

	startNode := &Node{ID: StartID, Label: "Start", Kind: NodeKindStart}
	endNode := &Node{ID: EndID, Label: "End", Kind: NodeKindEnd}
	all := make([]*Node, 0, len(nodes)+2)
	all = append(all, startNode)
	all = append(all, nodes...)
	all = append(all, endNode)

	levels := make([][]string, 0, 4)
	levels = append(levels, []string{StartID})
	levels = append(levels, scopeLevels(g)...)
	levels = append(levels, []string{EndID})

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  all,
		Edges:  topEdges(def, g),
		Levels: levels,
	}, nil
}

type builder struct {
	def  *schema.ProcessDefinition
	runs map[string]schema.StepRun
}

// scopeNodes maps every step of g to a Node, descending into containers.
func (b *builder) scopeNodes(g *resolver.Graph) ([]*Node, error) {
	nodes := make([]*Node, 0, g.Len())
	for _, id := range g.IDs() {
		n, _ := g.Node(id)
		node := &Node{
			ID:     id,
			Label:  nodeLabel(n.Step),
			Kind:   stepKindToNodeKind(n.Step.Kind),
			Status: b.overlay(id),
		}
		if len(n.Step.OwnedSteps()) > 0 {
			sg, err := b.subGraph(n.Step)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, sg)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (b *builder) subGraph(step *schema.StepDefinition) (*SubGraph, error) {
	g, err := resolver.BuildScope(b.def, step.ID)
	if err != nil {
		return nil, fmt.Errorf("diagram: build scope %s: %w", step.ID, err)
	}
	nodes, err := b.scopeNodes(g)
	if err != nil {
		return nil, err
	}
	label := "body"
	if step.Kind == schema.StepKindParallel {
		label = "branches"
	}
	return &SubGraph{Label: label, Nodes: nodes, Edges: scopeEdges(b.def, g)}, nil
}

// overlay converts the step's run record, if any, to a StatusOverlay.
func (b *builder) overlay(id string) *StatusOverlay {
	r, ok := b.runs[id]
	if !ok {
		return nil
	}
	o := &StatusOverlay{Status: string(r.Status), RetryCount: r.RetryCount}
	if r.StartedAt != nil && r.EndedAt != nil {
		o.DurationMs = r.EndedAt.Sub(*r.StartedAt).Milliseconds()
	}
	if r.Error != nil {
		o.Error = r.Error.Message
	}
	return o
}

func stepKindToNodeKind(k schema.StepKind) NodeKind {
	switch k {
	case schema.StepKindFunction:
		return NodeKindFunction
	case schema.StepKindAPI:
		return NodeKindAPI
	case schema.StepKindCondition:
		return NodeKindCondition
	case schema.StepKindLoop:
		return NodeKindLoop
	case schema.StepKindParallel:
		return NodeKindParallel
	case schema.StepKindVariable:
		return NodeKindVariable
	default:
		return NodeKindCommand
	}
}

// nodeLabel is the step name (or id) followed by the adapter of integration
// steps on a second line.
func nodeLabel(step *schema.StepDefinition) string {
	label := step.ID
	if step.Name != "" {
		label = step.Name
	}
	if adapter := step.AdapterName(); adapter != "" {
		return fmt.Sprintf("%s\n(%s)", label, adapter)
	}
	return label
}

// scopeEdges returns one edge per dependency of g, labelled with the branch
// name for condition branches and with any non-default type or gate.
func scopeEdges(def *schema.ProcessDefinition, g *resolver.Graph) []Edge {
	var edges []Edge
	for _, id := range g.IDs() {
		n, _ := g.Node(id)
		preds := g.Predecessors(id)
		for i, e := range n.Deps {
			edges = append(edges, Edge{
				From:  preds[i],
				To:    id,
				Label: edgeLabel(def, preds[i], id, e),
			})
		}
	}
	return edges
}

// topEdges adds the virtual start and end edges around the top-level scope.
func topEdges(def *schema.ProcessDefinition, g *resolver.Graph) []Edge {
	var edges []Edge
	for _, id := range g.IDs() {
		if len(g.Predecessors(id)) == 0 {
			edges = append(edges, Edge{From: StartID, To: id})
		}
	}
	edges = append(edges, scopeEdges(def, g)...)
	for _, id := range g.IDs() {
		if len(g.Dependents(id)) == 0 {
			edges = append(edges, Edge{From: id, To: EndID})
		}
	}
	return edges
}

func edgeLabel(def *schema.ProcessDefinition, from, to string, e resolver.Edge) string {
	if cond, ok := def.Step(from); ok {
		then, otherwise := cond.BranchSteps()
		if contains(then, to) {
			return "then"
		}
		if contains(otherwise, to) {
			return "else"
		}
	}
	var parts []string
	if e.Type != schema.FinishToStart {
		parts = append(parts, string(e.Type))
	}
	if e.Gate != schema.GateOnSuccess {
		parts = append(parts, string(e.Gate))
	}
	return strings.Join(parts, ", ")
}

func contains(ids []string, id string) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

// scopeLevels groups the steps of g by the length of their longest
// dependency chain, keeping declaration order within a level.
func scopeLevels(g *resolver.Graph) [][]string {
	depth := make(map[string]int, g.Len())
	var visit func(id string) int
	visit = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, p := range g.Predecessors(id) {
			if pd := visit(p) + 1; pd > d {
				d = pd
			}
		}
		depth[id] = d
		return d
	}

	var levels [][]string
	for _, id := range g.IDs() {
		d := visit(id)
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	return levels
}

// titleFromDef uses the process name, falling back to its id.
func titleFromDef(def *schema.ProcessDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	if def.ID != "" {
		return def.ID
	}
	return "Process"
}
