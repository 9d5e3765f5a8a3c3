// Package diagram renders a process definition as a dependency diagram,
// optionally overlaid with the step statuses of one execution.
package diagram

// NodeKind classifies a diagram node by its step kind.
type NodeKind string

const (
	NodeKindCommand   NodeKind = "command"
	NodeKindFunction  NodeKind = "function"
	NodeKindAPI       NodeKind = "api"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindVariable  NodeKind = "variable"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node ids.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // loop body, parallel branches
}

// SubGraph holds the steps a container step runs itself.
type SubGraph struct {
	Label string
	Nodes []*Node
	Edges []Edge
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // schema.StepStatus
	DurationMs int64
	RetryCount int
	Error      string
}

// Edge represents a dependency from a predecessor to a dependent.
type Edge struct {
	From  string
	To    string
	Label string
}

// Find returns the node with id, searching nested subgraphs too.
func (m *DiagramModel) Find(id string) *Node {
	return findNode(m.Nodes, id)
}

func findNode(nodes []*Node, id string) *Node {
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
		for _, sg := range n.Children {
			if found := findNode(sg.Nodes, id); found != nil {
				return found
			}
		}
	}
	return nil
}
