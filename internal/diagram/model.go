// Package diagram renders the control flow of a workflow, optionally overlaid
// with the step records of a run, as Mermaid, text or a graphviz image.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindAction     NodeKind = "action"
	NodeKindEvaluation NodeKind = "evaluation"
	NodeKindStart      NodeKind = "start"
	NodeKindEnd        NodeKind = "end"
)

// Virtual node IDs.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// DiagramModel is the intermediate representation used by all renderers.
// Nodes are in execution order, between the virtual start and end nodes.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a step's latest execution.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Executions int
	Error      string
}

// Edge is a possible transition between two nodes. Label names the
// conditions that select it.
type Edge struct {
	From  string
	To    string
	Label string
}
