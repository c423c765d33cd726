package diagram

// NodeKind classifies a diagram node by the action of its step.
type NodeKind string

const (
	NodeKindStart    NodeKind = "start"
	NodeKindAction   NodeKind = "action"
	NodeKindBranch   NodeKind = "branch"
	NodeKindParallel NodeKind = "parallel"
	NodeKindWait     NodeKind = "wait"
	NodeKindCheck    NodeKind = "check"
)

// Model is the renderer-independent form of a workflow graph.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step of the graph.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the latest attempt of a step in an execution.
type StatusOverlay struct {
	Status     string
	Attempt    int
	DurationMs int64
	Error      string
}

// Edge connects two nodes. Label summarises the edge condition, if any.
type Edge struct {
	From  string
	To    string
	Label string
}
