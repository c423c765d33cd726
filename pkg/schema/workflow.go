package schema

import (
	"encoding/json"
	"time"
)

// ActionKind names a step kind. The set is open: executors register new kinds at startup.
type ActionKind string

const (
	ActionStart               ActionKind = "start"
	ActionDelay               ActionKind = "delay"
	ActionNotify              ActionKind = "notify"
	ActionHTTPRequest         ActionKind = "http_request"
	ActionBranch              ActionKind = "branch"
	ActionParallel            ActionKind = "parallel"
	ActionEmail               ActionKind = "email"
	ActionCheckTicketAssigned ActionKind = "check_ticket_assigned"
)

// WorkflowDefinition is a versioned, immutable graph of steps, edges and triggers.
// Saving an edit produces version n+1 under the same id.
type WorkflowDefinition struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Version     int        `json:"version"`
	UserID      string     `json:"user_id,omitempty"`
	Triggers    []Trigger  `json:"triggers,omitempty"`
	Nodes       []StepSpec `json:"nodes"`
	Edges       []EdgeSpec `json:"edges,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitempty"`
}

// StepSpec is one node of the graph.
type StepSpec struct {
	ID       string          `json:"id"`
	Name     string          `json:"name,omitempty"`
	Action   ActionKind      `json:"action"`
	Params   json.RawMessage `json:"params,omitempty"`
	Retries  int             `json:"retries,omitempty"`
	Timeout  string          `json:"timeout,omitempty"` // e.g. "30s"; overrides the engine default
	Type     string          `json:"type,omitempty"`    // editor hint, ignored by the engine
	Position *Position       `json:"position,omitempty"`
}

// Position is the editor layout of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EdgeSpec connects two nodes. A nil Condition always matches.
type EdgeSpec struct {
	ID        string     `json:"id,omitempty"`
	Source    string     `json:"source"`
	Target    string     `json:"target"`
	Condition *Condition `json:"condition,omitempty"`
}

// Trigger starts an execution when an inbound event matches, or on a cron schedule.
type Trigger struct {
	Event     string     `json:"event,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
	Schedule  string     `json:"schedule,omitempty"`
}

// Condition is a tagged boolean expression over a JSON-like payload.
//
//	{"op": "eq", "path": "ticket.status", "value": "open"}
//	{"op": "and", "conditions": [...]}
//	{"op": "not", "condition": {...}}
//	{"op": "cel", "value": "payload.ticket.priority > 2"}
type Condition struct {
	Op         string      `json:"op"`
	Path       string      `json:"path,omitempty"`
	Value      any         `json:"value"`
	Conditions []Condition `json:"conditions,omitempty"`
	Condition  *Condition  `json:"condition,omitempty"`
}

// Node returns the step with the given id.
func (d *WorkflowDefinition) Node(id string) (*StepSpec, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}

// Outgoing returns the edges leaving nodeID in declaration order.
func (d *WorkflowDefinition) Outgoing(nodeID string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range d.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EntryNode returns the id of the single start node, or "" when there is none.
func (d *WorkflowDefinition) EntryNode() string {
	for _, n := range d.Nodes {
		if n.Action == ActionStart {
			return n.ID
		}
	}
	return ""
}
