package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// Build lays out def in topological order. When history is given, each node
// carries the state of its latest attempt.
func Build(def *schema.WorkflowDefinition, history []*schema.StepRecord) (*Model, error) {
	g, err := engine.NewGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: %w", err)
	}

	latest := make(map[string]*schema.StepRecord, len(history))
	for _, rec := range history {
		if cur, ok := latest[rec.StepID]; !ok || rec.Attempt >= cur.Attempt {
			latest[rec.StepID] = rec
		}
	}

	m := &Model{Title: def.Name}
	for _, id := range g.TopoOrder() {
		step := g.Node(id)
		n := &Node{ID: id, Label: label(step), Kind: kindOf(step.Action)}
		if rec, ok := latest[id]; ok {
			n.Status = overlay(rec)
		}
		m.Nodes = append(m.Nodes, n)
		for _, e := range g.Outgoing(id) {
			m.Edges = append(m.Edges, Edge{From: e.Source, To: e.Target, Label: conditionLabel(e.Condition)})
		}
	}
	return m, nil
}

func kindOf(a schema.ActionKind) NodeKind {
	switch a {
	case schema.ActionStart:
		return NodeKindStart
	case schema.ActionBranch:
		return NodeKindBranch
	case schema.ActionParallel:
		return NodeKindParallel
	case schema.ActionDelay:
		return NodeKindWait
	case schema.ActionCheckTicketAssigned:
		return NodeKindCheck
	default:
		return NodeKindAction
	}
}

func label(step *schema.StepSpec) string {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	if step.Action == schema.ActionStart {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, step.Action)
}

func overlay(rec *schema.StepRecord) *StatusOverlay {
	status := string(rec.Status)
	if rec.Suspended {
		status = "suspended"
	}
	return &StatusOverlay{
		Status:     status,
		Attempt:    rec.Attempt,
		DurationMs: rec.DurationMs,
		Error:      rec.Error,
	}
}

// conditionLabel renders a condition compactly, e.g. "ticket.status eq open"
// or "not(...)".
func conditionLabel(c *schema.Condition) string {
	if c == nil {
		return ""
	}
	switch c.Op {
	case "and", "or":
		parts := make([]string, 0, len(c.Conditions))
		for i := range c.Conditions {
			parts = append(parts, conditionLabel(&c.Conditions[i]))
		}
		return strings.Join(parts, " "+c.Op+" ")
	case "not":
		if c.Condition == nil {
			return "not"
		}
		return "not(" + conditionLabel(c.Condition) + ")"
	}
	if c.Path == "" {
		return fmt.Sprintf("%s %v", c.Op, c.Value)
	}
	if c.Value == nil {
		return c.Path + " " + c.Op
	}
	return fmt.Sprintf("%s %s %v", c.Path, c.Op, c.Value)
}
