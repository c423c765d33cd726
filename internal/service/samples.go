package service

import (
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// Sample is a ready-made definition offered to new users.
type Sample struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Definition  *schema.WorkflowDefinition `json:"definition"`
}

// Samples returns the built-in sample workflows. Each call returns fresh
// copies.
func Samples() []Sample {
	return []Sample{ticketAutoResponder()}
}

func ticketAutoResponder() Sample {
	params := func(v map[string]any) json.RawMessage {
		raw, _ := json.Marshal(v)
		return raw
	}
	at := func(x, y float64) *schema.Position { return &schema.Position{X: x, Y: y} }

	return Sample{
		Name:        "Support Ticket Auto-Responder",
		Description: "Acknowledges a new ticket, waits two hours and escalates it if nobody picked it up.",
		Definition: &schema.WorkflowDefinition{
			Name: "Support Ticket Auto-Responder",
			Triggers: []schema.Trigger{{
				Event:     "ticket.created",
				Condition: &schema.Condition{Op: "eq", Path: "ticket_assigned", Value: false},
			}},
			Nodes: []schema.StepSpec{
				{ID: "start", Type: "start", Action: schema.ActionStart, Position: at(100, 100)},
				{ID: "ack_email", Type: "action", Action: schema.ActionEmail, Position: at(350, 100), Params: params(map[string]any{
					"to": "{{user_email}}", "template": "ack_ticket", "subject": "Ticket Received",
				})},
				{ID: "wait", Type: "action", Action: schema.ActionDelay, Position: at(650, 100), Params: params(map[string]any{
					"seconds": 7200,
				})},
				{ID: "check_assigned", Type: "action", Action: schema.ActionCheckTicketAssigned, Position: at(650, 300)},
				{ID: "escalate", Type: "action", Action: schema.ActionEmail, Position: at(300, 350), Params: params(map[string]any{
					"to": "support@company.com", "template": "escalate_ticket", "subject": "Ticket Escalation",
				})},
				{ID: "assigned", Type: "action", Action: schema.ActionNotify, Position: at(900, 300), Params: params(map[string]any{
					"message": "Ticket {{ticket_id}} was assigned in time",
				})},
			},
			Edges: []schema.EdgeSpec{
				{Source: "start", Target: "ack_email"},
				{Source: "ack_email", Target: "wait"},
				{Source: "wait", Target: "check_assigned"},
				{Source: "check_assigned", Target: "escalate", Condition: &schema.Condition{Op: "eq", Path: "check_result", Value: false}},
				{Source: "check_assigned", Target: "assigned"},
			},
		},
	}
}
