package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// TicketCheckParams configures a check_ticket_assigned step. When TicketID is
// empty the payload's ticket_id (or ticket.id) is used.
type TicketCheckParams struct {
	TicketID string `json:"ticket_id,omitempty"`
}

const ticketCheckParamsSchema = `{
  "type": "object",
  "properties": {"ticket_id": {"type": "string"}},
  "additionalProperties": false
}`

// TicketCheckExecutor reports whether a ticket has an assignee. Besides the step
// result it sets the top-level ticket_assigned and check_result payload keys.
type TicketCheckExecutor struct{}

func (t *TicketCheckExecutor) Kind() schema.ActionKind { return schema.ActionCheckTicketAssigned }

func (t *TicketCheckExecutor) Describe() Descriptor {
	return Descriptor{
		Description:  "Check whether the ticket has been assigned.",
		ParamsSchema: ticketCheckParamsSchema,
		NewParams:    func() any { return &TicketCheckParams{} },
		ReentrySafe:  true,
	}
}

func (t *TicketCheckExecutor) Execute(ctx context.Context, raw json.RawMessage, sc StepContext) Outcome {
	var p TicketCheckParams
	if err := DecodeParams(raw, &p); err != nil {
		return Failed(err)
	}
	id := p.TicketID
	if id == "" {
		id = ticketIDFromPayload(sc.Payload)
	}
	if id == "" {
		return Failed(invalidParams(schema.ActionCheckTicketAssigned, "no ticket_id in params or payload"))
	}
	if sc.Effects.Tickets == nil {
		return Failed(schema.NewError(schema.ErrCodeStepFailed, "check_ticket_assigned: no ticket service configured"))
	}

	ticket, err := sc.Effects.Tickets.GetTicket(ctx, id)
	if err != nil {
		if schema.IsNotFound(err) {
			return Failed(schema.NewErrorf(schema.ErrCodeExternalRejection, "ticket %s not found", id).WithCause(err))
		}
		return Failed(schema.NewErrorf(schema.ErrCodeNetwork, "load ticket %s: %s", id, err.Error()).WithCause(err))
	}

	assigned := ticket.AssignedTo != ""
	return CompletedWith(
		map[string]any{"ticket_id": id, "is_assigned": assigned, "assigned_to": ticket.AssignedTo},
		map[string]any{"ticket_assigned": assigned, "check_result": assigned},
	)
}

func ticketIDFromPayload(p map[string]any) string {
	for _, path := range []string{"ticket_id", "ticket.id"} {
		if v, ok := expressions.Lookup(p, path); ok {
			switch id := v.(type) {
			case string:
				return id
			case float64:
				return fmt.Sprintf("%.0f", id)
			}
		}
	}
	return ""
}
