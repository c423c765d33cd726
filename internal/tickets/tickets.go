// Package tickets is the support-ticket collaborator: it backs the
// check_ticket_assigned step and raises ticket domain events.
package tickets

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// Domain events raised by ticket changes.
const (
	EventCreated       = "ticket.created"
	EventAssigned      = "ticket.assigned"
	EventStatusChanged = "ticket.status_changed"
)

// Ticket statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

// Store is the ticket persistence.
type Store interface {
	CreateTicket(ctx context.Context, t *schema.Ticket) error
	GetTicket(ctx context.Context, id string) (*schema.Ticket, error)
	UpdateTicket(ctx context.Context, t *schema.Ticket) error
	ListTickets(ctx context.Context, userID string) ([]*schema.Ticket, error)
}

// Events receives ticket domain events. The trigger dispatcher implements it.
type Events interface {
	Raise(ctx context.Context, userID, event string, payload map[string]any) (started int, err error)
}

// CreateInput is the body of a ticket creation.
type CreateInput struct {
	Title         string `json:"title" validate:"required,max=200"`
	Description   string `json:"description,omitempty"`
	Status        string `json:"status,omitempty" validate:"omitempty,oneof=open in_progress resolved closed"`
	AssignedTo    string `json:"assigned_to,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty" validate:"omitempty,email"`
}

// Service manages tickets.
type Service struct {
	store    Store
	events   Events
	validate *validator.Validate
	logger   *slog.Logger
	newID    func() string
}

// NewService creates a ticket service. events may be nil.
func NewService(st Store, events Events, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.WithModule(logger, "tickets"),
		newID:    uuid.NewString,
	}
}

// Create stores a ticket for userID and raises ticket.created.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*schema.Ticket, error) {
	in.Title = strings.TrimSpace(in.Title)
	if err := s.validate.Struct(in); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid ticket: %v", err)
	}
	t := &schema.Ticket{
		ID:            s.newID(),
		UserID:        userID,
		Title:         in.Title,
		Description:   in.Description,
		Status:        in.Status,
		AssignedTo:    in.AssignedTo,
		CustomerEmail: in.CustomerEmail,
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if err := s.store.CreateTicket(ctx, t); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "ticket created", slog.String("ticket_id", t.ID), slog.String("user_id", userID))
	s.raise(ctx, t, EventCreated)
	return t, nil
}

// GetTicket returns a ticket by id.
func (s *Service) GetTicket(ctx context.Context, id string) (*schema.Ticket, error) {
	return s.store.GetTicket(ctx, id)
}

// List returns userID's tickets, newest first. An empty userID lists all.
func (s *Service) List(ctx context.Context, userID string) ([]*schema.Ticket, error) {
	return s.store.ListTickets(ctx, userID)
}

// Assign sets the assignee; an empty assignee unassigns. Raises ticket.assigned.
func (s *Service) Assign(ctx context.Context, id, assignee string) (*schema.Ticket, error) {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	t.AssignedTo = strings.TrimSpace(assignee)
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return nil, err
	}
	s.raise(ctx, t, EventAssigned)
	return t, nil
}

// SetStatus changes the status. Raises ticket.status_changed when it differs.
func (s *Service) SetStatus(ctx context.Context, id, status string) (*schema.Ticket, error) {
	if err := s.validate.Var(status, "required,oneof=open in_progress resolved closed"); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid ticket status %q", status)
	}
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status == status {
		return t, nil
	}
	t.Status = status
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return nil, err
	}
	s.raise(ctx, t, EventStatusChanged)
	return t, nil
}

// EventPayload is the payload ticket events carry:
// {ticket_id, ticket, ticket_assigned, user_email}.
func EventPayload(t *schema.Ticket) map[string]any {
	var ticket map[string]any
	raw, _ := json.Marshal(t)
	_ = json.Unmarshal(raw, &ticket)
	return map[string]any{
		"ticket_id":       t.ID,
		"ticket":          ticket,
		"ticket_assigned": t.AssignedTo != "",
		"user_email":      t.CustomerEmail,
	}
}

func (s *Service) raise(ctx context.Context, t *schema.Ticket, event string) {
	if s.events == nil {
		return
	}
	started, err := s.events.Raise(ctx, t.UserID, event, EventPayload(t))
	if err != nil {
		s.logger.ErrorContext(ctx, "ticket event failed",
			slog.String("event", event), slog.String("ticket_id", t.ID), slog.String("error", err.Error()))
		return
	}
	if started > 0 {
		s.logger.InfoContext(ctx, "ticket event started workflows",
			slog.String("event", event), slog.String("ticket_id", t.ID), slog.Int("executions", started))
	}
}
