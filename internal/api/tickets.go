package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rendis/stepflow/internal/tickets"
	"github.com/rendis/stepflow/pkg/schema"
)

// AssignRequest is the body of PUT /tickets/:id/assign. An empty assignee
// unassigns the ticket.
type AssignRequest struct {
	AssignedTo string `json:"assigned_to" validate:"max=200"`
}

// StatusRequest is the body of PUT /tickets/:id/status.
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=open in_progress resolved closed"`
}

func (s *Server) listTickets(c fiber.Ctx) error {
	list, err := s.tickets.List(c.Context(), userID(c))
	if err != nil {
		return s.serviceError(c, err)
	}
	if list == nil {
		list = []*schema.Ticket{}
	}
	return c.JSON(list)
}

func (s *Server) createTicket(c fiber.Ctx) error {
	var in tickets.CreateInput
	if err := c.Bind().JSON(&in); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	t, err := s.tickets.Create(c.Context(), userID(c), in)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(t)
}

func (s *Server) getTicket(c fiber.Ctx) error {
	t, err := s.ownedTicket(c)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(t)
}

func (s *Server) assignTicket(c fiber.Ctx) error {
	var req AssignRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	if _, err := s.ownedTicket(c); err != nil {
		return s.serviceError(c, err)
	}
	t, err := s.tickets.Assign(c.Context(), c.Params("id"), req.AssignedTo)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(t)
}

func (s *Server) setTicketStatus(c fiber.Ctx) error {
	var req StatusRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	if _, err := s.ownedTicket(c); err != nil {
		return s.serviceError(c, err)
	}
	t, err := s.tickets.SetStatus(c.Context(), c.Params("id"), req.Status)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(t)
}

func (s *Server) ownedTicket(c fiber.Ctx) (*schema.Ticket, error) {
	id := c.Params("id")
	t, err := s.tickets.GetTicket(c.Context(), id)
	if err != nil {
		return nil, err
	}
	if t.UserID != "" && t.UserID != userID(c) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "ticket %s not found", id)
	}
	return t, nil
}
