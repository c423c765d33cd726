package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// TestRequest is the body of POST /workflows/:id/test.
type TestRequest struct {
	Payload map[string]any `json:"payload"`
}

// EventRequest is the body of POST /workflows/:id/trigger and POST /events.
type EventRequest struct {
	Event   string         `json:"event" validate:"max=200"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) listWorkflows(c fiber.Ctx) error {
	defs, err := s.svc.ListDefinitions(c.Context(), userID(c))
	if err != nil {
		return s.serviceError(c, err)
	}
	if defs == nil {
		defs = []*schema.WorkflowDefinition{}
	}
	return c.JSON(defs)
}

func (s *Server) createWorkflow(c fiber.Ctx) error {
	var def schema.WorkflowDefinition
	if err := c.Bind().JSON(&def); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	created, err := s.svc.CreateDefinition(c.Context(), userID(c), &def)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (s *Server) samples(c fiber.Ctx) error {
	return c.JSON(service.Samples())
}

func (s *Server) getWorkflow(c fiber.Ctx) error {
	def, err := s.svc.GetDefinition(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(def)
}

func (s *Server) updateWorkflow(c fiber.Ctx) error {
	var def schema.WorkflowDefinition
	if err := c.Bind().JSON(&def); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	updated, err := s.svc.UpdateDefinition(c.Context(), userID(c), c.Params("id"), &def)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(updated)
}

func (s *Server) deleteWorkflow(c fiber.Ctx) error {
	if err := s.svc.DeleteDefinition(c.Context(), userID(c), c.Params("id")); err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(fiber.Map{"message": "workflow deleted"})
}

func (s *Server) getWorkflowVersion(c fiber.Ctx) error {
	version, err := strconv.Atoi(c.Params("version"))
	if err != nil || version < 1 {
		return badRequest(c, "version must be a positive integer")
	}
	def, err := s.svc.GetDefinitionVersion(c.Context(), userID(c), c.Params("id"), version)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(def)
}

func (s *Server) history(c fiber.Ctx) error {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}
	entries, err := s.svc.History(c.Context(), userID(c), c.Params("id"), limit)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(entries)
}

// run starts an execution; the optional body is the initial payload.
func (s *Server) run(c fiber.Ctx) error {
	var payload map[string]any
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&payload); err != nil {
			return badRequest(c, "payload must be a JSON object")
		}
	}
	exec, err := s.svc.Run(c.Context(), userID(c), c.Params("id"), payload)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"execution_id": exec.ID, "status": exec.Status})
}

func (s *Server) test(c fiber.Ctx) error {
	var req TestRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	exec, err := s.svc.Test(c.Context(), userID(c), c.Params("id"), req.Payload)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"message":      "test execution started",
	})
}

func (s *Server) trigger(c fiber.Ctx) error {
	var req EventRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	res, err := s.svc.Trigger(c.Context(), userID(c), c.Params("id"), req.Event, req.Payload)
	if err != nil {
		return s.serviceError(c, err)
	}
	status := fiber.StatusOK
	if res.Triggered {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(res)
}

func (s *Server) raiseEvent(c fiber.Ctx) error {
	var req EventRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	if req.Event == "" {
		return badRequest(c, "event is required")
	}
	started, err := s.svc.RaiseEvent(c.Context(), userID(c), req.Event, req.Payload)
	ids := make([]string, 0, len(started))
	for _, e := range started {
		ids = append(ids, e.ID)
	}
	if err != nil && len(ids) == 0 {
		return s.serviceError(c, err)
	}
	body := fiber.Map{"event": req.Event, "execution_ids": ids}
	if err != nil {
		body["error"] = messageOf(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(body)
}

func (s *Server) listExecutions(c fiber.Ctx) error {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}
	execs, err := s.svc.ListExecutions(c.Context(), userID(c), store.ExecutionFilter{
		WorkflowID: c.Query("workflow_id"),
		Status:     schema.ExecutionStatus(c.Query("status")),
		Limit:      limit,
	})
	if err != nil {
		return s.serviceError(c, err)
	}
	if execs == nil {
		execs = []*schema.Execution{}
	}
	return c.JSON(execs)
}

func (s *Server) getExecution(c fiber.Ctx) error {
	view, err := s.svc.GetExecution(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(view)
}

func (s *Server) cancelExecution(c fiber.Ctx) error {
	var req struct {
		Reason string `json:"reason" validate:"max=500"`
	}
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	exec, err := s.svc.CancelExecution(c.Context(), userID(c), c.Params("id"), req.Reason)
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(exec)
}

func (s *Server) executionLogs(c fiber.Ctx) error {
	since, err := strconv.ParseInt(c.Query("since", "0"), 10, 64)
	if err != nil {
		return badRequest(c, "since must be an integer")
	}
	logs, err := s.svc.ExecutionLogs(c.Context(), userID(c), c.Params("id"), since)
	if err != nil {
		return s.serviceError(c, err)
	}
	if logs == nil {
		logs = []*schema.ExecutionLog{}
	}
	return c.JSON(logs)
}
