package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/pkg/schema"
)

// workflowDiagram renders a definition as Mermaid. ?version selects an older
// version.
func (s *Server) workflowDiagram(c fiber.Ctx) error {
	version, err := queryInt(c, "version", 0)
	if err != nil || version < 0 {
		return badRequest(c, "version must be a positive integer")
	}
	var def *schema.WorkflowDefinition
	if version > 0 {
		def, err = s.svc.GetDefinitionVersion(c.Context(), userID(c), c.Params("id"), version)
	} else {
		def, err = s.svc.GetDefinition(c.Context(), userID(c), c.Params("id"))
	}
	if err != nil {
		return s.serviceError(c, err)
	}
	return s.renderDiagram(c, def, nil)
}

// executionDiagram renders the version an execution runs, coloured by the
// latest attempt of each step.
func (s *Server) executionDiagram(c fiber.Ctx) error {
	view, err := s.svc.GetExecution(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return s.serviceError(c, err)
	}
	def, err := s.svc.GetDefinitionVersion(c.Context(), userID(c), view.WorkflowID, view.DefinitionVersion)
	if err != nil {
		return s.serviceError(c, err)
	}
	return s.renderDiagram(c, def, view.Steps)
}

func (s *Server) renderDiagram(c fiber.Ctx, def *schema.WorkflowDefinition, history []*schema.StepRecord) error {
	m, err := diagram.Build(def, history)
	if err != nil {
		return s.serviceError(c, err)
	}
	c.Set(fiber.HeaderContentType, "text/vnd.mermaid; charset=utf-8")
	return c.SendString(diagram.RenderMermaid(m))
}
