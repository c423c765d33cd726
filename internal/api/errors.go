package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/rendis/stepflow/pkg/schema"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)
	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

// serviceError maps FlowError codes onto RFC 7807 responses. Internal errors
// are logged and reported without detail.
func (s *Server) serviceError(c fiber.Ctx, err error) error {
	var fe *schema.FlowError
	switch code := schema.CodeOf(err); code {
	case schema.ErrCodeValidation, schema.ErrCodeInvalidParams, schema.ErrCodeCycleDetected:
		if errors.As(err, &fe) && len(fe.Details) > 0 {
			return c.Status(fiber.StatusBadRequest).JSON(validationProblem{
				Problem: problems.NewStatusProblem(fiber.StatusBadRequest).
					WithInstance(c.Path()).
					WithType("validation_error").
					WithDetail(fe.Message),
				Code:   code,
				Errors: fe.Details["errors"],
			})
		}
		return problem(c, fiber.StatusBadRequest, "validation_error", messageOf(err))
	case schema.ErrCodeNotFound:
		return problem(c, fiber.StatusNotFound, "not_found", messageOf(err))
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return problem(c, fiber.StatusConflict, "conflict", messageOf(err))
	default:
		s.logger.ErrorContext(c.Context(), "request failed",
			slog.String("method", c.Method()), slog.String("path", c.Path()), slog.String("error", err.Error()))
		return problem(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// validationProblem carries the individual issues of a rejected definition.
type validationProblem struct {
	*problems.Problem
	Code   string `json:"code"`
	Errors any    `json:"errors,omitempty"`
}

func messageOf(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// errorHandler renders errors returned by handlers and by fiber itself.
func (s *Server) errorHandler(c fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		kind := "error"
		switch fe.Code {
		case fiber.StatusNotFound:
			kind = "not_found"
		case fiber.StatusMethodNotAllowed:
			kind = "method_not_allowed"
		case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
			kind = "validation_error"
		}
		return problem(c, fe.Code, kind, fe.Message)
	}
	return s.serviceError(c, err)
}
