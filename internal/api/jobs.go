package api

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rendis/stepflow/pkg/schema"
)

func (s *Server) listJobs(c fiber.Ctx) error {
	return s.jobs(c, false)
}

func (s *Server) activeJobs(c fiber.Ctx) error {
	return s.jobs(c, true)
}

func (s *Server) jobs(c fiber.Ctx, active bool) error {
	limit, err := queryInt(c, "limit", 200)
	if err != nil {
		return badRequest(c, "limit must be an integer")
	}
	jobs, err := s.svc.ListJobs(c.Context(), userID(c), active, limit)
	if err != nil {
		return s.serviceError(c, err)
	}
	if jobs == nil {
		jobs = []*schema.Job{}
	}
	return c.JSON(fiber.Map{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(c fiber.Ctx) error {
	job, err := s.svc.GetJob(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(job)
}

func (s *Server) cancelJob(c fiber.Ctx) error {
	job, err := s.svc.CancelJob(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(job)
}

func (s *Server) emailStatus(c fiber.Ctx) error {
	email, err := s.svc.EmailStatus(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return s.serviceError(c, err)
	}
	return c.JSON(fiber.Map{
		"email_id": email.ID,
		"status":   email.Status,
		"attempts": email.Attempts,
		"error":    email.Error,
		"sent_at":  email.SentAt,
	})
}
