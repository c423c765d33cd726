// Package api serves the HTTP interface of the engine.
package api

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/tickets"
)

// UserHeader carries the caller identity. Authentication happens upstream.
const UserHeader = "X-User-ID"

// AnonymousUser is the identity of requests without UserHeader.
const AnonymousUser = "anonymous"

// Server holds the handlers.
type Server struct {
	svc      *service.Service
	tickets  *tickets.Service
	validate *validator.Validate
	logger   *slog.Logger
	access   bool
}

// Option configures a Server.
type Option func(*Server)

// WithAccessLog turns on the request log middleware.
func WithAccessLog() Option { return func(s *Server) { s.access = true } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = logging.WithModule(l, "api") } }

// New creates a Server. tix may be nil, which disables the ticket endpoints.
func New(svc *service.Service, tix *tickets.Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		tickets:  tix,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logging.WithModule(nil, "api"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// App builds the fiber application.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "stepflow",
		ErrorHandler: s.errorHandler,
	})
	app.Use(cors.New())
	if s.access {
		app.Use(logger.New(logger.Config{DisableColors: true}))
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: func(c fiber.Ctx) bool { return s.svc.Ping(c.Context()) == nil },
	}))

	w := app.Group("/workflows")
	w.Get("/", s.listWorkflows)
	w.Post("/", s.createWorkflow)
	w.Get("/samples", s.samples)
	w.Get("/:id", s.getWorkflow)
	w.Put("/:id", s.updateWorkflow)
	w.Delete("/:id", s.deleteWorkflow)
	w.Get("/:id/versions/:version", s.getWorkflowVersion)
	w.Get("/:id/history", s.history)
	w.Get("/:id/diagram", s.workflowDiagram)
	w.Post("/:id/run", s.run)
	w.Post("/:id/test", s.test)
	w.Post("/:id/trigger", s.trigger)

	e := app.Group("/executions")
	e.Get("/", s.listExecutions)
	e.Get("/:id", s.getExecution)
	e.Post("/:id/cancel", s.cancelExecution)
	e.Get("/:id/logs", s.executionLogs)
	e.Get("/:id/diagram", s.executionDiagram)

	app.Post("/events", s.raiseEvent)

	j := app.Group("/jobs")
	j.Get("/", s.listJobs)
	j.Get("/active", s.activeJobs)
	j.Get("/:id", s.getJob)
	j.Delete("/:id", s.cancelJob)

	app.Get("/emails/:id/status", s.emailStatus)

	if s.tickets != nil {
		t := app.Group("/tickets")
		t.Get("/", s.listTickets)
		t.Post("/", s.createTicket)
		t.Get("/:id", s.getTicket)
		t.Put("/:id/assign", s.assignTicket)
		t.Put("/:id/status", s.setTicketStatus)
	}
	return app
}

// Shutdown stops app, waiting for in-flight requests until ctx is done.
func Shutdown(ctx context.Context, app *fiber.App) error {
	return app.ShutdownWithContext(ctx)
}

func userID(c fiber.Ctx) string {
	if id := c.Get(UserHeader); id != "" {
		return id
	}
	return AnonymousUser
}

func queryInt(c fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// bindJSON decodes an optional JSON body into dst and runs its validator tags.
func (s *Server) bindJSON(c fiber.Ctx, dst any) error {
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(dst); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
	}
	if err := s.validate.Struct(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return nil
}
