// Package service is the application layer shared by the HTTP API and the
// MCP tools. It owns caller scoping: every lookup is checked against the
// calling user before anything is returned or changed.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Engine starts and cancels executions.
type Engine interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, payload map[string]any, opts engine.StartOptions) (*schema.Execution, error)
	Cancel(ctx context.Context, executionID, reason string) (*schema.Execution, error)
}

// JobCanceller cancels queued jobs and publishes the change.
type JobCanceller interface {
	Cancel(ctx context.Context, jobID string) (*schema.Job, error)
}

// EventRouter starts executions from inbound events.
type EventRouter interface {
	Dispatch(ctx context.Context, userID, event string, payload map[string]any) ([]*schema.Execution, error)
	Fire(ctx context.Context, def *schema.WorkflowDefinition, event string, payload map[string]any) (*schema.Execution, error)
}

// EmailReader reads email delivery state.
type EmailReader interface {
	Get(ctx context.Context, id string) (*schema.Email, error)
}

// DefinitionCache fronts definition reads. Invalidate runs after every write.
type DefinitionCache interface {
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	Invalidate(ctx context.Context, id string) error
}

// Deps are the collaborators of a Service. Store, Engine and Validator are required.
type Deps struct {
	Store     store.Store
	Engine    Engine
	Validator validation.Validator
	Jobs      JobCanceller
	Events    EventRouter
	Emails    EmailReader
	Cache     DefinitionCache
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Service implements the workflow, execution and job use cases.
type Service struct {
	store     store.Store
	engine    Engine
	validator validation.Validator
	jobs      JobCanceller
	events    EventRouter
	emails    EmailReader
	cache     DefinitionCache
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// New creates a Service.
func New(deps Deps) *Service {
	s := &Service{
		store:     deps.Store,
		engine:    deps.Engine,
		validator: deps.Validator,
		jobs:      deps.Jobs,
		events:    deps.Events,
		emails:    deps.Emails,
		cache:     deps.Cache,
		logger:    logging.WithModule(deps.Logger, "service"),
		now:       deps.Now,
		newID:     deps.NewID,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
}

func unavailable(what string) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s is not configured", what)
}

// owns reports whether userID may see a resource owned by owner. Resources
// without an owner are visible to everyone.
func owns(owner, userID string) bool {
	return owner == "" || owner == userID
}
