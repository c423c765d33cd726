package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	workflowIDKey
	stepIDKey
	jobIDKey
)

// correlationKeys pairs each context key with the attribute it becomes.
var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{executionIDKey, "execution_id"},
	{workflowIDKey, "workflow_id"},
	{stepIDKey, "step_id"},
	{jobIDKey, "job_id"},
}

// WithExecutionID returns a context carrying the execution id.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithWorkflowID returns a context carrying the workflow id.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithStepID returns a context carrying the step id.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithJobID returns a context carrying the job id.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// ExecutionID extracts the execution id from the context, or "".
func ExecutionID(ctx context.Context) string { return value(ctx, executionIDKey) }

// WorkflowID extracts the workflow id from the context, or "".
func WorkflowID(ctx context.Context) string { return value(ctx, workflowIDKey) }

// StepID extracts the step id from the context, or "".
func StepID(ctx context.Context) string { return value(ctx, stepIDKey) }

// JobID extracts the job id from the context, or "".
func JobID(ctx context.Context) string { return value(ctx, jobIDKey) }

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithIDs sets execution, workflow and step ids at once. Empty ids are skipped.
func WithIDs(ctx context.Context, executionID, workflowID, stepID string) context.Context {
	if executionID != "" {
		ctx = WithExecutionID(ctx, executionID)
	}
	if workflowID != "" {
		ctx = WithWorkflowID(ctx, workflowID)
	}
	if stepID != "" {
		ctx = WithStepID(ctx, stepID)
	}
	return ctx
}

// LogWith returns a logger enriched with the correlation ids in ctx.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, k := range correlationKeys {
		if v := value(ctx, k.key); v != "" {
			logger = logger.With(slog.String(k.attr, v))
		}
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation ids from
// the context into every record. Use with logger.InfoContext(ctx, ...).
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, k := range correlationKeys {
		if v := value(ctx, k.key); v != "" {
			r.AddAttrs(slog.String(k.attr, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
