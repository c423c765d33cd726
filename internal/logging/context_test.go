package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", JobID(ctx))

	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithWorkflowID(ctx, "wf-123")
	ctx = WithStepID(ctx, "notify")
	ctx = WithJobID(ctx, "job-9")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "notify", StepID(ctx))
	assert.Equal(t, "job-9", JobID(ctx))
}

func TestWithIDsSkipsEmpty(t *testing.T) {
	ctx := WithIDs(context.Background(), "exec-1", "", "start")
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "", WorkflowID(ctx))
	assert.Equal(t, "start", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "exec-abc", "wf-abc", "")
	LogWith(ctx, logger).Info("test message")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-abc")
	assert.Contains(t, out, "workflow_id=wf-abc")
	assert.NotContains(t, out, "step_id")
	assert.Contains(t, out, "test message")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithJobID(WithIDs(context.Background(), "exec-auto", "wf-auto", "step-auto"), "job-auto")
	logger.InfoContext(ctx, "auto inject")

	out := buf.String()
	assert.Contains(t, out, `"execution_id":"exec-auto"`)
	assert.Contains(t, out, `"workflow_id":"wf-auto"`)
	assert.Contains(t, out, `"step_id":"step-auto"`)
	assert.Contains(t, out, `"job_id":"job-auto"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	out := buf.String()
	assert.NotContains(t, out, "execution_id")
	assert.NotContains(t, out, "job_id")
	assert.Contains(t, out, "bare log")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("module", "engine")}).WithGroup("g"))

	logger.InfoContext(WithWorkflowID(context.Background(), "wf-grp"), "grouped", "key", "val")

	out := buf.String()
	assert.Contains(t, out, `"module":"engine"`)
	assert.Contains(t, out, "wf-grp")
}

func TestSetup(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger, err := Setup(&buf, "warn", "json")
	require.NoError(t, err)

	logger.Info("dropped")
	WithModule(logger, "scheduler").WarnContext(WithJobID(context.Background(), "j1"), "kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"module":"scheduler"`)
	assert.Contains(t, out, `"job_id":"j1"`)

	_, err = Setup(&buf, "loud", "json")
	assert.Error(t, err)
	_, err = Setup(&buf, "info", "xml")
	assert.Error(t, err)
}
