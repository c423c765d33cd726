package service

import (
	"context"
	"log/slog"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Trigger sources recorded on executions started through the service.
const (
	TriggerManual = "manual"
	TriggerTest   = "test"
)

// ExecutionView is an execution with its step history.
type ExecutionView struct {
	*schema.Execution
	Steps []*schema.StepRecord `json:"steps"`
}

// HistoryEntry pairs an execution with its log.
type HistoryEntry struct {
	Execution *schema.Execution      `json:"execution"`
	Logs      []*schema.ExecutionLog `json:"logs"`
}

// TriggerResult reports whether a trigger request started an execution.
type TriggerResult struct {
	Triggered   bool   `json:"triggered"`
	ExecutionID string `json:"execution_id,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Run starts the latest version of workflowID with payload.
func (s *Service) Run(ctx context.Context, userID, workflowID string, payload map[string]any) (*schema.Execution, error) {
	return s.start(ctx, userID, workflowID, payload, TriggerManual)
}

// Test starts workflowID with a caller-supplied payload. Triggers are not
// consulted; the execution behaves exactly like Run.
func (s *Service) Test(ctx context.Context, userID, workflowID string, payload map[string]any) (*schema.Execution, error) {
	return s.start(ctx, userID, workflowID, payload, TriggerTest)
}

func (s *Service) start(ctx context.Context, userID, workflowID string, payload map[string]any, trigger string) (*schema.Execution, error) {
	def, err := s.GetDefinition(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	exec, err := s.engine.Start(ctx, def, payload, engine.StartOptions{UserID: userID, Trigger: trigger})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "execution started",
		slog.String("execution_id", exec.ID), slog.String("workflow_id", workflowID), slog.String("trigger", trigger))
	return exec, nil
}

// Trigger starts workflowID only if one of its triggers accepts event and
// payload. An empty event checks trigger conditions alone.
func (s *Service) Trigger(ctx context.Context, userID, workflowID, event string, payload map[string]any) (*TriggerResult, error) {
	if s.events == nil {
		return nil, unavailable("event routing")
	}
	def, err := s.GetDefinition(ctx, userID, workflowID)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	exec, err := s.events.Fire(ctx, def, event, payload)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return &TriggerResult{Message: "no trigger conditions matched"}, nil
	}
	return &TriggerResult{Triggered: true, ExecutionID: exec.ID}, nil
}

// RaiseEvent starts every workflow of userID whose trigger accepts the event.
// Executions that did start are returned alongside any start errors.
func (s *Service) RaiseEvent(ctx context.Context, userID, event string, payload map[string]any) ([]*schema.Execution, error) {
	if s.events == nil {
		return nil, unavailable("event routing")
	}
	if event == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return s.events.Dispatch(ctx, userID, event, payload)
}

// GetExecution returns an execution and every step attempt it made.
func (s *Service) GetExecution(ctx context.Context, userID, id string) (*ExecutionView, error) {
	exec, err := s.execution(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListStepRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ExecutionView{Execution: exec, Steps: steps}, nil
}

// ListExecutions returns executions of userID, optionally narrowed.
func (s *Service) ListExecutions(ctx context.Context, userID string, filter store.ExecutionFilter) ([]*schema.Execution, error) {
	filter.UserID = userID
	return s.store.ListExecutions(ctx, filter)
}

// CancelExecution cancels a running execution and its pending jobs.
func (s *Service) CancelExecution(ctx context.Context, userID, id, reason string) (*schema.Execution, error) {
	if _, err := s.execution(ctx, userID, id); err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by " + userID
	}
	return s.engine.Cancel(ctx, id, reason)
}

// ExecutionLogs returns log rows of an execution after sinceSeq.
func (s *Service) ExecutionLogs(ctx context.Context, userID, id string, sinceSeq int64) ([]*schema.ExecutionLog, error) {
	if _, err := s.execution(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.ListExecutionLogs(ctx, id, sinceSeq)
}

// History returns the executions of workflowID, newest first, with their logs.
func (s *Service) History(ctx context.Context, userID, workflowID string, limit int) ([]HistoryEntry, error) {
	if _, err := s.GetDefinition(ctx, userID, workflowID); err != nil {
		return nil, err
	}
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: workflowID, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(execs))
	for _, e := range execs {
		logs, err := s.store.ListExecutionLogs(ctx, e.ID, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, HistoryEntry{Execution: e, Logs: logs})
	}
	return out, nil
}

func (s *Service) execution(ctx context.Context, userID, id string) (*schema.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if !owns(exec.UserID, userID) {
		return nil, notFound("execution", id)
	}
	return exec, nil
}
