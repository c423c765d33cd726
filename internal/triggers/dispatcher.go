// Package triggers starts executions from domain events and cron schedules.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Starter creates executions. *engine.Machine implements it.
type Starter interface {
	Start(ctx context.Context, def *schema.WorkflowDefinition, payload map[string]any, opts engine.StartOptions) (*schema.Execution, error)
}

// Definitions lists the latest definition versions.
type Definitions interface {
	ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error)
}

// Match returns the first event trigger of def that accepts the event. With an
// empty event name only the trigger conditions are checked.
func Match(ctx context.Context, cond *conditions.Evaluator, def *schema.WorkflowDefinition, event string, payload map[string]any) (*schema.Trigger, bool) {
	for i := range def.Triggers {
		tr := &def.Triggers[i]
		if tr.Event == "" {
			continue
		}
		if event != "" && tr.Event != event {
			continue
		}
		if cond.Evaluate(ctx, tr.Condition, payload) {
			return tr, true
		}
	}
	return nil, false
}

// Dispatcher matches inbound events against the triggers of stored definitions.
type Dispatcher struct {
	defs    Definitions
	starter Starter
	cond    *conditions.Evaluator
	logger  *slog.Logger
}

func NewDispatcher(defs Definitions, starter Starter, cond *conditions.Evaluator, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{defs: defs, starter: starter, cond: cond, logger: logging.WithModule(logger, "triggers")}
}

// Dispatch starts every workflow with a matching trigger. userID limits the
// candidates to one owner; empty means all. A failure to start one workflow
// does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, event string, payload map[string]any) ([]*schema.Execution, error) {
	if event == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	defs, err := d.defs.ListDefinitions(ctx, store.DefinitionFilter{UserID: userID, TriggerEvt: event})
	if err != nil {
		return nil, fmt.Errorf("list triggered workflows: %w", err)
	}
	var (
		started []*schema.Execution
		errs    []error
	)
	for _, def := range defs {
		exec, err := d.Fire(ctx, def, event, payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", def.ID, err))
			continue
		}
		if exec != nil {
			started = append(started, exec)
		}
	}
	d.logger.InfoContext(ctx, "event dispatched",
		slog.String("event", event), slog.Int("candidates", len(defs)), slog.Int("started", len(started)))
	return started, errors.Join(errs...)
}

// Raise is Dispatch reporting only how many executions started.
func (d *Dispatcher) Raise(ctx context.Context, userID, event string, payload map[string]any) (int, error) {
	started, err := d.Dispatch(ctx, userID, event, payload)
	return len(started), err
}

// Fire starts def when one of its triggers accepts the event. It returns a nil
// execution when nothing matched.
func (d *Dispatcher) Fire(ctx context.Context, def *schema.WorkflowDefinition, event string, payload map[string]any) (*schema.Execution, error) {
	if _, ok := Match(ctx, d.cond, def, event, payload); !ok {
		return nil, nil
	}
	trigger := "event"
	if event != "" {
		trigger = "event:" + event
	}
	return d.starter.Start(ctx, def, payload, engine.StartOptions{UserID: def.UserID, Trigger: trigger})
}
