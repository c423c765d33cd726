package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// DefaultScheduleInterval is how often schedules are checked.
const DefaultScheduleInterval = 15 * time.Second

// Schedules fires the schedule triggers of stored definitions. Each trigger's
// next run is kept in memory, so runs missed while no process was checking
// are skipped rather than replayed.
type Schedules struct {
	defs     Definitions
	starter  Starter
	cond     *conditions.Evaluator
	parser   cron.Parser
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	nextMu sync.Mutex
	next   map[string]time.Time // trigger key -> next fire time
}

// ScheduleOption configures Schedules.
type ScheduleOption func(*Schedules)

func WithInterval(d time.Duration) ScheduleOption {
	return func(s *Schedules) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithClock(now func() time.Time) ScheduleOption { return func(s *Schedules) { s.now = now } }

func NewSchedules(defs Definitions, starter Starter, cond *conditions.Evaluator, logger *slog.Logger, opts ...ScheduleOption) *Schedules {
	s := &Schedules{
		defs:     defs,
		starter:  starter,
		cond:     cond,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logging.WithModule(logger, "schedules"),
		now:      func() time.Time { return time.Now().UTC() },
		interval: DefaultScheduleInterval,
		next:     make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the background loop.
func (s *Schedules) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("schedules already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("schedule triggers started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Schedules) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every schedule trigger that is due and returns how many
// executions it started. A trigger seen for the first time is only armed.
func (s *Schedules) Tick(ctx context.Context) int {
	defs, err := s.defs.ListDefinitions(ctx, store.DefinitionFilter{Scheduled: true})
	if err != nil {
		s.logger.ErrorContext(ctx, "listing scheduled workflows failed", slog.String("error", err.Error()))
		return 0
	}

	now := s.now()
	seen := make(map[string]struct{})
	fired := 0

	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	for _, def := range defs {
		for i := range def.Triggers {
			tr := &def.Triggers[i]
			if tr.Schedule == "" {
				continue
			}
			key := fmt.Sprintf("%s#%d %s", def.ID, i, tr.Schedule)
			seen[key] = struct{}{}

			sched, err := s.parser.Parse(tr.Schedule)
			if err != nil {
				s.logger.WarnContext(ctx, "invalid schedule", slog.String("workflow_id", def.ID),
					slog.String("schedule", tr.Schedule), slog.String("error", err.Error()))
				continue
			}
			next, armed := s.next[key]
			if !armed {
				s.next[key] = sched.Next(now)
				continue
			}
			if next.After(now) {
				continue
			}
			s.next[key] = sched.Next(now)
			if s.fire(ctx, def, tr, next) {
				fired++
			}
		}
	}
	for key := range s.next {
		if _, ok := seen[key]; !ok {
			delete(s.next, key)
		}
	}
	return fired
}

func (s *Schedules) fire(ctx context.Context, def *schema.WorkflowDefinition, tr *schema.Trigger, at time.Time) bool {
	payload := map[string]any{
		"trigger": map[string]any{
			"schedule": tr.Schedule,
			"fired_at": at.UTC().Format(time.RFC3339),
		},
	}
	if !s.cond.Evaluate(ctx, tr.Condition, payload) {
		return false
	}
	exec, err := s.starter.Start(ctx, def, payload, engine.StartOptions{UserID: def.UserID, Trigger: "schedule"})
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled start failed",
			slog.String("workflow_id", def.ID), slog.String("error", err.Error()))
		return false
	}
	s.logger.InfoContext(ctx, "scheduled execution started",
		slog.String("workflow_id", def.ID), slog.String("execution_id", exec.ID), slog.String("schedule", tr.Schedule))
	return true
}

// Armed reports how many schedule triggers are being tracked.
func (s *Schedules) Armed() int {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	return len(s.next)
}

// Stop ends the loop and waits for it.
func (s *Schedules) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("schedule triggers stopped")
	return nil
}
