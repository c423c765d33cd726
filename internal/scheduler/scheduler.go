// Package scheduler dispatches due jobs to their handlers with at-least-once
// delivery: a job is claimed under a lease before it runs, and a lease that
// expires without an outcome puts the job back in the queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/schema"
)

// Handler processes one claimed job. Returning engine.ErrDiscarded cancels the
// job; returning the context's error after shutdown leaves it to lease recovery.
type Handler interface {
	HandleJob(ctx context.Context, job *schema.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *schema.Job) error

func (f HandlerFunc) HandleJob(ctx context.Context, job *schema.Job) error { return f(ctx, job) }

// Store is the job queue.
type Store interface {
	CreateJob(ctx context.Context, job *schema.Job) error
	GetJob(ctx context.Context, id string) (*schema.Job, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*schema.Job, error)
	ClaimJob(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*schema.Job, error)
	FinishJob(ctx context.Context, id string, status schema.JobStatus, errMsg string) (*schema.Job, error)
	CancelJob(ctx context.Context, id string) (*schema.Job, error)
	RecoverExpiredLeases(ctx context.Context, now time.Time) ([]*schema.Job, error)
	DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error)
}

// Config tunes dispatch.
type Config struct {
	// Interval between polls for due jobs.
	Interval time.Duration `yaml:"interval"`
	// Batch is the most jobs taken per poll.
	Batch int `yaml:"batch"`
	// Rate caps dispatches per second; zero means unlimited.
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
	// Lease is how long a claimed job may run before it is recovered.
	// It must exceed the longest step timeout.
	Lease time.Duration `yaml:"lease"`
	// Retention is how long finished jobs are kept.
	Retention time.Duration `yaml:"retention"`
	// Maintenance is the cron spec of lease recovery and retention cleanup.
	Maintenance string `yaml:"maintenance"`
	// Owner identifies this process in job leases.
	Owner string `yaml:"owner"`
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Second,
		Batch:       100,
		Lease:       2 * time.Minute,
		Retention:   24 * time.Hour,
		Maintenance: "@every 1m",
	}
}

// Observer sees every job outcome this scheduler records.
type Observer func(job *schema.Job, took time.Duration)

// Scheduler polls the store for due jobs and runs them on a bounded pool.
type Scheduler struct {
	store    Store
	pool     *engine.WorkerPool
	handlers map[schema.JobKind]Handler
	pub      engine.Publisher
	limiter  *rate.Limiter
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
	observe  Observer
	cfg      Config

	cron   *cron.Cron
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	// Jobs run under jobCtx, which outlives the dispatch loop so Stop can
	// let them finish.
	jobCtx    context.Context
	jobCancel context.CancelFunc

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs running in this process
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithPublisher(p engine.Publisher) Option { return func(s *Scheduler) { s.pub = p } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.WithModule(l, "scheduler") }
}

func WithTracer(t trace.Tracer) Option { return func(s *Scheduler) { s.tracer = t } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observe = o } }

// New creates a scheduler that submits work to pool.
func New(st Store, pool *engine.WorkerPool, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Maintenance == "" {
		cfg.Maintenance = def.Maintenance
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	s := &Scheduler{
		store:    st,
		pool:     pool,
		handlers: make(map[schema.JobKind]Handler),
		pub:      engine.NopPublisher{},
		limiter:  rate.NewLimiter(rate.Inf, 0),
		tracer:   otel.Tracer("github.com/rendis/stepflow/internal/scheduler"),
		logger:   logging.WithModule(nil, "scheduler"),
		now:      func() time.Time { return time.Now().UTC() },
		cfg:      cfg,
		inflight: make(map[string]struct{}),
	}
	if cfg.Rate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handle routes jobs of kind to h.
func (s *Scheduler) Handle(kind schema.JobKind, h Handler) {
	s.handlers[kind] = h
}

// Owner is the lease owner name of this scheduler.
func (s *Scheduler) Owner() string { return s.cfg.Owner }

// Schedule queues a job. A zero ScheduledAt means now.
func (s *Scheduler) Schedule(ctx context.Context, job *schema.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = s.now()
	}
	job.Status = schema.JobPending
	if err := s.store.CreateJob(ctx, job); err != nil {
		return err
	}
	s.pub.JobStatus(ctx, job)
	return nil
}

// Cancel cancels a pending or running job. A running job's handler is not
// interrupted; its result is discarded when it returns.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) (*schema.Job, error) {
	job, err := s.store.CancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.pub.JobStatus(ctx, job)
	return job, nil
}

// Start recovers stale leases, then launches the dispatch loop and the
// maintenance cron.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	if _, err := s.RecoverStale(ctx); err != nil {
		s.mu.Unlock()
		return err
	}

	c := cron.New(cron.WithLogger(logging.CronLogger(s.logger)), cron.WithChain(
		cron.Recover(logging.CronLogger(s.logger)),
		cron.SkipIfStillRunning(logging.CronLogger(s.logger)),
	))
	loopCtx, cancel := context.WithCancel(ctx)
	if _, err := c.AddFunc(s.cfg.Maintenance, func() { s.maintain(loopCtx) }); err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("maintenance schedule %q: %w", s.cfg.Maintenance, err)
	}
	s.cron = c
	s.cancel = cancel
	s.done = make(chan struct{})
	s.jobCtx, s.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	c.Start()
	go s.loop(loopCtx)
	s.logger.Info("scheduler started",
		slog.String("owner", s.cfg.Owner), slog.Duration("interval", s.cfg.Interval), slog.Duration("lease", s.cfg.Lease))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
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

// Tick claims every due job and submits it to the pool. It returns how many
// jobs were submitted. Submission blocks while the pool is full.
func (s *Scheduler) Tick(ctx context.Context) int {
	jobs, err := s.store.ListDueJobs(ctx, s.now(), s.cfg.Batch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "listing due jobs failed", slog.String("error", err.Error()))
		}
		return 0
	}

	submitted := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			s.releaseJob(job.ID)
			break
		}
		claimed, err := s.store.ClaimJob(ctx, job.ID, s.cfg.Owner, s.now(), s.cfg.Lease)
		if err != nil {
			s.releaseJob(job.ID)
			// Another dispatcher won the claim, or the job was cancelled.
			if schema.IsConflict(err) {
				s.logger.DebugContext(ctx, "job claim lost", slog.String("job_id", job.ID))
				continue
			}
			s.logger.ErrorContext(ctx, "claiming job failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		s.pub.JobStatus(ctx, claimed)

		jobCtx := s.jobContext(ctx)
		if err := s.pool.Submit(ctx, func(context.Context) error {
			defer s.releaseJob(claimed.ID)
			return s.run(jobCtx, claimed)
		}); err != nil {
			// Shutting down: the claim lapses and the job is recovered later.
			s.releaseJob(claimed.ID)
			s.logger.WarnContext(ctx, "job not submitted", slog.String("job_id", claimed.ID), slog.String("error", err.Error()))
			break
		}
		submitted++
	}
	return submitted
}

func (s *Scheduler) run(ctx context.Context, job *schema.Job) error {
	ctx = logging.WithJobID(logging.WithIDs(ctx, job.ExecutionID, job.WorkflowID, job.StepID), job.ID)
	ctx, span := s.tracer.Start(ctx, "scheduler.dispatch", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.Int("job.attempt", job.Attempt),
		attribute.String("execution.id", job.ExecutionID),
	))
	defer span.End()
	started := time.Now()

	h, ok := s.handlers[job.Kind]
	var err error
	if !ok {
		err = schema.NewErrorf(schema.ErrCodeValidation, "no handler for job kind %q", job.Kind)
	} else {
		err = h.HandleJob(ctx, job)
	}

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Interrupted by shutdown: leave the job running for lease recovery.
		span.SetStatus(codes.Error, "interrupted")
		return err
	}

	// The outcome is recorded even when the dispatch context is cancelled.
	rctx := context.WithoutCancel(ctx)
	var (
		final *schema.Job
		ferr  error
	)
	switch {
	case err == nil:
		final, ferr = s.store.FinishJob(rctx, job.ID, schema.JobCompleted, "")
	case errors.Is(err, engine.ErrDiscarded):
		final, ferr = s.store.CancelJob(rctx, job.ID)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WarnContext(ctx, "job failed", slog.String("kind", string(job.Kind)), slog.String("error", err.Error()))
		final, ferr = s.store.FinishJob(rctx, job.ID, schema.JobFailed, err.Error())
	}
	if ferr != nil {
		// A job cancelled while it ran keeps its cancelled status.
		if schema.IsConflict(ferr) || schema.CodeOf(ferr) == schema.ErrCodeInvalidTransition {
			s.logger.DebugContext(ctx, "job outcome not recorded", slog.String("error", ferr.Error()))
			return err
		}
		s.logger.ErrorContext(ctx, "recording job outcome failed", slog.String("error", ferr.Error()))
		return errors.Join(err, ferr)
	}
	s.pub.JobStatus(rctx, final)
	if s.observe != nil {
		s.observe(final, time.Since(started))
	}
	if errors.Is(err, engine.ErrDiscarded) {
		return nil
	}
	return err
}

func (s *Scheduler) jobContext(loop context.Context) context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobCtx != nil {
		return s.jobCtx
	}
	return loop
}

// RecoverStale returns jobs whose lease expired to pending so they are
// dispatched again.
func (s *Scheduler) RecoverStale(ctx context.Context) (int, error) {
	jobs, err := s.store.RecoverExpiredLeases(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("recover expired leases: %w", err)
	}
	for _, j := range jobs {
		s.pub.JobStatus(ctx, j)
	}
	if len(jobs) > 0 {
		s.logger.InfoContext(ctx, "recovered jobs with expired leases", slog.Int("count", len(jobs)))
	}
	return len(jobs), nil
}

// Cleanup deletes finished jobs older than the retention period.
func (s *Scheduler) Cleanup(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteFinishedJobs(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "deleted finished jobs", slog.Int64("count", n))
	}
	return n, nil
}

func (s *Scheduler) maintain(ctx context.Context) {
	if _, err := s.RecoverStale(ctx); err != nil {
		s.logger.ErrorContext(ctx, "lease recovery failed", slog.String("error", err.Error()))
	}
	if _, err := s.Cleanup(ctx); err != nil {
		s.logger.ErrorContext(ctx, "job cleanup failed", slog.String("error", err.Error()))
	}
}

// tryAcquire marks the job in flight unless it already is. A job recovered
// while this process still runs it is not dispatched twice here.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// InFlight reports how many jobs this process is running.
func (s *Scheduler) InFlight() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}

// Stop ends the dispatch loop and the maintenance cron, then waits for
// running jobs until ctx is done. Jobs still running after that are
// interrupted and later recovered from their leases.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done, jobCancel, c := s.cancel, s.done, s.jobCancel, s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	cancel()
	<-done

	drained := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		jobCancel()
		<-drained
	}
	jobCancel()

	s.mu.Lock()
	s.cancel, s.done, s.jobCtx, s.jobCancel, s.cron = nil, nil, nil, nil, nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped", slog.Bool("drained", err == nil))
	return err
}
