package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// ErrDiscarded is returned by HandleJob and ResolveCallback when the
// execution already reached a terminal state. The caller cancels the job.
var ErrDiscarded = errors.New("execution is terminal; result discarded")

// errStepInFlight means a callback arrived before its executor returned.
var errStepInFlight = errors.New("step attempt still in flight")

// maxRedeliveries bounds how often a callback is re-queued while its step is in flight.
const maxRedeliveries = 120

// DefinitionSource loads pinned definition versions. store.Store satisfies it;
// the redis cache wraps it.
type DefinitionSource interface {
	GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
}

// Config tunes the state machine.
type Config struct {
	// StepTimeout bounds one executor call unless the step sets its own timeout.
	StepTimeout time.Duration
	// MaxStepTimeout caps per-step timeouts of definitions saved under a
	// larger limit. Zero means no cap.
	MaxStepTimeout time.Duration
	// FailFast is the default for executions that do not choose.
	FailFast bool
	Backoff  BackoffPolicy
	Breaker  BreakerConfig
	// CallbackRetry is the wait before re-delivering a callback whose step is still in flight.
	CallbackRetry time.Duration
}

// DefaultConfig returns the default machine settings.
func DefaultConfig() Config {
	return Config{
		StepTimeout:   30 * time.Second,
		FailFast:      true,
		Backoff:       DefaultBackoffPolicy(),
		Breaker:       DefaultBreakerConfig(),
		CallbackRetry: time.Second,
	}
}

// Deps are the collaborators of a Machine. Store, Actions and Conditions are required.
type Deps struct {
	Store       store.Store
	Definitions DefinitionSource
	Actions     *actions.Registry
	Conditions  *conditions.Evaluator
	Locker      Locker
	Publisher   Publisher
	Effects     actions.Effects
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Now         func() time.Time
	NewID       func() string
}

// StartOptions describe who started an execution and how it fails.
type StartOptions struct {
	UserID  string
	Trigger string
	// FailFast overrides Config.FailFast when set.
	FailFast *bool
}

// Machine advances executions one step outcome at a time. Every mutation of an
// execution happens under its lock and is persisted in a single store commit.
type Machine struct {
	store      store.Store
	defs       DefinitionSource
	actions    *actions.Registry
	conditions *conditions.Evaluator
	locker     Locker
	pub        Publisher
	effects    actions.Effects
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
	newID      func() string
	cfg        Config

	breakers *Breakers
	execFSM  *fsm[schema.ExecutionStatus]
	stepFSM  *fsm[schema.StepStatus]
	graphs   sync.Map // "id@version" -> *Graph
}

// NewMachine wires a Machine.
func NewMachine(deps Deps, cfg Config) *Machine {
	m := &Machine{
		store:      deps.Store,
		defs:       deps.Definitions,
		actions:    deps.Actions,
		conditions: deps.Conditions,
		locker:     deps.Locker,
		pub:        deps.Publisher,
		effects:    deps.Effects,
		logger:     logging.WithModule(deps.Logger, "engine"),
		tracer:     deps.Tracer,
		now:        deps.Now,
		newID:      deps.NewID,
		cfg:        cfg,
		execFSM:    newFSM("execution", ExecutionTransitions),
		stepFSM:    newFSM("step", StepTransitions),
	}
	if m.defs == nil {
		m.defs = deps.Store
	}
	if m.locker == nil {
		m.locker = NewMemoryLocker()
	}
	if m.pub == nil {
		m.pub = NopPublisher{}
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("github.com/rendis/stepflow/internal/engine")
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.cfg.StepTimeout <= 0 {
		m.cfg.StepTimeout = 30 * time.Second
	}
	if m.cfg.CallbackRetry <= 0 {
		m.cfg.CallbackRetry = time.Second
	}
	m.breakers = NewBreakers(cfg.Breaker, m.now)
	return m
}

// OnExecutionTransition registers a hook fired after each committed execution status change.
func (m *Machine) OnExecutionTransition(h TransitionHook[schema.ExecutionStatus]) {
	m.execFSM.OnTransition(h)
}

// OnStepTransition registers a hook fired after each committed step status change.
func (m *Machine) OnStepTransition(h TransitionHook[schema.StepStatus]) {
	m.stepFSM.OnTransition(h)
}

// Breakers exposes the per-kind circuit breakers.
func (m *Machine) Breakers() *Breakers { return m.breakers }

// Start creates a pending execution of def and schedules its entry step.
func (m *Machine) Start(ctx context.Context, def *schema.WorkflowDefinition, payload map[string]any, opts StartOptions) (*schema.Execution, error) {
	g, err := m.graphFor(def)
	if err != nil {
		return nil, err
	}
	data, err := clonePayload(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "payload is not JSON: %v", err)
	}
	failFast := m.cfg.FailFast
	if opts.FailFast != nil {
		failFast = *opts.FailFast
	}
	now := m.now()
	exec := &schema.Execution{
		ID:                m.newID(),
		WorkflowID:        def.ID,
		DefinitionVersion: def.Version,
		UserID:            opts.UserID,
		Trigger:           opts.Trigger,
		Status:            schema.ExecutionPending,
		Payload:           data,
		CurrentNodeIDs:    []string{g.Entry()},
		Visited:           []string{g.Entry()},
		FailFast:          failFast,
		CreatedAt:         now,
	}
	c := &store.Commit{
		Execution: exec,
		Create:    true,
		Jobs:      []*schema.Job{m.newJob(exec, schema.JobKindStep, g.Entry(), 1, now, nil)},
	}
	if err := m.store.Commit(ctx, c); err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID, "")
	m.logger.InfoContext(ctx, "execution created", slog.Int("version", def.Version), slog.String("trigger", opts.Trigger))
	m.publish(ctx, c, true)
	return exec, nil
}

// HandleJob processes a dispatched step or resume job. It returns ErrDiscarded
// when the execution is already terminal and ctx's error when interrupted, in
// which case the job is left for lease recovery.
func (m *Machine) HandleJob(ctx context.Context, job *schema.Job) error {
	ctx = logging.WithJobID(logging.WithIDs(ctx, job.ExecutionID, job.WorkflowID, job.StepID), job.ID)
	switch job.Kind {
	case schema.JobKindStep:
		return m.runStep(ctx, job)
	case schema.JobKindResume:
		return m.resume(ctx, job)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "engine cannot handle job kind %q", job.Kind)
	}
}

// ResolveCallback queues the outcome of a step attempt that is waiting on an
// external callback (an async email delivery). The outcome is applied by a
// resume job so it survives restarts.
func (m *Machine) ResolveCallback(ctx context.Context, executionID, stepID string, attempt int, outcome actions.Outcome) (*schema.Job, error) {
	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, ErrDiscarded
	}
	if _, err := m.store.GetStepRecord(ctx, executionID, stepID, attempt); err != nil {
		return nil, err
	}
	data, err := encodeOutcome(outcome, 0)
	if err != nil {
		return nil, err
	}
	job := m.newJob(exec, schema.JobKindResume, stepID, attempt, m.now(), data)
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	m.pub.JobStatus(ctx, job)
	return job, nil
}

// Cancel moves a non-terminal execution to cancelled and cancels its pending
// jobs. Cancelling a cancelled execution returns it unchanged.
func (m *Machine) Cancel(ctx context.Context, executionID, reason string) (*schema.Execution, error) {
	unlock, err := m.locker.Lock(ctx, executionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status == schema.ExecutionCancelled {
		return exec, nil
	}
	if exec.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already %s", exec.ID, exec.Status)
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	ctx = logging.WithIDs(ctx, exec.ID, exec.WorkflowID, "")
	before := exec.Status
	c := &store.Commit{Execution: exec}
	if err := m.terminate(exec, c, schema.ExecutionCancelled, reason, ""); err != nil {
		return nil, err
	}
	steps, err := m.closeParked(ctx, exec, c, "execution cancelled")
	if err != nil {
		return nil, err
	}
	if err := m.commit(ctx, c, before, steps...); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "execution cancelled", slog.String("reason", reason), slog.Int("cancelled_jobs", len(c.CancelledJobs)))
	return exec, nil
}

func (m *Machine) runStep(ctx context.Context, job *schema.Job) error {
	unlock, err := m.locker.Lock(ctx, job.ExecutionID)
	if err != nil {
		return err
	}
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	exec, err := m.store.GetExecution(ctx, job.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return ErrDiscarded
	}
	g, err := m.graph(ctx, exec)
	if err != nil {
		return err
	}
	node := g.Node(job.StepID)
	if node == nil {
		return m.abort(ctx, exec, job.StepID,
			schema.NewErrorf(schema.ErrCodeValidation, "step %q is not part of %s@%d", job.StepID, exec.WorkflowID, exec.DefinitionVersion))
	}
	exe, err := m.actions.Get(node.Action)
	if err != nil {
		return m.abort(ctx, exec, node.ID, err)
	}
	desc := exe.Describe()

	rec, err := m.store.GetStepRecord(ctx, exec.ID, node.ID, job.Attempt)
	switch {
	case err != nil && !schema.IsNotFound(err):
		return err
	case err != nil:
		rec = nil
	case rec.Status != schema.StepRunning || rec.Suspended:
		m.logger.DebugContext(ctx, "step attempt already handled", slog.String("status", string(rec.Status)))
		return nil
	case !desc.ReentrySafe:
		interrupted := schema.NewErrorf(schema.ErrCodeStepFailed, "step %s attempt %d was interrupted", node.ID, job.Attempt).
			WithStep(node.ID).AsRetryable()
		return m.apply(ctx, exec, g, node, desc, rec, actions.Failed(interrupted))
	}

	payload, err := clonePayload(exec.Payload)
	if err != nil {
		return err
	}
	key := m.breakerKey(node, desc, payload)
	if err := m.breakers.Allow(key); err != nil {
		return m.postpone(ctx, exec, node, job, key, err)
	}
	if rec == nil {
		if _, err := m.beginStep(ctx, exec, node, job); err != nil {
			m.breakers.Release(key)
			return err
		}
	} else {
		m.logger.InfoContext(ctx, "re-invoking interrupted step", slog.Int("attempt", job.Attempt))
	}
	unlock()
	locked = false

	outcome, err := m.invoke(ctx, exec, node, exe, job.Attempt, payload, key)
	if err != nil {
		return err
	}
	return m.resolve(ctx, exec.ID, node.ID, job.Attempt, outcome, false)
}

// breakerKey scopes the circuit breaker of node to the target its params name.
func (m *Machine) breakerKey(node *schema.StepSpec, desc actions.Descriptor, payload map[string]any) string {
	if desc.BreakerTarget == nil {
		return BreakerKey(node.Action, "")
	}
	params, err := expressions.Interpolate(node.Params, payload)
	if err != nil {
		return BreakerKey(node.Action, "")
	}
	return BreakerKey(node.Action, desc.BreakerTarget(params))
}

// postpone re-queues a step attempt rejected by an open circuit. No attempt is
// recorded, so the rejection does not count against the step's retries.
func (m *Machine) postpone(ctx context.Context, exec *schema.Execution, node *schema.StepSpec, job *schema.Job, key string, cause error) error {
	delay := m.breakers.RetryAfter(key)
	if delay <= 0 {
		delay = m.cfg.CallbackRetry
	}
	at := m.now().Add(delay)
	c := &store.Commit{
		Jobs: []*schema.Job{m.newJob(exec, schema.JobKindStep, node.ID, job.Attempt, at, nil)},
		Logs: []*schema.ExecutionLog{m.logEntry(exec, node.ID, schema.LogStepDeferred,
			fmt.Sprintf("%s; attempt %d deferred by %s", cause.Error(), job.Attempt, delay),
			map[string]any{"attempt": job.Attempt, "breaker": key, "delay_ms": delay.Milliseconds()})},
	}
	m.logger.WarnContext(ctx, "circuit open, step deferred", slog.String("breaker", key), slog.Duration("delay", delay))
	return m.commit(ctx, c, exec.Status)
}

// beginStep records a running attempt, starting the execution on its first step.
func (m *Machine) beginStep(ctx context.Context, exec *schema.Execution, node *schema.StepSpec, job *schema.Job) (*schema.StepRecord, error) {
	now := m.now()
	rec := &schema.StepRecord{
		ExecutionID: exec.ID,
		StepID:      node.ID,
		Action:      node.Action,
		JobID:       job.ID,
		Attempt:     job.Attempt,
		Status:      schema.StepRunning,
		StartedAt:   now,
	}
	st := stepTransition(rec, "")
	if err := m.stepFSM.Check(st.From, st.To); err != nil {
		return nil, err
	}

	before := exec.Status
	c := &store.Commit{Records: []*schema.StepRecord{rec}}
	if exec.Status == schema.ExecutionPending {
		if err := m.execFSM.Check(exec.Status, schema.ExecutionRunning); err != nil {
			return nil, err
		}
		exec.Status = schema.ExecutionRunning
		exec.StartedAt = &now
		c.Execution = exec
		c.Logs = append(c.Logs, m.logEntry(exec, "", schema.LogExecutionStarted, "execution started", nil))
	}
	c.Logs = append(c.Logs, m.logEntry(exec, node.ID, schema.LogStepRunning,
		fmt.Sprintf("%s started (attempt %d)", node.Action, job.Attempt), map[string]any{"attempt": job.Attempt}))
	if err := m.commit(ctx, c, before, st); err != nil {
		return nil, err
	}
	return rec, nil
}

// invoke runs the executor outside the lock under the step timeout.
func (m *Machine) invoke(ctx context.Context, exec *schema.Execution, node *schema.StepSpec, exe actions.Executor, attempt int, payload map[string]any, breaker string) (actions.Outcome, error) {
	ctx, span := m.tracer.Start(ctx, "step "+string(node.Action), trace.WithAttributes(
		attribute.String("stepflow.execution_id", exec.ID),
		attribute.String("stepflow.workflow_id", exec.WorkflowID),
		attribute.String("stepflow.step_id", node.ID),
		attribute.Int("stepflow.attempt", attempt),
	))
	defer span.End()

	outcome, err := m.call(ctx, exec, node, exe, attempt, payload, breaker)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	span.SetAttributes(attribute.String("stepflow.outcome", outcome.Kind.String()))
	if outcome.Kind == actions.OutcomeFailed && outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	return outcome, nil
}

// call runs the executor. The caller has already admitted it through the
// breaker keyed by breaker, and call always reports back to that breaker.
func (m *Machine) call(ctx context.Context, exec *schema.Execution, node *schema.StepSpec, exe actions.Executor, attempt int, payload map[string]any, breaker string) (actions.Outcome, error) {
	params, err := expressions.Interpolate(node.Params, payload)
	if err != nil {
		m.breakers.Release(breaker)
		return actions.Failed(schema.NewErrorf(schema.ErrCodeInvalidParams, "%v", err).WithStep(node.ID)), nil
	}

	timeout := m.stepTimeout(node)
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sc := actions.StepContext{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepID:      node.ID,
		UserID:      exec.UserID,
		Attempt:     attempt,
		Payload:     payload,
		Effects:     m.effects,
		Logger:      logging.LogWith(ctx, m.logger),
	}
	done := make(chan actions.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- actions.Failed(schema.NewErrorf(schema.ErrCodeStepFailed, "executor %s panicked: %v", node.Action, r))
			}
		}()
		done <- exe.Execute(cctx, params, sc)
	}()

	var outcome actions.Outcome
	select {
	case outcome = <-done:
	case <-cctx.Done():
	}
	// A cancelled worker applies nothing; the job is redelivered after its lease expires.
	if ctx.Err() != nil {
		m.breakers.Release(breaker)
		return actions.Outcome{}, ctx.Err()
	}
	if cctx.Err() != nil && outcome.Kind != actions.OutcomeCompleted && outcome.Kind != actions.OutcomeSuspended {
		outcome = actions.Failed(schema.NewErrorf(schema.ErrCodeTimeout, "step %s timed out after %s", node.ID, timeout).AsRetryable())
	}
	m.breakers.Record(breaker, outcome.Kind == actions.OutcomeFailed, outcome.Retryable)
	return outcome, nil
}

func (m *Machine) stepTimeout(node *schema.StepSpec) time.Duration {
	d := m.cfg.StepTimeout
	if node.Timeout != "" {
		if t, err := time.ParseDuration(node.Timeout); err == nil && t > 0 {
			d = t
		}
	}
	if m.cfg.MaxStepTimeout > 0 && d > m.cfg.MaxStepTimeout {
		d = m.cfg.MaxStepTimeout
	}
	return d
}

// resume applies the outcome carried by a resume job.
func (m *Machine) resume(ctx context.Context, job *schema.Job) error {
	outcome, redeliveries, err := decodeOutcome(job.Data)
	if err != nil {
		return err
	}
	err = m.resolve(ctx, job.ExecutionID, job.StepID, job.Attempt, outcome, true)
	if !errors.Is(err, errStepInFlight) {
		return err
	}
	if redeliveries >= maxRedeliveries {
		return schema.NewErrorf(schema.ErrCodeScheduling, "step %s attempt %d never parked; dropping callback", job.StepID, job.Attempt)
	}
	data, err := encodeOutcome(outcome, redeliveries+1)
	if err != nil {
		return err
	}
	exec := &schema.Execution{ID: job.ExecutionID, WorkflowID: job.WorkflowID, UserID: job.UserID}
	next := m.newJob(exec, schema.JobKindResume, job.StepID, job.Attempt, m.now().Add(m.cfg.CallbackRetry), data)
	if err := m.store.CreateJob(ctx, next); err != nil {
		return err
	}
	m.pub.JobStatus(ctx, next)
	return nil
}

// resolve applies an outcome to a running attempt under the execution lock.
func (m *Machine) resolve(ctx context.Context, executionID, stepID string, attempt int, outcome actions.Outcome, parkedOnly bool) error {
	unlock, err := m.locker.Lock(ctx, executionID)
	if err != nil {
		return err
	}
	defer unlock()

	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	rec, err := m.store.GetStepRecord(ctx, executionID, stepID, attempt)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return m.discard(ctx, exec, rec)
	}
	if rec.Status != schema.StepRunning {
		return nil
	}
	if parkedOnly && !rec.Suspended {
		return errStepInFlight
	}
	g, err := m.graph(ctx, exec)
	if err != nil {
		return err
	}
	node := g.Node(stepID)
	if node == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", stepID)
	}
	exe, err := m.actions.Get(node.Action)
	if err != nil {
		return m.abort(ctx, exec, node.ID, err)
	}
	return m.apply(ctx, exec, g, node, exe.Describe(), rec, outcome)
}

// discard closes a late result for a terminal execution.
func (m *Machine) discard(ctx context.Context, exec *schema.Execution, rec *schema.StepRecord) error {
	if rec.Status != schema.StepRunning {
		return ErrDiscarded
	}
	reason := "execution already finished"
	if exec.Status == schema.ExecutionCancelled {
		reason = "execution cancelled"
	}
	st := stepTransition(rec, schema.StepFailed)
	rec.Status = schema.StepFailed
	rec.Error = reason
	rec.Suspended = false
	m.finishRecord(rec)
	c := &store.Commit{
		Records: []*schema.StepRecord{rec},
		Logs:    []*schema.ExecutionLog{m.logEntry(exec, rec.StepID, schema.LogStepDiscarded, "result discarded: "+reason, nil)},
	}
	if err := m.commit(ctx, c, exec.Status, st); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "late step result discarded", slog.String("reason", reason))
	return ErrDiscarded
}

func (m *Machine) apply(ctx context.Context, exec *schema.Execution, g *Graph, node *schema.StepSpec, desc actions.Descriptor, rec *schema.StepRecord, outcome actions.Outcome) error {
	switch outcome.Kind {
	case actions.OutcomeCompleted:
		return m.complete(ctx, exec, g, node, desc, rec, outcome)
	case actions.OutcomeSuspended:
		return m.suspend(ctx, exec, node, rec, outcome)
	case actions.OutcomeFailed:
		return m.fail(ctx, exec, node, rec, outcome)
	default:
		err := schema.NewErrorf(schema.ErrCodeStepFailed, "executor %s returned no outcome", node.Action)
		return m.fail(ctx, exec, node, rec, actions.Failed(err))
	}
}

func (m *Machine) complete(ctx context.Context, exec *schema.Execution, g *Graph, node *schema.StepSpec, desc actions.Descriptor, rec *schema.StepRecord, outcome actions.Outcome) error {
	st := stepTransition(rec, schema.StepSucceeded)
	if err := m.stepFSM.Check(st.From, st.To); err != nil {
		return err
	}
	raw, result, err := normalize(outcome.Result)
	if err != nil {
		return m.fail(ctx, exec, node, rec, actions.Failed(schema.NewErrorf(schema.ErrCodeStepFailed, "step result is not JSON: %v", err)))
	}
	before := exec.Status
	now := m.now()

	rec.Status = schema.StepSucceeded
	rec.Result = raw
	rec.Suspended = false
	m.finishRecord(rec)

	exec.Payload[node.ID] = result
	for k, v := range outcome.Set {
		if _, nv, err := normalize(v); err == nil {
			exec.Payload[k] = nv
		}
	}
	exec.CurrentNodeIDs = without(exec.CurrentNodeIDs, node.ID)

	c := &store.Commit{Execution: exec, Records: []*schema.StepRecord{rec}}
	c.Logs = append(c.Logs, m.logEntry(exec, node.ID, schema.LogStepSucceeded,
		fmt.Sprintf("%s completed", node.Action), map[string]any{"attempt": rec.Attempt, "duration_ms": rec.DurationMs}))

	edges := g.Outgoing(node.ID)
	targets := m.route(ctx, desc.FanOut, edges, exec.Payload)
	if len(edges) > 0 && len(targets) == 0 {
		noMatch := schema.NewErrorf(schema.ErrCodeNoMatchingEdge, "no outgoing edge of step %q matched", node.ID).WithStep(node.ID)
		if err := m.terminate(exec, c, schema.ExecutionFailed, noMatch.Error(), node.ID); err != nil {
			return err
		}
		steps, err := m.closeParked(ctx, exec, c, "execution failed")
		if err != nil {
			return err
		}
		return m.commit(ctx, c, before, append(steps, st)...)
	}

	for _, target := range targets {
		if slices.Contains(exec.Visited, target) {
			m.logger.DebugContext(ctx, "join target already activated", slog.String("target", target))
			continue
		}
		exec.Visited = append(exec.Visited, target)
		exec.CurrentNodeIDs = append(exec.CurrentNodeIDs, target)
		c.Jobs = append(c.Jobs, m.newJob(exec, schema.JobKindStep, target, 1, now, nil))
	}

	if len(exec.CurrentNodeIDs) == 0 {
		status, msg := schema.ExecutionCompleted, ""
		if exec.Error != "" {
			status, msg = schema.ExecutionFailed, exec.Error
		}
		if err := m.terminate(exec, c, status, msg, exec.FailedStepID); err != nil {
			return err
		}
	}
	return m.commit(ctx, c, before, st)
}

func (m *Machine) suspend(ctx context.Context, exec *schema.Execution, node *schema.StepSpec, rec *schema.StepRecord, outcome actions.Outcome) error {
	raw, _, err := normalize(outcome.Result)
	if err != nil {
		return m.fail(ctx, exec, node, rec, actions.Failed(schema.NewErrorf(schema.ErrCodeStepFailed, "step result is not JSON: %v", err)))
	}
	rec.Suspended = true
	rec.Result = raw

	c := &store.Commit{Records: []*schema.StepRecord{rec}}
	if outcome.ResumeAt.IsZero() {
		c.Logs = append(c.Logs, m.logEntry(exec, node.ID, schema.LogStepSuspended,
			fmt.Sprintf("%s waiting for callback", node.Action), nil))
	} else {
		data, err := encodeOutcome(actions.Completed(outcome.Result), 0)
		if err != nil {
			return err
		}
		c.Jobs = append(c.Jobs, m.newJob(exec, schema.JobKindResume, node.ID, rec.Attempt, outcome.ResumeAt, data))
		c.Logs = append(c.Logs, m.logEntry(exec, node.ID, schema.LogStepSuspended,
			fmt.Sprintf("%s suspended until %s", node.Action, outcome.ResumeAt.UTC().Format(time.RFC3339)),
			map[string]any{"resume_at": outcome.ResumeAt.UTC()}))
	}
	return m.commit(ctx, c, exec.Status)
}

func (m *Machine) fail(ctx context.Context, exec *schema.Execution, node *schema.StepSpec, rec *schema.StepRecord, outcome actions.Outcome) error {
	cause := outcome.Err
	if cause == nil {
		cause = schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed", node.ID)
	}
	msg := cause.Error()
	before := exec.Status
	now := m.now()

	if outcome.Retryable && rec.Attempt <= node.Retries {
		st := stepTransition(rec, schema.StepRetrying)
		if err := m.stepFSM.Check(st.From, st.To); err != nil {
			return err
		}
		rec.Status = schema.StepRetrying
		rec.Error = msg
		rec.Suspended = false
		m.finishRecord(rec)
		delay := m.cfg.Backoff.Delay(rec.Attempt)
		c := &store.Commit{
			Execution: exec,
			Records:   []*schema.StepRecord{rec},
			Jobs:      []*schema.Job{m.newJob(exec, schema.JobKindStep, node.ID, rec.Attempt+1, now.Add(delay), nil)},
			Logs: []*schema.ExecutionLog{m.logEntry(exec, node.ID, schema.LogStepRetrying,
				fmt.Sprintf("attempt %d failed: %s; retrying in %s", rec.Attempt, msg, delay),
				map[string]any{"attempt": rec.Attempt, "next_attempt": rec.Attempt + 1, "delay_ms": delay.Milliseconds()})},
		}
		m.logger.WarnContext(ctx, "step failed, retrying", slog.Int("attempt", rec.Attempt), slog.Duration("delay", delay), slog.String("error", msg))
		return m.commit(ctx, c, before, st)
	}

	st := stepTransition(rec, schema.StepFailed)
	if err := m.stepFSM.Check(st.From, st.To); err != nil {
		return err
	}
	rec.Status = schema.StepFailed
	rec.Error = msg
	rec.Suspended = false
	m.finishRecord(rec)
	exec.CurrentNodeIDs = without(exec.CurrentNodeIDs, node.ID)

	stepErr := fmt.Sprintf("step %s failed: %s", node.ID, msg)
	if outcome.Retryable && node.Retries > 0 {
		stepErr = fmt.Sprintf("step %s failed after %d attempts: %s", node.ID, rec.Attempt, msg)
	}
	c := &store.Commit{
		Execution: exec,
		Records:   []*schema.StepRecord{rec},
		Logs: []*schema.ExecutionLog{m.logEntry(exec, node.ID, schema.LogStepFailed, stepErr,
			map[string]any{"attempt": rec.Attempt, "code": schema.CodeOf(cause)})},
	}
	m.logger.WarnContext(ctx, "step failed", slog.Int("attempt", rec.Attempt), slog.String("error", msg))

	steps := []Transition[schema.StepStatus]{st}
	switch {
	case exec.FailFast:
		if err := m.terminate(exec, c, schema.ExecutionFailed, stepErr, node.ID); err != nil {
			return err
		}
	default:
		if exec.Error == "" {
			exec.Error = stepErr
			exec.FailedStepID = node.ID
		}
		if len(exec.CurrentNodeIDs) > 0 {
			return m.commit(ctx, c, before, steps...)
		}
		if err := m.terminate(exec, c, schema.ExecutionFailed, exec.Error, exec.FailedStepID); err != nil {
			return err
		}
	}
	parked, err := m.closeParked(ctx, exec, c, "execution failed")
	if err != nil {
		return err
	}
	return m.commit(ctx, c, before, append(steps, parked...)...)
}

// abort fails the execution for a problem outside any executor.
func (m *Machine) abort(ctx context.Context, exec *schema.Execution, stepID string, cause error) error {
	before := exec.Status
	c := &store.Commit{Execution: exec}
	if err := m.terminate(exec, c, schema.ExecutionFailed, cause.Error(), stepID); err != nil {
		return err
	}
	steps, err := m.closeParked(ctx, exec, c, "execution failed")
	if err != nil {
		return err
	}
	m.logger.ErrorContext(ctx, "execution aborted", slog.String("error", cause.Error()))
	return m.commit(ctx, c, before, steps...)
}

// terminate moves exec to a terminal status inside commit c.
func (m *Machine) terminate(exec *schema.Execution, c *store.Commit, status schema.ExecutionStatus, errMsg, stepID string) error {
	if err := m.execFSM.Check(exec.Status, status); err != nil {
		return err
	}
	now := m.now()
	exec.Status = status
	exec.CurrentNodeIDs = []string{}
	c.Execution = exec
	c.CancelPendingJobs = true

	var logStatus, message string
	switch status {
	case schema.ExecutionCompleted:
		exec.CompletedAt = &now
		logStatus, message = schema.LogExecutionCompleted, "execution completed"
	case schema.ExecutionFailed:
		exec.FailedAt = &now
		exec.Error = errMsg
		exec.FailedStepID = stepID
		logStatus, message = schema.LogExecutionFailed, errMsg
	case schema.ExecutionCancelled:
		exec.CancelledAt = &now
		exec.Error = errMsg
		logStatus, message = schema.LogExecutionCancelled, errMsg
	}
	c.Logs = append(c.Logs, m.logEntry(exec, stepID, logStatus, message, nil))
	return nil
}

// closeParked fails running attempts parked on a delay or callback, whose
// resume jobs the terminal commit cancels.
func (m *Machine) closeParked(ctx context.Context, exec *schema.Execution, c *store.Commit, reason string) ([]Transition[schema.StepStatus], error) {
	records, err := m.store.ListStepRecords(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	var steps []Transition[schema.StepStatus]
	for _, rec := range records {
		if rec.Status != schema.StepRunning || !rec.Suspended || inCommit(c, rec) {
			continue
		}
		steps = append(steps, stepTransition(rec, schema.StepFailed))
		rec.Status = schema.StepFailed
		rec.Error = reason
		rec.Suspended = false
		m.finishRecord(rec)
		c.Records = append(c.Records, rec)
		c.Logs = append(c.Logs, m.logEntry(exec, rec.StepID, schema.LogStepFailed, reason, nil))
	}
	return steps, nil
}

func inCommit(c *store.Commit, rec *schema.StepRecord) bool {
	for _, r := range c.Records {
		if r.ID == rec.ID {
			return true
		}
	}
	return false
}

// route picks the targets of a completed node: all matching edges for
// fan-out kinds, the first matching edge otherwise.
func (m *Machine) route(ctx context.Context, fanOut bool, edges []schema.EdgeSpec, payload map[string]any) []string {
	var out []string
	for _, e := range edges {
		if !m.conditions.Evaluate(ctx, e.Condition, payload) {
			continue
		}
		out = append(out, e.Target)
		if !fanOut {
			break
		}
	}
	return out
}

// commit persists c, then notifies hooks and the publisher.
func (m *Machine) commit(ctx context.Context, c *store.Commit, before schema.ExecutionStatus, steps ...Transition[schema.StepStatus]) error {
	if err := m.store.Commit(ctx, c); err != nil {
		return err
	}
	changed := c.Execution != nil && c.Execution.Status != before
	if changed {
		m.execFSM.notify(Transition[schema.ExecutionStatus]{ID: c.Execution.ID, From: before, To: c.Execution.Status})
	}
	for _, st := range steps {
		m.stepFSM.notify(st)
	}
	m.publish(ctx, c, changed)
	return nil
}

func (m *Machine) publish(ctx context.Context, c *store.Commit, statusChanged bool) {
	for _, l := range c.Logs {
		m.pub.ExecutionLog(ctx, l)
	}
	for _, j := range c.Jobs {
		m.pub.JobStatus(ctx, j)
	}
	for _, j := range c.CancelledJobs {
		m.pub.JobStatus(ctx, j)
	}
	if statusChanged && c.Execution != nil {
		m.pub.ExecutionStatus(ctx, c.Execution)
	}
}

func (m *Machine) graph(ctx context.Context, exec *schema.Execution) (*Graph, error) {
	key := fmt.Sprintf("%s@%d", exec.WorkflowID, exec.DefinitionVersion)
	if g, ok := m.graphs.Load(key); ok {
		return g.(*Graph), nil
	}
	def, err := m.defs.GetDefinitionVersion(ctx, exec.WorkflowID, exec.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	return m.graphFor(def)
}

func (m *Machine) graphFor(def *schema.WorkflowDefinition) (*Graph, error) {
	if def.Version <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %q has not been saved", def.ID)
	}
	key := fmt.Sprintf("%s@%d", def.ID, def.Version)
	if g, ok := m.graphs.Load(key); ok {
		return g.(*Graph), nil
	}
	g, err := NewGraph(def)
	if err != nil {
		return nil, err
	}
	actual, _ := m.graphs.LoadOrStore(key, g)
	return actual.(*Graph), nil
}

func (m *Machine) newJob(exec *schema.Execution, kind schema.JobKind, stepID string, attempt int, at time.Time, data json.RawMessage) *schema.Job {
	return &schema.Job{
		ID:          m.newID(),
		Kind:        kind,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		StepID:      stepID,
		Attempt:     attempt,
		Status:      schema.JobPending,
		ScheduledAt: at,
		Data:        data,
	}
}

func (m *Machine) logEntry(exec *schema.Execution, nodeID, status, message string, data map[string]any) *schema.ExecutionLog {
	l := &schema.ExecutionLog{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		NodeID:      nodeID,
		Status:      status,
		Message:     message,
		Timestamp:   m.now(),
	}
	if len(data) > 0 {
		l.Data, _ = json.Marshal(data)
	}
	return l
}

func (m *Machine) finishRecord(rec *schema.StepRecord) {
	now := m.now()
	rec.FinishedAt = &now
	rec.DurationMs = now.Sub(rec.StartedAt).Milliseconds()
}

func stepTransition(rec *schema.StepRecord, to schema.StepStatus) Transition[schema.StepStatus] {
	from := rec.Status
	if to == "" {
		from, to = "", rec.Status
	}
	return Transition[schema.StepStatus]{
		ID:     fmt.Sprintf("%s/%s#%d", rec.ExecutionID, rec.StepID, rec.Attempt),
		Action: rec.Action,
		From:   from,
		To:     to,
	}
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// clonePayload deep-copies a payload through JSON so executors get a
// snapshot with the same value types the store hands back.
func clonePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize encodes v and decodes it back into plain JSON values.
func normalize(v any) (json.RawMessage, any, error) {
	if v == nil {
		v = map[string]any{}
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		v = map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, err
	}
	return raw, out, nil
}

// resumeData is the payload of a resume job.
type resumeData struct {
	Outcome      string         `json:"outcome"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Code         string         `json:"code,omitempty"`
	Retryable    bool           `json:"retryable,omitempty"`
	Redeliveries int            `json:"redeliveries,omitempty"`
}

func encodeOutcome(o actions.Outcome, redeliveries int) (json.RawMessage, error) {
	d := resumeData{Redeliveries: redeliveries}
	switch o.Kind {
	case actions.OutcomeCompleted:
		d.Outcome = "completed"
		d.Result = o.Result
	case actions.OutcomeFailed:
		d.Outcome = "failed"
		d.Retryable = o.Retryable
		if o.Err != nil {
			d.Error = o.Err.Error()
			d.Code = schema.CodeOf(o.Err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "a callback must complete or fail the step, got %s", o.Kind)
	}
	return json.Marshal(d)
}

func decodeOutcome(raw json.RawMessage) (actions.Outcome, int, error) {
	var d resumeData
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &d); err != nil {
			return actions.Outcome{}, 0, fmt.Errorf("decode resume data: %w", err)
		}
	}
	switch d.Outcome {
	case "", "completed":
		return actions.Completed(d.Result), d.Redeliveries, nil
	case "failed":
		code := d.Code
		if code == "" {
			code = schema.ErrCodeStepFailed
		}
		o := actions.Failed(schema.NewError(code, d.Error))
		o.Retryable = d.Retryable
		return o, d.Redeliveries, nil
	default:
		return actions.Outcome{}, 0, fmt.Errorf("unknown resume outcome %q", d.Outcome)
	}
}
