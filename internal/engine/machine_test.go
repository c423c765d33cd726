package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

const actionBlock schema.ActionKind = "test_block"

// blockingExecutor signals when it starts and returns whatever release yields.
type blockingExecutor struct {
	reentrySafe bool
	started     chan struct{}
	release     chan actions.Outcome
}

func newBlockingExecutor(reentrySafe bool) *blockingExecutor {
	return &blockingExecutor{
		reentrySafe: reentrySafe,
		started:     make(chan struct{}, 4),
		release:     make(chan actions.Outcome, 1),
	}
}

func (b *blockingExecutor) Kind() schema.ActionKind { return actionBlock }

func (b *blockingExecutor) Describe() actions.Descriptor {
	return actions.Descriptor{ReentrySafe: b.reentrySafe}
}

func (b *blockingExecutor) Execute(ctx context.Context, _ json.RawMessage, _ actions.StepContext) actions.Outcome {
	b.started <- struct{}{}
	select {
	case o := <-b.release:
		return o
	case <-ctx.Done():
		return actions.Failed(ctx.Err())
	}
}

type stubMailer struct {
	mu     sync.Mutex
	queued []actions.EmailRequest
}

func (m *stubMailer) Enqueue(_ context.Context, req actions.EmailRequest) (*schema.Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, req)
	return &schema.Email{ID: fmt.Sprintf("em-%d", len(m.queued)), To: req.To, Status: schema.EmailQueued}, nil
}

func (m *stubMailer) SendNow(ctx context.Context, req actions.EmailRequest) (*schema.Email, error) {
	return m.Enqueue(ctx, req)
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []schema.ExecutionStatus
	logs     []*schema.ExecutionLog
	jobs     int
}

func (p *recordingPublisher) ExecutionLog(_ context.Context, l *schema.ExecutionLog) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, l)
}

func (p *recordingPublisher) ExecutionStatus(_ context.Context, e *schema.Execution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, e.Status)
}

func (p *recordingPublisher) JobStatus(context.Context, *schema.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs++
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *store.LibSQLStore
	machine *Machine
	clock   *fakeClock
	mailer  *stubMailer
	pub     *recordingPublisher
	block   *blockingExecutor

	execTransitions []Transition[schema.ExecutionStatus]
}

func newHarness(t *testing.T, cfg Config, reentrySafeBlock bool) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	clock := newFakeClock()
	reg := actions.NewRegistry(nil)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.Config{Now: clock.Now}))
	block := newBlockingExecutor(reentrySafeBlock)
	require.NoError(t, reg.Register(block))

	engines, err := expressions.NewDefaultRegistry()
	require.NoError(t, err)

	h := &harness{
		t:      t,
		ctx:    ctx,
		store:  st,
		clock:  clock,
		mailer: &stubMailer{},
		pub:    &recordingPublisher{},
		block:  block,
	}
	h.machine = NewMachine(Deps{
		Store:      st,
		Actions:    reg,
		Conditions: conditions.New(engines, nil),
		Publisher:  h.pub,
		Effects:    actions.Effects{Mailer: h.mailer},
		Now:        clock.Now,
	}, cfg)
	h.machine.OnExecutionTransition(func(tr Transition[schema.ExecutionStatus]) {
		h.execTransitions = append(h.execTransitions, tr)
	})
	return h
}

func (h *harness) save(def *schema.WorkflowDefinition) *schema.WorkflowDefinition {
	h.t.Helper()
	require.NoError(h.t, h.store.SaveDefinition(h.ctx, def))
	return def
}

func (h *harness) start(def *schema.WorkflowDefinition, payload map[string]any, opts StartOptions) *schema.Execution {
	h.t.Helper()
	exec, err := h.machine.Start(h.ctx, def, payload, opts)
	require.NoError(h.t, err)
	return exec
}

// dispatch claims and handles one job the way the scheduler does.
func (h *harness) dispatch(job *schema.Job) error {
	if _, err := h.store.ClaimJob(h.ctx, job.ID, "test", h.clock.Now(), time.Minute); err != nil {
		return err
	}
	err := h.machine.HandleJob(h.ctx, job)
	switch {
	case errors.Is(err, ErrDiscarded):
		_, cerr := h.store.CancelJob(h.ctx, job.ID)
		require.NoError(h.t, cerr)
	case err != nil:
		_, ferr := h.store.FinishJob(h.ctx, job.ID, schema.JobFailed, err.Error())
		require.NoError(h.t, ferr)
	default:
		_, ferr := h.store.FinishJob(h.ctx, job.ID, schema.JobCompleted, "")
		require.NoError(h.t, ferr)
	}
	return err
}

// drain runs every job due at the current clock, including jobs they create.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 100; i++ {
		due, err := h.store.ListDueJobs(h.ctx, h.clock.Now(), 100)
		require.NoError(h.t, err)
		if len(due) == 0 {
			return
		}
		for _, j := range due {
			_ = h.dispatch(j)
		}
	}
	h.t.Fatal("jobs kept coming")
}

// runOnce dispatches the jobs due now but not the jobs they create.
func (h *harness) runOnce() {
	h.t.Helper()
	due, err := h.store.ListDueJobs(h.ctx, h.clock.Now(), 100)
	require.NoError(h.t, err)
	for _, j := range due {
		_ = h.dispatch(j)
	}
}

// claimNext claims the single due job without handling it.
func (h *harness) claimNext() *schema.Job {
	h.t.Helper()
	due, err := h.store.ListDueJobs(h.ctx, h.clock.Now(), 10)
	require.NoError(h.t, err)
	require.Len(h.t, due, 1)
	job, err := h.store.ClaimJob(h.ctx, due[0].ID, "test", h.clock.Now(), time.Minute)
	require.NoError(h.t, err)
	return job
}

func (h *harness) pendingJobs(execID string) []*schema.Job {
	h.t.Helper()
	jobs, err := h.store.ListJobs(h.ctx, store.JobFilter{ExecutionID: execID, Statuses: []schema.JobStatus{schema.JobPending}})
	require.NoError(h.t, err)
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt) })
	return jobs
}

// runToEnd alternates draining and jumping the clock to the next pending job.
func (h *harness) runToEnd(execID string) *schema.Execution {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		h.drain()
		pending := h.pendingJobs(execID)
		if len(pending) == 0 {
			break
		}
		if d := pending[0].ScheduledAt.Sub(h.clock.Now()); d > 0 {
			h.clock.Advance(d)
		}
	}
	return h.execution(execID)
}

func (h *harness) execution(id string) *schema.Execution {
	h.t.Helper()
	exec, err := h.store.GetExecution(h.ctx, id)
	require.NoError(h.t, err)
	return exec
}

func (h *harness) records(execID, stepID string) []*schema.StepRecord {
	h.t.Helper()
	all, err := h.store.ListStepRecords(h.ctx, execID)
	require.NoError(h.t, err)
	var out []*schema.StepRecord
	for _, r := range all {
		if stepID == "" || r.StepID == stepID {
			out = append(out, r)
		}
	}
	return out
}

func params(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func linear(t *testing.T, id string, steps ...schema.StepSpec) *schema.WorkflowDefinition {
	nodes := append([]schema.StepSpec{{ID: "start", Action: schema.ActionStart}}, steps...)
	def := &schema.WorkflowDefinition{ID: id, Name: id, Nodes: nodes}
	for i := 1; i < len(nodes); i++ {
		def.Edges = append(def.Edges, schema.EdgeSpec{Source: nodes[i-1].ID, Target: nodes[i].ID})
	}
	return def
}

func TestMachine_DelayThenNotify(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "delay-notify",
		schema.StepSpec{ID: "wait", Action: schema.ActionDelay, Params: params(t, map[string]any{"seconds": 5})},
		schema.StepSpec{ID: "tell", Action: schema.ActionNotify, Params: params(t, map[string]any{"message": "done"})},
	))

	exec := h.start(def, nil, StartOptions{UserID: "u1", Trigger: "manual"})
	assert.Equal(t, schema.ExecutionPending, exec.Status)
	assert.Equal(t, []string{"start"}, exec.CurrentNodeIDs)

	startedAt := h.clock.Now()
	h.drain()

	got := h.execution(exec.ID)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, []string{"wait"}, got.CurrentNodeIDs)
	pending := h.pendingJobs(exec.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, schema.JobKindResume, pending[0].Kind)
	assert.WithinDuration(t, startedAt.Add(5*time.Second), pending[0].ScheduledAt, time.Millisecond)
	assert.Empty(t, h.records(exec.ID, "tell"))

	// not due yet
	h.clock.Advance(4 * time.Second)
	h.drain()
	assert.Empty(t, h.records(exec.ID, "tell"))

	h.clock.Advance(time.Second)
	h.drain()

	got = h.execution(exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Empty(t, got.CurrentNodeIDs)
	assert.NotNil(t, got.CompletedAt)
	require.Len(t, h.records(exec.ID, "tell"), 1)
	assert.Equal(t, schema.StepSucceeded, h.records(exec.ID, "tell")[0].Status)
	assert.Equal(t, "done", got.Payload["tell"].(map[string]any)["message"])
	assert.EqualValues(t, 5, got.Payload["wait"].(map[string]any)["delayed_seconds"])

	require.Len(t, h.execTransitions, 2)
	assert.Equal(t, schema.ExecutionPending, h.execTransitions[0].From)
	assert.Equal(t, schema.ExecutionRunning, h.execTransitions[0].To)
	assert.Equal(t, schema.ExecutionCompleted, h.execTransitions[1].To)
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning, schema.ExecutionCompleted}, h.pub.statuses)

	logs, err := h.store.ListExecutionLogs(h.ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, schema.LogExecutionStarted, logs[0].Status)
	assert.Equal(t, schema.LogExecutionCompleted, logs[len(logs)-1].Status)
	for i := 1; i < len(logs); i++ {
		assert.Equal(t, logs[i-1].Seq+1, logs[i].Seq)
	}
}

func TestMachine_BranchFirstMatch(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(&schema.WorkflowDefinition{
		ID: "branchy",
		Nodes: []schema.StepSpec{
			{ID: "start", Action: schema.ActionStart},
			{ID: "route", Action: schema.ActionBranch},
			{ID: "mail", Action: schema.ActionEmail, Params: params(t, map[string]any{"to": "ops@example.com", "body": "ticket {{ticket.status}}"})},
			{ID: "tell", Action: schema.ActionNotify, Params: params(t, map[string]any{"message": "not open"})},
		},
		Edges: []schema.EdgeSpec{
			{Source: "start", Target: "route"},
			{Source: "route", Target: "mail", Condition: &schema.Condition{Op: "eq", Path: "ticket.status", Value: "open"}},
			{Source: "route", Target: "tell"},
		},
	})

	exec := h.start(def, map[string]any{"ticket": map[string]any{"status": "open"}}, StartOptions{})
	h.drain()

	assert.Empty(t, h.records(exec.ID, "tell"))
	mail := h.records(exec.ID, "mail")
	require.Len(t, mail, 1)
	assert.Equal(t, schema.StepRunning, mail[0].Status)
	assert.True(t, mail[0].Suspended)
	require.Len(t, h.mailer.queued, 1)
	assert.Equal(t, "ticket open", h.mailer.queued[0].Body)

	_, err := h.machine.ResolveCallback(h.ctx, exec.ID, "mail", 1, actions.Completed(map[string]any{"status": "sent"}))
	require.NoError(t, err)
	h.drain()

	got := h.execution(exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, "sent", got.Payload["mail"].(map[string]any)["status"])
	assert.Empty(t, h.records(exec.ID, "tell"))
}

func TestMachine_BranchElse(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(&schema.WorkflowDefinition{
		ID: "branchy",
		Nodes: []schema.StepSpec{
			{ID: "start", Action: schema.ActionStart},
			{ID: "route", Action: schema.ActionBranch},
			{ID: "mail", Action: schema.ActionEmail, Params: params(t, map[string]any{"to": "ops@example.com", "body": "x"})},
			{ID: "tell", Action: schema.ActionNotify, Params: params(t, map[string]any{"message": "not open"})},
		},
		Edges: []schema.EdgeSpec{
			{Source: "start", Target: "route"},
			{Source: "route", Target: "mail", Condition: &schema.Condition{Op: "eq", Path: "ticket.status", Value: "open"}},
			{Source: "route", Target: "tell"},
		},
	})

	exec := h.start(def, map[string]any{"ticket": map[string]any{"status": "closed"}}, StartOptions{})
	got := h.runToEnd(exec.ID)

	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Empty(t, h.records(exec.ID, "mail"))
	assert.Len(t, h.records(exec.ID, "tell"), 1)
}

func TestMachine_NoMatchingEdgeFails(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(&schema.WorkflowDefinition{
		ID: "dead-end",
		Nodes: []schema.StepSpec{
			{ID: "start", Action: schema.ActionStart},
			{ID: "tell", Action: schema.ActionNotify, Params: params(t, map[string]any{"message": "x"})},
		},
		Edges: []schema.EdgeSpec{
			{Source: "start", Target: "tell", Condition: &schema.Condition{Op: "exists", Path: "missing"}},
		},
	})

	exec := h.start(def, nil, StartOptions{})
	got := h.runToEnd(exec.ID)

	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, "start", got.FailedStepID)
	assert.Contains(t, got.Error, "no outgoing edge")
}

func TestMachine_HTTPRetriesUntilSuccess(t *testing.T) {
	var calls int64
	var keys []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get(actions.IdempotencyHeader))
		mu.Unlock()
		if atomic.AddInt64(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "flaky",
		schema.StepSpec{ID: "call", Action: schema.ActionHTTPRequest, Retries: 2, Params: params(t, map[string]any{"url": srv.URL})},
	))

	exec := h.start(def, nil, StartOptions{})
	h.drain()

	recs := h.records(exec.ID, "call")
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepRetrying, recs[0].Status)
	pending := h.pendingJobs(exec.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempt)
	assert.WithinDuration(t, h.clock.Now().Add(2*time.Second), pending[0].ScheduledAt, time.Millisecond)

	got := h.runToEnd(exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))

	recs = h.records(exec.ID, "call")
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, i+1, r.Attempt)
	}
	assert.Equal(t, schema.StepRetrying, recs[0].Status)
	assert.Equal(t, schema.StepRetrying, recs[1].Status)
	assert.Equal(t, schema.StepSucceeded, recs[2].Status)
	assert.EqualValues(t, 200, got.Payload["call"].(map[string]any)["status_code"])

	assert.Equal(t, []string{
		exec.ID + ":call:1",
		exec.ID + ":call:2",
		exec.ID + ":call:3",
	}, keys)
	assert.Len(t, got.History, 4)
}

func TestMachine_RetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "down",
		schema.StepSpec{ID: "call", Action: schema.ActionHTTPRequest, Retries: 1, Params: params(t, map[string]any{"url": srv.URL})},
	))

	exec := h.start(def, nil, StartOptions{})
	got := h.runToEnd(exec.ID)

	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, "call", got.FailedStepID)
	assert.Contains(t, got.Error, "failed after 2 attempts")
	recs := h.records(exec.ID, "call")
	require.Len(t, recs, 2)
	assert.Equal(t, schema.StepFailed, recs[1].Status)
}

func TestMachine_CancelWhileDelayPending(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "cancel-me",
		schema.StepSpec{ID: "wait", Action: schema.ActionDelay, Params: params(t, map[string]any{"seconds": 60})},
		schema.StepSpec{ID: "tell", Action: schema.ActionNotify, Params: params(t, map[string]any{"message": "never"})},
	))

	exec := h.start(def, nil, StartOptions{})
	h.drain()
	require.Len(t, h.pendingJobs(exec.ID), 1)

	got, err := h.machine.Cancel(h.ctx, exec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
	assert.Empty(t, h.pendingJobs(exec.ID))

	h.clock.Advance(2 * time.Minute)
	h.drain()

	assert.Empty(t, h.records(exec.ID, "tell"))
	wait := h.records(exec.ID, "wait")
	require.Len(t, wait, 1)
	assert.Equal(t, schema.StepFailed, wait[0].Status)
	assert.Equal(t, "execution cancelled", wait[0].Error)

	jobs, err := h.store.ListJobs(h.ctx, store.JobFilter{ExecutionID: exec.ID, Kind: schema.JobKindResume})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, schema.JobCancelled, jobs[0].Status)

	again, err := h.machine.Cancel(h.ctx, exec.ID, "")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, again.Status)
}

func TestMachine_CancelFinishedConflicts(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "quick"))
	exec := h.start(def, nil, StartOptions{})
	require.Equal(t, schema.ExecutionCompleted, h.runToEnd(exec.ID).Status)

	_, err := h.machine.Cancel(h.ctx, exec.ID, "too late")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func fanOutDef(t *testing.T, srvURL string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "fan",
		Nodes: []schema.StepSpec{
			{ID: "start", Action: schema.ActionStart},
			{ID: "split", Action: schema.ActionParallel},
			{ID: "bad", Action: schema.ActionHTTPRequest, Params: params(t, map[string]any{"url": srvURL})},
			{ID: "wait", Action: schema.ActionDelay, Params: params(t, map[string]any{"seconds": 30})},
		},
		Edges: []schema.EdgeSpec{
			{Source: "start", Target: "split"},
			{Source: "split", Target: "bad"},
			{Source: "split", Target: "wait"},
		},
	}
}

func rejecting() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
}

func TestMachine_FailFastClosesSiblings(t *testing.T) {
	srv := rejecting()
	defer srv.Close()

	h := newHarness(t, DefaultConfig(), true)
	def := h.save(fanOutDef(t, srv.URL))
	exec := h.start(def, nil, StartOptions{})
	h.drain()

	got := h.execution(exec.ID)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, "bad", got.FailedStepID)
	assert.Empty(t, h.pendingJobs(exec.ID))
	for _, r := range h.records(exec.ID, "") {
		assert.NotEqual(t, schema.StepRunning, r.Status, "step %s left running", r.StepID)
	}
	// the delay may or may not have started before the failure, but never completes
	h.clock.Advance(time.Minute)
	h.drain()
	for _, r := range h.records(exec.ID, "wait") {
		assert.Equal(t, schema.StepFailed, r.Status)
	}
}

func TestMachine_WithoutFailFastSiblingsFinish(t *testing.T) {
	srv := rejecting()
	defer srv.Close()

	h := newHarness(t, DefaultConfig(), true)
	def := h.save(fanOutDef(t, srv.URL))
	off := false
	exec := h.start(def, nil, StartOptions{FailFast: &off})
	h.drain()

	got := h.execution(exec.ID)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Contains(t, got.Error, "step bad failed")

	got = h.runToEnd(exec.ID)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Equal(t, "bad", got.FailedStepID)
	wait := h.records(exec.ID, "wait")
	require.Len(t, wait, 1)
	assert.Equal(t, schema.StepSucceeded, wait[0].Status)
}

func TestMachine_JoinRunsOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := diamond()
	def.Version = 0
	for i := range def.Nodes {
		if def.Nodes[i].Action == schema.ActionNotify {
			def.Nodes[i].Params = params(t, map[string]any{"message": def.Nodes[i].ID})
		}
	}
	h.save(def)

	exec := h.start(def, nil, StartOptions{})
	got := h.runToEnd(exec.ID)

	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Len(t, h.records(exec.ID, "a"), 1)
	assert.Len(t, h.records(exec.ID, "b"), 1)
	assert.Len(t, h.records(exec.ID, "join"), 1)
}

func TestMachine_RedispatchIsIdempotent(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "once",
		schema.StepSpec{ID: "tell", Action: schema.ActionNotify, Params: params(t, map[string]any{"message": "hi"})},
	))
	exec := h.start(def, nil, StartOptions{})
	h.runToEnd(exec.ID)

	jobs, err := h.store.ListJobs(h.ctx, store.JobFilter{ExecutionID: exec.ID, Kind: schema.JobKindStep})
	require.NoError(t, err)
	logsBefore, err := h.store.ListExecutionLogs(h.ctx, exec.ID, 0)
	require.NoError(t, err)

	for _, j := range jobs {
		err := h.machine.HandleJob(h.ctx, j)
		assert.ErrorIs(t, err, ErrDiscarded)
	}
	logsAfter, err := h.store.ListExecutionLogs(h.ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, logsAfter, len(logsBefore))
	assert.Len(t, h.records(exec.ID, "tell"), 1)
}

func TestMachine_LateResultDiscarded(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "slow", schema.StepSpec{ID: "work", Action: actionBlock}))
	exec := h.start(def, nil, StartOptions{})
	h.runOnce()
	job := h.claimNext()

	errc := make(chan error, 1)
	go func() { errc <- h.machine.HandleJob(h.ctx, job) }()
	<-h.block.started

	_, err := h.machine.Cancel(h.ctx, exec.ID, "operator")
	require.NoError(t, err)
	h.block.release <- actions.Completed(map[string]any{"late": true})

	assert.ErrorIs(t, <-errc, ErrDiscarded)
	recs := h.records(exec.ID, "work")
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepFailed, recs[0].Status)
	assert.Equal(t, "execution cancelled", recs[0].Error)

	got := h.execution(exec.ID)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)
	assert.NotContains(t, got.Payload, "work")

	logs, err := h.store.ListExecutionLogs(h.ctx, exec.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, schema.LogStepDiscarded, logs[len(logs)-1].Status)
}

func TestMachine_InterruptedStepNotReentrySafeRetries(t *testing.T) {
	h := newHarness(t, DefaultConfig(), false)
	def := h.save(linear(t, "crashy", schema.StepSpec{ID: "work", Action: actionBlock, Retries: 1}))
	exec := h.start(def, nil, StartOptions{})
	h.runOnce()
	job := h.claimNext()

	// the worker dies mid-step
	ctx, cancel := context.WithCancel(h.ctx)
	errc := make(chan error, 1)
	go func() { errc <- h.machine.HandleJob(ctx, job) }()
	<-h.block.started
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	recs := h.records(exec.ID, "work")
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepRunning, recs[0].Status)

	// lease recovery hands the same job to another worker
	require.NoError(t, h.machine.HandleJob(h.ctx, job))
	recs = h.records(exec.ID, "work")
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepRetrying, recs[0].Status)
	assert.Contains(t, recs[0].Error, "interrupted")
	assert.Len(t, h.block.started, 0, "executor must not be re-invoked")

	pending := h.pendingJobs(exec.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempt)
}

func TestMachine_InterruptedReentrySafeStepReinvoked(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "resumable", schema.StepSpec{ID: "work", Action: actionBlock}))
	exec := h.start(def, nil, StartOptions{})
	h.runOnce()
	job := h.claimNext()

	ctx, cancel := context.WithCancel(h.ctx)
	errc := make(chan error, 1)
	go func() { errc <- h.machine.HandleJob(ctx, job) }()
	<-h.block.started
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	h.block.release <- actions.Completed(map[string]any{"ok": true})
	require.NoError(t, h.machine.HandleJob(h.ctx, job))

	got := h.execution(exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	recs := h.records(exec.ID, "work")
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StepSucceeded, recs[0].Status)
}

func TestMachine_CallbackBeforeParkIsRedelivered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallbackRetry = 500 * time.Millisecond
	h := newHarness(t, cfg, true)
	def := h.save(linear(t, "racy", schema.StepSpec{ID: "work", Action: actionBlock}))
	exec := h.start(def, nil, StartOptions{})
	h.runOnce()
	job := h.claimNext()

	errc := make(chan error, 1)
	go func() { errc <- h.machine.HandleJob(h.ctx, job) }()
	<-h.block.started

	cb, err := h.machine.ResolveCallback(h.ctx, exec.ID, "work", 1, actions.Completed(map[string]any{"delivered": true}))
	require.NoError(t, err)
	require.NoError(t, h.machine.HandleJob(h.ctx, cb))
	_, err = h.store.CancelJob(h.ctx, cb.ID)
	require.NoError(t, err)

	pending := h.pendingJobs(exec.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, schema.JobKindResume, pending[0].Kind)
	assert.True(t, pending[0].ScheduledAt.After(h.clock.Now()))

	h.block.release <- actions.AwaitingCallback(map[string]any{"queued": true})
	require.NoError(t, <-errc)

	got := h.runToEnd(exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, true, got.Payload["work"].(map[string]any)["delivered"])
}

func TestMachine_CallbackFailureFailsStep(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "mailer",
		schema.StepSpec{ID: "mail", Action: schema.ActionEmail, Params: params(t, map[string]any{"to": "a@example.com", "body": "hi"})},
	))
	exec := h.start(def, nil, StartOptions{})
	h.drain()

	_, err := h.machine.ResolveCallback(h.ctx, exec.ID, "mail", 1,
		actions.Failed(schema.NewError(schema.ErrCodeExternalRejection, "mailbox unavailable")))
	require.NoError(t, err)
	got := h.runToEnd(exec.ID)

	assert.Equal(t, schema.ExecutionFailed, got.Status)
	assert.Contains(t, got.Error, "mailbox unavailable")

	_, err = h.machine.ResolveCallback(h.ctx, exec.ID, "mail", 1, actions.Completed(nil))
	assert.ErrorIs(t, err, ErrDiscarded)
}

func TestMachine_StepTimeout(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(linear(t, "stuck", schema.StepSpec{ID: "work", Action: actionBlock, Timeout: "20ms"}))
	exec := h.start(def, nil, StartOptions{})
	got := h.runToEnd(exec.ID)

	assert.Equal(t, schema.ExecutionFailed, got.Status)
	recs := h.records(exec.ID, "work")
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0].Error, "timed out")
}

func TestMachine_StartRejectsUnsavedDefinition(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	_, err := h.machine.Start(h.ctx, linear(t, "draft"), nil, StartOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestOutcomeEncoding(t *testing.T) {
	raw, err := encodeOutcome(actions.Failed(schema.NewError(schema.ErrCodeTimeout, "slow").AsRetryable()), 3)
	require.NoError(t, err)
	o, n, err := decodeOutcome(raw)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, actions.OutcomeFailed, o.Kind)
	assert.True(t, o.Retryable)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(o.Err))

	_, err = encodeOutcome(actions.AwaitingCallback(nil), 0)
	assert.Error(t, err)

	o, _, err = decodeOutcome(nil)
	require.NoError(t, err)
	assert.Equal(t, actions.OutcomeCompleted, o.Kind)
}

func TestMachine_BreakerIsolatesTargets(t *testing.T) {
	var healthy atomic.Bool
	flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer flaky.Close()
	var goodCalls int64
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&goodCalls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	h := newHarness(t, DefaultConfig(), true)
	call := func(id, url string, retries int) *schema.WorkflowDefinition {
		return h.save(linear(t, id,
			schema.StepSpec{ID: "call", Action: schema.ActionHTTPRequest, Retries: retries, Params: params(t, map[string]any{"url": url})},
		))
	}

	// five consecutive failures open the breaker for the flaky host
	bad := h.runToEnd(h.start(call("bad", flaky.URL, 4), nil, StartOptions{}).ID)
	require.Equal(t, schema.ExecutionFailed, bad.Status)
	flakyKey := BreakerKey(schema.ActionHTTPRequest, strings.TrimPrefix(flaky.URL, "http://"))
	require.Equal(t, CircuitOpen, h.machine.Breakers().State(flakyKey))

	other := h.runToEnd(h.start(call("good", good.URL, 2), nil, StartOptions{}).ID)
	assert.Equal(t, schema.ExecutionCompleted, other.Status)
	assert.EqualValues(t, 1, atomic.LoadInt64(&goodCalls))

	// a step against the open circuit waits out the cooldown without spending an attempt
	blocked := h.start(call("blocked", flaky.URL, 0), nil, StartOptions{})
	h.drain()
	assert.Empty(t, h.records(blocked.ID, "call"))
	pending := h.pendingJobs(blocked.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempt)
	assert.WithinDuration(t, h.clock.Now().Add(30*time.Second), pending[0].ScheduledAt, time.Millisecond)
	assert.Equal(t, schema.ExecutionRunning, h.execution(blocked.ID).Status)

	healthy.Store(true)
	got := h.runToEnd(blocked.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	recs := h.records(blocked.ID, "call")
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, CircuitClosed, h.machine.Breakers().State(flakyKey))

	logs, err := h.store.ListExecutionLogs(h.ctx, blocked.ID, 0)
	require.NoError(t, err)
	var deferred int
	for _, l := range logs {
		if l.Status == schema.LogStepDeferred {
			deferred++
			assert.Contains(t, l.Message, "circuit open")
		}
	}
	assert.Equal(t, 1, deferred)
}

func TestMachine_ConcurrentSiblingCompletion(t *testing.T) {
	h := newHarness(t, DefaultConfig(), true)
	def := h.save(&schema.WorkflowDefinition{
		ID: "siblings",
		Nodes: []schema.StepSpec{
			{ID: "start", Action: schema.ActionStart},
			{ID: "split", Action: schema.ActionParallel},
			{ID: "left", Action: actionBlock},
			{ID: "right", Action: actionBlock},
		},
		Edges: []schema.EdgeSpec{
			{Source: "start", Target: "split"},
			{Source: "split", Target: "left"},
			{Source: "split", Target: "right"},
		},
	})
	exec := h.start(def, nil, StartOptions{})
	h.runOnce()
	h.runOnce()

	jobs := h.pendingJobs(exec.ID)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		_, err := h.store.ClaimJob(h.ctx, j.ID, "test", h.clock.Now(), time.Minute)
		require.NoError(t, err)
	}

	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.machine.HandleJob(h.ctx, j)
		}()
	}
	<-h.block.started
	<-h.block.started
	for range jobs {
		h.block.release <- actions.Completed(map[string]any{"ok": true})
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got := h.execution(exec.ID)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Contains(t, got.Payload, "left")
	assert.Contains(t, got.Payload, "right")
	assert.Empty(t, got.CurrentNodeIDs)

	perNode := map[string]int{}
	for _, r := range got.History {
		perNode[r.StepID]++
	}
	assert.Equal(t, map[string]int{"start": 1, "split": 1, "left": 1, "right": 1}, perNode)
}

func TestMachine_StepTimeoutCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStepTimeout = time.Minute
	m := newHarness(t, cfg, true).machine

	assert.Equal(t, 30*time.Second, m.stepTimeout(&schema.StepSpec{}))
	assert.Equal(t, 45*time.Second, m.stepTimeout(&schema.StepSpec{Timeout: "45s"}))
	assert.Equal(t, time.Minute, m.stepTimeout(&schema.StepSpec{Timeout: "10m"}))
}
