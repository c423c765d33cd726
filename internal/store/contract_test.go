package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

// runContract exercises behaviour every Store backend must share.
func runContract(t *testing.T, open func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"DefinitionVersioning", testDefinitionVersioning},
		{"DefinitionConcurrentSaves", testDefinitionConcurrentSaves},
		{"DefinitionDelete", testDefinitionDelete},
		{"DefinitionTriggerFilter", testDefinitionTriggerFilter},
		{"CommitCreatesExecution", testCommitCreatesExecution},
		{"CommitUpdatesRecords", testCommitUpdatesRecords},
		{"CommitCancelsPendingJobs", testCommitCancelsPendingJobs},
		{"LogSequence", testLogSequence},
		{"DuplicateStepAttempt", testDuplicateStepAttempt},
		{"JobClaimOnce", testJobClaimOnce},
		{"JobFinishAndCancel", testJobFinishAndCancel},
		{"DueJobsOrder", testDueJobsOrder},
		{"LeaseRecovery", testLeaseRecovery},
		{"DeleteFinishedJobs", testDeleteFinishedJobs},
		{"EmailIdempotency", testEmailIdempotency},
		{"Tickets", testTickets},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func sampleDefinition(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:     id,
		Name:   "welcome",
		UserID: "u1",
		Nodes: []schema.StepSpec{
			{ID: "start", Action: schema.ActionStart},
			{ID: "notify", Action: schema.ActionNotify, Params: json.RawMessage(`{"message":"hi"}`)},
		},
		Edges: []schema.EdgeSpec{{Source: "start", Target: "notify"}},
	}
}

func seedExecution(t *testing.T, s Store) *schema.Execution {
	t.Helper()
	def := sampleDefinition("wf-" + uuid.NewString()[:8])
	require.NoError(t, s.SaveDefinition(context.Background(), def))
	exec := &schema.Execution{
		ID:                uuid.NewString(),
		WorkflowID:        def.ID,
		DefinitionVersion: def.Version,
		UserID:            "u1",
		Status:            schema.ExecutionPending,
		Payload:           map[string]any{"user": map[string]any{"email": "a@b.co"}},
		CurrentNodeIDs:    []string{"start"},
		Visited:           []string{"start"},
		FailFast:          true,
	}
	require.NoError(t, s.Commit(context.Background(), &Commit{Execution: exec, Create: true}))
	return exec
}

func newJob(exec *schema.Execution, step string, at time.Time) *schema.Job {
	return &schema.Job{
		ID:          uuid.NewString(),
		Kind:        schema.JobKindStep,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		UserID:      exec.UserID,
		StepID:      step,
		Attempt:     1,
		ScheduledAt: at,
	}
}

func testDefinitionVersioning(t *testing.T, s Store) {
	ctx := context.Background()
	def := sampleDefinition("wf-versions")
	require.NoError(t, s.SaveDefinition(ctx, def))
	assert.Equal(t, 1, def.Version)

	def.Name = "welcome v2"
	require.NoError(t, s.SaveDefinition(ctx, def))
	assert.Equal(t, 2, def.Version)

	latest, err := s.GetDefinition(ctx, "wf-versions")
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, "welcome v2", latest.Name)

	v1, err := s.GetDefinitionVersion(ctx, "wf-versions", 1)
	require.NoError(t, err)
	assert.Equal(t, "welcome", v1.Name)
	assert.Len(t, v1.Nodes, 2)

	versions, err := s.ListDefinitionVersions(ctx, "wf-versions")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)

	all, err := s.ListDefinitions(ctx, DefinitionFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 1, "only the latest version is listed")
}

func testDefinitionConcurrentSaves(t *testing.T, s Store) {
	ctx := context.Background()
	const writers = 4

	var wg sync.WaitGroup
	errs := make([]error, writers)
	versions := make([]int, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			def := sampleDefinition("wf-race")
			errs[i] = s.SaveDefinition(ctx, def)
			versions[i] = def.Version
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for i, err := range errs {
		if err != nil {
			assert.True(t, schema.IsConflict(err), "writer %d: %v", i, err)
			continue
		}
		assert.False(t, seen[versions[i]], "version %d assigned twice", versions[i])
		seen[versions[i]] = true
	}
	require.NotEmpty(t, seen)

	stored, err := s.ListDefinitionVersions(ctx, "wf-race")
	require.NoError(t, err)
	assert.Len(t, stored, len(seen))
}

func testDefinitionDelete(t *testing.T, s Store) {
	ctx := context.Background()
	def := sampleDefinition("wf-delete")
	require.NoError(t, s.SaveDefinition(ctx, def))
	require.NoError(t, s.DeleteDefinition(ctx, def.ID))

	_, err := s.GetDefinition(ctx, def.ID)
	assert.True(t, schema.IsNotFound(err))

	// Pinned versions stay readable.
	_, err = s.GetDefinitionVersion(ctx, def.ID, 1)
	require.NoError(t, err)

	assert.True(t, schema.IsNotFound(s.DeleteDefinition(ctx, def.ID)))
}

func testDefinitionTriggerFilter(t *testing.T, s Store) {
	ctx := context.Background()
	onCreate := sampleDefinition("wf-created")
	onCreate.Triggers = []schema.Trigger{{Event: schema.DomainTicketCreated}}
	nightly := sampleDefinition("wf-nightly")
	nightly.Triggers = []schema.Trigger{{Schedule: "0 3 * * *"}}
	require.NoError(t, s.SaveDefinition(ctx, onCreate))
	require.NoError(t, s.SaveDefinition(ctx, nightly))

	got, err := s.ListDefinitions(ctx, DefinitionFilter{TriggerEvt: schema.DomainTicketCreated})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wf-created", got[0].ID)

	got, err = s.ListDefinitions(ctx, DefinitionFilter{TriggerEvt: "ticket"})
	require.NoError(t, err)
	assert.Empty(t, got, "event names match whole")

	got, err = s.ListDefinitions(ctx, DefinitionFilter{Scheduled: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wf-nightly", got[0].ID)
}

func testCommitCreatesExecution(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, got.Status)
	assert.Equal(t, []string{"start"}, got.CurrentNodeIDs)
	assert.True(t, got.FailFast)
	assert.Equal(t, "a@b.co", got.Payload["user"].(map[string]any)["email"])
	assert.Empty(t, got.History)
	assert.Nil(t, got.StartedAt)

	_, err = s.GetExecution(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))

	list, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: exec.WorkflowID})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func testCommitUpdatesRecords(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	now := time.Now().UTC()

	rec := &schema.StepRecord{
		ExecutionID: exec.ID, StepID: "start", Action: schema.ActionStart,
		Attempt: 1, Status: schema.StepRunning, StartedAt: now,
	}
	exec.Status = schema.ExecutionRunning
	exec.StartedAt = &now
	require.NoError(t, s.Commit(ctx, &Commit{Execution: exec, Records: []*schema.StepRecord{rec}}))
	require.NotZero(t, rec.ID)

	finished := now.Add(time.Second)
	rec.Status = schema.StepSucceeded
	rec.Result = json.RawMessage(`{"ok":true}`)
	rec.FinishedAt = &finished
	rec.DurationMs = 1000
	exec.Payload["start"] = map[string]any{"ok": true}
	require.NoError(t, s.Commit(ctx, &Commit{Execution: exec, Records: []*schema.StepRecord{rec}}))

	got, err := s.GetStepRecord(ctx, exec.ID, "start", 1)
	require.NoError(t, err)
	assert.Equal(t, schema.StepSucceeded, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, finished, *got.FinishedAt, time.Millisecond)

	loaded, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, loaded.Status)
	require.NotNil(t, loaded.StartedAt)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, true, loaded.Payload["start"].(map[string]any)["ok"])
}

func testCommitCancelsPendingJobs(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	now := time.Now().UTC()

	stale := newJob(exec, "notify", now.Add(time.Hour))
	require.NoError(t, s.CreateJob(ctx, stale))

	fresh := newJob(exec, "other", now)
	c := &Commit{Execution: exec, Jobs: []*schema.Job{fresh}, CancelPendingJobs: true}
	require.NoError(t, s.Commit(ctx, c))
	require.Len(t, c.CancelledJobs, 1)
	assert.Equal(t, stale.ID, c.CancelledJobs[0].ID)

	got, err := s.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobCancelled, got.Status)

	got, err = s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobPending, got.Status)
}

func testLogSequence(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Commit(ctx, &Commit{
			Execution: exec,
			Logs: []*schema.ExecutionLog{
				{NodeID: "start", Status: schema.LogStepRunning},
				{NodeID: "start", Status: schema.LogStepSucceeded},
			},
		}))
	}
	logs, err := s.ListExecutionLogs(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 6)
	for i, l := range logs {
		assert.Equal(t, int64(i+1), l.Seq)
		assert.Equal(t, exec.WorkflowID, l.WorkflowID)
	}

	tail, err := s.ListExecutionLogs(ctx, exec.ID, 4)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func testDuplicateStepAttempt(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	mk := func() *schema.StepRecord {
		return &schema.StepRecord{
			ExecutionID: exec.ID, StepID: "start", Action: schema.ActionStart,
			Attempt: 1, Status: schema.StepRunning, StartedAt: time.Now(),
		}
	}
	require.NoError(t, s.Commit(ctx, &Commit{Records: []*schema.StepRecord{mk()}}))
	err := s.Commit(ctx, &Commit{Records: []*schema.StepRecord{mk()}})
	require.Error(t, err)
	assert.True(t, schema.IsConflict(err), "got %v", err)

	records, err := s.ListStepRecords(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func testJobClaimOnce(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	job := newJob(exec, "start", time.Now().UTC())
	require.NoError(t, s.CreateJob(ctx, job))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.ClaimJob(ctx, job.ID, "worker", time.Now().UTC(), time.Minute); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.True(t, schema.IsConflict(err))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobRunning, got.Status)
	assert.Equal(t, "worker", got.LeaseOwner)
	assert.NotNil(t, got.LeaseExpiresAt)
	assert.NotNil(t, got.StartedAt)
}

func testJobFinishAndCancel(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	now := time.Now().UTC()

	job := newJob(exec, "start", now)
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.FinishJob(ctx, job.ID, schema.JobCompleted, "")
	assert.True(t, schema.IsConflict(err), "pending jobs cannot finish")

	_, err = s.ClaimJob(ctx, job.ID, "w", now, time.Minute)
	require.NoError(t, err)
	done, err := s.FinishJob(ctx, job.ID, schema.JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, schema.JobCompleted, done.Status)
	assert.Empty(t, done.LeaseOwner)
	assert.NotNil(t, done.FinishedAt)

	_, err = s.CancelJob(ctx, job.ID)
	assert.True(t, schema.IsConflict(err))

	other := newJob(exec, "notify", now)
	require.NoError(t, s.CreateJob(ctx, other))
	cancelled, err := s.CancelJob(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobCancelled, cancelled.Status)

	again, err := s.CancelJob(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobCancelled, again.Status)

	_, err = s.CancelJob(ctx, "missing")
	assert.True(t, schema.IsNotFound(err))
}

func testDueJobsOrder(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	now := time.Now().UTC().Truncate(time.Second)

	retry := newJob(exec, "a", now.Add(-time.Minute))
	retry.Attempt = 2
	first := newJob(exec, "b", now.Add(-time.Minute))
	early := newJob(exec, "c", now.Add(-time.Hour))
	future := newJob(exec, "d", now.Add(time.Hour))
	for _, j := range []*schema.Job{retry, first, early, future} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	due, err := s.ListDueJobs(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 3)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, first.ID, due[1].ID)
	assert.Equal(t, retry.ID, due[2].ID)
}

func testLeaseRecovery(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	now := time.Now().UTC()

	job := newJob(exec, "start", now)
	require.NoError(t, s.CreateJob(ctx, job))
	_, err := s.ClaimJob(ctx, job.ID, "dead-worker", now.Add(-time.Hour), time.Minute)
	require.NoError(t, err)

	live := newJob(exec, "notify", now)
	require.NoError(t, s.CreateJob(ctx, live))
	_, err = s.ClaimJob(ctx, live.ID, "live-worker", now, time.Hour)
	require.NoError(t, err)

	recovered, err := s.RecoverExpiredLeases(ctx, now)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, job.ID, recovered[0].ID)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobPending, got.Status)
	assert.Empty(t, got.LeaseOwner)
}

func testDeleteFinishedJobs(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	now := time.Now().UTC()

	done := newJob(exec, "start", now)
	require.NoError(t, s.CreateJob(ctx, done))
	_, err := s.CancelJob(ctx, done.ID)
	require.NoError(t, err)
	pending := newJob(exec, "notify", now)
	require.NoError(t, s.CreateJob(ctx, pending))

	n, err := s.DeleteFinishedJobs(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetJob(ctx, pending.ID)
	require.NoError(t, err)
}

func testEmailIdempotency(t *testing.T, s Store) {
	ctx := context.Background()
	exec := seedExecution(t, s)
	mk := func() *schema.Email {
		return &schema.Email{
			ID: uuid.NewString(), ExecutionID: exec.ID, StepID: "mail", StepAttempt: 1,
			To: "a@b.co", Subject: "Hello", Template: "ack_ticket",
			Data: map[string]any{"ticket_id": "T-1"},
		}
	}
	first, created, err := s.EnqueueEmail(ctx, mk())
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.EnqueueEmail(ctx, mk())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "T-1", second.Data["ticket_id"])

	sent := time.Now().UTC()
	second.Status = schema.EmailSent
	second.Attempts = 1
	second.SentAt = &sent
	require.NoError(t, s.UpdateEmail(ctx, second))

	got, err := s.GetEmail(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.EmailSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.SentAt)
}

func testTickets(t *testing.T, s Store) {
	ctx := context.Background()
	tk := &schema.Ticket{ID: "T-1", UserID: "u1", Title: "Printer on fire", CustomerEmail: "c@d.co"}
	require.NoError(t, s.CreateTicket(ctx, tk))
	assert.Equal(t, "open", tk.Status)

	tk.AssignedTo = "agent-7"
	require.NoError(t, s.UpdateTicket(ctx, tk))

	got, err := s.GetTicket(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-7", got.AssignedTo)
	assert.Equal(t, "c@d.co", got.CustomerEmail)

	list, err := s.ListTickets(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetTicket(ctx, "nope")
	assert.True(t, schema.IsNotFound(err))
}
