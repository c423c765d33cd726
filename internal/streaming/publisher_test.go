package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

type fakeJobs struct {
	jobs   []*schema.Job
	err    error
	filter store.JobFilter
}

func (f *fakeJobs) ListJobs(_ context.Context, filter store.JobFilter) ([]*schema.Job, error) {
	f.filter = filter
	return f.jobs, f.err
}

func collect(t *testing.T, hub *MemoryHub) (func() []Event, func()) {
	t.Helper()
	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	return func() []Event {
		var out []Event
		for {
			select {
			case e := <-ch:
				out = append(out, e)
			default:
				return out
			}
		}
	}, cancel
}

func channels(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Channel
	}
	return out
}

func TestPublisher_ExecutionLog(t *testing.T) {
	hub := NewMemoryHub()
	drain, cancel := collect(t, hub)
	defer cancel()
	p := NewPublisher(hub, nil, nil)

	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	p.ExecutionLog(context.Background(), &schema.ExecutionLog{
		Seq: 3, ExecutionID: "e1", WorkflowID: "wf", NodeID: "mail", Status: schema.LogStepSucceeded, Message: "email completed", Timestamp: ts,
	})

	events := drain()
	require.Len(t, events, 2)
	assert.Equal(t, []string{"workflow:wf:executions", "execution:e1"}, channels(events))
	var body ExecutionLogData
	require.NoError(t, json.Unmarshal(events[0].Data, &body))
	assert.Equal(t, schema.EventExecutionLog, events[0].Event)
	assert.Equal(t, "mail", body.NodeID)
	assert.Equal(t, "succeeded", body.Status)
	assert.True(t, ts.Equal(body.Timestamp))
}

func TestPublisher_ExecutionStatus(t *testing.T) {
	hub := NewMemoryHub()
	drain, cancel := collect(t, hub)
	defer cancel()
	p := NewPublisher(hub, nil, nil)

	p.ExecutionStatus(context.Background(), &schema.Execution{
		ID: "e1", WorkflowID: "wf", Status: schema.ExecutionFailed, Error: "step call failed", FailedStepID: "call",
	})

	events := drain()
	require.Len(t, events, 1)
	assert.Equal(t, "execution:e1", events[0].Channel)
	assert.Equal(t, schema.EventExecutionStatus, events[0].Event)
	assert.JSONEq(t, `{"execution_id":"e1","workflow_id":"wf","status":"failed","error":"step call failed","step_id":"call"}`, string(events[0].Data))
}

func TestPublisher_JobStatusAndUserList(t *testing.T) {
	hub := NewMemoryHub()
	drain, cancel := collect(t, hub)
	defer cancel()
	lister := &fakeJobs{jobs: []*schema.Job{
		{ID: "j1", Kind: schema.JobKindStep, Status: schema.JobPending, UserID: "u1"},
		{ID: "j2", Kind: schema.JobKindResume, Status: schema.JobRunning, UserID: "u1"},
	}}
	p := NewPublisher(hub, lister, nil)

	p.JobStatus(context.Background(), &schema.Job{ID: "j1", Kind: schema.JobKindStep, Status: schema.JobPending, UserID: "u1", StepID: "wait", Attempt: 1})

	events := drain()
	require.Len(t, events, 3)
	assert.Equal(t, []string{"job:j1", "jobs", "user:u1:jobs"}, channels(events))

	var status JobStatusData
	require.NoError(t, json.Unmarshal(events[0].Data, &status))
	assert.Equal(t, "j1", status.JobID)
	assert.Equal(t, schema.JobKindStep, status.JobType)
	assert.False(t, status.UpdatedAt.IsZero())

	var list JobListData
	require.NoError(t, json.Unmarshal(events[2].Data, &list))
	assert.Equal(t, schema.EventJobListUpdate, events[2].Event)
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, "j2", list.Jobs[1].JobID)
	assert.Equal(t, "u1", lister.filter.UserID)
	assert.Equal(t, store.ActiveJobStatuses, lister.filter.Statuses)
}

func TestPublisher_JobListFailureIsLogged(t *testing.T) {
	hub := NewMemoryHub()
	drain, cancel := collect(t, hub)
	defer cancel()
	p := NewPublisher(hub, &fakeJobs{err: errors.New("db down")}, nil)

	p.JobStatus(context.Background(), &schema.Job{ID: "j1", UserID: "u1"})
	assert.Equal(t, []string{"job:j1", "jobs"}, channels(drain()))
}

func TestPublisher_Notify(t *testing.T) {
	hub := NewMemoryHub()
	drain, cancel := collect(t, hub)
	defer cancel()
	p := NewPublisher(hub, nil, nil)

	require.NoError(t, p.Notify(context.Background(), actions.Notification{
		ExecutionID: "e1", WorkflowID: "wf", StepID: "tell", Level: "info", Message: "hello",
	}))
	events := drain()
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventNotification, events[0].Event)
	assert.Contains(t, string(events[0].Data), `"message":"hello"`)
}
