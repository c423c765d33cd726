package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// JobLister lists a user's jobs for job-list-update events.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*schema.Job, error)
}

// JobStatusData is the body of a job-status-update event.
type JobStatusData struct {
	JobID       string           `json:"job_id"`
	Status      schema.JobStatus `json:"status"`
	JobType     schema.JobKind   `json:"job_type"`
	ExecutionID string           `json:"execution_id,omitempty"`
	StepID      string           `json:"step_id,omitempty"`
	Attempt     int              `json:"attempt"`
	ScheduledAt time.Time        `json:"scheduled_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Error       string           `json:"error,omitempty"`
	Data        json.RawMessage  `json:"data,omitempty"`
}

// JobListData is the body of a job-list-update event.
type JobListData struct {
	Jobs      []JobStatusData `json:"jobs"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExecutionLogData is the body of an execution-log event.
type ExecutionLogData struct {
	Seq         int64     `json:"seq"`
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id,omitempty"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ExecutionStatusData is the body of an execution-status event.
type ExecutionStatusData struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Error       string                 `json:"error,omitempty"`
	StepID      string                 `json:"step_id,omitempty"`
}

// Publisher turns engine state changes into channel events. It implements
// the engine's publisher and the notify step's Notifier.
type Publisher struct {
	sink   Sink
	jobs   JobLister
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher sends events to sink. jobs may be nil, which disables
// job-list-update events.
func NewPublisher(sink Sink, jobs JobLister, logger *slog.Logger) *Publisher {
	return &Publisher{
		sink:   sink,
		jobs:   jobs,
		logger: logging.WithModule(logger, "streaming"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) ExecutionLog(ctx context.Context, l *schema.ExecutionLog) {
	data := ExecutionLogData{
		Seq:         l.Seq,
		ExecutionID: l.ExecutionID,
		NodeID:      l.NodeID,
		Status:      l.Status,
		Message:     l.Message,
		Timestamp:   l.Timestamp,
	}
	p.Emit(ctx, WorkflowExecutionsChannel(l.WorkflowID), schema.EventExecutionLog, data)
	p.Emit(ctx, ExecutionChannel(l.ExecutionID), schema.EventExecutionLog, data)
}

func (p *Publisher) ExecutionStatus(ctx context.Context, e *schema.Execution) {
	p.Emit(ctx, ExecutionChannel(e.ID), schema.EventExecutionStatus, ExecutionStatusData{
		ExecutionID: e.ID,
		WorkflowID:  e.WorkflowID,
		Status:      e.Status,
		Error:       e.Error,
		StepID:      e.FailedStepID,
	})
}

func (p *Publisher) JobStatus(ctx context.Context, j *schema.Job) {
	data := jobView(j)
	if data.UpdatedAt.IsZero() {
		data.UpdatedAt = p.now()
	}
	p.Emit(ctx, JobChannel(j.ID), schema.EventJobStatusUpdate, data)
	p.Emit(ctx, ChannelJobs, schema.EventJobStatusUpdate, data)
	if j.UserID != "" {
		p.JobList(ctx, j.UserID)
	}
}

// JobList publishes the user's active jobs on their job channel.
func (p *Publisher) JobList(ctx context.Context, userID string) {
	if p.jobs == nil {
		return
	}
	jobs, err := p.jobs.ListJobs(ctx, store.JobFilter{UserID: userID, Statuses: store.ActiveJobStatuses})
	if err != nil {
		p.logger.WarnContext(ctx, "listing active jobs failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		return
	}
	list := JobListData{Jobs: make([]JobStatusData, 0, len(jobs)), Timestamp: p.now()}
	for _, j := range jobs {
		list.Jobs = append(list.Jobs, jobView(j))
	}
	p.Emit(ctx, UserJobsChannel(userID), schema.EventJobListUpdate, list)
}

// Notify publishes a notify step's message on the execution's channels.
func (p *Publisher) Notify(ctx context.Context, n actions.Notification) error {
	p.Emit(ctx, ExecutionChannel(n.ExecutionID), schema.EventNotification, n)
	p.Emit(ctx, WorkflowExecutionsChannel(n.WorkflowID), schema.EventNotification, n)
	return nil
}

// Emit publishes one event. Delivery problems are logged, never returned.
func (p *Publisher) Emit(ctx context.Context, channel, event string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		p.logger.ErrorContext(ctx, "encoding stream event failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	err = p.sink.Publish(context.WithoutCancel(ctx), Event{Channel: channel, Event: event, Data: raw, Timestamp: p.now()})
	if err != nil {
		p.logger.WarnContext(ctx, "publishing stream event failed",
			slog.String("channel", channel), slog.String("event", event), slog.String("error", err.Error()))
	}
}

func jobView(j *schema.Job) JobStatusData {
	return JobStatusData{
		JobID:       j.ID,
		Status:      j.Status,
		JobType:     j.Kind,
		ExecutionID: j.ExecutionID,
		StepID:      j.StepID,
		Attempt:     j.Attempt,
		ScheduledAt: j.ScheduledAt,
		UpdatedAt:   j.UpdatedAt,
		Error:       j.Error,
		Data:        j.Data,
	}
}

var _ actions.Notifier = (*Publisher)(nil)
