package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus represents the state of one step attempt.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
)

// Execution is one runtime instance of a workflow definition version.
type Execution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	DefinitionVersion int             `json:"definition_version"`
	UserID            string          `json:"user_id,omitempty"`
	Trigger           string          `json:"trigger,omitempty"`
	Status            ExecutionStatus `json:"status"`
	Payload           map[string]any  `json:"payload"`
	CurrentNodeIDs    []string        `json:"current_node_ids"`
	Visited           []string        `json:"visited,omitempty"`
	FailFast          bool            `json:"fail_fast"`
	Error             string          `json:"error,omitempty"`
	FailedStepID      string          `json:"failed_step_id,omitempty"`
	History           []StepRecord    `json:"history,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
}

// StepRecord is the audit entry for one step attempt.
type StepRecord struct {
	ID          int64           `json:"id,omitempty"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Action      ActionKind      `json:"action"`
	JobID       string          `json:"job_id,omitempty"`
	Attempt     int             `json:"attempt"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	// Suspended marks a running attempt parked on a delay or callback.
	Suspended   bool            `json:"suspended,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// JobStatus represents the lifecycle of a scheduled job. Terminal states are final.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobKind selects the handler a dispatched job is routed to.
type JobKind string

const (
	JobKindStep      JobKind = "step"       // invoke the step executor
	JobKindResume    JobKind = "resume"     // finish a suspended step
	JobKindEmailSend JobKind = "email_send" // deliver a queued email
)

// Job is a schedulable unit: run step X of execution Y at or after T, attempt N.
type Job struct {
	ID             string          `json:"id"`
	Kind           JobKind         `json:"kind"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
	StepID         string          `json:"step_id,omitempty"`
	Attempt        int             `json:"attempt"`
	Status         JobStatus       `json:"status"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	Data           json.RawMessage `json:"data,omitempty"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// ExecutionLog is one row of an execution's step-level log.
type ExecutionLog struct {
	Seq         int64           `json:"seq"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Status      string          `json:"status"`
	Message     string          `json:"message,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EmailStatus tracks delivery of a queued email.
type EmailStatus string

const (
	EmailQueued  EmailStatus = "queued"
	EmailSending EmailStatus = "sending"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
)

// Email is an outbound message created by an email step.
type Email struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	StepAttempt int            `json:"step_attempt,omitempty"`
	To          string         `json:"to"`
	Subject     string         `json:"subject"`
	Template    string         `json:"template,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Body        string         `json:"body,omitempty"`
	Status      EmailStatus    `json:"status"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	CreatedAt   time.Time      `json:"created_at"`
	SentAt      *time.Time     `json:"sent_at,omitempty"`
}

// Ticket is the support ticket consulted by check_ticket_assigned and emitted as domain events.
type Ticket struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description,omitempty"`
	Status        string    `json:"status"`
	AssignedTo    string    `json:"assigned_to,omitempty"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
