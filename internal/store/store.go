package store

import (
	"context"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (versioned, soft-deleted)
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	ListDefinitionVersions(ctx context.Context, id string) ([]*schema.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error

	// Executions: every mutation goes through Commit.
	Commit(ctx context.Context, c *Commit) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error)
	GetStepRecord(ctx context.Context, executionID, stepID string, attempt int) (*schema.StepRecord, error)
	ListStepRecords(ctx context.Context, executionID string) ([]*schema.StepRecord, error)
	ListExecutionLogs(ctx context.Context, executionID string, sinceSeq int64) ([]*schema.ExecutionLog, error)

	// Jobs
	CreateJob(ctx context.Context, job *schema.Job) error
	GetJob(ctx context.Context, id string) (*schema.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*schema.Job, error)
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*schema.Job, error)
	ClaimJob(ctx context.Context, id, owner string, now time.Time, lease time.Duration) (*schema.Job, error)
	FinishJob(ctx context.Context, id string, status schema.JobStatus, errMsg string) (*schema.Job, error)
	CancelJob(ctx context.Context, id string) (*schema.Job, error)
	RecoverExpiredLeases(ctx context.Context, now time.Time) ([]*schema.Job, error)
	DeleteFinishedJobs(ctx context.Context, before time.Time) (int64, error)

	// Emails
	EnqueueEmail(ctx context.Context, email *schema.Email) (*schema.Email, bool, error)
	GetEmail(ctx context.Context, id string) (*schema.Email, error)
	UpdateEmail(ctx context.Context, email *schema.Email) error

	// Tickets
	CreateTicket(ctx context.Context, t *schema.Ticket) error
	GetTicket(ctx context.Context, id string) (*schema.Ticket, error)
	UpdateTicket(ctx context.Context, t *schema.Ticket) error
	ListTickets(ctx context.Context, userID string) ([]*schema.Ticket, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Commit is one atomic state transition of an execution.
type Commit struct {
	// Execution is inserted when Create is set, updated otherwise. May be nil.
	Execution *schema.Execution
	Create    bool
	// Records without an ID are inserted (and get one); others are updated.
	Records []*schema.StepRecord
	// Jobs are inserted.
	Jobs []*schema.Job
	// CancelPendingJobs cancels every pending job of Execution.
	CancelPendingJobs bool
	// Logs are appended with the next per-execution sequence numbers.
	Logs []*schema.ExecutionLog

	// CancelledJobs is filled by the store with the jobs CancelPendingJobs cancelled.
	CancelledJobs []*schema.Job
}

// DefinitionFilter narrows ListDefinitions.
type DefinitionFilter struct {
	UserID     string
	TriggerEvt string // only definitions with a trigger on this event
	Scheduled  bool   // only definitions with a schedule trigger
	Limit      int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	UserID     string
	Status     schema.ExecutionStatus
	Limit      int
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	UserID      string
	ExecutionID string
	Statuses    []schema.JobStatus
	Kind        schema.JobKind
	Limit       int
}

// ActiveJobStatuses are the non-terminal job states.
var ActiveJobStatuses = []schema.JobStatus{schema.JobPending, schema.JobRunning}
