package schema

// Execution log statuses, one per step or execution transition.
const (
	LogExecutionStarted   = "execution_started"
	LogExecutionCompleted = "execution_completed"
	LogExecutionFailed    = "execution_failed"
	LogExecutionCancelled = "execution_cancelled"

	LogStepRunning   = "running"
	LogStepSucceeded = "succeeded"
	LogStepFailed    = "failed"
	LogStepRetrying  = "retrying"
	LogStepSuspended = "suspended"
	LogStepDiscarded = "discarded"
	LogStepDeferred  = "deferred"
)

// Stream event names delivered to subscribers.
const (
	EventJobStatusUpdate = "job-status-update"
	EventJobListUpdate   = "job-list-update"
	EventExecutionLog    = "execution-log"
	EventExecutionStatus = "execution-status"
	EventNotification    = "notification"

	EventEmailSendAttempt = "email_send_attempt"
	EventEmailSent        = "email_sent"
	EventEmailFailed      = "email_failed"
)

// Domain events consumed by triggers.
const (
	DomainTicketCreated  = "ticket.created"
	DomainTicketAssigned = "ticket.assigned"
	DomainTicketUpdated  = "ticket.updated"
)
