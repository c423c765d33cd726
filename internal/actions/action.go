package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Executor runs one step kind. Executors never panic on bad input: every problem
// is reported through a Failed outcome.
type Executor interface {
	Kind() schema.ActionKind
	Describe() Descriptor
	Execute(ctx context.Context, params json.RawMessage, sc StepContext) Outcome
}

// Descriptor is the static contract of a step kind.
type Descriptor struct {
	Description string `json:"description"`
	// ParamsSchema is a JSON Schema for the params object.
	ParamsSchema string `json:"params_schema"`
	// NewParams returns a pointer to the typed params struct, checked with validator tags.
	NewParams func() any `json:"-"`
	// ReentrySafe marks kinds that may be invoked again for an attempt that was
	// interrupted mid-flight without duplicating an external effect.
	ReentrySafe bool `json:"reentry_safe"`
	// FanOut makes every matching outgoing edge fire instead of the first one.
	FanOut bool `json:"fan_out"`
	// BreakerTarget names what a call with the given interpolated params talks
	// to, so circuit breakers track failures per target. Nil tracks the kind.
	BreakerTarget func(params json.RawMessage) string `json:"-"`
}

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota + 1
	OutcomeSuspended
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSuspended:
		return "suspended"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of one executor invocation.
type Outcome struct {
	Kind OutcomeKind
	// Result is merged into the payload under the step id.
	Result map[string]any
	// Set holds top-level payload keys written alongside Result.
	Set map[string]any
	// ResumeAt is when a suspended step continues. Zero means the step waits
	// for an external callback.
	ResumeAt time.Time
	Err       error
	Retryable bool
}

// Completed finishes the step with result.
func Completed(result map[string]any) Outcome {
	if result == nil {
		result = map[string]any{}
	}
	return Outcome{Kind: OutcomeCompleted, Result: result}
}

// CompletedWith finishes the step and also writes top-level payload keys.
func CompletedWith(result, set map[string]any) Outcome {
	o := Completed(result)
	o.Set = set
	return o
}

// SuspendedUntil parks the step until at; result is recorded when it resumes.
func SuspendedUntil(at time.Time, result map[string]any) Outcome {
	return Outcome{Kind: OutcomeSuspended, ResumeAt: at, Result: result}
}

// AwaitingCallback parks the step until an external callback resolves it.
func AwaitingCallback(result map[string]any) Outcome {
	return Outcome{Kind: OutcomeSuspended, Result: result}
}

// Failed reports an error. Retryable follows the error classification unless forced.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err, Retryable: schema.IsRetryable(err)}
}

// StepContext is what an executor sees of the running execution.
type StepContext struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	UserID      string
	Attempt     int
	// Payload is a snapshot; executors must not mutate it.
	Payload map[string]any
	Effects Effects
	Logger  *slog.Logger
}

// Effects is the scoped side-effect API available to executors.
// Any field may be nil when the host did not configure it.
type Effects struct {
	Notifier Notifier
	Mailer   Mailer
	Tickets  TicketReader
	HTTP     *http.Client
}

// Notification is emitted by notify steps.
type Notification struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	StepID      string `json:"step_id"`
	UserID      string `json:"user_id,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Level       string `json:"level"`
	Message     string `json:"message"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// EmailRequest asks the mailer to deliver one message for a step attempt.
type EmailRequest struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	StepID      string
	Attempt     int
	To          string
	Subject     string
	Template    string
	Body        string
	Data        map[string]any
}

// Mailer queues or sends email. Enqueue is idempotent per execution, step and attempt.
type Mailer interface {
	Enqueue(ctx context.Context, req EmailRequest) (*schema.Email, error)
	SendNow(ctx context.Context, req EmailRequest) (*schema.Email, error)
}

// TicketReader looks up ticket state.
type TicketReader interface {
	GetTicket(ctx context.Context, id string) (*schema.Ticket, error)
}
