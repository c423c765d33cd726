package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// Store is the persistence the email service needs.
type Store interface {
	EnqueueEmail(ctx context.Context, email *schema.Email) (*schema.Email, bool, error)
	GetEmail(ctx context.Context, id string) (*schema.Email, error)
	UpdateEmail(ctx context.Context, email *schema.Email) error
	CreateJob(ctx context.Context, job *schema.Job) error
	GetJob(ctx context.Context, id string) (*schema.Job, error)
}

// Resolver completes the step waiting on a delivery. *engine.Machine implements it.
type Resolver interface {
	ResolveCallback(ctx context.Context, executionID, stepID string, attempt int, outcome actions.Outcome) (*schema.Job, error)
}

// Events receives delivery events and job announcements. *streaming.Publisher implements it.
type Events interface {
	Emit(ctx context.Context, channel, event string, body any)
	JobStatus(ctx context.Context, job *schema.Job)
}

// EventData is the body of email_send_attempt, email_sent and email_failed.
type EventData struct {
	EmailID     string             `json:"email_id"`
	ExecutionID string             `json:"execution_id,omitempty"`
	StepID      string             `json:"step_id,omitempty"`
	To          string             `json:"to"`
	Status      schema.EmailStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	Error       string             `json:"error,omitempty"`
}

// JobID is the id of the delivery job for an email. One email has at most one job.
func JobID(emailID string) string { return "email-" + emailID }

type jobData struct {
	EmailID string `json:"email_id"`
}

// Service renders, records and delivers email. Queued messages are sent by
// email_send jobs; the outcome resolves the email step that queued them.
type Service struct {
	store     Store
	sender    Sender
	templates *Templates
	events    Events
	resolver  Resolver
	from      string
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Service.
type Option func(*Service)

func WithTemplates(t *Templates) Option { return func(s *Service) { s.templates = t } }

func WithEvents(e Events) Option { return func(s *Service) { s.events = e } }

func WithFrom(addr string) Option { return func(s *Service) { s.from = addr } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = logging.WithModule(l, "email") } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(st Store, sender Sender, opts ...Option) *Service {
	s := &Service{
		store:     st,
		sender:    sender,
		templates: NewTemplates(),
		logger:    logging.WithModule(nil, "email"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetResolver connects the service to the state machine. The machine takes
// the service as its mailer, so the link is made after both exist.
func (s *Service) SetResolver(r Resolver) { s.resolver = r }

// Templates returns the template set.
func (s *Service) Templates() *Templates { return s.templates }

// Get returns an email by id.
func (s *Service) Get(ctx context.Context, id string) (*schema.Email, error) {
	return s.store.GetEmail(ctx, id)
}

// Enqueue records the message and schedules its delivery job. Repeating a
// request for the same execution, step and attempt returns the first email.
func (s *Service) Enqueue(ctx context.Context, req actions.EmailRequest) (*schema.Email, error) {
	email, err := s.record(ctx, req)
	if err != nil {
		return nil, err
	}
	if email.Status != schema.EmailQueued {
		return email, nil
	}
	if err := s.ensureJob(ctx, email, req); err != nil {
		return nil, err
	}
	return email, nil
}

// SendNow records and delivers the message inline.
func (s *Service) SendNow(ctx context.Context, req actions.EmailRequest) (*schema.Email, error) {
	email, err := s.record(ctx, req)
	if err != nil {
		return nil, err
	}
	if email.Status == schema.EmailSent {
		return email, nil
	}
	if err := s.deliver(ctx, email); err != nil {
		return email, err
	}
	return email, nil
}

// HandleJob delivers the email named by an email_send job and resolves the
// waiting step. An email already sent or failed is only resolved again.
func (s *Service) HandleJob(ctx context.Context, job *schema.Job) error {
	var data jobData
	if err := json.Unmarshal(job.Data, &data); err != nil || data.EmailID == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "email job %s has no email_id", job.ID)
	}
	email, err := s.store.GetEmail(ctx, data.EmailID)
	if err != nil {
		return err
	}

	var sendErr error
	if email.Status == schema.EmailQueued || email.Status == schema.EmailSending {
		sendErr = s.deliver(ctx, email)
	}
	if err := s.resolve(ctx, email); err != nil {
		return errors.Join(sendErr, err)
	}
	return sendErr
}

func (s *Service) record(ctx context.Context, req actions.EmailRequest) (*schema.Email, error) {
	email := &schema.Email{
		ID:          s.newID(),
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		StepAttempt: req.Attempt,
		To:          req.To,
		Subject:     req.Subject,
		Template:    req.Template,
		Data:        req.Data,
		Body:        req.Body,
		Status:      schema.EmailQueued,
		CreatedAt:   s.now(),
	}
	if req.Template != "" {
		subject, body, err := s.templates.Render(req.Template, req.Data)
		if err != nil {
			return nil, err
		}
		if email.Subject == "" {
			email.Subject = subject
		}
		email.Body = body
	}
	stored, created, err := s.store.EnqueueEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.InfoContext(ctx, "email queued",
			slog.String("email_id", stored.ID), slog.String("to", stored.To), slog.String("template", stored.Template))
	}
	return stored, nil
}

func (s *Service) ensureJob(ctx context.Context, email *schema.Email, req actions.EmailRequest) error {
	id := JobID(email.ID)
	if _, err := s.store.GetJob(ctx, id); err == nil {
		return nil
	} else if !schema.IsNotFound(err) {
		return err
	}
	attempt := email.StepAttempt
	if attempt == 0 {
		attempt = 1
	}
	data, _ := json.Marshal(jobData{EmailID: email.ID})
	job := &schema.Job{
		ID:          id,
		Kind:        schema.JobKindEmailSend,
		ExecutionID: email.ExecutionID,
		WorkflowID:  req.WorkflowID,
		UserID:      req.UserID,
		StepID:      email.StepID,
		Attempt:     attempt,
		Status:      schema.JobPending,
		ScheduledAt: s.now(),
		Data:        data,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create email job: %w", err)
	}
	if s.events != nil {
		s.events.JobStatus(ctx, job)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, email *schema.Email) error {
	email.Attempts++
	email.Status = schema.EmailSending
	email.Error = ""
	if err := s.store.UpdateEmail(ctx, email); err != nil {
		return err
	}
	s.emit(ctx, schema.EventEmailSendAttempt, email)

	err := s.sender.Send(ctx, Message{From: s.from, To: email.To, Subject: email.Subject, HTML: email.Body})
	if err != nil {
		email.Status = schema.EmailFailed
		email.Error = err.Error()
		s.logger.WarnContext(ctx, "email delivery failed",
			slog.String("email_id", email.ID), slog.Int("attempts", email.Attempts), slog.String("error", err.Error()))
	} else {
		sent := s.now()
		email.Status = schema.EmailSent
		email.SentAt = &sent
		s.logger.InfoContext(ctx, "email sent", slog.String("email_id", email.ID), slog.String("to", email.To))
	}
	if uerr := s.store.UpdateEmail(context.WithoutCancel(ctx), email); uerr != nil {
		return errors.Join(err, uerr)
	}
	if err != nil {
		s.emit(ctx, schema.EventEmailFailed, email)
		return schema.NewErrorf(schema.ErrCodeNetwork, "email %s: %v", email.ID, err).WithCause(err)
	}
	s.emit(ctx, schema.EventEmailSent, email)
	return nil
}

func (s *Service) resolve(ctx context.Context, email *schema.Email) error {
	if s.resolver == nil || email.ExecutionID == "" {
		return nil
	}
	result := map[string]any{"email_id": email.ID, "to": email.To, "status": string(email.Status)}
	var outcome actions.Outcome
	switch email.Status {
	case schema.EmailSent:
		outcome = actions.Completed(result)
	case schema.EmailFailed:
		outcome = actions.Failed(schema.NewErrorf(schema.ErrCodeNetwork, "email %s: %s", email.ID, email.Error))
	default:
		return nil
	}
	_, err := s.resolver.ResolveCallback(ctx, email.ExecutionID, email.StepID, email.StepAttempt, outcome)
	if errors.Is(err, engine.ErrDiscarded) {
		s.logger.DebugContext(ctx, "email outcome discarded, execution is terminal", slog.String("email_id", email.ID))
		return nil
	}
	return err
}

func (s *Service) emit(ctx context.Context, event string, email *schema.Email) {
	if s.events == nil {
		return
	}
	body := EventData{
		EmailID:     email.ID,
		ExecutionID: email.ExecutionID,
		StepID:      email.StepID,
		To:          email.To,
		Status:      email.Status,
		Attempts:    email.Attempts,
		Error:       email.Error,
	}
	s.events.Emit(ctx, streaming.EmailChannel(email.ID), event, body)
	if email.ExecutionID != "" {
		s.events.Emit(ctx, streaming.ExecutionChannel(email.ExecutionID), event, body)
	}
}

var _ actions.Mailer = (*Service)(nil)
