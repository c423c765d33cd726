package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/stepflow/pkg/schema"
)

// EmailMode selects how email steps complete.
type EmailMode string

const (
	// EmailAsync queues the message and suspends the step until delivery is confirmed.
	EmailAsync EmailMode = "async"
	// EmailSync sends inline and completes the step once the server accepts the message.
	EmailSync EmailMode = "sync"
)

// EmailParams configures an email step. Either a template or a body is required.
type EmailParams struct {
	To       string         `json:"to" validate:"required"`
	Subject  string         `json:"subject,omitempty"`
	Template string         `json:"template,omitempty" validate:"required_without=Body"`
	Body     string         `json:"body,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

const emailParamsSchema = `{
  "type": "object",
  "required": ["to"],
  "properties": {
    "to": {"type": "string", "minLength": 1},
    "subject": {"type": "string"},
    "template": {"type": "string"},
    "body": {"type": "string"},
    "data": {"type": "object"}
  },
  "additionalProperties": false
}`

// EmailExecutor sends email through the Mailer effect.
type EmailExecutor struct {
	mode EmailMode
}

func NewEmailExecutor(mode EmailMode) *EmailExecutor {
	if mode == "" {
		mode = EmailAsync
	}
	return &EmailExecutor{mode: mode}
}

func (e *EmailExecutor) Kind() schema.ActionKind { return schema.ActionEmail }

func (e *EmailExecutor) Describe() Descriptor {
	return Descriptor{
		Description:  "Send an email rendered from a template or a literal body.",
		ParamsSchema: emailParamsSchema,
		NewParams:    func() any { return &EmailParams{} },
		// Enqueue is keyed by execution, step and attempt.
		ReentrySafe: e.mode == EmailAsync,
	}
}

func (e *EmailExecutor) Execute(ctx context.Context, raw json.RawMessage, sc StepContext) Outcome {
	var p EmailParams
	if err := DecodeParams(raw, &p); err != nil {
		return Failed(err)
	}
	if err := validate.Var(p.To, "email"); err != nil {
		return Failed(invalidParams(schema.ActionEmail, "invalid recipient %q", p.To))
	}
	if sc.Effects.Mailer == nil {
		return Failed(schema.NewError(schema.ErrCodeStepFailed, "email: no mailer configured"))
	}

	data := make(map[string]any, len(sc.Payload)+len(p.Data))
	for k, v := range sc.Payload {
		data[k] = v
	}
	for k, v := range p.Data {
		data[k] = v
	}
	req := EmailRequest{
		ExecutionID: sc.ExecutionID,
		WorkflowID:  sc.WorkflowID,
		UserID:      sc.UserID,
		StepID:      sc.StepID,
		Attempt:     sc.Attempt,
		To:          p.To,
		Subject:     p.Subject,
		Template:    p.Template,
		Body:        p.Body,
		Data:        data,
	}

	if e.mode == EmailSync {
		email, err := sc.Effects.Mailer.SendNow(ctx, req)
		if err != nil {
			return Failed(err)
		}
		return Completed(emailResult(email))
	}

	email, err := sc.Effects.Mailer.Enqueue(ctx, req)
	if err != nil {
		return Failed(err)
	}
	switch email.Status {
	case schema.EmailSent:
		return Completed(emailResult(email))
	case schema.EmailFailed:
		return Failed(schema.NewErrorf(schema.ErrCodeNetwork, "email %s: %s", email.ID, email.Error))
	}
	return AwaitingCallback(emailResult(email))
}

func emailResult(e *schema.Email) map[string]any {
	return map[string]any{
		"email_id": e.ID,
		"to":       e.To,
		"status":   string(e.Status),
	}
}
