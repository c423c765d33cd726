package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Config configures the built-in executors.
type Config struct {
	HTTP      HTTPConfig
	EmailMode EmailMode
	// Now is the clock used for delays. Defaults to time.Now.
	Now func() time.Time
}

// RegisterBuiltins registers every built-in step kind.
func RegisterBuiltins(reg *Registry, cfg Config) error {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	all := []Executor{
		passThrough{kind: schema.ActionStart, desc: "Entry point of the workflow."},
		passThrough{kind: schema.ActionBranch, desc: "Routing point; the first outgoing edge whose condition matches is taken."},
		passThrough{kind: schema.ActionParallel, desc: "Fan-out point; every outgoing edge whose condition matches is taken.", fanOut: true},
		&DelayExecutor{now: now},
		&NotifyExecutor{},
		NewHTTPExecutor(cfg.HTTP),
		NewEmailExecutor(cfg.EmailMode),
		&TicketCheckExecutor{},
	}
	for _, e := range all {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

type emptyParams struct{}

// passThrough completes immediately; routing is done by the outgoing edges.
type passThrough struct {
	kind   schema.ActionKind
	desc   string
	fanOut bool
}

func (p passThrough) Kind() schema.ActionKind { return p.kind }

func (p passThrough) Describe() Descriptor {
	return Descriptor{
		Description:  p.desc,
		ParamsSchema: emptyParamsSchema,
		NewParams:    func() any { return &emptyParams{} },
		ReentrySafe:  true,
		FanOut:       p.fanOut,
	}
}

func (p passThrough) Execute(context.Context, json.RawMessage, StepContext) Outcome {
	return Completed(map[string]any{})
}

// DelayParams configures a delay step.
type DelayParams struct {
	Seconds int `json:"seconds" validate:"gte=0,lte=31536000"`
}

const delayParamsSchema = `{
  "type": "object",
  "required": ["seconds"],
  "properties": {
    "seconds": {"type": "integer", "minimum": 0, "maximum": 31536000}
  },
  "additionalProperties": false
}`

// DelayExecutor suspends the step for a fixed number of seconds.
type DelayExecutor struct {
	now func() time.Time
}

func (d *DelayExecutor) Kind() schema.ActionKind { return schema.ActionDelay }

func (d *DelayExecutor) Describe() Descriptor {
	return Descriptor{
		Description:  "Wait a number of seconds without holding a worker.",
		ParamsSchema: delayParamsSchema,
		NewParams:    func() any { return &DelayParams{} },
		ReentrySafe:  true,
	}
}

func (d *DelayExecutor) Execute(_ context.Context, raw json.RawMessage, _ StepContext) Outcome {
	var p DelayParams
	if err := DecodeParams(raw, &p); err != nil {
		return Failed(err)
	}
	now := time.Now
	if d.now != nil {
		now = d.now
	}
	at := now().Add(time.Duration(p.Seconds) * time.Second)
	return SuspendedUntil(at, map[string]any{
		"delayed_seconds": p.Seconds,
		"resume_at":       at.UTC().Format(time.RFC3339),
	})
}

// NotifyParams configures a notify step.
type NotifyParams struct {
	Message string `json:"message" validate:"required"`
	Channel string `json:"channel,omitempty"`
	Level   string `json:"level,omitempty" validate:"omitempty,oneof=info warn error"`
}

const notifyParamsSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {"type": "string", "minLength": 1},
    "channel": {"type": "string"},
    "level": {"type": "string", "enum": ["info", "warn", "error"]}
  },
  "additionalProperties": false
}`

// NotifyExecutor logs a message and forwards it to the configured notifier.
type NotifyExecutor struct{}

func (n *NotifyExecutor) Kind() schema.ActionKind { return schema.ActionNotify }

func (n *NotifyExecutor) Describe() Descriptor {
	return Descriptor{
		Description:  "Log a message and publish it as a notification.",
		ParamsSchema: notifyParamsSchema,
		NewParams:    func() any { return &NotifyParams{} },
		ReentrySafe:  true,
	}
}

func (n *NotifyExecutor) Execute(ctx context.Context, raw json.RawMessage, sc StepContext) Outcome {
	var p NotifyParams
	if err := DecodeParams(raw, &p); err != nil {
		return Failed(err)
	}
	if p.Level == "" {
		p.Level = "info"
	}

	if sc.Logger != nil {
		sc.Logger.InfoContext(ctx, "notification", "message", p.Message, "channel", p.Channel, "level", p.Level)
	}
	if sc.Effects.Notifier != nil {
		err := sc.Effects.Notifier.Notify(ctx, Notification{
			ExecutionID: sc.ExecutionID,
			WorkflowID:  sc.WorkflowID,
			StepID:      sc.StepID,
			UserID:      sc.UserID,
			Channel:     p.Channel,
			Level:       p.Level,
			Message:     p.Message,
		})
		if err != nil {
			return Failed(schema.NewErrorf(schema.ErrCodeNetwork, "notify: %s", err.Error()).WithCause(err))
		}
	}
	return Completed(map[string]any{"message": p.Message, "level": p.Level})
}
