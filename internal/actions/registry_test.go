package actions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExecutor struct{ kind schema.ActionKind }

func (s stubExecutor) Kind() schema.ActionKind { return s.kind }
func (s stubExecutor) Describe() Descriptor   { return Descriptor{Description: "stub"} }
func (s stubExecutor) Execute(context.Context, json.RawMessage, StepContext) Outcome {
	return Completed(nil)
}

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	sv, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	reg := NewRegistry(sv)
	require.NoError(t, RegisterBuiltins(reg, Config{Now: func() time.Time { return time.Unix(1000, 0) }}))
	return reg
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(stubExecutor{kind: "sms"}))
	assert.True(t, reg.Has("sms"))

	err := reg.Register(stubExecutor{kind: "sms"})
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)

	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(stubExecutor{}))

	_, err = reg.Get("fax")
	assert.True(t, schema.IsNotFound(err))
}

func TestRegisterBuiltins(t *testing.T) {
	reg := builtinRegistry(t)

	var kinds []schema.ActionKind
	for _, info := range reg.List() {
		kinds = append(kinds, info.Kind)
	}
	assert.Equal(t, []schema.ActionKind{
		"branch", "check_ticket_assigned", "delay", "email", "http_request", "notify", "parallel", "start",
	}, kinds)

	par, _ := reg.Get(schema.ActionParallel)
	assert.True(t, par.Describe().FanOut)
	br, _ := reg.Get(schema.ActionBranch)
	assert.False(t, br.Describe().FanOut)
	httpExec, _ := reg.Get(schema.ActionHTTPRequest)
	assert.False(t, httpExec.Describe().ReentrySafe)
}

func TestRegistry_ValidateParams(t *testing.T) {
	reg := builtinRegistry(t)

	tests := []struct {
		kind   schema.ActionKind
		params string
		ok     bool
	}{
		{schema.ActionStart, ``, true},
		{schema.ActionStart, `{"x": 1}`, false},
		{schema.ActionDelay, `{"seconds": 5}`, true},
		{schema.ActionDelay, `{}`, false},
		{schema.ActionDelay, `{"seconds": "5"}`, false},
		{schema.ActionDelay, `{"seconds": 5, "unit": "s"}`, false},
		{schema.ActionNotify, `{"message": "hi", "level": "warn"}`, true},
		{schema.ActionNotify, `{"message": "hi", "level": "loud"}`, false},
		{schema.ActionHTTPRequest, `{"url": "https://example.com/{{id}}", "method": "post"}`, true},
		{schema.ActionHTTPRequest, `{"method": "GET"}`, false},
		{schema.ActionEmail, `{"to": "{{user_email}}", "template": "ack_ticket", "subject": "Ticket Received"}`, true},
		{schema.ActionEmail, `{"to": "a@b.co"}`, false},
		{schema.ActionEmail, `{"to": "a@b.co", "body": "hello"}`, true},
		{schema.ActionCheckTicketAssigned, `{}`, true},
		{schema.ActionCheckTicketAssigned, `{"ticket": "1"}`, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind)+tt.params, func(t *testing.T) {
			err := reg.ValidateParams(tt.kind, json.RawMessage(tt.params))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}

	assert.True(t, schema.IsNotFound(reg.ValidateParams("fax", nil)))
}

func TestDecodeParams(t *testing.T) {
	var p NotifyParams
	require.NoError(t, DecodeParams(json.RawMessage(`{"message":"m"}`), &p))
	assert.Equal(t, "m", p.Message)

	err := DecodeParams(json.RawMessage(`{"message":""}`), &NotifyParams{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidParams, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "message: failed required")
	assert.False(t, schema.IsRetryable(err))
}
