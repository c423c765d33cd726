package conditions

import (
	"context"
	"testing"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	reg, err := expressions.NewDefaultRegistry()
	require.NoError(t, err)
	return New(reg, nil)
}

func payload() map[string]any {
	return map[string]any{
		"ticket": map[string]any{
			"status":   "open",
			"title":    "Printer ON FIRE",
			"priority": 3.0,
			"tags":     []any{"hardware", "urgent"},
		},
		"ticket_assigned": false,
		"check_result":    false,
		"count":           int64(7),
	}
}

func TestEvaluate_Operators(t *testing.T) {
	ev := newEvaluator(t)
	ctx := context.Background()

	tests := []struct {
		name string
		cond schema.Condition
		want bool
	}{
		{"eq string", schema.Condition{Op: "eq", Path: "ticket.status", Value: "open"}, true},
		{"eq bool", schema.Condition{Op: "eq", Path: "ticket_assigned", Value: false}, true},
		{"eq int vs float", schema.Condition{Op: "eq", Path: "count", Value: 7.0}, true},
		{"eq type mismatch", schema.Condition{Op: "eq", Path: "ticket.priority", Value: "3"}, false},
		{"neq", schema.Condition{Op: "neq", Path: "ticket.status", Value: "closed"}, true},
		{"neq missing path", schema.Condition{Op: "neq", Path: "ticket.owner", Value: "x"}, false},
		{"gt", schema.Condition{Op: "gt", Path: "ticket.priority", Value: 2}, true},
		{"gte", schema.Condition{Op: "gte", Path: "ticket.priority", Value: 3}, true},
		{"lt", schema.Condition{Op: "lt", Path: "count", Value: 7}, false},
		{"lte strings", schema.Condition{Op: "lte", Path: "ticket.status", Value: "open"}, true},
		{"gt incomparable", schema.Condition{Op: "gt", Path: "ticket.tags", Value: 1}, false},
		{"exists", schema.Condition{Op: "exists", Path: "ticket.tags.1"}, true},
		{"exists missing", schema.Condition{Op: "exists", Path: "ticket.assignee.name"}, false},
		{"contains case-insensitive", schema.Condition{Op: "contains", Path: "ticket.title", Value: "on fire"}, true},
		{"contains array", schema.Condition{Op: "contains", Path: "ticket.tags", Value: "urgent"}, true},
		{"contains map key", schema.Condition{Op: "contains", Path: "ticket", Value: "status"}, true},
		{"regex", schema.Condition{Op: "regex", Path: "ticket.title", Value: `^Printer\b`}, true},
		{"regex invalid pattern", schema.Condition{Op: "regex", Path: "ticket.title", Value: `(`}, false},
		{"and", schema.Condition{Op: "and", Conditions: []schema.Condition{
			{Op: "eq", Path: "ticket.status", Value: "open"},
			{Op: "eq", Path: "ticket_assigned", Value: false},
		}}, true},
		{"and empty", schema.Condition{Op: "and"}, false},
		{"or", schema.Condition{Op: "or", Conditions: []schema.Condition{
			{Op: "eq", Path: "ticket.status", Value: "closed"},
			{Op: "exists", Path: "ticket.tags"},
		}}, true},
		{"not", schema.Condition{Op: "not", Condition: &schema.Condition{Op: "exists", Path: "nope"}}, true},
		{"not without operand", schema.Condition{Op: "not"}, false},
		{"cel", schema.Condition{Op: "cel", Value: `payload.ticket.priority >= 3.0`}, true},
		{"expr", schema.Condition{Op: "expr", Value: `"urgent" in ticket.tags`}, true},
		{"jq", schema.Condition{Op: "jq", Value: `.ticket.status == "open"`}, true},
		{"jmespath", schema.Condition{Op: "jmespath", Value: `length(ticket.tags) == ` + "`2`"}, true},
		{"expression non-bool", schema.Condition{Op: "jq", Value: `.ticket.status`}, false},
		{"expression error", schema.Condition{Op: "cel", Value: `payload.nope.deeper == 1`}, false},
		{"unknown op", schema.Condition{Op: "between", Path: "count"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.cond
			assert.Equal(t, tt.want, ev.Evaluate(ctx, &c, payload()))
		})
	}
}

func TestEvaluate_NilConditionIsTrue(t *testing.T) {
	ev := newEvaluator(t)
	assert.True(t, ev.Evaluate(context.Background(), nil, nil))
}

func TestEvaluate_MissingPathsFailClosed(t *testing.T) {
	ev := newEvaluator(t)
	for _, op := range []string{"eq", "neq", "gt", "gte", "lt", "lte", "contains", "regex"} {
		c := &schema.Condition{Op: op, Path: "a.b.c", Value: "x"}
		assert.False(t, ev.Evaluate(context.Background(), c, map[string]any{"a": "scalar"}), op)
	}
}

func TestEvaluate_WithoutEngines(t *testing.T) {
	ev := New(nil, nil)
	c := &schema.Condition{Op: "cel", Value: "true"}
	assert.False(t, ev.Evaluate(context.Background(), c, nil))
	assert.Error(t, ev.Check(c))
}

func TestEvaluate_CustomOperator(t *testing.T) {
	ev := newEvaluator(t)
	ev.Register("always", func(context.Context, *Evaluator, *schema.Condition, map[string]any) bool { return true })
	assert.True(t, ev.Supports("always"))
	assert.True(t, ev.Evaluate(context.Background(), &schema.Condition{Op: "always"}, nil))

	ev.Register("boom", func(context.Context, *Evaluator, *schema.Condition, map[string]any) bool { panic("bad") })
	assert.False(t, ev.Evaluate(context.Background(), &schema.Condition{Op: "boom"}, nil))
}

func TestCheck(t *testing.T) {
	ev := newEvaluator(t)

	valid := []schema.Condition{
		{Op: "eq", Path: "ticket_assigned", Value: false},
		{Op: "and", Conditions: []schema.Condition{{Op: "exists", Path: "a"}}},
		{Op: "not", Condition: &schema.Condition{Op: "exists", Path: "a"}},
		{Op: "regex", Path: "a", Value: "^x$"},
		{Op: "cel", Value: "payload.a == 1"},
	}
	for _, c := range valid {
		c := c
		assert.NoError(t, ev.Check(&c), c.Op)
	}

	invalid := []schema.Condition{
		{Op: "between", Path: "a"},
		{Op: "eq"},
		{Op: "or"},
		{Op: "not"},
		{Op: "regex", Path: "a", Value: "("},
		{Op: "regex", Path: "a", Value: 3},
		{Op: "cel", Value: "payload.a =="},
		{Op: "jq"},
		{Op: "and", Conditions: []schema.Condition{{Op: "nope"}}},
	}
	for _, c := range invalid {
		c := c
		assert.Error(t, ev.Check(&c), c.Op)
	}
}
