package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/validation"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	schemas, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	reg := actions.NewRegistry(schemas)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.Config{}))
	engines, err := expressions.NewDefaultRegistry()
	require.NoError(t, err)
	cond := conditions.New(engines, nil)
	v, err := validation.NewWorkflowValidator(reg, cond)
	require.NoError(t, err)
	machine := engine.NewMachine(engine.Deps{Store: st, Actions: reg, Conditions: cond}, engine.DefaultConfig())

	svc := service.New(service.Deps{
		Store:     st,
		Engine:    machine,
		Validator: v,
		Jobs:      scheduler.New(st, engine.NewWorkerPool(1), scheduler.Config{Owner: "mcp-test"}),
	})
	return NewServer(Deps{Service: svc})
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func resultMap(t *testing.T, res *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, res.IsError, text(t, res))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	return out
}

func delayDefinition(name string) map[string]any {
	return map[string]any{
		"name": name,
		"nodes": []any{
			map[string]any{"id": "start", "action": "start"},
			map[string]any{"id": "wait", "action": "delay", "params": map[string]any{"seconds": 30}},
		},
		"edges": []any{map[string]any{"source": "start", "target": "wait"}},
	}
}

func TestToolRegistration(t *testing.T) {
	s := newTestServer(t)
	tools := s.MCPServer().ListTools()
	require.Len(t, tools, 5)
	for _, name := range []string{"stepflow.define", "stepflow.run", "stepflow.status", "stepflow.cancel", "stepflow.query"} {
		assert.NotNil(t, s.MCPServer().GetTool(name), name)
	}
}

func TestDefine_CreatesAndVersions(t *testing.T) {
	s := newTestServer(t)
	out := resultMap(t, call(t, s.handleDefine, "stepflow.define", map[string]any{
		"user_id":    "alice",
		"definition": delayDefinition("waiter"),
	}))
	id, _ := out["workflow_id"].(string)
	require.NotEmpty(t, id)
	assert.EqualValues(t, 1, out["version"])

	out = resultMap(t, call(t, s.handleDefine, "stepflow.define", map[string]any{
		"user_id":     "alice",
		"workflow_id": id,
		"definition":  delayDefinition("waiter v2"),
	}))
	assert.EqualValues(t, 2, out["version"])
}

func TestDefine_ReportsValidationIssues(t *testing.T) {
	s := newTestServer(t)
	def := delayDefinition("broken")
	def["edges"] = []any{map[string]any{"source": "start", "target": "ghost"}}

	res := call(t, s.handleDefine, "stepflow.define", map[string]any{"user_id": "alice", "definition": def})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "ghost")
}

func TestDefine_MissingArguments(t *testing.T) {
	s := newTestServer(t)
	res := call(t, s.handleDefine, "stepflow.define", map[string]any{"definition": delayDefinition("x")})
	assert.True(t, res.IsError)
	res = call(t, s.handleDefine, "stepflow.define", map[string]any{"user_id": "alice"})
	assert.True(t, res.IsError)
}

func TestRunStatusCancel(t *testing.T) {
	s := newTestServer(t)
	id := resultMap(t, call(t, s.handleDefine, "stepflow.define", map[string]any{
		"user_id": "alice", "definition": delayDefinition("waiter"),
	}))["workflow_id"]

	run := resultMap(t, call(t, s.handleRun, "stepflow.run", map[string]any{
		"user_id": "alice", "workflow_id": id, "payload": map[string]any{"n": 1}, "test": true,
	}))
	execID, _ := run["execution_id"].(string)
	require.NotEmpty(t, execID)

	status := resultMap(t, call(t, s.handleStatus, "stepflow.status", map[string]any{
		"user_id": "alice", "execution_id": execID,
	}))
	assert.Equal(t, "test", status["trigger"])

	res := call(t, s.handleStatus, "stepflow.status", map[string]any{"user_id": "bob", "execution_id": execID})
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "NOT_FOUND")

	cancelled := resultMap(t, call(t, s.handleCancel, "stepflow.cancel", map[string]any{
		"user_id": "alice", "execution_id": execID, "reason": "enough",
	}))
	assert.Equal(t, "cancelled", cancelled["status"])
	assert.Equal(t, "enough", cancelled["error"])

	res = call(t, s.handleCancel, "stepflow.cancel", map[string]any{"user_id": "alice"})
	assert.True(t, res.IsError)
}

func TestQuery(t *testing.T) {
	s := newTestServer(t)
	id := resultMap(t, call(t, s.handleDefine, "stepflow.define", map[string]any{
		"user_id": "alice", "definition": delayDefinition("waiter"),
	}))["workflow_id"]
	execID := resultMap(t, call(t, s.handleRun, "stepflow.run", map[string]any{
		"user_id": "alice", "workflow_id": id,
	}))["execution_id"]

	out := resultMap(t, call(t, s.handleQuery, "stepflow.query", map[string]any{"user_id": "alice", "resource": "workflows"}))
	assert.Len(t, out["workflows"], 1)

	out = resultMap(t, call(t, s.handleQuery, "stepflow.query", map[string]any{
		"user_id": "alice", "resource": "executions", "filter": map[string]any{"workflow_id": id},
	}))
	assert.Len(t, out["executions"], 1)

	out = resultMap(t, call(t, s.handleQuery, "stepflow.query", map[string]any{
		"user_id": "alice", "resource": "jobs", "filter": map[string]any{"active": true},
	}))
	assert.Len(t, out["jobs"], 1)

	resultMap(t, call(t, s.handleQuery, "stepflow.query", map[string]any{
		"user_id": "alice", "resource": "logs", "filter": map[string]any{"execution_id": execID},
	}))

	res := call(t, s.handleQuery, "stepflow.query", map[string]any{"user_id": "alice", "resource": "logs"})
	assert.True(t, res.IsError)

	out = resultMap(t, call(t, s.handleQuery, "stepflow.query", map[string]any{"user_id": "alice", "resource": "samples"}))
	assert.NotEmpty(t, out["samples"])

	res = call(t, s.handleQuery, "stepflow.query", map[string]any{"user_id": "alice", "resource": "secrets"})
	assert.True(t, res.IsError)
}
