package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	raw := mcp.ParseStringMap(req, "definition", nil)
	if raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	var def schema.WorkflowDefinition
	if err := remarshal(raw, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	s.captureSession(ctx, userID)

	var saved *schema.WorkflowDefinition
	if id := req.GetString("workflow_id", ""); id != "" {
		saved, err = s.svc.UpdateDefinition(ctx, userID, id, &def)
	} else {
		saved, err = s.svc.CreateDefinition(ctx, userID, &def)
	}
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": saved.ID,
		"version":     saved.Version,
		"name":        saved.Name,
	})
}

func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	s.captureSession(ctx, userID)

	run := s.svc.Run
	if req.GetBool("test", false) {
		run = s.svc.Test
	}
	exec, err := run(ctx, userID, workflowID, payload)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"version":      exec.DefinitionVersion,
		"status":       exec.Status,
	})
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	execID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	view, err := s.svc.GetExecution(ctx, userID, execID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(view)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	execID := req.GetString("execution_id", "")
	jobID := req.GetString("job_id", "")
	switch {
	case jobID != "":
		job, err := s.svc.CancelJob(ctx, userID, jobID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(job)
	case execID != "":
		exec, err := s.svc.CancelExecution(ctx, userID, execID, req.GetString("reason", ""))
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(exec)
	default:
		return mcp.NewToolResultError("one of execution_id or job_id is required"), nil
	}
}

func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		defs, err := s.svc.ListDefinitions(ctx, userID)
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"workflows": defs})
	case "executions":
		execs, err := s.svc.ListExecutions(ctx, userID, store.ExecutionFilter{
			WorkflowID: stringOf(filter, "workflow_id"),
			Status:     schema.ExecutionStatus(stringOf(filter, "status")),
			Limit:      intOf(filter, "limit", 50),
		})
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"executions": execs})
	case "jobs":
		active, _ := filter["active"].(bool)
		jobs, err := s.svc.ListJobs(ctx, userID, active, intOf(filter, "limit", 100))
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"jobs": jobs})
	case "logs":
		execID := stringOf(filter, "execution_id")
		if execID == "" {
			return mcp.NewToolResultError("logs query requires filter.execution_id"), nil
		}
		logs, err := s.svc.ExecutionLogs(ctx, userID, execID, int64(intOf(filter, "since", 0)))
		if err != nil {
			return toolError(err), nil
		}
		return marshalResult(map[string]any{"logs": logs})
	case "samples":
		return marshalResult(map[string]any{"samples": service.Samples()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// captureSession remembers the caller's session so job events of userID can
// be pushed to it.
func (s *Server) captureSession(ctx context.Context, userID string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	if s.sessions.Register(userID, session.SessionID()) && s.notifier != nil {
		s.notifier.Watch(userID)
	}
}

// toolError renders a service error, keeping validation issues visible to the
// caller.
func toolError(err error) *mcp.CallToolResult {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if issues, ok := fe.Details["errors"]; ok {
			raw, _ := json.Marshal(issues)
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s %s", fe.Code, fe.Message, raw))
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(err.Error())
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func remarshal(in map[string]any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func stringOf(filter map[string]any, key string) string {
	s, _ := filter[key].(string)
	return s
}

func intOf(filter map[string]any, key string, def int) int {
	switch v := filter[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
