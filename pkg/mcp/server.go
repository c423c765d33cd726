// Package mcp exposes workflow definition, execution and inspection as MCP
// tools over the application service.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/streaming"
)

// Deps holds the collaborators of a Server. Hub is optional; without it no
// job notifications are pushed to clients.
type Deps struct {
	Service *service.Service
	Hub     streaming.Hub
	Logger  *slog.Logger
}

// Server wraps an MCP server with the stepflow tool handlers.
type Server struct {
	svc       *service.Service
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps Deps) *Server {
	s := &Server{
		svc:      deps.Service,
		logger:   logging.WithModule(deps.Logger, "mcp"),
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	s.mcpServer = server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("stepflow runs event-driven workflows of steps joined by conditional edges. "+
			"Use stepflow.define to save a definition, stepflow.run to start it, stepflow.status to inspect an "+
			"execution, stepflow.cancel to stop one and stepflow.query to list workflows, executions, jobs or logs."),
	)
	if deps.Hub != nil {
		s.notifier = NewNotifier(s.mcpServer, s.sessions, deps.Hub, s.logger)
	}
	s.mcpServer.AddTools(s.tools()...)
	return s
}

// Serve runs the stdio transport until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying server for custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Create a workflow definition, or add a version to an existing one"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: name, triggers, nodes, edges")),
		mcp.WithString("workflow_id", mcp.Description("Existing workflow to add a version to")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the definition")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Start an execution of the latest version of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to run")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Caller identity")),
		mcp.WithObject("payload", mcp.Description("Initial execution payload")),
		mcp.WithBoolean("test", mcp.Description("Record the execution as a test run")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get an execution with its step records"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to inspect")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Caller identity")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel an execution, or a job together with its execution"),
		mcp.WithString("execution_id", mcp.Description("Execution to cancel")),
		mcp.WithString("job_id", mcp.Description("Job to cancel")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Caller identity")),
		mcp.WithString("reason", mcp.Description("Recorded as the execution error")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepflow.query",
		mcp.WithDescription("List workflows, executions, jobs, execution logs or sample workflows"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "jobs", "logs", "samples"),
			mcp.Description("Resource to list"),
		),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Caller identity")),
		mcp.WithObject("filter", mcp.Description("Filter: workflow_id, execution_id, status, active, since, limit")),
	)
}
