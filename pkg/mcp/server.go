package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orquesta/internal/engine"
	"github.com/rendis/orquesta/internal/store"
	"github.com/rendis/orquesta/internal/validation"
)

// ScheduleCalculator computes the next fire time for a cron expression.
// Satisfied by the cron trigger.
type ScheduleCalculator interface {
	CalculateNextRun(cronExpr string, from time.Time) (time.Time, error)
}

// OrquestaServerDeps holds the dependencies for creating an OrquestaServer.
type OrquestaServerDeps struct {
	Engine    *engine.Engine
	Store     store.Store
	Validator *validation.WorkflowValidator
	Schedules ScheduleCalculator
	Logger    *slog.Logger
}

// OrquestaServer wraps an MCP server with orquesta-specific tool handlers.
type OrquestaServer struct {
	engine    *engine.Engine
	store     store.Store
	validator *validation.WorkflowValidator
	schedules ScheduleCalculator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewOrquestaServer creates a new OrquestaServer with all 6 tools registered.
func NewOrquestaServer(deps OrquestaServerDeps) *OrquestaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &OrquestaServer{
		engine:    deps.Engine,
		store:     deps.Store,
		validator: deps.Validator,
		schedules: deps.Schedules,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"orquesta",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Orquesta is a workflow execution engine that runs DAGs of agent-delegated steps. Use orquesta.define to register a workflow, orquesta.start to launch an execution, orquesta.status to check progress, orquesta.cancel to stop a running execution, orquesta.logs to read the execution trail, and orquesta.workflows to list registered workflows."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *OrquestaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OrquestaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *OrquestaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: logsTool(), Handler: s.handleLogs},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("orquesta.define",
		mcp.WithDescription("Register a workflow definition"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object with a steps array")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner of the workflow")),
		mcp.WithString("status",
			mcp.Enum("draft", "active"),
			mcp.Description("Initial lifecycle status (default: draft)"),
		),
		mcp.WithObject("schedule", mcp.Description("Cron schedule: {cron_expression, enabled}")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("orquesta.start",
		mcp.WithDescription("Start an execution of an active workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User starting the execution")),
		mcp.WithObject("input", mcp.Description("Input data for the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("orquesta.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User requesting the cancellation")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("orquesta.status",
		mcp.WithDescription("Get the current state of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User querying the execution")),
	)
}

func logsTool() mcp.Tool {
	return mcp.NewTool("orquesta.logs",
		mcp.WithDescription("Read an execution's append-only log trail in sequence order"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User querying the logs")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (level, step_key, limit, offset)")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("orquesta.workflows",
		mcp.WithDescription("List registered workflows"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("Owner whose workflows to list")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, scheduled_only, limit, offset)")),
	)
}
