// Package mcp exposes stepflow over the Model Context Protocol so agents can
// define workflows, start and cancel runs and inspect their progress.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/runner"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/tools"
	"github.com/rendis/stepflow/pkg/schema"
)

// Runner manages workflow definitions and runs. *runner.Runner satisfies it.
type Runner interface {
	Define(ctx context.Context, def schema.Workflow) (*store.Workflow, *schema.ValidationResult, error)
	Workflow(ctx context.Context, id string) (*store.Workflow, error)
	Workflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	Start(ctx context.Context, workflowID string, inputs map[string]any) (*store.Run, error)
	Run(ctx context.Context, workflowID string, inputs map[string]any) (*store.Run, error)
	Status(ctx context.Context, runID string) (*runner.Report, error)
	Runs(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	Cancel(ctx context.Context, runID, reason string) error
}

// Catalog lists the tools action steps can call. *tools.Registry satisfies it.
type Catalog interface {
	List() []tools.Info
}

// Scheduler creates cron schedules. *scheduler.Scheduler satisfies it.
type Scheduler interface {
	Create(ctx context.Context, workflowID, cronExpr string, inputs map[string]any) (*store.Schedule, error)
}

// EventSource reads the run event log. store.Store satisfies it.
type EventSource interface {
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// ServerDeps holds the dependencies of a Server. Scheduler and Events are
// optional; their tools and resources are left out when nil.
type ServerDeps struct {
	Runner    Runner
	Catalog   Catalog
	Scheduler Scheduler
	Events    EventSource
	Logger    *slog.Logger
	Version   string
}

// Server wraps an MCP server with the stepflow tool handlers.
type Server struct {
	runner    Runner
	catalog   Catalog
	scheduler Scheduler
	events    EventSource
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with its tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		runner:    deps.Runner,
		catalog:   deps.Catalog,
		scheduler: deps.Scheduler,
		events:    deps.Events,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs typed, step-by-step workflows. Use stepflow.tools to discover tools and their signatures, stepflow.define to store a workflow, stepflow.run to start it, stepflow.status to follow a run and stepflow.cancel to stop it."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	out := []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: toolsTool(), Handler: s.handleTools},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
	if s.scheduler != nil {
		out = append(out, server.ServerTool{Tool: scheduleTool(), Handler: s.handleSchedule})
	}
	return out
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Validate and store a workflow definition"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow document: name, variables and steps")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Start a run of a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the stored workflow")),
		mcp.WithObject("inputs", mcp.Description("Values for the workflow's input variables")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the state of a run and its executed steps"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a run before its next step"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
	)
}

func toolsTool() mcp.Tool {
	return mcp.NewTool("stepflow.tools",
		mcp.WithDescription("List the tools action steps can call, with their signatures"),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepflow.query",
		mcp.WithDescription("Query workflows, runs or run events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (name, workflow_id, run_id, status, limit)")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("stepflow.delete",
		mcp.WithDescription("Delete a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to delete")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("stepflow.schedule",
		mcp.WithDescription("Run a stored workflow on a cron schedule"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the stored workflow")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor such as @hourly")),
		mcp.WithObject("inputs", mcp.Description("Values for the workflow's input variables")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Draw the control flow of a stored workflow, or of a run with its step statuses"),
		mcp.WithString("workflow_id", mcp.Description("ID of a stored workflow")),
		mcp.WithString("run_id", mcp.Description("ID of a run; its workflow is drawn with step statuses")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "text"),
			mcp.Description("Diagram format (default: mermaid)"),
		),
	)
}
