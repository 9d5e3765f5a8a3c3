package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/synthesis-run/synthesis/internal/scheduler"
	"github.com/synthesis-run/synthesis/internal/streaming"
	"github.com/synthesis-run/synthesis/pkg/schema"
)

// Controller is the engine control surface the tools drive. Satisfied by
// *engine.Engine.
type Controller interface {
	Submit(ctx context.Context, def *schema.ProcessDefinition) (string, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*schema.ExecutionStatus, error)
	Events(ctx context.Context, id string, since uint64) ([]schema.Event, error)
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan schema.Event, func(), error)
	List() []string
}

// JobRegistry is the cron trigger surface. Satisfied by *scheduler.Scheduler.
type JobRegistry interface {
	Register(def *schema.ProcessDefinition) (*scheduler.Job, error)
	Jobs() []scheduler.Job
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine    Controller
	Scheduler JobRegistry // optional
	Logger    *slog.Logger
}

// Server wraps an MCP server with the execution control tools.
type Server struct {
	engine    Controller
	scheduler JobRegistry
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a new Server with all control tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:    deps.Engine,
		scheduler: deps.Scheduler,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"synthesis",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Synthesis executes process definitions as dependency graphs of steps. Use synthesis.submit to create an execution (start=true runs it), synthesis.status to inspect it, synthesis.pause/resume/cancel to control it, synthesis.events to read its event log and synthesis.query to list executions or scheduled jobs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Terminal execution events are pushed to the session that
// submitted the execution while serving.
func (s *Server) Serve(ctx context.Context) error {
	go s.Watch(ctx)
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: controlTool("synthesis.start", "Start a created execution"), Handler: s.handleStart},
		{Tool: controlTool("synthesis.pause", "Pause a running execution; in-flight steps finish first"), Handler: s.handlePause},
		{Tool: controlTool("synthesis.resume", "Resume a paused execution"), Handler: s.handleResume},
		{Tool: controlTool("synthesis.cancel", "Cancel an execution and every in-flight step"), Handler: s.handleCancel},
		{Tool: controlTool("synthesis.status", "Get execution state, step runs and summary"), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("synthesis.submit",
		mcp.WithDescription("Validate a process definition and create an execution"),
		mcp.WithString("document", mcp.Description("Process definition as a YAML or JSON document")),
		mcp.WithObject("definition", mcp.Description("Process definition object (alternative to document)")),
		mcp.WithBoolean("start", mcp.Description("Start the execution immediately (default: false)")),
		mcp.WithBoolean("schedule", mcp.Description("Register the definition's cron schedule instead of submitting it once")),
	)
}

func controlTool(name, description string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(description),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("synthesis.events",
		mcp.WithDescription("Read the event log of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithNumber("since", mcp.Description("Return events with a sequence greater than this (default: 0)")),
		mcp.WithString("step_id", mcp.Description("Only events of this step")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events (default: 100)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("synthesis.query",
		mcp.WithDescription("List executions or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (state, process_id, limit)")),
	)
}
