package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/streaming"
)

// RunService runs one test. Satisfied by *engine.Runner.
type RunService interface {
	Run(ctx context.Context, req engine.RunRequest) (*engine.RunOutcome, error)
}

// StepwiseServerDeps holds the dependencies for creating a StepwiseServer.
// Hub is optional; without it no progress notifications are sent.
type StepwiseServerDeps struct {
	Runner  RunService
	Store   store.Store
	Hub     streaming.EventHub
	Version string
	Logger  *slog.Logger
}

// StepwiseServer exposes test runs and run history to agents as MCP tools.
type StepwiseServer struct {
	runner    RunService
	store     store.Store
	hub       streaming.EventHub
	sessions  *SessionRegistry
	notifier  RunNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStepwiseServer creates a new StepwiseServer with all 3 tools registered.
func NewStepwiseServer(deps StepwiseServerDeps) *StepwiseServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &StepwiseServer{
		runner:   deps.Runner,
		store:    deps.Store,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepwise",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepwise runs natural-language browser tests. Use stepwise.run to execute a test document or a project test file, stepwise.status to read a finished run, and stepwise.query to list runs or run events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
// While serving, run progress from the hub is forwarded to the session that started the run.
func (s *StepwiseServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{
			EventTypes: []string{streaming.EventStateChanged},
		})
		if err != nil {
			return err
		}
		defer unsubscribe()
		go s.forwardProgress(ctx, events)
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepwiseServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StepwiseServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepwise.run",
		mcp.WithDescription("Run a natural-language browser test and wait for its result"),
		mcp.WithString("input", mcp.Description("Test document: steps, expected outcomes and optional assert lines")),
		mcp.WithString("project", mcp.Description("Configured project name (use with test_file)")),
		mcp.WithString("test_file", mcp.Description("Test file inside the project's test directory")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepwise.status",
		mcp.WithDescription("Get the stored result of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
		mcp.WithBoolean("include_events", mcp.Description("Also return the run's event log")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepwise.query",
		mcp.WithDescription("Query runs or run events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, project, since, limit, offset, run_id, step_id, event_type)")),
	)
}
