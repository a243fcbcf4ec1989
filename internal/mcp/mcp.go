// Package mcp provides the gitrun MCP server, exposing the run session and
// the run history as tools and publishing model instructions.
package mcp

import (
	_ "embed"

	"github.com/deixis/gitrun"
	"github.com/deixis/gitrun/internal/history"
	"github.com/deixis/gitrun/internal/run"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	mgr    *run.Manager
	store  *history.Store
	logger *zap.Logger
}

// NewServer creates an MCP server with all gitrun tools registered.
func NewServer(mgr *run.Manager, store *history.Store, opts ...ServerOption) *mcp.Server {
	var so serverOptions
	for _, o := range opts {
		o(&so)
	}
	h := &handler{
		mgr:    mgr,
		store:  store,
		logger: so.logger,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "gitrun", Version: gitrun.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "run_start",
		Description: `Run a file from a GitHub repository on the remote execution service.

Starting a run replaces any run still in flight; the replaced run is cancelled and not recorded.
By default the call returns as soon as the run has started; poll run_status for the result,
or pass wait=true to block until the run finishes.`,
	}, h.runStartHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "run_stop",
		Description: "Stop the run in flight. The run is recorded as stopped immediately. Does nothing when no run is active.",
	}, h.runStopHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "run_status",
		Description: "Report the session state (Idle, Running, Done, Error, Stopped, Failed) with the output of the latest run.",
	}, h.runStatusHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "history_list",
		Description: "List past runs, newest first. Each line starts with the index accepted by history_detail.",
	}, h.historyListHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "history_detail",
		Description: "Show the full record of one past run: target, status, output and error payload.",
	}, h.historyDetailHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "history_clear",
		Description: "Delete every history entry.",
	}, h.historyClearHandler)

	return s
}

// ServerOption configures the gitrun MCP server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger *zap.Logger
}

// WithLogger attaches a logger to the server's tool handlers.
func WithLogger(l *zap.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = l
	}
}

// textResult is a helper to build a text-only tool result.
func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, nil, nil
}

// errorResult is a helper to build an error tool result.
func errorResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}, nil, nil
}
