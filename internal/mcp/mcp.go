// Package mcp provides the nbrun MCP server, registering the notebook
// tools and publishing model instructions.
package mcp

import (
	"context"
	_ "embed"
	"net/url"
	"time"

	"github.com/charmbracelet/log"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/weatherman3/nbrun"
	"github.com/weatherman3/nbrun/internal/config"
	"github.com/weatherman3/nbrun/internal/kernel"
	"github.com/weatherman3/nbrun/internal/report"
	"github.com/weatherman3/nbrun/internal/workflow"
)

//go:embed instructions.md
var Instructions string

// handler holds shared dependencies for all tool handlers.
type handler struct {
	engine  *workflow.Engine
	kernels *kernel.Manager // nil when the launcher is not a kernel manager
	store   report.Store
	logger  *log.Logger
}

// NewServer creates an MCP server with all nbrun tools registered. The
// engine's Store is replaced by store so nb_inspect sees every run.
func NewServer(engine *workflow.Engine, store report.Store, opts ...ServerOption) *mcp.Server {
	engine.Store = store
	h := &handler{
		engine: engine,
		store:  store,
		logger: log.Default(),
	}
	for _, o := range opts {
		o(h)
	}

	mcpOpts := &mcp.ServerOptions{
		Instructions: Instructions,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{ListChanged: false},
		},
		InitializedHandler: func(ctx context.Context, req *mcp.InitializedRequest) {
			h.updateWorkspaceFromRoots(ctx, req.Session)
		},
	}
	s := mcp.NewServer(&mcp.Implementation{Name: "nbrun", Version: nbrun.Version}, mcpOpts)

	mcp.AddTool(s, &mcp.Tool{
		Name: "nb_run",
		Description: `Execute a Jupyter notebook top to bottom on a kernel and write the executed copy.

Every code cell runs in order on one fresh kernel. The run stops at the first cell that raises
(unless allow_errors is set) or exceeds the per-cell timeout, and the output file is only written
when the run succeeds. Results are stored for drill-down via nb_inspect.`,
	}, h.runHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name: "nb_inspect",
		Description: `Drill into the cells of an nb_run result.

Without cell, lists every cell with its status and execution count. With cell, shows that cell's
outputs (stream text, results, tracebacks).`,
	}, h.inspectHandler)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "nb_kernels",
		Description: "List the Jupyter kernels nb_run can launch, by name, language and display name.",
	}, h.kernelsHandler)

	return s
}

// ServerOption configures the nbrun MCP server.
type ServerOption func(*handler)

// WithKernelManager lets the server follow workspace changes into the
// kernel launcher and list its kernelspecs.
func WithKernelManager(m *kernel.Manager) ServerOption {
	return func(h *handler) {
		h.kernels = m
	}
}

// WithLogger sets the logger used for server-side diagnostics.
func WithLogger(l *log.Logger) ServerOption {
	return func(h *handler) {
		h.logger = l
	}
}

// updateWorkspaceFromRoots queries the client for MCP roots and points the
// engine, and the kernel launcher, at the first file root. This is called
// during session initialization, before any tool calls.
func (h *handler) updateWorkspaceFromRoots(ctx context.Context, session *mcp.ServerSession) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	roots, err := session.ListRoots(ctx, &mcp.ListRootsParams{})
	if err != nil || len(roots.Roots) == 0 {
		return
	}
	u, err := url.Parse(roots.Roots[0].URI)
	if err != nil || u.Scheme != "file" {
		return
	}
	workspace := u.Path

	loaded, err := config.Load(workspace)
	if err != nil {
		h.logger.Warn("ignoring client root", "root", workspace, "err", err)
		return
	}
	cfg := loaded.Config

	var apply func()
	if h.kernels != nil {
		dirs := kernel.DataDirs(loaded.KernelDirs())
		apply = func() {
			h.kernels.Runner.Workspace = workspace
			h.kernels.Runner.MaxOutput = cfg.MaxOutputBytes()
			h.kernels.StartupTimeout = cfg.StartupTimeout()
			h.kernels.Dirs = dirs
		}
	}
	h.engine.Reconfigure(cfg, workspace, apply)
	h.logger.Info("workspace from client root", "workspace", workspace)
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
