// Package mcpserver exposes a pullbox.CommandTool to agents over the Model
// Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pullfrog/pullbox"
)

const toolDescription = `Run a shell command and return its combined output, exit code and whether it timed out.
Commands run with a filtered environment: variables that look like credentials are removed.`

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger of the server.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the version reported to clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// Server serves one CommandTool as the "bash" tool.
type Server struct {
	tool    *pullbox.CommandTool
	logger  *slog.Logger
	version string
	mcp     *server.MCPServer
}

// New builds the MCP server. The bash tool is only registered when the
// tool's policy allows it.
func New(tool *pullbox.CommandTool, opts ...Option) *Server {
	s := &Server{
		tool:    tool,
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = server.NewMCPServer("pullbox", s.version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	if pullbox.ToolAvailable(tool.Policy()) {
		s.mcp.AddTool(bashTool(), s.handleBash)
	} else {
		s.logger.Info("bash tool disabled by policy, not registered")
	}
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// ServeStdio serves requests read from in and writes responses to out
// until ctx is cancelled or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	return stdio.Listen(ctx, in, out)
}

func bashTool() mcp.Tool {
	return mcp.NewTool(pullbox.ToolName,
		mcp.WithDescription(toolDescription),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The shell command to run."),
		),
		mcp.WithString("description",
			mcp.Required(),
			mcp.Description("A short description of what the command does."),
		),
		mcp.WithNumber("timeout_ms",
			mcp.Description(fmt.Sprintf("Timeout in milliseconds. Defaults to %d, capped at %d.",
				pullbox.DefaultTimeout.Milliseconds(), pullbox.MaxTimeout.Milliseconds())),
		),
		mcp.WithString("working_directory",
			mcp.Description("Directory to run in, relative to the repository root unless absolute."),
		),
	)
}

func (s *Server) handleBash(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params pullbox.Params
	if err := req.BindArguments(&params); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	res, err := s.tool.Execute(ctx, params)
	if err != nil {
		// Misuse and unavailable isolation are reported to the agent, not
		// treated as protocol failures.
		s.logger.Warn("bash tool call failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
