// Package mcp implements the Model Context Protocol server for Kanri.
//
// The MCP surface is read-only: agents and operators can inspect budgets,
// usage, audit history and individual runs, but every mutation goes through
// the HTTP API so admission and audit stay in one place.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/budget"
	"github.com/ashita-ai/kanri/internal/ctxutil"
	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/usage"
)

// Server wraps the MCP server with Kanri's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	lifecycle *lifecycle.Manager
	budget    *budget.Accountant
	audit     *audit.Log
	usage     *usage.Rollup
	logger    *slog.Logger
}

// Deps holds the services the MCP tools read from.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Budget    *budget.Accountant
	Audit     *audit.Log
	Usage     *usage.Rollup
	Logger    *slog.Logger
	Version   string
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		lifecycle: d.Lifecycle,
		budget:    d.Budget,
		audit:     d.Audit,
		usage:     d.Usage,
		logger:    logger.With("component", "mcp"),
	}

	version := d.Version
	if version == "" {
		version = "dev"
	}
	s.mcpServer = mcpserver.NewMCPServer(
		"kanri",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Kanri governs LLM agent runs: daily budgets per agent, admission control,
a kill switch and an append-only audit log. These tools are read-only.
Call kanri_budget before starting expensive work to see how much of today's
budget is left.`

// principalFromContext returns the authenticated principal or an error the
// caller should surface as a tool error.
func principalFromContext(ctx context.Context) (string, error) {
	p := ctxutil.PrincipalFromContext(ctx)
	if p == "" {
		return "", errors.New("authentication required")
	}
	return p, nil
}

// toolError converts a service error into a tool-level error result with a
// message that is safe to show the caller.
func (s *Server) toolError(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return errorResult(op + ": not found")
	case errors.Is(err, model.ErrInvalidInput):
		return errorResult(op + ": " + err.Error())
	default:
		s.logger.Error("mcp tool failed", "tool", op, "error", err)
		return errorResult(op + ": internal error")
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
