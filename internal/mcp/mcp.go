// Package mcp implements the Model Context Protocol server for Kaiseki.
//
// The MCP server exposes the read side of the HTTP API through MCP tools,
// resources and prompts, so MCP-compatible agents can inspect analysed
// binaries and ask for function explanations.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/service/explain"
	"github.com/ashita-ai/kaiseki/internal/service/query"
)

// Server wraps the MCP server with Kaiseki's query surface.
type Server struct {
	mcpServer *mcpserver.MCPServer
	query     *query.Service
	logger    *slog.Logger
	version   string
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(q *query.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		query:   q,
		logger:  logger,
		version: version,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kaiseki",
		version,
		mcpserver.WithResourceCapabilities(true, true),
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

const serverInstructions = `Kaiseki analyses uploaded executables and serves their function list,
per-function disassembly, control-flow graphs and natural-language explanations.

Files are identified by a file_id returned from the HTTP upload endpoint.
Addresses may be given in decimal or as 0x-prefixed hex.

Typical flow: kaiseki_status until SUCCESS, then kaiseki_functions,
then kaiseki_disassembly / kaiseki_cfg / kaiseki_explain for interesting functions.`

// jsonResult marshals v as the text content of a tool result.
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

// toolError converts a query error into a tool-level error result. Only
// unexpected failures are returned as protocol errors.
func (s *Server) toolError(tool string, err error) (*mcplib.CallToolResult, error) {
	var (
		verr *model.ValidationError
		gerr *explain.GenerationError
	)
	switch {
	case errors.As(err, &verr):
		return errorResult("invalid " + verr.Field + ": " + verr.Message), nil
	case errors.Is(err, model.ErrNotFound):
		return errorResult("not found: the file or artifact does not exist (is the analysis finished?)"), nil
	case errors.As(err, &gerr):
		s.logger.Warn("mcp: explanation generation failed", "tool", tool, "file_id", gerr.FileID, "addr", gerr.Addr, "error", gerr.Cause)
		return errorResult("explanation generator failed, try again later"), nil
	case errors.Is(err, context.Canceled):
		return nil, err
	default:
		s.logger.Error("mcp: tool failed", "tool", tool, "error", err)
		return errorResult("internal error"), nil
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
