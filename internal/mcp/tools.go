package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func (s *Server) registerTools() {
	// kaiseki_status: lifecycle state of an uploaded file.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiseki_status",
			mcplib.WithDescription(`Report the analysis state of an uploaded binary.

WHEN TO USE: after an upload, and before reading any artifact. Artifacts exist
only once the status is SUCCESS; a FAILED file has an error record instead.

WHAT YOU GET BACK: file_id, status (PENDING, RUNNING, SUCCESS or FAILED) and
updated_at. A SUCCESS file also reports how many functions were disassembled.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("file_id",
				mcplib.Description("The file_id returned by the upload endpoint"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	// kaiseki_functions: functions discovered in a binary.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiseki_functions",
			mcplib.WithDescription(`List the functions discovered in an analysed binary, in engine order.

By default each entry is compact: name, addr (decimal), addr_hex, size and a
few shape counters when the engine reports them. Set verbose=true for the
full engine records.

Use the addr of an entry with kaiseki_disassembly, kaiseki_cfg and kaiseki_explain.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("file_id",
				mcplib.Description("The file_id of an analysed binary"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("verbose",
				mcplib.Description("Return the full engine records instead of compact entries"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleFunctions,
	)

	// kaiseki_disassembly: per-function instruction listing.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiseki_disassembly",
			mcplib.WithDescription(`Return the disassembly of one function.

The default format is a listing with one "0x<offset>: <instruction>" line per
instruction (capped at 400 lines, see truncated). format="raw" returns the
engine's document unchanged.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("file_id",
				mcplib.Description("The file_id of an analysed binary"),
				mcplib.Required(),
			),
			mcplib.WithString("addr",
				mcplib.Description("Function address, decimal or 0x-prefixed hex"),
				mcplib.Required(),
			),
			mcplib.WithString("format",
				mcplib.Description("listing (default) or raw"),
				mcplib.Enum("listing", "raw"),
			),
		),
		s.handleDisassembly,
	)

	// kaiseki_cfg: basic blocks of one function.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiseki_cfg",
			mcplib.WithDescription(`Return the control-flow graph of one function as a list of basic blocks.

Every block carries an instructions array; other engine fields (offset, size,
jump, fail) are passed through when present.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("file_id",
				mcplib.Description("The file_id of an analysed binary"),
				mcplib.Required(),
			),
			mcplib.WithString("addr",
				mcplib.Description("Function address, decimal or 0x-prefixed hex"),
				mcplib.Required(),
			),
		),
		s.handleCFG,
	)

	// kaiseki_explain: natural-language explanation of one function.
	s.mcpServer.AddTool(
		mcplib.NewTool("kaiseki_explain",
			mcplib.WithDescription(`Explain what one function does: summary, step-by-step walk-through,
pseudocode and noteworthy behaviour.

The first request for a function calls the language model and may take a
while; later requests are served from cache. Set regenerate to discard the
stored explanation and ask the model again.`),
			mcplib.WithReadOnlyHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("file_id",
				mcplib.Description("The file_id of an analysed binary"),
				mcplib.Required(),
			),
			mcplib.WithString("addr",
				mcplib.Description("Function address, decimal or 0x-prefixed hex"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("regenerate",
				mcplib.Description("Replace the stored explanation with a fresh one"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleExplain,
	)
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	fileID := request.GetString("file_id", "")
	if fileID == "" {
		return errorResult("file_id is required"), nil
	}
	resp, err := s.query.Status(ctx, fileID)
	if err != nil {
		return s.toolError("kaiseki_status", err)
	}
	if resp.Status != model.StateSuccess {
		return jsonResult(resp)
	}
	addrs, err := s.query.Addresses(ctx, fileID)
	if err != nil {
		return s.toolError("kaiseki_status", err)
	}
	return jsonResult(map[string]any{
		"file_id":    resp.FileID,
		"status":     resp.Status,
		"updated_at": resp.UpdatedAt,
		"functions":  len(addrs),
	})
}

func (s *Server) handleFunctions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	fileID := request.GetString("file_id", "")
	if fileID == "" {
		return errorResult("file_id is required"), nil
	}
	resp, err := s.query.Functions(ctx, fileID)
	if err != nil {
		return s.toolError("kaiseki_functions", err)
	}
	if request.GetBool("verbose", false) {
		return jsonResult(resp)
	}

	compact := make([]map[string]any, 0, len(resp.Functions))
	for _, f := range resp.Functions {
		compact = append(compact, compactFunction(f))
	}
	return jsonResult(map[string]any{
		"file_id":   fileID,
		"count":     len(compact),
		"functions": compact,
	})
}

func (s *Server) handleDisassembly(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	fileID := request.GetString("file_id", "")
	addr := request.GetString("addr", "")
	if fileID == "" || addr == "" {
		return errorResult("file_id and addr are required"), nil
	}
	format := request.GetString("format", "listing")
	if format != "listing" && format != "raw" {
		return errorResult(`format must be "listing" or "raw"`), nil
	}

	resp, err := s.query.Disassembly(ctx, fileID, addr)
	if err != nil {
		return s.toolError("kaiseki_disassembly", err)
	}
	if format == "raw" {
		return jsonResult(resp)
	}

	raw, _ := resp.Disassembly.(json.RawMessage)
	lines, truncated := instructionListing(raw, maxListingLines)
	return jsonResult(map[string]any{
		"file_id":      fileID,
		"addr":         resp.Addr,
		"instructions": lines,
		"truncated":    truncated,
	})
}

func (s *Server) handleCFG(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	fileID := request.GetString("file_id", "")
	addr := request.GetString("addr", "")
	if fileID == "" || addr == "" {
		return errorResult("file_id and addr are required"), nil
	}
	resp, err := s.query.CFG(ctx, fileID, addr)
	if err != nil {
		return s.toolError("kaiseki_cfg", err)
	}
	return jsonResult(resp)
}

func (s *Server) handleExplain(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	fileID := request.GetString("file_id", "")
	addr := request.GetString("addr", "")
	if fileID == "" || addr == "" {
		return errorResult("file_id and addr are required"), nil
	}
	explain := s.query.Explain
	if request.GetBool("regenerate", false) {
		explain = s.query.Regenerate
	}
	resp, err := explain(ctx, fileID, addr)
	if err != nil {
		return s.toolError("kaiseki_explain", err)
	}
	return jsonResult(resp)
}
