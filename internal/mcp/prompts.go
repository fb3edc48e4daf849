package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// triage-binary: walks the agent through a first pass over an analysed binary.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-binary",
			mcplib.WithPromptDescription("First-pass triage of an analysed binary: find and explain the interesting functions"),
			mcplib.WithArgument("file_id",
				mcplib.ArgumentDescription("The file_id returned by the upload endpoint"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriageBinaryPrompt,
	)

	// explain-function: focused reading of one function.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("explain-function",
			mcplib.WithPromptDescription("Read one function's disassembly and control flow, then explain it"),
			mcplib.WithArgument("file_id",
				mcplib.ArgumentDescription("The file_id of an analysed binary"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("addr",
				mcplib.ArgumentDescription("Function address, decimal or 0x-prefixed hex"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleExplainFunctionPrompt,
	)
}

func (s *Server) handleTriageBinaryPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	fileID := request.Params.Arguments["file_id"]
	if fileID == "" {
		return nil, fmt.Errorf("file_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Triage binary %s", fileID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Triage the binary with file_id %s.

1. CALL kaiseki_status with file_id="%s".
   - PENDING or RUNNING: wait and call it again.
   - FAILED: stop and report that analysis failed.

2. CALL kaiseki_functions with file_id="%s".
   Pick the entry point and the functions whose names or sizes stand out
   (crypto, networking, process or file APIs, unusually large bodies).

3. For each pick, CALL kaiseki_explain with its addr. Use kaiseki_cfg when
   the control flow matters (loops, dispatch tables, anti-analysis checks).

4. REPORT: what the program does overall, the notable functions with their
   addresses, and anything suspicious.`, fileID, fileID, fileID),
				},
			},
		},
	}, nil
}

func (s *Server) handleExplainFunctionPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	fileID := request.Params.Arguments["file_id"]
	addr := request.Params.Arguments["addr"]
	if fileID == "" || addr == "" {
		return nil, fmt.Errorf("file_id and addr arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Explain function %s in %s", addr, fileID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Explain the function at %s in file %s.

1. CALL kaiseki_disassembly with file_id="%s" and addr="%s".
2. CALL kaiseki_cfg with the same arguments to see the basic blocks.
3. CALL kaiseki_explain with the same arguments for a generated explanation.

Check the generated explanation against the instructions you read. Correct it
where it disagrees with the disassembly, and say which parts you verified.`, addr, fileID, fileID, addr),
				},
			},
		},
	}, nil
}
