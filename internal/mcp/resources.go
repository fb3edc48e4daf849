package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const filesURIPrefix = "kaiseki://files/"

func (s *Server) registerResources() {
	// kaiseki://files/{file_id}/functions: compact function list of an analysed binary.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			filesURIPrefix+"{file_id}/functions",
			"Binary Functions",
			mcplib.WithTemplateDescription("Functions discovered in an analysed binary, in engine order"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleFileFunctions,
	)

	// kaiseki://files/{file_id}/status: lifecycle state of an uploaded file.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			filesURIPrefix+"{file_id}/status",
			"Analysis Status",
			mcplib.WithTemplateDescription("Analysis state of an uploaded binary"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleFileStatus,
	)
}

func (s *Server) handleFileFunctions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	fileID, err := parseFilesURI(uri, "functions")
	if err != nil {
		return nil, err
	}

	resp, err := s.query.Functions(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("mcp: functions %s: %w", fileID, err)
	}
	compact := make([]map[string]any, 0, len(resp.Functions))
	for _, f := range resp.Functions {
		compact = append(compact, compactFunction(f))
	}
	return jsonResource(uri, map[string]any{
		"file_id":   fileID,
		"functions": compact,
	})
}

func (s *Server) handleFileStatus(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	fileID, err := parseFilesURI(uri, "status")
	if err != nil {
		return nil, err
	}

	resp, err := s.query.Status(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("mcp: status %s: %w", fileID, err)
	}
	return jsonResource(uri, resp)
}

// parseFilesURI extracts the file_id from kaiseki://files/{file_id}/{leaf}.
func parseFilesURI(uri, leaf string) (string, error) {
	rest, ok := strings.CutPrefix(uri, filesURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid files URI: %s", uri)
	}
	fileID, ok := strings.CutSuffix(rest, "/"+leaf)
	if !ok {
		return "", fmt.Errorf("mcp: invalid files URI: %s", uri)
	}
	if fileID == "" {
		return "", fmt.Errorf("mcp: empty file_id in URI: %s", uri)
	}
	if strings.Contains(fileID, "/") {
		return "", fmt.Errorf("mcp: invalid file_id in URI: %s", uri)
	}
	return fileID, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
