package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// MaxUploadBytes is the default upload ceiling (50 MiB). A payload of exactly
// this many bytes is accepted.
const MaxUploadBytes int64 = 50 * 1024 * 1024

// DefaultAllowedExtensions is the upload extension allow-list.
var DefaultAllowedExtensions = []string{".exe", ".elf", ".so"}

// ValidateUploadName checks the filename's extension against allowed.
// Comparison is case-insensitive; the extension must include its leading dot.
func ValidateUploadName(filename string, allowed []string) error {
	if filename == "" {
		return &ValidationError{Field: "file", Message: "filename is required"}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	for _, a := range allowed {
		if ext != "" && ext == strings.ToLower(a) {
			return nil
		}
	}
	return &ValidationError{Field: "file", Message: fmt.Sprintf("invalid file type %q (allowed: %s)", ext, strings.Join(allowed, ", "))}
}

// ValidateUploadSize rejects payloads larger than limit bytes.
func ValidateUploadSize(size, limit int64) error {
	if size > limit {
		return &ValidationError{Field: "file", Message: fmt.Sprintf("file too large (%d bytes, limit %d)", size, limit)}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	FileID string    `json:"file_id"`
	Status FileState `json:"status"`
}

// StatusResponse is returned by GET /status/{file_id}.
type StatusResponse struct {
	FileID    string    `json:"file_id"`
	Status    FileState `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FunctionsResponse is returned by GET /functions/{file_id}.
type FunctionsResponse struct {
	FileID    string           `json:"file_id"`
	Functions []FunctionRecord `json:"functions"`
}

// DisassemblyResponse is returned by GET /disassembly/{file_id}/{addr}.
// Disassembly is the raw persisted engine document.
type DisassemblyResponse struct {
	FileID      string `json:"file_id"`
	Addr        string `json:"addr"`
	Disassembly any    `json:"disassembly"`
}

// CFGResponse is returned by GET /cfg/{file_id}/{addr}.
type CFGResponse struct {
	FileID  string           `json:"file_id"`
	Address string           `json:"address"`
	Blocks  []map[string]any `json:"blocks"`
}

// ExplainResponse is returned by GET /explain/{file_id}/{addr}.
type ExplainResponse struct {
	FileID      string `json:"file_id"`
	Addr        string `json:"addr"`
	Explanation string `json:"explanation"`
}

// ErrorRecordResponse is returned by GET /errors/{file_id}.
type ErrorRecordResponse struct {
	FileID string `json:"file_id"`
	Error  string `json:"error"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Engine   string `json:"engine"`
	InFlight int    `json:"in_flight"`
	Uptime   int64  `json:"uptime_seconds"`
}
