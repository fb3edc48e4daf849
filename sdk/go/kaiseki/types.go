package kaiseki

import (
	"encoding/json"
	"strconv"
	"time"
)

// State is the analysis lifecycle state of an uploaded file.
type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
)

// Terminal reports whether the state can no longer change.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// UploadResponse is returned by Upload and Reanalyze.
type UploadResponse struct {
	FileID string `json:"file_id"`
	Status State  `json:"status"`
}

// StatusResponse is returned by Status.
type StatusResponse struct {
	FileID    string    `json:"file_id"`
	Status    State     `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Function is one engine function record. Only the common fields are typed;
// the full record is kept in Raw.
type Function struct {
	Name   string `json:"name"`
	Offset uint64 `json:"offset"`
	Size   int64  `json:"size"`

	Raw map[string]any `json:"-"`
}

// UnmarshalJSON keeps the complete record alongside the typed fields.
func (f *Function) UnmarshalJSON(b []byte) error {
	type plain Function
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*f = Function(p)
	f.Raw = raw
	return nil
}

// Addr formats the function start address for use in per-function calls.
func (f Function) Addr() string {
	return "0x" + strconv.FormatUint(f.Offset, 16)
}

// FunctionsResponse is returned by Functions.
type FunctionsResponse struct {
	FileID    string     `json:"file_id"`
	Functions []Function `json:"functions"`
}

// DisassemblyResponse is returned by Disassembly. Disassembly is the raw
// engine document and is JSON null when the engine produced none.
type DisassemblyResponse struct {
	FileID      string          `json:"file_id"`
	Addr        string          `json:"addr"`
	Disassembly json.RawMessage `json:"disassembly"`
}

// CFGResponse is returned by CFG.
type CFGResponse struct {
	FileID  string           `json:"file_id"`
	Address string           `json:"address"`
	Blocks  []map[string]any `json:"blocks"`
}

// ExplainResponse is returned by Explain.
type ExplainResponse struct {
	FileID      string `json:"file_id"`
	Addr        string `json:"addr"`
	Explanation string `json:"explanation"`
}

// Metadata summarizes a successful analysis.
type Metadata struct {
	FileID           string `json:"file_id"`
	AnalyzedAt       int64  `json:"analyzed_at"`
	FunctionsCount   int    `json:"functions_count"`
	SkippedFunctions int    `json:"skipped_functions"`
	Degraded         bool   `json:"degraded"`
	Engine           string `json:"engine"`
}

// ErrorRecord is the diagnostic stored for a failed analysis.
type ErrorRecord struct {
	FileID string `json:"file_id"`
	Error  string `json:"error"`
}

// HealthResponse is returned by Health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Engine   string `json:"engine"`
	InFlight int    `json:"in_flight"`
	Uptime   int64  `json:"uptime_seconds"`
}
