package model

import (
	"encoding/json"
	"strings"
)

// AnalysisResult is the normalized output of one analysis run.
//
// Disassembly and CFG are keyed by AddressKey. A nil value means the engine
// returned nothing for that address; it is persisted as JSON null rather than
// failing the job.
type AnalysisResult struct {
	Functions   []FunctionRecord
	Disassembly map[string]json.RawMessage
	CFG         map[string]json.RawMessage

	// Skipped counts functions dropped because no address could be resolved.
	Skipped int
	// Degraded is set when the synthetic fallback generator produced the result.
	Degraded bool
	// Engine names the producer ("radare2" or "fallback").
	Engine string
}

// AnalysisMetadata is written once per successful pipeline run.
type AnalysisMetadata struct {
	FileID           string `json:"file_id"`
	AnalyzedAt       int64  `json:"analyzed_at"`
	FunctionsCount   int    `json:"functions_count"`
	SkippedFunctions int    `json:"skipped_functions"`
	Degraded         bool   `json:"degraded"`
	Engine           string `json:"engine"`
}

// FormatErrorRecord renders the diagnostic persisted on pipeline failure.
func FormatErrorRecord(message, trace string) []byte {
	var b strings.Builder
	b.WriteString("Analysis failed:\n")
	b.WriteString(message)
	b.WriteString("\n\n")
	b.WriteString(trace)
	return []byte(b.String())
}

// DisassemblyOps returns the instruction sequence of a disassembly document:
// "ops" first, then "instructions". Non-object entries are dropped; a missing
// or malformed sequence yields an empty slice.
func DisassemblyOps(doc map[string]any) []map[string]any {
	raw, ok := doc["ops"].([]any)
	if !ok {
		raw, _ = doc["instructions"].([]any)
	}
	ops := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if op, ok := r.(map[string]any); ok {
			ops = append(ops, op)
		}
	}
	return ops
}

// OpOffset returns an instruction's offset, or 0 when absent or malformed.
func OpOffset(op map[string]any) uint64 {
	n, _ := toUint(op["offset"])
	return n
}

// OpText returns an instruction's text: "disasm", falling back to "opcode".
func OpText(op map[string]any) string {
	if s, ok := op["disasm"].(string); ok && s != "" {
		return s
	}
	s, _ := op["opcode"].(string)
	return s
}
