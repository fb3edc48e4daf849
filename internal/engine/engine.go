// Package engine wraps the binary analysis backend. A Session is one opened
// binary; the Analyzer drives a session through the fixed command sequence
// (analyze all, list functions, disassemble and graph each function) and
// normalizes the output into a model.AnalysisResult.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// ErrEngineUnavailable is returned by Open when the backend binary cannot be
// found. The Analyzer treats it as the signal to use the fallback generator.
var ErrEngineUnavailable = errors.New("engine: analysis backend unavailable")

// Engine opens binaries for analysis.
type Engine interface {
	Name() string
	Open(ctx context.Context, path string) (Session, error)
}

// Session is an opened binary. Sessions are not safe for concurrent use.
type Session interface {
	// Analyze runs whole-program analysis.
	Analyze(ctx context.Context) error
	// Functions lists discovered functions. A nil slice means none.
	Functions(ctx context.Context) ([]model.FunctionRecord, error)
	// Disassemble returns the disassembly document of the function at addr.
	// A nil result means the engine produced nothing.
	Disassemble(ctx context.Context, addr uint64) (json.RawMessage, error)
	// Graph returns the control-flow graph document of the function at addr.
	Graph(ctx context.Context, addr uint64) (json.RawMessage, error)
	Close() error
}

// AnalysisError reports an engine failure that aborts the whole analysis.
type AnalysisError struct {
	Engine string
	Cause  error
	// Trace is the goroutine stack captured where the failure was observed.
	Trace string
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s analysis failed: %v", e.Engine, e.Cause)
}

func (e *AnalysisError) Unwrap() error { return e.Cause }

// Mode selects the analysis backend.
type Mode string

const (
	// ModeAuto uses radare2 and falls back to synthetic output when it is missing.
	ModeAuto Mode = "auto"
	// ModeRadare2 requires radare2; a missing binary fails the job.
	ModeRadare2 Mode = "radare2"
	// ModeFallback always produces synthetic output.
	ModeFallback Mode = "fallback"
)

// NewAnalyzerForMode builds an Analyzer for the configured mode.
func NewAnalyzerForMode(mode Mode, r2Path string, logger *slog.Logger) (*Analyzer, error) {
	switch mode {
	case ModeAuto, "":
		return NewAnalyzer(NewRadare2(r2Path, logger), logger, WithFallback(Fallback{})), nil
	case ModeRadare2:
		return NewAnalyzer(NewRadare2(r2Path, logger), logger), nil
	case ModeFallback:
		return NewAnalyzer(Fallback{}, logger), nil
	}
	return nil, fmt.Errorf("engine: unknown mode %q", mode)
}
