package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// Analyzer runs the full analysis of one binary.
type Analyzer struct {
	engine   Engine
	fallback Engine
	logger   *slog.Logger
}

// AnalyzerOption configures an Analyzer.
type AnalyzerOption func(*Analyzer)

// WithFallback sets the engine used when the primary reports
// ErrEngineUnavailable.
func WithFallback(e Engine) AnalyzerOption {
	return func(a *Analyzer) { a.fallback = e }
}

// NewAnalyzer returns an Analyzer over the given engine.
func NewAnalyzer(e Engine, logger *slog.Logger, opts ...AnalyzerOption) *Analyzer {
	a := &Analyzer{engine: e, logger: logger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// EngineName returns the primary engine's name.
func (a *Analyzer) EngineName() string { return a.engine.Name() }

// Analyze opens path and extracts functions, disassembly and CFGs.
//
// Functions without a resolvable address are kept in the list but get no
// per-function artifacts; they are counted in Skipped. A failed or empty
// per-function fetch is recorded as a nil document rather than failing the
// job. Failures to open, analyze or list functions return *AnalysisError.
func (a *Analyzer) Analyze(ctx context.Context, path, fileID string) (*model.AnalysisResult, error) {
	eng := a.engine
	degraded := eng.Name() == Fallback{}.Name()
	sess, err := eng.Open(ctx, path)
	if errors.Is(err, ErrEngineUnavailable) && a.fallback != nil {
		a.logger.Warn("engine: backend unavailable, using fallback analysis",
			"file_id", fileID, "engine", eng.Name(), "error", err)
		eng, degraded = a.fallback, true
		sess, err = eng.Open(ctx, path)
	}
	if err != nil {
		return nil, newAnalysisError(eng.Name(), err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			a.logger.Debug("engine: close session", "file_id", fileID, "error", cerr)
		}
	}()

	res, err := a.run(ctx, sess, fileID)
	if err != nil {
		return nil, newAnalysisError(eng.Name(), err)
	}
	res.Engine = eng.Name()
	res.Degraded = degraded
	return res, nil
}

func (a *Analyzer) run(ctx context.Context, sess Session, fileID string) (*model.AnalysisResult, error) {
	if err := sess.Analyze(ctx); err != nil {
		return nil, err
	}
	funcs, err := sess.Functions(ctx)
	if err != nil {
		return nil, err
	}
	if funcs == nil {
		funcs = []model.FunctionRecord{}
	}

	res := &model.AnalysisResult{
		Functions:   funcs,
		Disassembly: make(map[string]json.RawMessage, len(funcs)),
		CFG:         make(map[string]json.RawMessage, len(funcs)),
	}
	for _, f := range funcs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		addr, ok := f.Address()
		if !ok {
			res.Skipped++
			a.logger.Debug("engine: skipping function without address", "file_id", fileID, "name", f.Name())
			continue
		}
		key := model.AddressKey(addr)

		disasm, err := sess.Disassemble(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Debug("engine: disassembly failed", "file_id", fileID, "addr", key, "error", err)
			disasm = nil
		}
		graph, err := sess.Graph(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.logger.Debug("engine: graph failed", "file_id", fileID, "addr", key, "error", err)
			graph = nil
		}
		res.Disassembly[key] = disasm
		res.CFG[key] = graph
	}
	return res, nil
}

func newAnalysisError(engineName string, cause error) *AnalysisError {
	return &AnalysisError{Engine: engineName, Cause: cause, Trace: string(debug.Stack())}
}
