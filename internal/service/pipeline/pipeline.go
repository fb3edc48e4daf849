// Package pipeline runs one analysis job: it moves the file through its
// lifecycle, invokes the analyzer, and persists every artifact before the
// terminal SUCCESS transition.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kaiseki/internal/engine"
	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/status"
	"github.com/ashita-ai/kaiseki/internal/storage"
	"github.com/ashita-ai/kaiseki/internal/telemetry"
)

// ErrUploadMissing is reported when the raw upload cannot be located.
var ErrUploadMissing = errors.New("uploaded file not found")

// ErrAbandoned is recorded for queued jobs dropped at shutdown.
var ErrAbandoned = errors.New("analysis abandoned before it started")

// failureWriteTimeout bounds the best-effort error record and FAILED write,
// which run even when the job context has expired.
const failureWriteTimeout = 10 * time.Second

// Analyzer produces an analysis result for a binary on disk.
type Analyzer interface {
	Analyze(ctx context.Context, path, fileID string) (*model.AnalysisResult, error)
}

// Hook is called after a job reaches a terminal state.
type Hook func(ctx context.Context, fileID string, state model.FileState)

// Worker executes analysis jobs. It is safe for concurrent use on distinct
// file IDs; the dispatcher guarantees one job per file ID at a time.
type Worker struct {
	store    storage.Store
	tracker  status.Tracker
	analyzer Analyzer
	logger   *slog.Logger
	hooks    []Hook
	now      func() time.Time

	tracer  trace.Tracer
	metrics telemetry.Pipeline
}

// Option configures a Worker.
type Option func(*Worker)

// WithHook registers a terminal-state callback.
func WithHook(h Hook) Option {
	return func(w *Worker) { w.hooks = append(w.hooks, h) }
}

// WithClock overrides the metadata timestamp source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New creates a Worker.
func New(store storage.Store, tracker status.Tracker, analyzer Analyzer, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		store:    store,
		tracker:  tracker,
		analyzer: analyzer,
		logger:   logger,
		now:      time.Now,
		tracer:   telemetry.Tracer("kaiseki/pipeline"),
		metrics:  telemetry.NewPipeline(),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Process runs the job for fileID. It returns nil when the file reached
// SUCCESS and the failure cause otherwise; in both cases the tracker already
// holds the terminal state, except when the RUNNING transition itself is
// rejected.
func (w *Worker) Process(ctx context.Context, fileID string) error {
	start := time.Now()
	ctx, span := w.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(attribute.String("file_id", fileID)))
	defer span.End()

	if err := w.tracker.Set(ctx, fileID, model.StateRunning); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("pipeline: mark %s running: %w", fileID, err)
	}
	w.logger.Info("pipeline: job started", "file_id", fileID)

	err := w.run(ctx, fileID)
	outcome := model.StateSuccess
	if err != nil {
		outcome = model.StateFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, fileID, err)
	} else if serr := w.tracker.Set(ctx, fileID, model.StateSuccess); serr != nil {
		outcome = model.StateFailed
		err = fmt.Errorf("pipeline: mark %s succeeded: %w", fileID, serr)
		w.fail(ctx, fileID, err)
	}

	elapsed := time.Since(start)
	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	w.metrics.Jobs.Add(ctx, 1, attrs)
	w.metrics.Duration.Record(ctx, elapsed.Seconds(), attrs)

	if err != nil {
		w.logger.Warn("pipeline: job failed", "file_id", fileID, "duration_ms", elapsed.Milliseconds(), "error", err)
	} else {
		w.logger.Info("pipeline: job succeeded", "file_id", fileID, "duration_ms", elapsed.Milliseconds())
	}

	hookCtx := context.WithoutCancel(ctx)
	for _, h := range w.hooks {
		h(hookCtx, fileID, outcome)
	}
	return err
}

// Abandon fails a PENDING file whose job will never run, so it does not
// stay PENDING forever. Hooks fire as for any other terminal state.
func (w *Worker) Abandon(ctx context.Context, fileID string) {
	w.logger.Warn("pipeline: job abandoned", "file_id", fileID)
	w.fail(ctx, fileID, ErrAbandoned)
	hookCtx := context.WithoutCancel(ctx)
	for _, h := range w.hooks {
		h(hookCtx, fileID, model.StateFailed)
	}
}

func (w *Worker) run(ctx context.Context, fileID string) error {
	path, cleanup, err := w.store.LocalPath(ctx, fileID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUploadMissing
	}
	if err != nil {
		return fmt.Errorf("pipeline: locate upload: %w", err)
	}
	defer cleanup()

	result, err := w.analyze(ctx, path, fileID)
	if err != nil {
		return err
	}
	return w.persist(ctx, fileID, result)
}

// analyze converts analyzer panics into errors carrying the panic stack.
func (w *Worker) analyze(ctx context.Context, path, fileID string) (res *model.AnalysisResult, err error) {
	ctx, span := w.tracer.Start(ctx, "pipeline.analyze")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = &engine.AnalysisError{
				Engine: "analyzer",
				Cause:  fmt.Errorf("panic: %v", r),
				Trace:  string(debug.Stack()),
			}
		}
	}()
	res, err = w.analyzer.Analyze(ctx, path, fileID)
	if err == nil && res == nil {
		err = errors.New("pipeline: analyzer returned no result")
	}
	if res != nil {
		span.SetAttributes(
			attribute.Int("functions", len(res.Functions)),
			attribute.String("engine", res.Engine),
			attribute.Bool("degraded", res.Degraded),
		)
	}
	return res, err
}

// persist writes every artifact; any failure aborts the job.
func (w *Worker) persist(ctx context.Context, fileID string, res *model.AnalysisResult) error {
	if err := storage.PutJSON(ctx, w.store, storage.FileRef(fileID, storage.KindFunctions), res.Functions); err != nil {
		return err
	}
	for key, doc := range res.Disassembly {
		if err := w.store.Put(ctx, storage.AddrRef(fileID, storage.KindDisassembly, key), jsonOrNull(doc)); err != nil {
			return err
		}
	}
	for key, doc := range res.CFG {
		if err := w.store.Put(ctx, storage.AddrRef(fileID, storage.KindCFG, key), jsonOrNull(doc)); err != nil {
			return err
		}
	}
	meta := model.AnalysisMetadata{
		FileID:           fileID,
		AnalyzedAt:       w.now().Unix(),
		FunctionsCount:   len(res.Functions),
		SkippedFunctions: res.Skipped,
		Degraded:         res.Degraded,
		Engine:           res.Engine,
	}
	return storage.PutJSON(ctx, w.store, storage.FileRef(fileID, storage.KindMetadata), meta)
}

// fail records the diagnostic and the FAILED state. Both writes are
// best-effort and use a detached context so an expired job can still fail.
func (w *Worker) fail(ctx context.Context, fileID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	msg, stack := cause.Error(), ""
	var ae *engine.AnalysisError
	if errors.As(cause, &ae) {
		stack = ae.Trace
	} else if !errors.Is(cause, ErrUploadMissing) && !errors.Is(cause, ErrAbandoned) {
		stack = string(debug.Stack())
	}

	if err := w.store.Put(ctx, storage.FileRef(fileID, storage.KindError), model.FormatErrorRecord(msg, stack)); err != nil {
		w.logger.Error("pipeline: write error record", "file_id", fileID, "error", err)
	}
	if err := w.tracker.Set(ctx, fileID, model.StateFailed); err != nil {
		w.logger.Error("pipeline: mark failed", "file_id", fileID, "error", err)
	}
}

func jsonOrNull(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return []byte("null")
	}
	return doc
}
