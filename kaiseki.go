// Package kaiseki provides the top-level application wiring for the Kaiseki
// binary analysis service.
//
// Use New to create an App with optional extension points, then call Run
// to start serving. This is the primary entry point for embedding Kaiseki
// in another program or building custom distributions.
//
//	app, err := kaiseki.New(kaiseki.WithVersion("1.0.0"))
//	if err != nil { log.Fatal(err) }
//	if err := app.Run(ctx); err != nil { log.Fatal(err) }
package kaiseki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kaiseki/api"
	"github.com/ashita-ai/kaiseki/internal/config"
	"github.com/ashita-ai/kaiseki/internal/engine"
	"github.com/ashita-ai/kaiseki/internal/mcp"
	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/ratelimit"
	"github.com/ashita-ai/kaiseki/internal/server"
	"github.com/ashita-ai/kaiseki/internal/service/dispatch"
	"github.com/ashita-ai/kaiseki/internal/service/explain"
	"github.com/ashita-ai/kaiseki/internal/service/intake"
	"github.com/ashita-ai/kaiseki/internal/service/pipeline"
	"github.com/ashita-ai/kaiseki/internal/service/query"
	"github.com/ashita-ai/kaiseki/internal/status"
	"github.com/ashita-ai/kaiseki/internal/storage"
	"github.com/ashita-ai/kaiseki/internal/telemetry"
	"github.com/ashita-ai/kaiseki/migrations"
	"github.com/ashita-ai/kaiseki/ui"
)

const (
	httpShutdownTimeout = 10 * time.Second
	drainTimeout        = 30 * time.Second
	badgerGCInterval    = 10 * time.Minute
)

// App is a fully wired Kaiseki application.
type App struct {
	cfg          config.Config
	store        storage.Store
	tracker      status.Tracker
	worker       *pipeline.Worker
	dispatcher   dispatch.Dispatcher
	pool         *dispatch.Pool // nil in inline mode
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
	engineName   string
}

// New creates a new App, loading configuration from environment variables
// (and a .env file when present) and applying any provided options.
// All infrastructure is initialized here: storage, status tracking, the
// analysis engine, the job dispatcher and the HTTP server.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// A missing .env is normal in production; real env vars win over it.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("kaiseki: load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storageDir != "" {
		cfg.StorageDir = o.storageDir
	}
	if o.engine != "" {
		cfg.Engine = string(o.engine)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kaiseki: %w", err)
	}

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     o.version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("kaiseki: init telemetry: %w", err)
	}

	// Each later failure unwinds what was already built, newest first.
	var cleanups []func()
	fail := func(err error) (*App, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		_ = otelShutdown(ctx)
		return nil, err
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() { _ = store.Close() })

	tracker, err := newTracker(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	cleanups = append(cleanups, func() { _ = tracker.Close() })

	analyzer, err := engine.NewAnalyzerForMode(engine.Mode(cfg.Engine), cfg.R2Path, logger)
	if err != nil {
		return fail(fmt.Errorf("kaiseki: %w", err))
	}

	var pipelineOpts []pipeline.Option
	for _, h := range o.hooks {
		pipelineOpts = append(pipelineOpts, pipeline.WithHook(func(ctx context.Context, fileID string, state model.FileState) {
			h.OnAnalysisFinished(ctx, fileID, FileState(state))
		}))
	}
	worker := pipeline.New(store, tracker, analyzer, logger, pipelineOpts...)

	var (
		dispatcher dispatch.Dispatcher
		pool       *dispatch.Pool
	)
	switch cfg.DispatchMode {
	case "inline":
		dispatcher = dispatch.NewInline(worker, logger, cfg.AnalysisTimeout)
	default:
		abandon := func(fileID string) { worker.Abandon(context.Background(), fileID) }
		pool = dispatch.NewPool(worker, logger, dispatch.PoolConfig{
			Workers:    cfg.Workers,
			QueueSize:  cfg.QueueSize,
			JobTimeout: cfg.AnalysisTimeout,
			OnDrop:     abandon,
		})
		dispatcher = pool
		if err := telemetry.RegisterQueueDepth(func() int64 { return int64(pool.QueueDepth()) }); err != nil {
			logger.Warn("queue depth gauge not registered", "error", err)
		}
	}
	logger.Info("dispatcher configured",
		"mode", cfg.DispatchMode, "workers", cfg.Workers, "queue_size", cfg.QueueSize,
		"analysis_timeout", cfg.AnalysisTimeout)

	gen, err := newGenerator(cfg, o.generator, logger)
	if err != nil {
		return fail(err)
	}
	explainer := explain.New(store, gen, logger)

	querySvc := query.New(store, tracker, explainer, logger)
	intakeSvc := intake.New(store, tracker, dispatcher, intake.Limits{
		MaxBytes:          cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedExtensions,
	}, logger)

	mcpSrv := mcp.New(querySvc, logger, o.version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting disabled")
	}

	uiFS, err := ui.DistFS()
	if err != nil {
		_ = limiter.Close()
		return fail(fmt.Errorf("kaiseki: load ui assets: %w", err))
	}

	registrars := make([]func(*http.ServeMux), len(o.routeRegistrars))
	for i, r := range o.routeRegistrars {
		registrars[i] = r
	}
	middlewares := make([]func(http.Handler) http.Handler, len(o.middlewares))
	for i, m := range o.middlewares {
		middlewares[i] = m
	}

	srv := server.New(server.ServerConfig{
		Intake:             intakeSvc,
		Query:              querySvc,
		Logger:             logger,
		Limiter:            limiter,
		MCPServer:          mcpSrv.MCPServer(),
		InFlight:           dispatcher.InFlight,
		Port:               cfg.Port,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		Version:            o.version,
		Engine:             analyzer.EngineName(),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		UIFS:               uiFS,
		OpenAPISpec:        api.OpenAPISpec,
		RouteRegistrars:    registrars,
		Middlewares:        middlewares,
	})

	logger.Info("kaiseki initialized",
		"version", o.version,
		"port", cfg.Port,
		"engine", analyzer.EngineName(),
		"storage", cfg.StorageBackend,
		"status", cfg.StatusBackend,
		"explanations", gen != nil)

	return &App{
		cfg:          cfg,
		store:        store,
		tracker:      tracker,
		worker:       worker,
		dispatcher:   dispatcher,
		pool:         pool,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      o.version,
		engineName:   analyzer.EngineName(),
	}, nil
}

func newStore(cfg config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "badger":
		s, err := storage.NewBadgerStore(storage.BadgerOptions{
			Dir:        filepath.Join(cfg.StorageDir, "badger"),
			GCInterval: badgerGCInterval,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("kaiseki: open badger store: %w", err)
		}
		logger.Info("artifact storage: badger", "dir", cfg.StorageDir)
		return s, nil
	default:
		s, err := storage.NewFSStore(cfg.StorageDir)
		if err != nil {
			return nil, fmt.Errorf("kaiseki: open storage dir: %w", err)
		}
		logger.Info("artifact storage: filesystem", "dir", cfg.StorageDir)
		return s, nil
	}
}

func newTracker(ctx context.Context, cfg config.Config, logger *slog.Logger) (status.Tracker, error) {
	switch cfg.StatusBackend {
	case "postgres":
		t, err := status.NewPostgresTracker(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("kaiseki: connect status database: %w", err)
		}
		if err := t.RunMigrations(ctx, migrations.FS); err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("kaiseki: run migrations: %w", err)
		}
		return t, nil
	case "sqlite":
		t, err := status.NewSQLiteTracker(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("kaiseki: open status database: %w", err)
		}
		return t, nil
	default:
		logger.Info("status tracking: in-memory, states are lost on restart")
		return status.NewMemoryTracker(), nil
	}
}

// newGenerator prefers an explicitly provided generator, then the
// OpenAI-compatible one when a key is configured. With neither, explanation
// requests for uncached functions fail.
func newGenerator(cfg config.Config, override Generator, logger *slog.Logger) (explain.Generator, error) {
	if override != nil {
		logger.Info("explanations: custom generator")
		return override, nil
	}
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, explanations disabled")
		return nil, nil
	}
	g, err := explain.NewOpenAIGenerator(explain.OpenAIConfig{
		APIKey:       cfg.OpenAIAPIKey,
		Model:        cfg.OpenAIModel,
		BaseURL:      cfg.OpenAIBaseURL,
		MaxTokens:    cfg.OpenAIMaxTokens,
		Temperature:  float32(cfg.OpenAITemperature),
		Timeout:      cfg.OpenAITimeout,
		SystemPrompt: cfg.SystemPrompt,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("kaiseki: create explanation generator: %w", err)
	}
	logger.Info("explanations: openai-compatible", "model", cfg.OpenAIModel, "base_url", cfg.OpenAIBaseURL)
	return g, nil
}

// Handler returns the root HTTP handler, middleware included. Useful for
// mounting Kaiseki inside another server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// EngineName reports the primary analysis backend.
func (a *App) EngineName() string { return a.engineName }

// Run starts the dispatcher workers and serves HTTP until ctx is cancelled,
// then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	if a.pool != nil {
		a.pool.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.logger.Info("kaiseki started", "port", a.cfg.Port, "version", a.version)

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errCh:
		serveErr = err
	}

	// Use a fresh context: ctx is already done and must not truncate the drain.
	if err := a.Shutdown(context.Background()); err != nil && serveErr == nil {
		return err
	}
	if serveErr != nil {
		return fmt.Errorf("kaiseki: server error: %w", serveErr)
	}
	return nil
}

// Process runs the analysis job for fileID in the calling goroutine,
// bypassing the dispatcher. The file must be PENDING; a stored upload the
// tracker has never seen (the in-memory tracker of another process) is
// adopted as PENDING first.
func (a *App) Process(ctx context.Context, fileID string) error {
	state, err := a.tracker.Get(ctx, fileID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		exists, eerr := a.store.Exists(ctx, storage.FileRef(fileID, storage.KindRaw))
		if eerr != nil {
			return fmt.Errorf("kaiseki: check upload %s: %w", fileID, eerr)
		}
		if !exists {
			return fmt.Errorf("kaiseki: no upload stored for %s: %w", fileID, model.ErrNotFound)
		}
		if err := a.tracker.Set(ctx, fileID, model.StatePending); err != nil {
			return fmt.Errorf("kaiseki: adopt %s: %w", fileID, err)
		}
	case err != nil:
		return fmt.Errorf("kaiseki: read status of %s: %w", fileID, err)
	case state != model.StatePending:
		return fmt.Errorf("kaiseki: %s is %s, only PENDING files can be processed", fileID, state)
	}
	return a.worker.Process(ctx, fileID)
}

// Shutdown gracefully stops the HTTP server, drains analysis jobs, and
// releases all resources. Phases run in order:
//  1. HTTP server: stop accepting new requests, finish in-flight ones.
//  2. Dispatcher: wait for running jobs; cancel any still running at the deadline.
//  3. Close: limiter, artifact store, status tracker, telemetry.
//
// Each phase gets its own deadline derived from ctx so a slow phase cannot
// starve the next. Errors from every phase are joined.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error

	httpCtx, httpCancel := contextWithOptionalTimeout(ctx, httpShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	httpCancel()

	drainCtx, drainCancel := contextWithOptionalTimeout(ctx, drainTimeout)
	if err := a.dispatcher.Drain(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain dispatcher: %w", err))
	}
	drainCancel()

	if err := a.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	a.logger.Info("kaiseki stopped")
	return errors.Join(errs...)
}

// Close releases storage, tracking and telemetry without touching the HTTP
// server or the dispatcher. Callers that never called Run (the CLI's
// process command) use it directly.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.limiter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close limiter: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := a.tracker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tracker: %w", err))
	}
	otelCtx, otelCancel := contextWithOptionalTimeout(ctx, 5*time.Second)
	defer otelCancel()
	if err := a.otelShutdown(otelCtx); err != nil {
		errs = append(errs, fmt.Errorf("otel shutdown: %w", err))
	}
	return errors.Join(errs...)
}

// contextWithOptionalTimeout applies d only when ctx carries no deadline of
// its own, so a caller-supplied deadline always wins.
func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
