package kaiseki

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported: callers use the With* functions.
type resolvedOptions struct {
	port            int
	logger          *slog.Logger
	version         string
	generator       Generator
	engine          EngineMode
	storageDir      string
	hooks           []AnalysisHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (KAISEKI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint, MCP
// server info and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExplainer replaces the OpenAI-compatible explanation generator.
// Only the last call wins.
func WithExplainer(g Generator) Option {
	return func(o *resolvedOptions) { o.generator = g }
}

// WithEngine overrides the analysis backend from config (KAISEKI_ENGINE env var).
func WithEngine(mode EngineMode) Option {
	return func(o *resolvedOptions) { o.engine = mode }
}

// WithStorageDir overrides the artifact directory from config (KAISEKI_STORAGE_DIR env var).
func WithStorageDir(dir string) Option {
	return func(o *resolvedOptions) { o.storageDir = dir }
}

// WithAnalysisHook registers a hook notified when jobs finish.
// Multiple hooks may be registered; all are called in registration order.
func WithAnalysisHook(hook AnalysisHook) Option {
	return func(o *resolvedOptions) { o.hooks = append(o.hooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
