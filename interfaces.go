package kaiseki

import (
	"context"
	"net/http"
)

// Generator turns a rendered explanation prompt into text.
// When provided via WithExplainer, replaces the OpenAI-compatible generator
// configured from OPENAI_* env vars. Implementations must be safe for
// concurrent use; identical concurrent requests are collapsed before they
// reach the generator.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// AnalysisHook is notified when an analysis job reaches a terminal state.
// Multiple hooks may be registered via multiple WithAnalysisHook calls.
// Hooks run on the job's goroutine after the state is recorded, so they
// must not block for long. The context is not cancelled with the job.
type AnalysisHook interface {
	OnAnalysisFinished(ctx context.Context, fileID string, state FileState)
}

// AnalysisHookFunc adapts a function to AnalysisHook.
type AnalysisHookFunc func(ctx context.Context, fileID string, state FileState)

func (f AnalysisHookFunc) OnAnalysisFinished(ctx context.Context, fileID string, state FileState) {
	f(ctx, fileID, state)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the middleware chain and OTEL instrumentation with the
// built-in API. Called once during New() after the built-in routes.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
