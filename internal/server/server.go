package server

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaiseki/internal/ratelimit"
	"github.com/ashita-ai/kaiseki/internal/service/intake"
	"github.com/ashita-ai/kaiseki/internal/service/query"
)

// Server is the Kaiseki HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MCPServer, InFlight, UIFS, OpenAPISpec,
// RouteRegistrars, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Intake *intake.Service
	Query  *query.Service
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer
	InFlight  func() int

	// HTTP server settings.
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	Version            string
	Engine             string
	CORSAllowedOrigins []string

	// Optional embedded assets.
	UIFS        fs.FS  // Embedded UI filesystem (SPA).
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Extension points. Registrars run after the built-in routes; middlewares
	// wrap the whole chain, first-registered outermost.
	RouteRegistrars []func(mux *http.ServeMux)
	Middlewares     []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Intake:      cfg.Intake,
		Query:       cfg.Query,
		InFlight:    cfg.InFlight,
		Engine:      cfg.Engine,
		Logger:      cfg.Logger,
		Version:     cfg.Version,
		OpenAPISpec: cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	// Upload, reanalysis and explanation start expensive work; reads do not.
	costlyRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Job intake (rate limited by IP).
	mux.Handle("POST /upload", costlyRL(http.HandlerFunc(h.HandleUpload)))
	mux.Handle("POST /reanalyze/{file_id}", costlyRL(http.HandlerFunc(h.HandleReanalyze)))

	// Queries.
	mux.HandleFunc("GET /status/{file_id}", h.HandleStatus)
	mux.HandleFunc("GET /functions/{file_id}", h.HandleFunctions)
	mux.HandleFunc("GET /disassembly/{file_id}/{addr}", h.HandleDisassembly)
	mux.HandleFunc("GET /cfg/{file_id}/{addr}", h.HandleCFG)
	mux.HandleFunc("GET /metadata/{file_id}", h.HandleMetadata)
	mux.HandleFunc("GET /errors/{file_id}", h.HandleErrorRecord)

	// Explanations may call the external generator (rate limited by IP).
	mux.Handle("GET /explain/{file_id}/{addr}", costlyRL(http.HandlerFunc(h.HandleExplain)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// OpenAPI spec and health (no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.RouteRegistrars {
		register(mux)
	}

	// SPA: serve the embedded UI at the root path.
	// Registered last so all API routes take priority via the mux's longest-match rule.
	if cfg.UIFS != nil {
		mux.Handle("/", newSPAHandler(cfg.UIFS))
		cfg.Logger.Info("ui enabled, serving SPA at /")
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
