package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/ashita-ai/kaiseki/internal/testutil"
)

// testApp is a fully wired server over a temp-dir store, an in-memory
// tracker, the fallback engine and an inline dispatcher.
type testApp struct {
	srv      *httptest.Server
	store    storage.Store
	tracker  *status.MemoryTracker
	genCalls atomic.Int32
	genErr   atomic.Pointer[error]
}

type appOptions struct {
	maxBytes  int64
	submitter intake.Submitter
	configure func(*server.ServerConfig)
}

type appOption func(*appOptions)

func withMaxBytes(n int64) appOption { return func(o *appOptions) { o.maxBytes = n } }

func withSubmitter(s intake.Submitter) appOption { return func(o *appOptions) { o.submitter = s } }

func withConfig(f func(*server.ServerConfig)) appOption {
	return func(o *appOptions) { o.configure = f }
}

type submitFunc func(ctx context.Context, fileID string) error

func (f submitFunc) Submit(ctx context.Context, fileID string) error { return f(ctx, fileID) }

func newTestApp(t *testing.T, opts ...appOption) *testApp {
	t.Helper()
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := testutil.TestLogger()
	st, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	app := &testApp{store: st, tracker: status.NewMemoryTracker()}

	proc := pipeline.New(st, app.tracker, engine.NewAnalyzer(engine.Fallback{}, logger), logger)
	inline := dispatch.NewInline(proc, logger, time.Minute)
	var submitter intake.Submitter = inline
	if o.submitter != nil {
		submitter = o.submitter
	}

	gen := explain.GeneratorFunc(func(context.Context, string) (string, error) {
		app.genCalls.Add(1)
		if errp := app.genErr.Load(); errp != nil {
			return "", *errp
		}
		return "mock explanation", nil
	})
	q := query.New(st, app.tracker, explain.New(st, gen, logger), logger)
	in := intake.New(st, app.tracker, submitter, intake.Limits{MaxBytes: o.maxBytes}, logger)

	cfg := server.ServerConfig{
		Intake:    in,
		Query:     q,
		Logger:    logger,
		MCPServer: mcp.New(q, logger, "test").MCPServer(),
		InFlight:  inline.InFlight,
		Version:   "test",
		Engine:    "fallback",
	}
	if o.configure != nil {
		o.configure(&cfg)
	}
	app.srv = httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(app.srv.Close)
	return app
}

func (a *testApp) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(a.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (a *testApp) post(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Post(a.srv.URL+path, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (a *testApp) upload(t *testing.T, filename string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(a.srv.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// uploaded uploads "dummy data" as test.exe and returns the new file ID.
func (a *testApp) uploaded(t *testing.T) string {
	t.Helper()
	resp := a.upload(t, "test.exe", []byte("dummy data"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeData[model.UploadResponse](t, resp).FileID
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &env), "body: %s", data)
	return env.Data
}

func decodeError(t *testing.T, resp *http.Response) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	return apiErr
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp := app.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	health := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, "fallback", health.Engine)
	assert.Zero(t, health.InFlight)
}

func TestUploadAndQueryFullFlow(t *testing.T) {
	app := newTestApp(t)

	resp := app.upload(t, "test.exe", []byte("dummy data"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	up := decodeData[model.UploadResponse](t, resp)
	assert.NotEmpty(t, up.FileID)
	assert.Equal(t, model.StatePending, up.Status)

	// The inline dispatcher finished the job before the response was written.
	st := decodeData[model.StatusResponse](t, app.get(t, "/status/"+up.FileID))
	assert.Equal(t, model.StateSuccess, st.Status)

	fns := decodeData[model.FunctionsResponse](t, app.get(t, "/functions/"+up.FileID))
	require.Len(t, fns.Functions, 3)
	assert.Equal(t, "main", fns.Functions[0]["name"])

	resp = app.get(t, "/disassembly/"+up.FileID+"/0x400000")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dis := decodeData[struct {
		Addr        string         `json:"addr"`
		Disassembly map[string]any `json:"disassembly"`
	}](t, resp)
	assert.Equal(t, "4194304", dis.Addr)
	assert.Equal(t, "main", dis.Disassembly["name"])

	resp = app.get(t, "/cfg/"+up.FileID+"/4194304")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decodeData[model.CFGResponse](t, resp)
	require.Len(t, cfg.Blocks, 1)
	assert.Contains(t, cfg.Blocks[0], "instructions")

	md := decodeData[model.AnalysisMetadata](t, app.get(t, "/metadata/"+up.FileID))
	assert.Equal(t, 3, md.FunctionsCount)

	for range 2 {
		resp = app.get(t, "/explain/"+up.FileID+"/4194304")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		ex := decodeData[model.ExplainResponse](t, resp)
		assert.Equal(t, "mock explanation", ex.Explanation)
	}
	assert.Equal(t, int32(1), app.genCalls.Load(), "second explain must be served from cache")

	persisted, err := app.store.Get(context.Background(),
		storage.AddrRef(up.FileID, storage.KindExplanation, "4194304"))
	require.NoError(t, err)
	assert.Equal(t, "mock explanation", string(persisted))
}

func TestUploadRejections(t *testing.T) {
	app := newTestApp(t)

	for _, name := range []string{"x.pdf", "noext", "archive.exe.zip"} {
		t.Run(name, func(t *testing.T) {
			resp := app.upload(t, name, []byte("dummy data"))
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, resp).Error.Code)
		})
	}
}

func TestUploadSizeBoundary(t *testing.T) {
	app := newTestApp(t, withMaxBytes(1024))

	resp := app.upload(t, "exact.elf", bytes.Repeat([]byte{0x90}, 1024))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = app.upload(t, "over.elf", bytes.Repeat([]byte{0x90}, 1025))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	apiErr := decodeError(t, resp)
	assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
	assert.Contains(t, apiErr.Error.Message, "too large")
}

func TestUploadMalformedRequests(t *testing.T) {
	app := newTestApp(t)

	resp, err := http.Post(app.srv.URL+"/upload", "application/json", strings.NewReader(`{"file":"x"}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("comment", "no file here"))
	require.NoError(t, mw.Close())
	resp2, err := http.Post(app.srv.URL+"/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Contains(t, decodeError(t, resp2).Error.Message, "file")
}

func TestUnknownFileReturns404(t *testing.T) {
	app := newTestApp(t)

	for _, path := range []string{
		"/status/unknown",
		"/functions/unknown",
		"/disassembly/unknown/4096",
		"/cfg/unknown/4096",
		"/explain/unknown/4096",
		"/metadata/unknown",
		"/errors/unknown",
	} {
		t.Run(path, func(t *testing.T) {
			resp := app.get(t, path)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, model.ErrCodeNotFound, decodeError(t, resp).Error.Code)
		})
	}
	assert.Zero(t, app.genCalls.Load())
}

func TestBadAddressReturns400(t *testing.T) {
	app := newTestApp(t)
	id := app.uploaded(t)

	for _, path := range []string{
		"/disassembly/" + id + "/main",
		"/cfg/" + id + "/-1",
		"/explain/" + id + "/0xZZ",
	} {
		resp := app.get(t, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestMissingFunctionReturns404(t *testing.T) {
	app := newTestApp(t)
	id := app.uploaded(t)

	resp := app.get(t, "/disassembly/"+id+"/4096")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = app.get(t, "/explain/"+id+"/4096")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, app.genCalls.Load(), "no generation without disassembly")
}

func TestExplainGeneratorFailureReturns502(t *testing.T) {
	app := newTestApp(t)
	id := app.uploaded(t)
	failure := errors.New("upstream timeout")
	app.genErr.Store(&failure)

	resp := app.get(t, "/explain/"+id+"/4194304")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUpstream, decodeError(t, resp).Error.Code)

	// Failures are not cached; the next call generates again.
	app.genErr.Store(nil)
	resp = app.get(t, "/explain/"+id+"/4194304")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), app.genCalls.Load())
}

func TestReanalyze(t *testing.T) {
	app := newTestApp(t)
	id := app.uploaded(t)

	resp := app.post(t, "/reanalyze/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	again := decodeData[model.UploadResponse](t, resp)
	assert.NotEqual(t, id, again.FileID)

	st := decodeData[model.StatusResponse](t, app.get(t, "/status/"+again.FileID))
	assert.Equal(t, model.StateSuccess, st.Status)

	resp = app.post(t, "/reanalyze/unknown")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReanalyzeNonTerminalReturns409(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	id := model.NewFileID()
	require.NoError(t, app.store.Put(ctx, storage.FileRef(id, storage.KindRaw), []byte("dummy data")))
	require.NoError(t, app.tracker.Set(ctx, id, model.StatePending))

	resp := app.post(t, "/reanalyze/"+id)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, decodeError(t, resp).Error.Code)
}

func TestQueueFullReturns503AndFailsJob(t *testing.T) {
	var rejected string
	app := newTestApp(t, withSubmitter(submitFunc(func(_ context.Context, fileID string) error {
		rejected = fileID
		return dispatch.ErrQueueFull
	})))

	resp := app.upload(t, "test.exe", []byte("dummy data"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeUnavailable, decodeError(t, resp).Error.Code)

	require.NotEmpty(t, rejected)
	st := decodeData[model.StatusResponse](t, app.get(t, "/status/"+rejected))
	assert.Equal(t, model.StateFailed, st.Status)
	rec := decodeData[model.ErrorRecordResponse](t, app.get(t, "/errors/"+rejected))
	assert.True(t, strings.HasPrefix(rec.Error, "Analysis failed:\n"), rec.Error)
}

func TestUploadRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	app := newTestApp(t, withConfig(func(c *server.ServerConfig) { c.Limiter = limiter }))

	id := app.uploaded(t)

	resp := app.upload(t, "test.exe", []byte("dummy data"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Reads are never rate limited.
	for range 5 {
		assert.Equal(t, http.StatusOK, app.get(t, "/status/"+id).StatusCode)
	}
}

func TestResponseHeaders(t *testing.T) {
	app := newTestApp(t)

	resp := app.get(t, "/health")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	req, err := http.NewRequest(http.MethodGet, app.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "caller-chosen-id")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, "caller-chosen-id", resp2.Header.Get("X-Request-ID"))

	var env model.APIResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&env))
	assert.Equal(t, "caller-chosen-id", env.Meta.RequestID)
}

func TestCORS(t *testing.T) {
	app := newTestApp(t, withConfig(func(c *server.ServerConfig) {
		c.CORSAllowedOrigins = []string{"https://viewer.example"}
	}))

	req, err := http.NewRequest(http.MethodOptions, app.srv.URL+"/upload", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://viewer.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://viewer.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req2, err := http.NewRequest(http.MethodGet, app.srv.URL+"/health", nil)
	require.NoError(t, err)
	req2.Header.Set("Origin", "https://evil.example")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestExtensionPoints(t *testing.T) {
	var order []string
	app := newTestApp(t, withConfig(func(c *server.ServerConfig) {
		c.RouteRegistrars = []func(*http.ServeMux){
			func(mux *http.ServeMux) {
				mux.HandleFunc("GET /custom/ping", func(w http.ResponseWriter, _ *http.Request) {
					_, _ = w.Write([]byte("pong"))
				})
			},
		}
		c.Middlewares = []func(http.Handler) http.Handler{
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					order = append(order, "outer")
					w.Header().Set("X-Custom", "yes")
					next.ServeHTTP(w, r)
				})
			},
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					order = append(order, "inner")
					next.ServeHTTP(w, r)
				})
			},
		}
	}))

	resp := app.get(t, "/custom/ping")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "pong", string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Custom"))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestOpenAPISpecEndpoint(t *testing.T) {
	app := newTestApp(t)
	assert.Equal(t, http.StatusNotFound, app.get(t, "/openapi.yaml").StatusCode)

	spec := []byte("openapi: 3.1.0\ninfo:\n  title: Kaiseki\n")
	app = newTestApp(t, withConfig(func(c *server.ServerConfig) { c.OpenAPISpec = spec }))
	resp := app.get(t, "/openapi.yaml")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, spec, body)
}

func TestEmbeddedUI(t *testing.T) {
	ui := fstest.MapFS{
		"index.html":         {Data: []byte("<html>kaiseki</html>")},
		"assets/app-abc1.js": {Data: []byte("console.log(1)")},
	}
	app := newTestApp(t, withConfig(func(c *server.ServerConfig) { c.UIFS = ui }))

	resp := app.get(t, "/files/some-id")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "kaiseki")

	resp = app.get(t, "/assets/app-abc1.js")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "immutable")

	// API routes still win over the catch-all.
	resp = app.get(t, "/health")
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	resp = app.get(t, "/status/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

// newMCPClient creates an initialized MCP client connected to the test server's /mcp endpoint.
func newMCPClient(t *testing.T, app *testApp) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(app.srv.URL + "/mcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	return c
}

func TestMCPListTools(t *testing.T) {
	app := newTestApp(t)
	c := newMCPClient(t, app)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 5)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	for _, name := range []string{"kaiseki_status", "kaiseki_functions", "kaiseki_disassembly", "kaiseki_cfg", "kaiseki_explain"} {
		assert.True(t, toolNames[name], "expected %s tool", name)
	}
}

func TestMCPFunctionsAndExplain(t *testing.T) {
	app := newTestApp(t)
	id := app.uploaded(t)
	c := newMCPClient(t, app)
	ctx := context.Background()

	fnResult, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "kaiseki_functions",
			Arguments: map[string]any{"file_id": id},
		},
	})
	require.NoError(t, err)
	require.False(t, fnResult.IsError, "functions tool returned error: %v", fnResult.Content)
	require.NotEmpty(t, fnResult.Content)
	text, ok := fnResult.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "sub_function")

	exResult, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "kaiseki_explain",
			Arguments: map[string]any{"file_id": id, "addr": "0x400000"},
		},
	})
	require.NoError(t, err)
	require.False(t, exResult.IsError, "explain tool returned error: %v", exResult.Content)
	text, ok = exResult.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "mock explanation")
}

func TestMCPListResourceTemplates(t *testing.T) {
	app := newTestApp(t)
	c := newMCPClient(t, app)

	result, err := c.ListResourceTemplates(context.Background(), mcplib.ListResourceTemplatesRequest{})
	require.NoError(t, err)
	assert.Len(t, result.ResourceTemplates, 2)
}
