package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	// Generated when absent.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if seen == "" {
		t.Fatal("expected a generated request ID in context")
	}
	if got := rec.Header().Get("X-Request-ID"); got != seen {
		t.Errorf("response header %q does not match context %q", got, seen)
	}

	// Preserved when supplied.
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc-123" {
		t.Errorf("got %q, want caller-supplied ID", seen)
	}

	// Replaced when absurdly long.
	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(seen) > 128 {
		t.Errorf("oversized request ID should be replaced, got length %d", len(seen))
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: got %q, want %q", header, got, want)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("disabled without allow-list", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("Origin", "https://a.example")
		corsMiddleware(nil, inner).ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no CORS header, got %q", got)
		}
	})

	t.Run("wildcard echoes origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("Origin", "https://a.example")
		corsMiddleware([]string{"*"}, inner).ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://a.example" {
			t.Errorf("got %q, want echoed origin", got)
		}
		if rec.Code != http.StatusOK {
			t.Errorf("got status %d, want 200", rec.Code)
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		called := false
		h := corsMiddleware([]string{"https://a.example"}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			called = true
		}))
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("OPTIONS", "/upload", nil)
		req.Header.Set("Origin", "https://a.example")
		req.Header.Set("Access-Control-Request-Method", "POST")
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("got status %d, want 204", rec.Code)
		}
		if called {
			t.Error("preflight should not reach the handler")
		}
	})

	t.Run("unlisted origin passes through without headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/health", nil)
		req.Header.Set("Origin", "https://b.example")
		corsMiddleware([]string{"https://a.example"}, inner).ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no CORS header, got %q", got)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(quietLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/status/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", rec.Code)
	}
	var apiErr model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if apiErr.Error.Code != model.ErrCodeInternalError {
		t.Errorf("got code %q, want %q", apiErr.Error.Code, model.ErrCodeInternalError)
	}
	if apiErr.Meta.RequestID == "" {
		t.Error("error envelope should carry the request ID")
	}
}

func TestRecoveryMiddlewareRepanicsAbortHandler(t *testing.T) {
	handler := recoveryMiddleware(quietLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("expected http.ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
}

func TestStatusWriterRecordsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	w.WriteHeader(http.StatusTeapot)
	w.WriteHeader(http.StatusInternalServerError)
	if w.statusCode != http.StatusTeapot {
		t.Errorf("got %d, want first status 418", w.statusCode)
	}
	if w.Unwrap() != rec {
		t.Error("Unwrap should expose the underlying writer")
	}
}

func TestWriteErrorDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/disassembly/x/main", nil)
	writeErrorDetails(rec, req, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid address", map[string]string{"field": "addr"})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
	var body struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrCodeInvalidInput || body.Error.Details["field"] != "addr" {
		t.Errorf("unexpected error body: %+v", body.Error)
	}
}
