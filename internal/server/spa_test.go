package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/ashita-ai/kaiseki/internal/model"
)

func TestIsAPIPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		// API paths that should be detected.
		{"/status/abc", true},
		{"/functions/abc", true},
		{"/disassembly/abc/4096", true},
		{"/cfg/abc/0x1000", true},
		{"/explain/abc/4096", true},
		{"/metadata/abc", true},
		{"/errors/abc", true},
		{"/reanalyze/abc", true},
		{"/upload", true},
		{"/health", true},
		{"/mcp", true},

		// Non-API paths that the SPA should handle.
		{"/", false},
		{"/files", false},
		{"/files/abc", false},
		{"/assets/index-abc123.js", false},
		{"/favicon.ico", false},
		{"/openapi.yaml", false},
		{"/some/other/path", false},

		// Edge cases.
		{"", false},
		{"/status", false}, // Must have trailing slash to match the /status/ prefix.
		{"/uploads", false},
		{"/cfgview", false},
		{"/mcpserver", false}, // /mcp must match exactly, not as a prefix.
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := isAPIPath(tt.path)
			if got != tt.want {
				t.Errorf("isAPIPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestSetCacheHeaders(t *testing.T) {
	tests := []struct {
		name    string
		urlPath string
		wantCC  string // expected Cache-Control header value
	}{
		{
			name:    "hashed asset gets immutable cache",
			urlPath: "/assets/index-abc123.js",
			wantCC:  "public, max-age=31536000, immutable",
		},
		{
			name:    "hashed CSS asset gets immutable cache",
			urlPath: "/assets/style-def456.css",
			wantCC:  "public, max-age=31536000, immutable",
		},
		{
			name:    "assets directory root gets immutable cache",
			urlPath: "/assets/something",
			wantCC:  "public, max-age=31536000, immutable",
		},
		{
			name:    "non-asset file gets standard cache",
			urlPath: "/favicon.ico",
			wantCC:  "public, max-age=3600",
		},
		{
			name:    "root path gets standard cache",
			urlPath: "/index.html",
			wantCC:  "public, max-age=3600",
		},
		{
			name:    "nested non-asset path gets standard cache",
			urlPath: "/images/logo.png",
			wantCC:  "public, max-age=3600",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			setCacheHeaders(w, tt.urlPath)
			got := w.Header().Get("Cache-Control")
			if got != tt.wantCC {
				t.Errorf("setCacheHeaders(%q): Cache-Control = %q, want %q", tt.urlPath, got, tt.wantCC)
			}
		})
	}
}

func TestSPAHandler(t *testing.T) {
	h := newSPAHandler(fstest.MapFS{
		"index.html": {Data: []byte("<html>viewer</html>")},
		"app.js":     {Data: []byte("console.log(1)")},
	})

	for _, p := range []string{"/", "/index.html", "/files/abc", "/missing.png"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "viewer") {
			t.Errorf("%s: got %d %q, want the index document", p, rec.Code, rec.Body.String())
		}
		if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
			t.Errorf("%s: Cache-Control = %q, want no-cache", p, got)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "console.log(1)" {
		t.Errorf("/app.js: got %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("/app.js: Cache-Control = %q", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/a/b", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unmatched API path: got %d, want 404", rec.Code)
	}
	var apiErr model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if apiErr.Error.Code != model.ErrCodeNotFound {
		t.Errorf("got code %q, want %q", apiErr.Error.Code, model.ErrCodeNotFound)
	}
}

func TestSPAHandlerWithoutIndex(t *testing.T) {
	h := newSPAHandler(fstest.MapFS{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("got %d, want 404 when no viewer is bundled", rec.Code)
	}
}
