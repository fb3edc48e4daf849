package server

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// viewerIndex is the viewer's entry document.
const viewerIndex = "index.html"

// apiPrefixes are the path-parameterised API routes. A request under one of
// them that reaches the viewer matched no route and gets a JSON 404.
var apiPrefixes = []string{
	"/status/", "/functions/", "/disassembly/", "/cfg/", "/explain/",
	"/metadata/", "/errors/", "/reanalyze/",
}

// newSPAHandler serves the embedded viewer. Unknown non-API paths get the
// index document so the viewer can route on the client.
func newSPAHandler(fsys fs.FS) http.Handler {
	files := http.FileServerFS(fsys)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if isAPIPath(p) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "endpoint not found")
			return
		}

		name := strings.TrimPrefix(p, "/")
		if name == "" || name == viewerIndex || !exists(fsys, name) {
			serveIndex(w, r, fsys)
			return
		}
		setCacheHeaders(w, p)
		files.ServeHTTP(w, r)
	})
}

func exists(fsys fs.FS, name string) bool {
	st, err := fs.Stat(fsys, name)
	return err == nil && !st.IsDir()
}

// serveIndex writes the index document directly; http.FileServer would
// redirect /index.html to /.
func serveIndex(w http.ResponseWriter, r *http.Request, fsys fs.FS) {
	body, err := fs.ReadFile(fsys, viewerIndex)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "viewer not bundled")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "read viewer")
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

func isAPIPath(p string) bool {
	switch p {
	case "/mcp", "/upload", "/health":
		return true
	}
	for _, prefix := range apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// setCacheHeaders lets browsers keep the viewer's static files for an hour.
// Anything under /assets/ is content-addressed and never changes.
func setCacheHeaders(w http.ResponseWriter, urlPath string) {
	if strings.HasPrefix(urlPath, "/assets/") {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
}
