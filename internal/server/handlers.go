package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/service/dispatch"
	"github.com/ashita-ai/kaiseki/internal/service/explain"
	"github.com/ashita-ai/kaiseki/internal/service/intake"
	"github.com/ashita-ai/kaiseki/internal/service/query"
)

// multipartSlack covers multipart framing and headers on top of the file
// payload itself; the payload limit is enforced by the intake service.
const multipartSlack = 1 << 20

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	intake      *intake.Service
	query       *query.Service
	inflight    func() int
	engine      string
	logger      *slog.Logger
	startedAt   time.Time
	version     string
	openapiSpec []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional: InFlight, OpenAPISpec.
type HandlersDeps struct {
	Intake      *intake.Service
	Query       *query.Service
	InFlight    func() int
	Engine      string
	Logger      *slog.Logger
	Version     string
	OpenAPISpec []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		intake:      d.Intake,
		query:       d.Query,
		inflight:    d.InFlight,
		engine:      d.Engine,
		logger:      d.Logger,
		startedAt:   time.Now(),
		version:     d.Version,
		openapiSpec: d.OpenAPISpec,
	}
}

// HandleUpload handles POST /upload. The body is multipart/form-data with
// the binary in the "file" field; the part is streamed straight into intake.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	maxBytes := h.intake.Limits().MaxBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "expected multipart/form-data with a \"file\" field")
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed multipart body")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "missing \"file\" field")
			return
		}
		if err != nil {
			h.writeUploadReadError(w, r, err)
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		resp, err := h.intake.Upload(r.Context(), part.FileName(), part)
		_ = part.Close()
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				h.writeUploadReadError(w, r, err)
				return
			}
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, resp)
		return
	}
}

func (h *Handlers) writeUploadReadError(w http.ResponseWriter, r *http.Request, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "file too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "malformed multipart body")
}

// HandleReanalyze handles POST /reanalyze/{file_id}.
func (h *Handlers) HandleReanalyze(w http.ResponseWriter, r *http.Request) {
	resp, err := h.intake.Reanalyze(r.Context(), r.PathValue("file_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleStatus handles GET /status/{file_id}.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.query.Status(r.Context(), r.PathValue("file_id"))
	h.respond(w, r, resp, err)
}

// HandleFunctions handles GET /functions/{file_id}.
func (h *Handlers) HandleFunctions(w http.ResponseWriter, r *http.Request) {
	resp, err := h.query.Functions(r.Context(), r.PathValue("file_id"))
	h.respond(w, r, resp, err)
}

// HandleDisassembly handles GET /disassembly/{file_id}/{addr}.
func (h *Handlers) HandleDisassembly(w http.ResponseWriter, r *http.Request) {
	resp, err := h.query.Disassembly(r.Context(), r.PathValue("file_id"), r.PathValue("addr"))
	h.respond(w, r, resp, err)
}

// HandleCFG handles GET /cfg/{file_id}/{addr}.
func (h *Handlers) HandleCFG(w http.ResponseWriter, r *http.Request) {
	resp, err := h.query.CFG(r.Context(), r.PathValue("file_id"), r.PathValue("addr"))
	h.respond(w, r, resp, err)
}

// HandleExplain handles GET /explain/{file_id}/{addr}.
func (h *Handlers) HandleExplain(w http.ResponseWriter, r *http.Request) {
	resp, err := h.query.Explain(r.Context(), r.PathValue("file_id"), r.PathValue("addr"))
	h.respond(w, r, resp, err)
}

// HandleMetadata handles GET /metadata/{file_id}.
func (h *Handlers) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	resp, err := h.query.Metadata(r.Context(), r.PathValue("file_id"))
	h.respond(w, r, resp, err)
}

// HandleErrorRecord handles GET /errors/{file_id}.
func (h *Handlers) HandleErrorRecord(w http.ResponseWriter, r *http.Request) {
	resp, err := h.query.Error(r.Context(), r.PathValue("file_id"))
	h.respond(w, r, resp, err)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Engine:  h.engine,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	if h.inflight != nil {
		resp.InFlight = h.inflight()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not available")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(h.openapiSpec)
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, data any, err error) {
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, data)
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *model.ValidationError
		gerr *explain.GenerationError
	)
	switch {
	case errors.As(err, &verr):
		writeErrorDetails(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Message, map[string]string{"field": verr.Field})
	case errors.Is(err, model.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, intake.ErrNotTerminal), errors.Is(err, dispatch.ErrAlreadyInFlight):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.As(err, &gerr):
		h.logger.Warn("explanation generation failed", "file_id", gerr.FileID, "addr", gerr.Addr, "error", gerr.Cause)
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "explanation generator failed")
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrDraining):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "analysis queue unavailable, retry later")
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the body.
		w.WriteHeader(499)
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}
