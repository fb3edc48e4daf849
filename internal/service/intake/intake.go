// Package intake registers new analysis jobs: it validates an upload, mints a
// file ID, stores the raw bytes, records PENDING and hands the job to the
// dispatcher.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/status"
	"github.com/ashita-ai/kaiseki/internal/storage"
)

// ErrNotTerminal rejects a reanalysis while the source job has not finished.
var ErrNotTerminal = errors.New("intake: analysis has not finished")

// Submitter schedules a registered file for analysis.
type Submitter interface {
	Submit(ctx context.Context, fileID string) error
}

// Limits bounds what an upload may contain.
type Limits struct {
	MaxBytes          int64
	AllowedExtensions []string
}

// Service registers uploads.
type Service struct {
	store   storage.Store
	tracker status.Tracker
	submit  Submitter
	limits  Limits
	logger  *slog.Logger
}

// New creates an intake Service. Zero limits take the package defaults.
func New(store storage.Store, tracker status.Tracker, submit Submitter, limits Limits, logger *slog.Logger) *Service {
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = model.MaxUploadBytes
	}
	if len(limits.AllowedExtensions) == 0 {
		limits.AllowedExtensions = model.DefaultAllowedExtensions
	}
	return &Service{store: store, tracker: tracker, submit: submit, limits: limits, logger: logger}
}

// Limits returns the effective upload limits.
func (s *Service) Limits() Limits { return s.limits }

// Upload validates and registers a new binary. Validation happens before any
// identity is minted, so a rejected upload leaves no trace.
//
// With an inline dispatcher the analysis has already finished when Upload
// returns; the response still reports PENDING, the state at registration.
func (s *Service) Upload(ctx context.Context, filename string, body io.Reader) (model.UploadResponse, error) {
	if err := model.ValidateUploadName(filename, s.limits.AllowedExtensions); err != nil {
		return model.UploadResponse{}, err
	}
	data, err := io.ReadAll(io.LimitReader(body, s.limits.MaxBytes+1))
	if err != nil {
		return model.UploadResponse{}, fmt.Errorf("intake: read upload: %w", err)
	}
	if err := model.ValidateUploadSize(int64(len(data)), s.limits.MaxBytes); err != nil {
		return model.UploadResponse{}, err
	}

	id := model.NewFileID()
	if err := s.register(ctx, id, data); err != nil {
		return model.UploadResponse{}, err
	}
	s.logger.Info("intake: upload accepted", "file_id", id, "filename", filename, "bytes", len(data))
	return model.UploadResponse{FileID: id, Status: model.StatePending}, s.dispatch(ctx, id)
}

// Reanalyze submits the raw bytes of a finished job under a new file ID. File
// states never move backwards, so a rerun cannot reuse the old identity.
func (s *Service) Reanalyze(ctx context.Context, fileID string) (model.UploadResponse, error) {
	state, err := s.tracker.Get(ctx, fileID)
	if err != nil {
		return model.UploadResponse{}, err
	}
	if !state.Terminal() {
		return model.UploadResponse{}, fmt.Errorf("%w: %s is %s", ErrNotTerminal, fileID, state)
	}
	data, err := s.store.Get(ctx, storage.FileRef(fileID, storage.KindRaw))
	if err != nil {
		return model.UploadResponse{}, err
	}

	id := model.NewFileID()
	if err := s.register(ctx, id, data); err != nil {
		return model.UploadResponse{}, err
	}
	s.logger.Info("intake: reanalysis accepted", "file_id", id, "source_file_id", fileID)
	return model.UploadResponse{FileID: id, Status: model.StatePending}, s.dispatch(ctx, id)
}

func (s *Service) register(ctx context.Context, id string, data []byte) error {
	if err := s.store.Put(ctx, storage.FileRef(id, storage.KindRaw), data); err != nil {
		return fmt.Errorf("intake: store upload %s: %w", id, err)
	}
	if err := s.tracker.Set(ctx, id, model.StatePending); err != nil {
		// Not yet visible to anyone; drop the orphaned bytes.
		_ = s.store.Delete(context.WithoutCancel(ctx), storage.FileRef(id, storage.KindRaw))
		return fmt.Errorf("intake: register %s: %w", id, err)
	}
	return nil
}

// dispatch submits id. A refused submission fails the job right away so the
// file does not sit in PENDING forever.
func (s *Service) dispatch(ctx context.Context, id string) error {
	err := s.submit.Submit(ctx, id)
	if err == nil {
		return nil
	}
	s.logger.Warn("intake: submit rejected", "file_id", id, "error", err)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	record := model.FormatErrorRecord(err.Error(), "job was not accepted by the dispatcher")
	if perr := s.store.Put(ctx, storage.FileRef(id, storage.KindError), record); perr != nil {
		s.logger.Warn("intake: persist error record", "file_id", id, "error", perr)
	}
	if serr := s.tracker.Set(ctx, id, model.StateFailed); serr != nil {
		s.logger.Error("intake: mark rejected job failed", "file_id", id, "error", serr)
	}
	return fmt.Errorf("intake: submit %s: %w", id, err)
}

