// Package query is the read-only surface shared by the HTTP API, the MCP
// server and the CLI. Every accessor first checks that the file is known to
// the status tracker, so an unknown file_id yields NotFound before any
// artifact lookup.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/status"
	"github.com/ashita-ai/kaiseki/internal/storage"
)

// Explainer resolves a function explanation.
type Explainer interface {
	Explain(ctx context.Context, fileID string, addr uint64) (string, error)
	Regenerate(ctx context.Context, fileID string, addr uint64) (string, error)
}

// Service composes the tracker, the artifact store and the explainer.
type Service struct {
	store     storage.Store
	tracker   status.Tracker
	explainer Explainer
	logger    *slog.Logger
}

// New creates a query Service.
func New(store storage.Store, tracker status.Tracker, explainer Explainer, logger *slog.Logger) *Service {
	return &Service{store: store, tracker: tracker, explainer: explainer, logger: logger}
}

// Status returns the current lifecycle entry of fileID.
func (s *Service) Status(ctx context.Context, fileID string) (model.StatusResponse, error) {
	e, err := s.tracker.Entry(ctx, fileID)
	if err != nil {
		return model.StatusResponse{}, err
	}
	return model.StatusResponse{FileID: e.FileID, Status: e.State, UpdatedAt: e.UpdatedAt}, nil
}

// Functions returns the persisted function list in engine order.
func (s *Service) Functions(ctx context.Context, fileID string) (model.FunctionsResponse, error) {
	if err := s.known(ctx, fileID); err != nil {
		return model.FunctionsResponse{}, err
	}
	raw, err := s.store.Get(ctx, storage.FileRef(fileID, storage.KindFunctions))
	if err != nil {
		return model.FunctionsResponse{}, err
	}
	fns, err := model.DecodeFunctions(raw)
	if err != nil {
		return model.FunctionsResponse{}, err
	}
	return model.FunctionsResponse{FileID: fileID, Functions: fns}, nil
}

// Disassembly returns the raw disassembly document persisted for addr. A
// document persisted as null is returned as such.
func (s *Service) Disassembly(ctx context.Context, fileID, addr string) (model.DisassemblyResponse, error) {
	key, err := s.resolve(ctx, fileID, addr)
	if err != nil {
		return model.DisassemblyResponse{}, err
	}
	raw, err := s.store.Get(ctx, storage.AddrRef(fileID, storage.KindDisassembly, key))
	if err != nil {
		return model.DisassemblyResponse{}, err
	}
	if !json.Valid(raw) {
		return model.DisassemblyResponse{}, fmt.Errorf("query: corrupt disassembly %s@%s", fileID, key)
	}
	return model.DisassemblyResponse{FileID: fileID, Addr: key, Disassembly: json.RawMessage(raw)}, nil
}

// CFG returns the normalized basic blocks for addr. Shapes the normalizer
// does not recognise degrade to an empty block list.
func (s *Service) CFG(ctx context.Context, fileID, addr string) (model.CFGResponse, error) {
	key, err := s.resolve(ctx, fileID, addr)
	if err != nil {
		return model.CFGResponse{}, err
	}
	raw, err := s.store.Get(ctx, storage.AddrRef(fileID, storage.KindCFG, key))
	if err != nil {
		return model.CFGResponse{}, err
	}
	shape := model.DecodeCFG(raw)
	if shape.Kind == model.ShapeUnknown && string(raw) != "null" {
		s.logger.Debug("query: unrecognised cfg shape", "file_id", fileID, "addr", key)
	}
	return model.CFGResponse{FileID: fileID, Address: key, Blocks: shape.Normalize()}, nil
}

// Explain resolves the explanation for addr.
func (s *Service) Explain(ctx context.Context, fileID, addr string) (model.ExplainResponse, error) {
	return s.explain(ctx, fileID, addr, s.explainer.Explain)
}

// Regenerate discards any cached or persisted explanation for addr and
// generates a new one.
func (s *Service) Regenerate(ctx context.Context, fileID, addr string) (model.ExplainResponse, error) {
	return s.explain(ctx, fileID, addr, s.explainer.Regenerate)
}

func (s *Service) explain(ctx context.Context, fileID, addr string, fn func(context.Context, string, uint64) (string, error)) (model.ExplainResponse, error) {
	if err := s.known(ctx, fileID); err != nil {
		return model.ExplainResponse{}, err
	}
	n, err := model.ParseAddress(addr)
	if err != nil {
		return model.ExplainResponse{}, err
	}
	text, err := fn(ctx, fileID, n)
	if err != nil {
		return model.ExplainResponse{}, err
	}
	return model.ExplainResponse{FileID: fileID, Addr: model.AddressKey(n), Explanation: text}, nil
}

// Metadata returns the summary written on a successful run.
func (s *Service) Metadata(ctx context.Context, fileID string) (model.AnalysisMetadata, error) {
	if err := s.known(ctx, fileID); err != nil {
		return model.AnalysisMetadata{}, err
	}
	var md model.AnalysisMetadata
	if err := storage.GetJSON(ctx, s.store, storage.FileRef(fileID, storage.KindMetadata), &md); err != nil {
		return model.AnalysisMetadata{}, err
	}
	return md, nil
}

// Error returns the diagnostic persisted when the pipeline failed.
func (s *Service) Error(ctx context.Context, fileID string) (model.ErrorRecordResponse, error) {
	if err := s.known(ctx, fileID); err != nil {
		return model.ErrorRecordResponse{}, err
	}
	raw, err := s.store.Get(ctx, storage.FileRef(fileID, storage.KindError))
	if err != nil {
		return model.ErrorRecordResponse{}, err
	}
	return model.ErrorRecordResponse{FileID: fileID, Error: string(raw)}, nil
}

// Addresses lists the address keys that have persisted disassembly.
func (s *Service) Addresses(ctx context.Context, fileID string) ([]string, error) {
	if err := s.known(ctx, fileID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, fileID, storage.KindDisassembly)
}

func (s *Service) known(ctx context.Context, fileID string) error {
	if fileID == "" {
		return &model.ValidationError{Field: "file_id", Message: "must not be empty"}
	}
	_, err := s.tracker.Get(ctx, fileID)
	return err
}

func (s *Service) resolve(ctx context.Context, fileID, addr string) (string, error) {
	if err := s.known(ctx, fileID); err != nil {
		return "", err
	}
	n, err := model.ParseAddress(addr)
	if err != nil {
		return "", err
	}
	return model.AddressKey(n), nil
}
