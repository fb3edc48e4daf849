// Package explain resolves natural-language explanations of functions.
//
// Lookups go through three tiers: the in-process cache, the persisted
// explanation artifact, and finally the external generator. A generated
// explanation is persisted (best-effort) and cached, so the generator runs at
// most once per (file, address) per process. Generation failures are returned
// to the caller and never cached.
package explain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kaiseki/internal/model"
	"github.com/ashita-ai/kaiseki/internal/storage"
	"github.com/ashita-ai/kaiseki/internal/telemetry"
)

// ErrNoGenerator is the cause reported when no generator is configured.
var ErrNoGenerator = errors.New("explain: no explanation generator configured")

// Generator turns a prompt into explanatory text.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// GenerationError reports a failed call to the external generator.
type GenerationError struct {
	FileID string
	Addr   string
	Cause  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("explain %s@%s: generation failed: %v", e.FileID, e.Addr, e.Cause)
}

func (e *GenerationError) Unwrap() error { return e.Cause }

// Tier names the source that served an explanation.
type Tier string

const (
	TierMemory    Tier = "memory"
	TierDisk      Tier = "disk"
	TierGenerated Tier = "generated"
)

// Service resolves explanations.
type Service struct {
	store  storage.Store
	gen    Generator
	logger *slog.Logger

	cache   *memCache
	group   singleflight.Group
	lookups metric.Int64Counter
}

// New creates a Service. gen may be nil, in which case cache misses fail with
// a GenerationError wrapping ErrNoGenerator.
func New(store storage.Store, gen Generator, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		gen:     gen,
		logger:  logger,
		cache:   newMemCache(),
		lookups: telemetry.ExplainCache(),
	}
}

type result struct {
	text string
	tier Tier
}

func cacheKey(fileID, key string) string { return fileID + ":" + key }

// Explain returns the explanation for the function at addr.
func (s *Service) Explain(ctx context.Context, fileID string, addr uint64) (string, error) {
	text, _, err := s.Resolve(ctx, fileID, addr)
	return text, err
}

// Resolve is Explain that also reports which tier served the text.
func (s *Service) Resolve(ctx context.Context, fileID string, addr uint64) (string, Tier, error) {
	key := model.AddressKey(addr)
	ck := cacheKey(fileID, key)

	if text, ok := s.cache.get(ck); ok {
		s.count(ctx, TierMemory)
		return text, TierMemory, nil
	}

	// Concurrent misses for one key share a single disk read and generation.
	// The shared work runs detached so one caller's cancellation does not fail
	// the others; each caller still returns when its own ctx ends.
	ch := s.group.DoChan(ck, func() (any, error) {
		return s.load(context.WithoutCancel(ctx), fileID, key)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return "", "", r.Err
		}
		res := r.Val.(result)
		s.count(ctx, res.tier)
		return res.text, res.tier, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (s *Service) load(ctx context.Context, fileID, key string) (result, error) {
	ck := cacheKey(fileID, key)
	if text, ok := s.cache.get(ck); ok {
		return result{text, TierMemory}, nil
	}

	ref := storage.AddrRef(fileID, storage.KindExplanation, key)
	data, err := s.store.Get(ctx, ref)
	switch {
	case err == nil:
		text := string(data)
		s.cache.put(ck, text)
		return result{text, TierDisk}, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		// An unreadable persisted copy is treated as a miss.
		s.logger.Warn("explain: read persisted explanation", "file_id", fileID, "addr", key, "error", err)
	}

	raw, err := s.store.Get(ctx, storage.AddrRef(fileID, storage.KindDisassembly, key))
	if err != nil {
		return result{}, err
	}
	disasm, err := decodeDisassembly(raw)
	if err != nil {
		return result{}, fmt.Errorf("explain: decode disassembly %s@%s: %w", fileID, key, err)
	}
	if disasm == nil {
		// The engine produced nothing for this address; there is nothing to explain.
		return result{}, fmt.Errorf("explain: no disassembly for %s@%s: %w", fileID, key, storage.ErrNotFound)
	}

	if s.gen == nil {
		return result{}, &GenerationError{FileID: fileID, Addr: key, Cause: ErrNoGenerator}
	}
	text, err := s.gen.Generate(ctx, BuildPrompt(fileID, key, disasm))
	if err != nil {
		s.logger.Warn("explain: generation failed", "file_id", fileID, "addr", key, "error", err)
		return result{}, &GenerationError{FileID: fileID, Addr: key, Cause: err}
	}

	if err := s.store.Put(ctx, ref, []byte(text)); err != nil {
		s.logger.Warn("explain: persist explanation", "file_id", fileID, "addr", key, "error", err)
	}
	s.cache.put(ck, text)
	return result{text, TierGenerated}, nil
}

// Forget drops the in-memory copy so the next lookup reads the store.
func (s *Service) Forget(fileID string, addr uint64) {
	s.cache.delete(cacheKey(fileID, model.AddressKey(addr)))
}

// Regenerate discards both cached and persisted copies and generates anew.
func (s *Service) Regenerate(ctx context.Context, fileID string, addr uint64) (string, error) {
	s.Forget(fileID, addr)
	ref := storage.AddrRef(fileID, storage.KindExplanation, model.AddressKey(addr))
	if err := s.store.Delete(ctx, ref); err != nil {
		return "", err
	}
	return s.Explain(ctx, fileID, addr)
}

func (s *Service) count(ctx context.Context, tier Tier) {
	s.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(tier))))
}

// decodeDisassembly returns a nil map for a persisted null.
func decodeDisassembly(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}
