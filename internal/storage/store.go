// Package storage is the durable artifact store. Every analysis output is
// addressed by (file_id, kind, key) where key is the function address for
// per-function kinds and empty for file-level kinds.
//
// Two backends ship: FSStore (one file per artifact, the default) and
// BadgerStore (an embedded LSM key-value store).
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies an artifact type.
type Kind string

const (
	KindRaw         Kind = "raw"
	KindFunctions   Kind = "functions"
	KindDisassembly Kind = "disassembly"
	KindCFG         Kind = "cfg"
	KindExplanation Kind = "explanation"
	KindMetadata    Kind = "metadata"
	KindError       Kind = "error"
)

// PerFunction reports whether artifacts of this kind are keyed by address.
func (k Kind) PerFunction() bool {
	return k == KindDisassembly || k == KindCFG || k == KindExplanation
}

func (k Kind) valid() bool {
	switch k {
	case KindRaw, KindFunctions, KindDisassembly, KindCFG, KindExplanation, KindMetadata, KindError:
		return true
	}
	return false
}

// Ref addresses one artifact.
type Ref struct {
	FileID string
	Kind   Kind
	Key    string
}

// FileRef addresses a file-level artifact.
func FileRef(fileID string, kind Kind) Ref {
	return Ref{FileID: fileID, Kind: kind}
}

// AddrRef addresses a per-function artifact.
func AddrRef(fileID string, kind Kind, key string) Ref {
	return Ref{FileID: fileID, Kind: kind, Key: key}
}

func (r Ref) String() string {
	if r.Key == "" {
		return r.FileID + "/" + string(r.Kind)
	}
	return r.FileID + "/" + string(r.Kind) + "/" + r.Key
}

// Validate checks that the reference is well formed.
func (r Ref) Validate() error {
	if !r.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRef, r.Kind)
	}
	if !safeSegment(r.FileID) {
		return fmt.Errorf("%w: file id %q", ErrInvalidRef, r.FileID)
	}
	if r.Kind.PerFunction() {
		if !safeSegment(r.Key) {
			return fmt.Errorf("%w: key %q for %s", ErrInvalidRef, r.Key, r.Kind)
		}
	} else if r.Key != "" {
		return fmt.Errorf("%w: %s takes no key", ErrInvalidRef, r.Kind)
	}
	return nil
}

// safeSegment accepts strings usable as a single path component and a badger
// key segment. Leading dots are reserved for temp files.
func safeSegment(s string) bool {
	if s == "" || len(s) > 255 || s[0] == '.' {
		return false
	}
	return !strings.ContainsAny(s, "/\\\x00")
}

// Store is the artifact store contract. Implementations must be safe for
// concurrent use; concurrent Puts to distinct refs never interfere.
type Store interface {
	// Put writes data durably before returning, overwriting any previous value.
	Put(ctx context.Context, ref Ref, data []byte) error
	// Get returns the stored bytes or an error wrapping ErrNotFound.
	Get(ctx context.Context, ref Ref) ([]byte, error)
	// Exists reports whether ref has a stored value.
	Exists(ctx context.Context, ref Ref) (bool, error)
	// Delete removes ref. Deleting an absent ref is not an error.
	Delete(ctx context.Context, ref Ref) error
	// List returns the keys stored for a per-function kind, sorted.
	List(ctx context.Context, fileID string, kind Kind) ([]string, error)
	// LocalPath returns a filesystem path holding the raw upload. The caller
	// must invoke cleanup when done with the path.
	LocalPath(ctx context.Context, fileID string) (path string, cleanup func(), err error)
	// Close releases backend resources.
	Close() error
}

// PutJSON marshals v and stores it at ref.
func PutJSON(ctx context.Context, s Store, ref Ref, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", ref, err)
	}
	return s.Put(ctx, ref, data)
}

// GetJSON loads ref and unmarshals it into target.
func GetJSON(ctx context.Context, s Store, ref Ref, target any) error {
	data, err := s.Get(ctx, ref)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("storage: decode %s: %w", ref, err)
	}
	return nil
}
