package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore keeps one file per artifact under a root directory:
//
//	<root>/uploads/<file_id>
//	<root>/artifacts/<file_id>/<kind>.json
//	<root>/artifacts/<file_id>/<kind>/<key>.json
//	<root>/artifacts/<file_id>/explanations/<key>.txt
//	<root>/artifacts/<file_id>/error.txt
//
// Writes go to a temp file in the destination directory, are fsynced, then
// renamed into place, so a reader never observes a partial artifact.
type FSStore struct {
	root string
}

// NewFSStore creates the directory layout under root.
func NewFSStore(root string) (*FSStore, error) {
	for _, dir := range []string{filepath.Join(root, "uploads"), filepath.Join(root, "artifacts")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	return &FSStore{root: root}, nil
}

// Root returns the store's base directory.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) path(ref Ref) string {
	switch ref.Kind {
	case KindRaw:
		return filepath.Join(s.root, "uploads", ref.FileID)
	case KindError:
		return filepath.Join(s.root, "artifacts", ref.FileID, "error.txt")
	case KindExplanation:
		return filepath.Join(s.root, "artifacts", ref.FileID, "explanations", ref.Key+".txt")
	}
	if ref.Kind.PerFunction() {
		return filepath.Join(s.root, "artifacts", ref.FileID, string(ref.Kind), ref.Key+".json")
	}
	return filepath.Join(s.root, "artifacts", ref.FileID, string(ref.Kind)+".json")
}

func (s *FSStore) Put(ctx context.Context, ref Ref, data []byte) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeFileAtomic(s.path(ref), data); err != nil {
		return fmt.Errorf("storage: put %s: %w", ref, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", ref, err)
	}
	return data, nil
}

func (s *FSStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat %s: %w", ref, err)
	}
	return true, nil
}

func (s *FSStore) Delete(ctx context.Context, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path(ref)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: delete %s: %w", ref, err)
	}
	return nil
}

func (s *FSStore) List(ctx context.Context, fileID string, kind Kind) ([]string, error) {
	if !kind.PerFunction() {
		return nil, fmt.Errorf("%w: %s is not keyed", ErrInvalidRef, kind)
	}
	if !safeSegment(fileID) {
		return nil, fmt.Errorf("%w: file id %q", ErrInvalidRef, fileID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, ext := string(kind), ".json"
	if kind == KindExplanation {
		dir, ext = "explanations", ".txt"
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "artifacts", fileID, dir))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: list %s/%s: %w", fileID, kind, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ext))
	}
	sort.Strings(keys)
	return keys, nil
}

// LocalPath returns the upload path directly; cleanup is a no-op.
func (s *FSStore) LocalPath(ctx context.Context, fileID string) (string, func(), error) {
	ref := FileRef(fileID, KindRaw)
	ok, err := s.Exists(ctx, ref)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return s.path(ref), func() {}, nil
}

func (s *FSStore) Close() error { return nil }

// writeFileAtomic writes data to a sibling temp file, syncs it, renames it over
// path and syncs the parent directory.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // dir is derived from a validated ref
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
