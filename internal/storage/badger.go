package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// GCInterval controls how often the value log is garbage collected.
	// Zero disables the GC loop.
	GCInterval time.Duration
	Logger     *slog.Logger
}

// BadgerStore keeps artifacts in an embedded badger database under keys of
// the form "<file_id>/<kind>" or "<file_id>/<kind>/<key>". Writes are synced.
type BadgerStore struct {
	db     *badger.DB
	tmpDir string
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
	once   sync.Once
}

// NewBadgerStore opens (or creates) a badger database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, errors.New("storage: badger directory is required")
		}
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("storage: create badger directory %s: %w", opts.Dir, err)
		}
		bopts = badger.DefaultOptions(opts.Dir).WithSyncWrites(true)
	}
	bopts = bopts.WithLogger(&badgerLogger{logger: logger}).WithNumVersionsToKeep(1)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		tmpDir: os.TempDir(),
		logger: logger,
		stopGC: make(chan struct{}),
		gcDone: make(chan struct{}),
	}
	if opts.GCInterval > 0 && !opts.InMemory {
		go s.runGC(opts.GCInterval)
	} else {
		close(s.gcDone)
	}
	return s, nil
}

func badgerKey(ref Ref) []byte {
	return []byte(ref.String())
}

func (s *BadgerStore) Put(ctx context.Context, ref Ref, data []byte) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(ref), data)
	})
	if err != nil {
		return fmt.Errorf("storage: put %s: %w", ref, err)
	}
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(ref))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", ref, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *BadgerStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(ref))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat %s: %w", ref, err)
	}
	return true, nil
}

func (s *BadgerStore) Delete(ctx context.Context, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(ref))
	})
	if err != nil {
		return fmt.Errorf("storage: delete %s: %w", ref, err)
	}
	return nil
}

func (s *BadgerStore) List(ctx context.Context, fileID string, kind Kind) ([]string, error) {
	if !kind.PerFunction() {
		return nil, fmt.Errorf("%w: %s is not keyed", ErrInvalidRef, kind)
	}
	if !safeSegment(fileID) {
		return nil, fmt.Errorf("%w: file id %q", ErrInvalidRef, fileID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(fileID + "/" + string(kind) + "/")
	keys := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s/%s: %w", fileID, kind, err)
	}
	// Badger iterates in byte order, which is already sorted.
	return keys, nil
}

// LocalPath copies the raw upload into a temp file, since the engine needs a
// real path. cleanup removes the copy.
func (s *BadgerStore) LocalPath(ctx context.Context, fileID string) (string, func(), error) {
	data, err := s.Get(ctx, FileRef(fileID, KindRaw))
	if err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp(s.tmpDir, "kaiseki-"+fileID+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("storage: materialize %s: %w", fileID, err)
	}
	name := f.Name()
	cleanup := func() { _ = os.Remove(name) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("storage: materialize %s: %w", fileID, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("storage: materialize %s: %w", fileID, err)
	}
	return name, cleanup, nil
}

func (s *BadgerStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stopGC)
		<-s.gcDone
		err = s.db.Close()
	})
	return err
}

func (s *BadgerStore) runGC(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("storage: badger value log gc", "error", err)
			}
		}
	}
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
