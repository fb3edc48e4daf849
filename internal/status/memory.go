package status

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ashita-ai/kaiseki/internal/model"
)

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// MemoryTracker keeps states in process memory, sharded by file ID so that
// unrelated files do not contend on one lock. State is lost on restart.
type MemoryTracker struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	t := &MemoryTracker{now: time.Now}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	return t
}

func (t *MemoryTracker) shardFor(fileID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fileID))
	return t.shards[h.Sum32()%shardCount]
}

func (t *MemoryTracker) Set(ctx context.Context, fileID string, state model.FileState) error {
	if err := checkArgs(fileID, state); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := t.shardFor(fileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.entries[fileID]
	if !model.CanTransition(cur.State, state) {
		return transitionErr(fileID, cur.State, state)
	}
	s.entries[fileID] = Entry{FileID: fileID, State: state, UpdatedAt: t.now().UTC()}
	return nil
}

func (t *MemoryTracker) Get(ctx context.Context, fileID string) (model.FileState, error) {
	e, err := t.Entry(ctx, fileID)
	if err != nil {
		return "", err
	}
	return e.State, nil
}

func (t *MemoryTracker) Entry(ctx context.Context, fileID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s := t.shardFor(fileID)
	s.mu.RLock()
	e, ok := s.entries[fileID]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	return e, nil
}

// Len returns the number of tracked files.
func (t *MemoryTracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

func (t *MemoryTracker) Close() error { return nil }
