// Package dispatch decouples job submission from execution. Two strategies
// ship: Inline runs the job on the caller's goroutine, Pool hands it to a
// fixed set of workers behind a bounded queue. Both guarantee at most one
// running job per file ID.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrAlreadyInFlight rejects a submit for a file ID that is queued or running.
	ErrAlreadyInFlight = errors.New("dispatch: job already in flight")
	// ErrQueueFull rejects a submit when the pool backlog is saturated.
	ErrQueueFull = errors.New("dispatch: queue full")
	// ErrDraining rejects submits after Drain has been called.
	ErrDraining = errors.New("dispatch: dispatcher is draining")
)

// Processor runs one job. Implementations record the outcome themselves;
// the returned error is only logged.
type Processor interface {
	Process(ctx context.Context, fileID string) error
}

// Dispatcher accepts jobs for execution.
type Dispatcher interface {
	// Submit schedules fileID. It never blocks on the job itself except in
	// inline mode.
	Submit(ctx context.Context, fileID string) error
	// Drain stops intake and waits for accepted jobs or ctx expiry.
	Drain(ctx context.Context) error
	// InFlight returns the number of queued or running jobs.
	InFlight() int
}

type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

// acquire reserves id and reports whether it was free.
func (s *inflightSet) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) release(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}

func (s *inflightSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
