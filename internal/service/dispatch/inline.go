package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Inline runs each job synchronously inside Submit. It suits tests and
// single-shot tools; an HTTP upload using it blocks until analysis finishes.
type Inline struct {
	proc     Processor
	logger   *slog.Logger
	timeout  time.Duration
	inflight *inflightSet

	mu       sync.RWMutex
	draining bool
	wg       sync.WaitGroup
}

// NewInline creates an inline dispatcher. A zero timeout means no per-job
// deadline beyond the caller's context.
func NewInline(proc Processor, logger *slog.Logger, timeout time.Duration) *Inline {
	return &Inline{proc: proc, logger: logger, timeout: timeout, inflight: newInflightSet()}
}

func (d *Inline) Submit(ctx context.Context, fileID string) error {
	d.mu.RLock()
	if d.draining {
		d.mu.RUnlock()
		return ErrDraining
	}
	if !d.inflight.acquire(fileID) {
		d.mu.RUnlock()
		return ErrAlreadyInFlight
	}
	d.wg.Add(1)
	d.mu.RUnlock()
	defer d.wg.Done()
	defer d.inflight.release(fileID)

	// The job outlives a cancelled request; only the job timeout bounds it.
	jobCtx := context.WithoutCancel(ctx)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, d.timeout)
		defer cancel()
	}
	runJob(jobCtx, d.proc, d.logger, fileID)
	return nil
}

func (d *Inline) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Inline) InFlight() int { return d.inflight.len() }

// runJob invokes the processor, converting a panic into a logged error so a
// misbehaving job cannot take down its goroutine's owner.
func runJob(ctx context.Context, proc Processor, logger *slog.Logger, fileID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatch: job panicked", "file_id", fileID, "panic", r)
		}
	}()
	if err := proc.Process(ctx, fileID); err != nil {
		logger.Debug("dispatch: job finished with error", "file_id", fileID, "error", err)
	}
}
