package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultCancelGrace bounds how long Drain waits for cancelled jobs to return.
const defaultCancelGrace = 5 * time.Second

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	// JobTimeout bounds each job. Zero disables the per-job deadline.
	JobTimeout time.Duration
	// CancelGrace bounds the wait for cancelled jobs once Drain's deadline
	// passes. Zero means five seconds.
	CancelGrace time.Duration
	// OnDrop is called for every queued job that Drain discards without
	// running it. It may be nil.
	OnDrop func(fileID string)
}

// Pool runs jobs on a fixed number of worker goroutines fed by a bounded
// queue. Submit never blocks: a full queue returns ErrQueueFull.
type Pool struct {
	proc     Processor
	logger   *slog.Logger
	cfg      PoolConfig
	inflight *inflightSet

	queue chan string
	wg    sync.WaitGroup

	mu       sync.RWMutex
	started  bool
	draining bool
	// stopping makes workers discard queued jobs instead of running them.
	stopping atomic.Bool

	// jobCtx parents every job; cancelled when Drain gives up waiting.
	jobCtx    context.Context
	cancelJob context.CancelFunc
}

// NewPool creates a pool. Call Start before jobs will run.
func NewPool(proc Processor, logger *slog.Logger, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	return &Pool{
		proc:     proc,
		logger:   logger,
		cfg:      cfg,
		inflight: newInflightSet(),
		queue:    make(chan string, cfg.QueueSize),
	}
}

// Start launches the workers. Jobs derive from ctx's values but not its
// cancellation; use Drain to stop. Calling Start twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.jobCtx, p.cancelJob = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("dispatch: pool started", "workers", p.cfg.Workers, "queue_size", p.cfg.QueueSize)
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for id := range p.queue {
		if p.stopping.Load() {
			p.drop(id)
			continue
		}
		p.run(id)
	}
	p.logger.Debug("dispatch: worker stopped", "worker", n)
}

func (p *Pool) run(fileID string) {
	defer p.inflight.release(fileID)
	ctx := p.jobCtx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}
	runJob(ctx, p.proc, p.logger, fileID)
}

func (p *Pool) drop(fileID string) {
	p.inflight.release(fileID)
	p.logger.Warn("dispatch: queued job dropped", "file_id", fileID)
	if p.cfg.OnDrop != nil {
		p.cfg.OnDrop(fileID)
	}
}

func (p *Pool) Submit(_ context.Context, fileID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.draining {
		return ErrDraining
	}
	if !p.inflight.acquire(fileID) {
		return ErrAlreadyInFlight
	}
	select {
	case p.queue <- fileID:
		return nil
	default:
		p.inflight.release(fileID)
		return ErrQueueFull
	}
}

// Drain stops intake, lets workers finish the backlog and waits for them.
// If ctx expires first, running jobs are cancelled, the remaining backlog is
// dropped through OnDrop, and ctx's error is returned once the workers have
// stopped or CancelGrace has passed. No queued job starts after Drain returns.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		// Nobody will consume the backlog.
		p.stopping.Store(true)
		for id := range p.queue {
			p.drop(id)
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancelJob()
		p.logger.Info("dispatch: pool drained")
		return nil
	case <-ctx.Done():
	}

	p.stopping.Store(true)
	p.cancelJob()
	p.logger.Warn("dispatch: drain deadline reached, cancelling running jobs", "in_flight", p.InFlight())
	// Workers and Drain share the closed queue; each ID is dropped once.
	for id := range p.queue {
		p.drop(id)
	}
	select {
	case <-done:
	case <-time.After(p.cfg.CancelGrace):
		p.logger.Error("dispatch: jobs ignored cancellation", "in_flight", p.InFlight())
	}
	return ctx.Err()
}

func (p *Pool) InFlight() int { return p.inflight.len() }

// QueueDepth returns the number of jobs waiting for a worker.
func (p *Pool) QueueDepth() int { return len(p.queue) }
