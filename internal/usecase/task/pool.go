package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the worker count used when NewPool is given n <= 0.
const DefaultWorkers = 4

// ErrPoolClosed is reported to work submitted after Close.
var ErrPoolClosed = errors.New("task pool closed")

// Pool bounds how many background jobs run at once. Submission never
// blocks: each job waits for a slot on its own goroutine, so the caller
// (the tick loop) is never held up by a saturated pool.
type Pool struct {
	sem     *semaphore.Weighted
	workers int64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool

	queued  atomic.Int64
	running atomic.Int64
	total   atomic.Uint64
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Workers   int64  `json:"workers"`
	Queued    int64  `json:"queued"`
	Running   int64  `json:"running"`
	Submitted uint64 `json:"submitted"`
}

// NewPool creates a pool with n worker slots.
func NewPool(n int, logger *slog.Logger) *Pool {
	if n <= 0 {
		n = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     semaphore.NewWeighted(int64(n)),
		workers: int64(n),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

func (p *Pool) submit(job func(ctx context.Context), reject func(err error)) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		reject(ErrPoolClosed)
		return
	}
	p.total.Add(1)
	p.queued.Add(1)
	p.wg.Add(1)
	p.mu.RUnlock()

	go func() {
		defer p.wg.Done()
		err := p.sem.Acquire(p.ctx, 1)
		p.queued.Add(-1)
		if err != nil {
			reject(ErrPoolClosed)
			return
		}
		defer p.sem.Release(1)

		p.running.Add(1)
		defer p.running.Add(-1)
		job(p.ctx)
	}()
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Queued:    p.queued.Load(),
		Running:   p.running.Load(),
		Submitted: p.total.Load(),
	}
}

// Close rejects queued jobs, cancels the context handed to running jobs and
// waits for them to return or for ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("task pool close timed out", "running", p.running.Load())
		return ctx.Err()
	}
}
