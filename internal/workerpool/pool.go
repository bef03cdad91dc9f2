// Package workerpool runs fire-and-forget side effects (audit writes, alert
// history appends, metric publishes) on a bounded set of workers. When the
// queue is full new work is dropped rather than blocking the critical path.
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Pool is a bounded worker pool with a drop-on-overflow submit policy.
type Pool struct {
	tasks   chan func(ctx context.Context)
	logger  *slog.Logger
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	dropped atomic.Int64

	mu      sync.Mutex
	started bool
	closed  bool
}

// New creates a pool with the given worker count and queue depth.
func New(workers, queueDepth int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		tasks:  make(chan func(ctx context.Context), queueDepth),
		logger: logger,
	}
	p.start(workers)
	return p
}

func (p *Pool) start(workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				func() {
					defer func() {
						if r := recover(); r != nil {
							p.logger.Error("worker task panicked", "panic", r)
						}
					}()
					task(ctx)
				}()
			}
		}()
	}
}

// Submit enqueues a task. Returns false if the queue is full or the pool is
// closed; the task is dropped in that case. The closed-check and the send
// share one critical section with Close so a concurrent Close cannot close
// the channel between them.
func (p *Pool) Submit(task func(ctx context.Context)) bool {
	if task == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.dropped.Add(1)
		return false
	}

	select {
	case p.tasks <- task:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped returns the number of tasks dropped due to overflow or shutdown.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting work, cancels in-flight task contexts, and waits for
// workers to drain the queue.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}
