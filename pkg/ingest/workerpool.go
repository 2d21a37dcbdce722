package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Job is a unit of work run by a WorkerPool.
type Job func(ctx context.Context) error

// WorkerPool runs jobs on a fixed set of goroutines. The Importer uses it to
// normalize dictionary records in parallel. A job that returns an error or
// panics does not stop the pool; the first such error is kept for Err.
type WorkerPool struct {
	size  int
	queue chan Job
	stop  chan struct{}
	done  sync.WaitGroup

	mu       sync.RWMutex
	shut     bool
	inflight sync.WaitGroup // SubmitCtx calls that may still send on queue

	failed   atomic.Int64
	errMu    sync.Mutex
	firstErr error
}

// NewWorkerPool creates a pool of workers goroutines with room for queue
// waiting jobs.
func NewWorkerPool(workers, queue int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = workers * 2
	}
	return &WorkerPool{
		size:  workers,
		queue: make(chan Job, queue),
		stop:  make(chan struct{}),
	}
}

// Start launches the workers. They exit when ctx is done or after Close has
// drained the queue.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.done.Add(1)
		go p.work(ctx)
	}
}

func (p *WorkerPool) work(ctx context.Context) {
	defer p.done.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.run(ctx, job); err != nil {
				p.errMu.Lock()
				if p.firstErr == nil {
					p.firstErr = err
				}
				p.errMu.Unlock()
				p.failed.Add(1)
			}
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(ctx)
}

// Submit queues job, blocking while the queue is full. It returns
// ErrPoolClosed once Close has been called.
func (p *WorkerPool) Submit(job Job) error {
	return p.SubmitCtx(context.Background(), job)
}

// SubmitCtx is Submit that also gives up with ctx.Err() when ctx is done.
func (p *WorkerPool) SubmitCtx(ctx context.Context, job Job) error {
	p.mu.RLock()
	if p.shut {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	p.mu.RUnlock()
	defer p.inflight.Done()

	select {
	case p.queue <- job:
		return nil
	case <-p.stop:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further jobs, lets the workers finish what is queued and
// waits for them. Calling it again does nothing.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.shut {
		p.mu.Unlock()
		return
	}
	p.shut = true
	close(p.stop)
	p.mu.Unlock()

	// Blocked senders see stop and return before the queue is closed.
	p.inflight.Wait()
	close(p.queue)
	p.done.Wait()
}

// Err returns the first job failure, if any. It is stable once Close has
// returned.
func (p *WorkerPool) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.firstErr
}

// Failed returns how many jobs returned an error or panicked.
func (p *WorkerPool) Failed() int64 { return p.failed.Load() }

// ErrPoolClosed is returned if a Submit is attempted after Close.
var ErrPoolClosed = &PoolError{"worker pool closed"}

// PoolError provides a simple typed error for pool operations.
type PoolError struct{ msg string }

func (e *PoolError) Error() string { return e.msg }
