package ingest

import (
	"context"
	"errors"
	"sync"
)

type task func(ctx context.Context)

// workerPool runs embedding tasks with bounded concurrency and a bounded
// queue to avoid deadlocks.
type workerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task
	wg     sync.WaitGroup
}

// newWorkerPool creates a pool with the given concurrency and queue size.
func newWorkerPool(parent context.Context, concurrency, queueSize int) (*workerPool, error) {
	if concurrency <= 0 || queueSize <= 0 {
		return nil, errors.New("worker pool requires positive concurrency and queue size")
	}
	ctx, cancel := context.WithCancel(parent)
	pool := &workerPool{
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan task, queueSize),
	}
	pool.start(concurrency)
	return pool, nil
}

func (p *workerPool) start(concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-p.ctx.Done():
					return
				case task, ok := <-p.tasks:
					if !ok {
						return
					}
					task(p.ctx)
				}
			}
		}()
	}
}

// submit schedules a task, rejecting if the context cancels or the queue
// is full past the blocking wait.
func (p *workerPool) submit(ctx context.Context, fn task) error {
	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	case p.tasks <- fn:
		return nil
	}
}

// close stops all workers. Callers wait for their own tasks before
// closing; the pool does not guarantee queued tasks run after close.
func (p *workerPool) close() {
	p.cancel()
	close(p.tasks)
	p.wg.Wait()
}
