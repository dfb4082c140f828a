package crawler

import (
	"context"
	"errors"
	"sync"
)

type task func(ctx context.Context)

// workerPool runs crawl tasks with bounded concurrency and a bounded queue.
// The frontier's batch loop submits one batch at a time and waits, so the
// queue never needs to hold more than one batch.
type workerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan task
	wg     sync.WaitGroup
}

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
	for i := 0; i < concurrency; i++ {
		pool.wg.Add(1)
		go func() {
			defer pool.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case fn, ok := <-pool.tasks:
					if !ok {
						return
					}
					fn(ctx)
				}
			}
		}()
	}
	return pool, nil
}

// runBatch submits every task and blocks until all have finished or the
// context is cancelled.
func (p *workerPool) runBatch(ctx context.Context, batch []task) error {
	var batchWG sync.WaitGroup
	for _, fn := range batch {
		fn := fn
		batchWG.Add(1)
		wrapped := func(workerCtx context.Context) {
			defer batchWG.Done()
			fn(workerCtx)
		}
		select {
		case <-p.ctx.Done():
			batchWG.Done()
			return p.ctx.Err()
		case <-ctx.Done():
			batchWG.Done()
			return ctx.Err()
		case p.tasks <- wrapped:
		}
	}
	batchWG.Wait()
	return nil
}

func (p *workerPool) close() {
	p.cancel()
	close(p.tasks)
	p.wg.Wait()
}
