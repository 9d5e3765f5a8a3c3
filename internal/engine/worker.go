package engine

import (
	"context"
	"sync"
	"sync/atomic"
)

// PoolMetrics counts step jobs by outcome. Panics are also counted as Failed.
type PoolMetrics struct {
	Size      int64 `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool is a bounded goroutine pool for concurrent step execution. It is
// shared by every execution of an engine. Dispatch never blocks: the
// execution loop asks for a slot and retries on its next pass when none is
// free.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// TrySubmit starts fn if a slot is free and reports whether it did.
func (p *WorkerPool) TrySubmit(ctx context.Context, fn func(ctx context.Context) error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}
	// wg.Add happens under mu so it never overlaps Shutdown's Wait.
	p.wg.Add(1)
	p.active.Add(1)
	go p.run(ctx, fn)
	return true
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.active.Add(-1)
		<-p.sem
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
}

// Free returns the number of unused slots at the time of the call.
func (p *WorkerPool) Free() int {
	return cap(p.sem) - len(p.sem)
}

// Size returns the pool capacity.
func (p *WorkerPool) Size() int {
	return cap(p.sem)
}

// Shutdown rejects further jobs and waits for running ones. Calling it again
// is a no-op.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      int64(cap(p.sem)),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
