package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics is a snapshot of the pool counters.
type PoolMetrics struct {
	Size      int   `json:"size"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned by Submit after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs job handlers on at most size goroutines. Submit blocks
// while every slot is taken, which throttles the dispatch loop.
type WorkerPool struct {
	size  int
	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	active, completed, failed, panics atomic.Int64

	// OnDone, when set, observes every finished task. Panics arrive as errors.
	OnDone func(err error)
}

// NewWorkerPool creates a pool of size slots (at least one).
func NewWorkerPool(size int) *WorkerPool {
	size = max(size, 1)
	return &WorkerPool{
		size:  size,
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit runs fn on a pool goroutine once a slot is free. It returns ctx's
// error if cancelled while waiting and ErrPoolShutdown after Shutdown.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add under mu so Shutdown's Wait cannot miss a task.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = fmt.Errorf("worker panic: %v", r)
		}
		p.finish(err)
	}()
	err = fn(ctx)
}

func (p *WorkerPool) finish(err error) {
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	p.active.Add(-1)
	<-p.slots
	if p.OnDone != nil {
		p.OnDone(err)
	}
	p.wg.Done()
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every submitted task has finished.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Shutdown rejects new work and waits for running tasks. It is idempotent.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns the current counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Size:      p.size,
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
