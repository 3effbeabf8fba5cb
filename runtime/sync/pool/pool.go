// Package pool provides the bounded concurrent task executor that runs the
// entity pipeline. Concurrency is semaphore-gated at max_workers; submission
// throttles when the count of pending (submitted, not yet completed) tasks
// exceeds twice max_workers and releases at 90% of that limit to avoid
// flapping. All task errors surface as one aggregated error from Wait.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxWorkers is the default concurrency for sync jobs.
const DefaultMaxWorkers = 20

// maxRecordedErrors caps the diagnostic error slice to bound memory on large
// syncs. The failed count stays accurate regardless.
const maxRecordedErrors = 1000

// Task is one unit of work executed by the pool.
type Task func(ctx context.Context) error

// Pool is a bounded concurrent task executor.
type Pool struct {
	maxWorkers int
	highWater  int
	lowWater   int

	sem *semaphore.Weighted

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	failed  int
	errs    []error

	wg sync.WaitGroup
}

// New creates a pool with the given concurrency. maxWorkers <= 0 uses
// DefaultMaxWorkers.
func New(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	p := &Pool{
		maxWorkers: maxWorkers,
		highWater:  maxWorkers * 2,
		lowWater:   int(float64(maxWorkers*2) * 0.9),
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Submit schedules fn, blocking while the pending count is at the throttle
// high-water mark. Returns ctx.Err when the context ends while throttled.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if err := p.throttle(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.complete()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.record(err)
			return
		}
		defer p.sem.Release(1)
		if err := fn(ctx); err != nil {
			p.record(err)
		}
	}()
	return nil
}

// throttle blocks while pending >= highWater. Once triggered it holds the
// caller until pending drops below lowWater so submission does not flap
// around the boundary.
func (p *Pool) throttle(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending < p.highWater {
		return nil
	}
	// Wake waiters when the context ends; Cond has no context support.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()
	for p.pending >= p.lowWater {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.cond.Wait()
	}
	return nil
}

func (p *Pool) complete() {
	p.mu.Lock()
	p.pending--
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) record(err error) {
	p.mu.Lock()
	p.failed++
	if len(p.errs) < maxRecordedErrors {
		p.errs = append(p.errs, err)
	}
	p.mu.Unlock()
}

// Pending returns the count of submitted tasks not yet completed.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// FailedCount returns the number of tasks that returned an error.
func (p *Pool) FailedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}

// Wait blocks until all submitted tasks finish, then returns the aggregated
// error (nil when every task succeeded).
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// WaitForBatch blocks until all currently submitted tasks finish or the
// timeout elapses. Returns false on timeout. Used by the orchestrator's
// cancellation drain grace period.
func (p *Pool) WaitForBatch(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
