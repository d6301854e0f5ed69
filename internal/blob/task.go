package blob

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Future is the pending result of an asynchronous operation.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	var zero T
	f.complete(zero, err)
	return f
}

// complete resolves f. Later calls are ignored.
func (f *Future[T]) complete(val T, err error) {
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation finishes or ctx ends. Cancelling ctx stops
// the wait only; the operation itself keeps running.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result blocks until the operation finishes.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Scheduler runs asynchronous operations.
type Scheduler interface {
	// Go runs task, possibly on another goroutine. It must not block the caller
	// for the duration of task.
	Go(task func())
}

// InlineScheduler runs every task on the calling goroutine, so futures are
// already resolved when returned. Tests use it for deterministic ordering.
type InlineScheduler struct{}

// Go runs task immediately.
func (InlineScheduler) Go(task func()) {
	task()
}

// GoroutineScheduler runs each task on its own goroutine with at most
// maxInFlight running at once. Excess tasks wait their turn without blocking
// the submitter.
type GoroutineScheduler struct {
	sem *semaphore.Weighted
}

// NewGoroutineScheduler creates a scheduler bounded to maxInFlight concurrent tasks.
func NewGoroutineScheduler(maxInFlight int64) *GoroutineScheduler {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &GoroutineScheduler{sem: semaphore.NewWeighted(maxInFlight)}
}

// Go starts task once a slot is free.
func (s *GoroutineScheduler) Go(task func()) {
	go func() {
		// Background context: Acquire cannot fail.
		_ = s.sem.Acquire(context.Background(), 1)
		defer s.sem.Release(1)
		task()
	}()
}
