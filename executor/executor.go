// Package executor defines the task-execution and scheduling capabilities the
// cache consumes for background maintenance, listener delivery and async
// loads. The engine never assumes a task actually runs: an Executor may run
// it inline, later, never, or refuse it with an error.
package executor

import (
	"context"
	"errors"

	"golang.org/x/sync/semaphore"
)

// ErrRejected is returned by executors that refuse a task.
var ErrRejected = errors.New("executor: task rejected")

// Executor runs tasks. Execute must not block for the duration of the task
// unless the implementation is explicitly synchronous (Direct).
type Executor interface {
	Execute(task func()) error
}

// Func adapts a plain function to Executor.
type Func func(task func()) error

// Execute implements Executor.
func (f Func) Execute(task func()) error { return f(task) }

// Direct runs every task on the calling goroutine before returning.
func Direct() Executor {
	return Func(func(task func()) error {
		task()
		return nil
	})
}

// Go runs every task on a fresh goroutine. It is the default executor.
func Go() Executor {
	return Func(func(task func()) error {
		go task()
		return nil
	})
}

// Bounded runs tasks on fresh goroutines but never more than n at a time.
// When all slots are taken the task is rejected instead of queued.
type Bounded struct {
	sem *semaphore.Weighted
	n   int64
}

// NewBounded returns an executor with at most n concurrent tasks.
func NewBounded(n int64) *Bounded {
	if n < 1 {
		n = 1
	}
	return &Bounded{sem: semaphore.NewWeighted(n), n: n}
}

// Execute implements Executor.
func (b *Bounded) Execute(task func()) error {
	if !b.sem.TryAcquire(1) {
		return ErrRejected
	}
	go func() {
		defer b.sem.Release(1)
		task()
	}()
	return nil
}

// Wait blocks until every running task has finished or ctx is done.
func (b *Bounded) Wait(ctx context.Context) error {
	if err := b.sem.Acquire(ctx, b.n); err != nil {
		return err
	}
	b.sem.Release(b.n)
	return nil
}
