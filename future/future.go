// Package future provides a single-assignment completion handle. A Future is
// the identity concurrent callers share while a value is being computed: it
// is completed at most once, with a value or with an error, and every waiter
// observes the same outcome.
package future

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/IvanBrykalov/boundcache/executor"
)

// ErrCanceled is the failure recorded by Cancel.
var ErrCanceled = errors.New("future: canceled")

// PanicError wraps a value recovered from a computation.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("future: computation panicked: %v", e.Value) }

// Future is a pending or settled result. The zero value is not usable; use New.
type Future[V any] struct {
	done chan struct{}

	mu        sync.Mutex
	settled   bool
	val       V
	err       error
	callbacks []func()
}

// New returns a pending future.
func New[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

// Completed returns a future already settled with v.
func Completed[V any](v V) *Future[V] {
	f := New[V]()
	f.Complete(v)
	return f
}

// Failed returns a future already settled with err.
func Failed[V any](err error) *Future[V] {
	f := New[V]()
	f.Fail(err)
	return f
}

// Run submits fn to exec and returns a future settled with its outcome.
// A rejected submission settles the future with the rejection error;
// a panic inside fn settles it with a *PanicError.
func Run[V any](exec executor.Executor, fn func() (V, error)) *Future[V] {
	f := New[V]()
	err := exec.Execute(func() {
		defer func() {
			if r := recover(); r != nil {
				f.Fail(&PanicError{Value: r, Stack: debug.Stack()})
			}
		}()
		v, err := fn()
		f.Settle(v, err)
	})
	if err != nil {
		f.Fail(err)
	}
	return f
}

// Complete settles the future with v. It reports false if already settled.
func (f *Future[V]) Complete(v V) bool {
	return f.Settle(v, nil)
}

// Fail settles the future with err. A nil err is replaced by ErrCanceled.
func (f *Future[V]) Fail(err error) bool {
	if err == nil {
		err = ErrCanceled
	}
	var zero V
	return f.Settle(zero, err)
}

// Cancel fails a pending future with ErrCanceled. Awaiters treat it like any
// other failure.
func (f *Future[V]) Cancel() bool {
	return f.Fail(ErrCanceled)
}

// Settle records the outcome, runs OnDone callbacks on the calling
// goroutine and then wakes waiters, so a waiter observes every effect of
// the callbacks. v is kept even when err is non-nil, which lets partial
// results travel with their failure. Only the first call wins.
func (f *Future[V]) Settle(v V, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.val = v
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	defer close(f.done)
	for _, cb := range cbs {
		cb()
	}
	return true
}

// Done is closed once the future is settled and its callbacks have run.
func (f *Future[V]) Done() <-chan struct{} { return f.done }

// IsDone reports whether the future is settled.
func (f *Future[V]) IsDone() bool {
	_, _, ok := f.Result()
	return ok
}

// Get waits for the outcome or for ctx to end. A cancelled ctx only stops
// this waiter; the computation keeps going.
func (f *Future[V]) Get(ctx context.Context) (V, error) {
	if v, err, ok := f.Result(); ok {
		return v, err
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Result returns the outcome without waiting. ok is false while pending.
func (f *Future[V]) Result() (v V, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled {
		return v, nil, false
	}
	return f.val, f.err, true
}

// OnDone registers cb to run once the future settles. On a settled future cb
// runs immediately on the caller.
func (f *Future[V]) OnDone(cb func()) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	cb()
}

// Follow settles f with src's outcome once src settles.
func (f *Future[V]) Follow(src *Future[V]) {
	src.OnDone(func() {
		v, err, _ := src.Result()
		f.Settle(v, err)
	})
}
