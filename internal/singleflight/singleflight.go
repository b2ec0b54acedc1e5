// Package singleflight coalesces concurrent computations per key.
package singleflight

import (
	"fmt"
	"sync"

	"github.com/IvanBrykalov/boundcache/future"
)

// Group hands every concurrent caller for a key the same future.
//
// Concurrency notes:
//   - The first caller for a key becomes the leader: a placeholder future is
//     registered under the lock and start runs outside it.
//   - Followers receive the placeholder. It settles with the outcome of the
//     future returned by start, so every caller observes the same identity
//     and the same result.
//   - The key is forgotten once the placeholder settles; the next call
//     starts a fresh computation.
//   - Cancelling the placeholder fails it for every waiter. It does not
//     stop the underlying work.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*future.Future[V]
}

// Go returns the in-flight future for key, or registers one and calls start
// to begin the computation. started reports whether this call was the
// leader. A panic in start fails the future and is re-raised; a nil future
// from start fails it with future.ErrCanceled.
func (g *Group[K, V]) Go(key K, start func() *future.Future[V]) (f *future.Future[V], started bool) {
	g.mu.Lock()
	if f, ok := g.m[key]; ok {
		g.mu.Unlock()
		return f, false
	}
	if g.m == nil {
		g.m = make(map[K]*future.Future[V])
	}
	f = future.New[V]()
	g.m[key] = f
	g.mu.Unlock()

	f.OnDone(func() { g.forget(key, f) })

	defer func() {
		if r := recover(); r != nil {
			f.Fail(&future.PanicError{Value: r})
			panic(fmt.Sprintf("singleflight: start panicked: %v", r))
		}
	}()
	src := start()
	if src == nil {
		f.Cancel()
		return f, true
	}
	f.Follow(src)
	return f, true
}

// Get returns the in-flight future for key, if any.
func (g *Group[K, V]) Get(key K) (*future.Future[V], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.m[key]
	return f, ok
}

// Len returns the number of in-flight keys.
func (g *Group[K, V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}

func (g *Group[K, V]) forget(key K, f *future.Future[V]) {
	g.mu.Lock()
	if g.m[key] == f {
		delete(g.m, key)
	}
	g.mu.Unlock()
}
