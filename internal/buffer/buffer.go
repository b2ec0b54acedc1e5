// Package buffer provides the lossy read buffer of the maintenance pipeline.
package buffer

import (
	"runtime"
	"sync"

	"github.com/IvanBrykalov/boundcache/internal/util"
)

// Status is the outcome of an Add.
type Status int8

const (
	// Success means the item was recorded.
	Success Status = iota
	// Failed means the stripe was contended and the item was dropped.
	Failed
	// Full means the stripe had no room and the item was dropped. The
	// caller should schedule a drain.
	Full
)

const (
	ringSize = 16
	ringMask = ringSize - 1
)

type ring[T any] struct {
	mu         sync.Mutex
	head, tail uint32
	items      [ringSize]T
	_          util.CacheLinePad
}

// Striped is a set of small rings selected by hash. Adds never block: a
// stripe that is busy or full drops the item. Lost reads only weaken the
// recency and frequency signal; they never affect correctness.
type Striped[T any] struct {
	stripes []ring[T]
	mask    uint64
}

// NewStriped returns a buffer with n stripes rounded up to a power of two.
// n <= 0 picks four stripes per P.
func NewStriped[T any](n int) *Striped[T] {
	if n <= 0 {
		n = 4 * runtime.GOMAXPROCS(0)
	}
	size := util.NextPow2(uint64(n))
	return &Striped[T]{
		stripes: make([]ring[T], size),
		mask:    size - 1,
	}
}

// Add records item in the stripe chosen by hash.
func (s *Striped[T]) Add(hash uint64, item T) Status {
	r := &s.stripes[hash&s.mask]
	if !r.mu.TryLock() {
		return Failed
	}
	defer r.mu.Unlock()
	if r.tail-r.head >= ringSize {
		return Full
	}
	r.items[r.tail&ringMask] = item
	r.tail++
	return Success
}

// DrainTo hands every buffered item to fn and empties the buffer. It must
// be called by one goroutine at a time; fn must not call Add.
func (s *Striped[T]) DrainTo(fn func(T)) {
	var zero T
	for i := range s.stripes {
		r := &s.stripes[i]
		r.mu.Lock()
		for ; r.head != r.tail; r.head++ {
			idx := r.head & ringMask
			fn(r.items[idx])
			r.items[idx] = zero
		}
		r.mu.Unlock()
	}
}

// Len returns the number of buffered items. It is a snapshot for tests and
// diagnostics.
func (s *Striped[T]) Len() int {
	n := 0
	for i := range s.stripes {
		r := &s.stripes[i]
		r.mu.Lock()
		n += int(r.tail - r.head)
		r.mu.Unlock()
	}
	return n
}
