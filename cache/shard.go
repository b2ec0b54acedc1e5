package cache

import (
	"sync"

	"github.com/IvanBrykalov/boundcache/future"
	"github.com/IvanBrykalov/boundcache/internal/util"
)

// shard is an independent partition of the entry store with its own lock
// and map. Ordering lives elsewhere: the policy and the timer wheel thread
// through the same nodes under the cache's eviction mutex.
type shard[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu sync.RWMutex
	m  map[K]*node[K, V]

	_ util.CacheLinePad
}

func newShard[K comparable, V any](capacity int) *shard[K, V] {
	return &shard[K, V]{m: make(map[K]*node[K, V], capacity)}
}

// lookup returns the mapping for k together with a consistent read of its
// value and future. pending reports that the value is still being computed.
func (s *shard[K, V]) lookup(k K) (n *node[K, V], v V, f *future.Future[V], pending bool) {
	s.mu.RLock()
	n = s.m[k]
	if n != nil {
		f = n.future
		pending = n.loading.Load()
		if !pending {
			v = n.value
		}
	}
	s.mu.RUnlock()
	return n, v, f, pending
}

// Len returns the number of mappings in this shard.
func (s *shard[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// appendCompleted appends every mapped node whose value is computed.
func (s *shard[K, V]) appendCompleted(dst []*node[K, V]) []*node[K, V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.m {
		if !n.loading.Load() {
			dst = append(dst, n)
		}
	}
	return dst
}
