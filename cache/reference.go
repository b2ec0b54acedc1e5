package cache

import (
	"cmp"
	"slices"

	"github.com/IvanBrykalov/boundcache/internal/util"
	"github.com/IvanBrykalov/boundcache/policy"
)

// Reclaim marks the entry for k as collected, as the garbage collector
// would for a weakly or softly held key or value. The entry disappears from
// reads at once and is removed with CauseCollected by maintenance.
func (c *cache[K, V]) Reclaim(k K) bool {
	if c.closed.Load() || (c.keyRef == Strong && c.valueRef == Strong) {
		return false
	}
	h := util.Hash64(k)
	s := c.shardFor(h)
	now := c.clock.Now()

	s.mu.Lock()
	n := s.m[k]
	if n == nil || n.loading.Load() || n.collected.Load() {
		s.mu.Unlock()
		return false
	}
	n.collected.Store(true)
	s.mu.Unlock()

	c.afterWrite(task[K, V]{kind: collectTask, n: n}, now)
	return true
}

// ReclaimSoft collects up to n softly held values, coldest first: in the
// policy's eviction order when bounded, least recently accessed otherwise.
func (c *cache[K, V]) ReclaimSoft(n int) int {
	if c.closed.Load() || c.valueRef != Soft || n <= 0 {
		return 0
	}
	c.evictionMu.Lock()
	c.maintenance(nil)

	var victims []*node[K, V]
	if c.evictor != nil {
		c.evictor.Coldest(func(pn policy.Node[K]) bool {
			victims = append(victims, pn.(*node[K, V]))
			return len(victims) < n
		})
	} else {
		for _, s := range c.shards {
			victims = s.appendCompleted(victims)
		}
		slices.SortFunc(victims, func(a, b *node[K, V]) int {
			return cmp.Compare(a.accessTime.Load(), b.accessTime.Load())
		})
		victims = victims[:min(n, len(victims))]
	}

	reclaimed := 0
	for _, v := range victims {
		if c.collect(v) {
			reclaimed++
		}
	}
	c.unlockEviction()
	return reclaimed
}

// collect removes n with CauseCollected unless a write retired it or it is
// still loading. The caller holds evictionMu.
func (c *cache[K, V]) collect(n *node[K, V]) bool {
	s := c.shardFor(n.hash)
	s.mu.Lock()
	if s.m[n.key] != n || !n.isAlive() || n.loading.Load() {
		s.mu.Unlock()
		return false
	}
	n.collected.Store(true)
	c.evictLocked(s, n, CauseCollected)
	return true
}
