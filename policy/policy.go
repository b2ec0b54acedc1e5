// Package policy defines the size-eviction contract used by the cache's
// maintenance pipeline. A policy orders resident entries and picks victims
// when the aggregate weight exceeds the configured maximum.
package policy

// Node is the minimal contract a cache entry must satisfy for a policy.
// Links are intrusive and owned by the policy; the cache never touches them.
type Node[K comparable] interface {
	Key() K
	Hash() uint64
	// PolicyWeight is the weight last reported to the policy. It only
	// changes between OnUpdate calls.
	PolicyWeight() int64
	Links() *Links[K]
}

// Evictor is a policy instance bound to one cache.
// All methods are invoked under the cache's eviction mutex, never concurrently.
//
// Semantics:
//   - OnAdd admits a node that is not linked yet.
//   - OnAccess and OnUpdate reorder a linked node. OnUpdate receives the
//     previous weight so sizes can be adjusted by the delta.
//   - OnRemove unlinks a node the cache removed for its own reasons
//     (explicit removal, expiration, collection).
//   - Evict evicts until WeightedSize() <= Maximum(). The policy unlinks a
//     victim before calling evict, and the cache must not call OnRemove for it.
//   - OnAdd/OnUpdate may also call evict for a node heavier than the maximum.
type Evictor[K comparable] interface {
	OnAdd(n Node[K], evict func(Node[K]))
	OnAccess(n Node[K])
	OnUpdate(n Node[K], oldWeight int64, evict func(Node[K]))
	OnRemove(n Node[K])
	Evict(evict func(Node[K]))

	SetMaximum(maximum int64)
	Maximum() int64
	WeightedSize() int64

	// Coldest walks linked nodes from the next victim onwards until yield
	// returns false.
	Coldest(yield func(Node[K]) bool)
}

// Policy is a factory that creates an Evictor for a given maximum weight.
type Policy[K comparable] interface {
	New(maximum int64) Evictor[K]
}

// Climber is implemented by evictors that adapt their region sizes to the
// observed hit rate. The cache calls Climb once per maintenance pass, after
// eviction.
type Climber interface {
	Climb()
}
