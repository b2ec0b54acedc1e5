package cache

import (
	"sync/atomic"

	"github.com/IvanBrykalov/boundcache/future"
	"github.com/IvanBrykalov/boundcache/internal/timerwheel"
	"github.com/IvanBrykalov/boundcache/policy"
)

// Node lifecycle. A node is alive while it is the store's mapping for its
// key, retired once unmapped but possibly still linked into the policy or
// the wheel, and dead when maintenance has unlinked it for good.
const (
	alive uint32 = iota
	retired
	dead
)

// node is one cache entry. It is shared by the shard map, the policy deques
// and the timer wheel, each of which owns a different slice of its state.
type node[K comparable, V any] struct {
	key  K
	hash uint64

	// Guarded by the shard lock.
	value V
	// future is set while the entry is being computed. Async caches keep the
	// completed future so repeated lookups hand out the same identity.
	future *future.Future[V]

	weight       atomic.Int64
	writeTime    atomic.Int64
	accessTime   atomic.Int64
	variableTime atomic.Int64 // per-entry deadline, timerwheel.Never if unset
	expiresAt    atomic.Int64 // effective deadline
	state        atomic.Uint32
	loading      atomic.Bool
	collected    atomic.Bool

	// Owned by maintenance (eviction mutex held).
	linked       bool
	policyWeight int64
	links        policy.Links[K]
	timer        timerwheel.Links
}

func newNode[K comparable, V any](k K, hash uint64, now int64) *node[K, V] {
	n := &node[K, V]{key: k, hash: hash}
	n.writeTime.Store(now)
	n.accessTime.Store(now)
	n.variableTime.Store(timerwheel.Never)
	n.expiresAt.Store(timerwheel.Never)
	return n
}

func (n *node[K, V]) Key() K                        { return n.key }
func (n *node[K, V]) Hash() uint64                  { return n.hash }
func (n *node[K, V]) PolicyWeight() int64           { return n.policyWeight }
func (n *node[K, V]) Links() *policy.Links[K]       { return &n.links }
func (n *node[K, V]) ExpiresAt() int64              { return n.expiresAt.Load() }
func (n *node[K, V]) TimerLinks() *timerwheel.Links { return &n.timer }

func (n *node[K, V]) isAlive() bool { return n.state.Load() == alive }
