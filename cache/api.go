package cache

import (
	"context"
	"time"

	"github.com/IvanBrykalov/boundcache/event"
	"github.com/IvanBrykalov/boundcache/future"
)

// Cache is a bounded, expiring, concurrent key/value cache.
// All methods are safe for concurrent use by multiple goroutines.
//
// Reads and writes are amortized O(1): a map operation under a shard lock
// plus a buffered record that maintenance replays against the policy and
// the timer wheel.
type Cache[K comparable, V any] interface {
	// Get returns the value for k and a boolean flag indicating presence.
	// Entries being computed, expired or collected are misses.
	Get(k K) (V, bool)

	// Set inserts or updates k→v. A replaced value is notified with
	// CauseReplaced.
	Set(k K, v V)

	// SetWithTTL inserts or updates k→v with a per-entry lifetime.
	// A non-positive ttl clears the per-entry lifetime.
	SetWithTTL(k K, v V, ttl time.Duration)

	// Add inserts k→v only if k is not present.
	// Returns false if the key already exists (no update is performed).
	Add(k K, v V) bool

	// Remove deletes k and returns its value if it was present.
	Remove(k K) (V, bool)

	// RemoveAll deletes every entry.
	RemoveAll()

	// ComputeIfAbsent returns the value for k, computing it with fn when
	// absent. Concurrent callers share one fn invocation. fn reports false
	// to leave the key unmapped.
	ComputeIfAbsent(k K, fn func(K) (V, bool)) (V, bool)

	// GetOrLoad returns the value for k, loading it on a miss.
	// Concurrent loads for the same key are coalesced.
	// Returns ErrNoLoader if no loader was configured and ErrNotFound if
	// the loader found nothing.
	GetOrLoad(ctx context.Context, k K) (V, error)

	// GetAll returns the values for keys, loading the missing ones in bulk
	// when a bulk loader is configured. Keys the loader did not find are
	// left out of the result. Load failures are aggregated in the error.
	GetAll(ctx context.Context, keys []K) (map[K]V, error)

	// Refresh reloads k in the background. The current value, if any, is
	// served until the reload completes. Concurrent refreshes are coalesced.
	Refresh(ctx context.Context, k K) *future.Future[V]

	// Len returns the number of mappings, including ones not yet cleaned up.
	Len() int

	// WeightedSize returns the total weight known to maintenance.
	WeightedSize() int64

	// Maximum returns the weight bound, math.MaxInt64 when unbounded.
	Maximum() int64

	// SetMaximum changes the weight bound and evicts down to it. It is a
	// no-op on an unbounded cache.
	SetMaximum(maximum int64)

	// CleanUp runs pending maintenance on the calling goroutine.
	CleanUp()

	// Reclaim simulates the collection of a weakly or softly held entry.
	// It reports false when k is absent or strongly held.
	Reclaim(k K) bool

	// ReclaimSoft collects up to n softly held values in eviction order.
	ReclaimSoft(n int) int

	// Events returns the entry-event dispatcher.
	Events() *event.Dispatcher[K, V]

	// Stats returns a snapshot of the statistics counters. They stay zero
	// unless Options.RecordStats is set.
	Stats() Stats

	// Close stops background work and marks the cache closed. Later calls
	// are ignored. It always returns nil.
	Close() error
}

// AsyncCache is a view of the cache whose values are futures. An entry whose
// future is pending is visible to the async view and invisible to the
// synchronous one.
type AsyncCache[K comparable, V any] interface {
	// GetIfPresent returns the future for k if it is computing or present.
	GetIfPresent(k K) (*future.Future[V], bool)

	// Get returns the future for k, starting a load if absent. Every caller
	// racing on the same key receives the same future.
	Get(ctx context.Context, k K) *future.Future[V]

	// GetAll returns a future of the values for keys.
	GetAll(ctx context.Context, keys []K) *future.Future[map[K]V]

	// Set maps k to f. The value is admitted when f completes and the
	// mapping is dropped when f fails.
	Set(k K, f *future.Future[V])

	// Synchronous returns the blocking view over the same entries.
	Synchronous() Cache[K, V]

	Close() error
}
