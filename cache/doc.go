// Package cache provides a bounded, expiring, concurrent in-memory cache
// with near-optimal hit rates, in the spirit of Caffeine.
//
// Design
//
//   - Storage: entries live in a sharded map, each shard protected by an
//     RWMutex. The default shard count is chosen by a heuristic
//     (ReasonableShardCount) and is a power of two.
//
//   - Maintenance: reads and writes never touch the eviction structures
//     directly. Reads are recorded in a lossy striped buffer, writes in a
//     bounded lossless buffer, and a single drain at a time replays them
//     under the eviction mutex. Drains run on the configured Executor; a
//     drain that is rejected or dropped is picked up by a later caller.
//
//   - Size eviction: the policy package decides what to evict. W-TinyLFU is
//     the default: a small LRU window feeds a segmented main space, and a
//     count-min sketch decides whether a window victim may displace a main
//     victim. The window size adapts to the workload (hill climbing).
//     LRU and 2Q are provided as alternatives.
//
//   - Expiration: fixed time-to-idle, fixed time-to-live, and per-entry
//     variable lifetimes combine into one deadline per entry, tracked by a
//     hierarchical timer wheel. Expired entries are invisible to reads even
//     before maintenance removes them. With a Scheduler, the cache also
//     wakes itself for the next deadline.
//
//   - Loading: GetOrLoad, GetAll and ComputeIfAbsent coalesce concurrent
//     computations of the same key into one pending entry. The async view
//     (NewAsync) exposes the pending entry's future itself.
//
//   - Notifications: OnEvict runs synchronously for automatic removals,
//     OnRemoval runs on the Executor for every removal, and Events() offers
//     per-registration entry events with filters and synchronous delivery.
//     Notifications collected during maintenance are delivered after the
//     eviction mutex is released, so listeners may call back into the cache.
//
// Basic usage
//
//	c := cache.New[string, []byte](cache.Options[string, []byte]{MaximumSize: 10_000})
//	c.Set("a", []byte("1"))
//	if v, ok := c.Get("a"); ok {
//	    _ = v // use value
//	}
//	c.Remove("a")
//
// With expiration
//
//	c := cache.New[string, string](cache.Options[string, string]{
//	    MaximumSize:      1024,
//	    ExpireAfterWrite: time.Minute,
//	})
//	c.SetWithTTL("tmp", "v", 200*time.Millisecond)
//
// With a loader
//
//	c := cache.New[string, string](cache.Options[string, string]{
//	    MaximumSize: 1024,
//	    Loader: func(ctx context.Context, k string) (string, error) {
//	        // e.g. fetch from DB
//	        return "v:" + k, nil
//	    },
//	})
//	v, err := c.GetOrLoad(context.Background(), "key")
//
// Weighted, with an alternative policy
//
//	c := cache.New[string, []byte](cache.Options[string, []byte]{
//	    MaximumWeight: 64 << 20,
//	    Weigher:       func(_ string, v []byte) int64 { return int64(len(v)) },
//	    Policy:        twoq.New[string](0, 0),
//	})
//
// Exporting metrics (Prometheus adapter)
//
//	m := prom.New(nil, "cachex", "demo", nil) // implements Metrics
//	c := cache.New[string, []byte](cache.Options[string, []byte]{
//	    MaximumSize: 10_000,
//	    Metrics:     m,
//	})
package cache
