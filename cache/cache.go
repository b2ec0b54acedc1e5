package cache

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/boundcache/event"
	"github.com/IvanBrykalov/boundcache/executor"
	"github.com/IvanBrykalov/boundcache/future"
	"github.com/IvanBrykalov/boundcache/internal/buffer"
	"github.com/IvanBrykalov/boundcache/internal/logging"
	"github.com/IvanBrykalov/boundcache/internal/singleflight"
	"github.com/IvanBrykalov/boundcache/internal/timerwheel"
	"github.com/IvanBrykalov/boundcache/internal/util"
	"github.com/IvanBrykalov/boundcache/policy"
	"github.com/IvanBrykalov/boundcache/policy/tinylfu"
)

const forever = time.Duration(math.MaxInt64)

const tracerName = "github.com/IvanBrykalov/boundcache/cache"

// cache is the engine behind both the synchronous and the async view.
// All methods are safe for concurrent use by multiple goroutines.
type cache[K comparable, V any] struct {
	shards []*shard[K, V]
	closed atomic.Bool

	clock             Clock
	weigher           func(K, V) int64
	ttl, tti          int64
	refreshAfterWrite int64
	expiry            Expiry[K, V]
	tracksAccess      bool // reads move deadlines
	keyRef, valueRef  ReferenceKind
	keepFutures       bool

	onRemoval, onEvict func(K, V, RemovalCause)

	loader          Loader[K, V]
	bulkLoader      BulkLoader[K, V]
	asyncLoader     AsyncLoader[K, V]
	asyncBulkLoader AsyncBulkLoader[K, V]
	refreshes       singleflight.Group[K, V]

	executor        executor.Executor
	defaultExecutor bool
	scheduler       executor.Scheduler
	cron            *executor.Cron

	stats    statsCounter
	metrics  Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	rejected rate.Sometimes
	events   *event.Dispatcher[K, V]

	readBuffer       *buffer.Striped[*node[K, V]]
	writeBuffer      chan task[K, V]
	writeBufferSize  int
	drainStatus      util.PaddedAtomicUint32
	drainScheduledAt atomic.Int64

	evictionMu sync.Mutex
	// ---- guarded by evictionMu ----
	evictor      policy.Evictor[K] // nil when unbounded
	wheel        *timerwheel.Wheel
	weightedSize int64
	drainNow     int64
	pacer        pacer
	notes        []removal[K, V]
	batch        *event.Batch[K, V]
	evictBySize  func(policy.Node[K])
	expireNode   func(timerwheel.Node) bool
}

// removal is a notification deferred until the eviction mutex is released.
type removal[K comparable, V any] struct {
	key   K
	value V
	cause RemovalCause
}

// New constructs a cache with the provided Options.
// Defaults:
//   - nil Metrics  -> NoopMetrics
//   - nil Policy   -> W-TinyLFU
//   - Shards <= 0  -> auto, rounded up to the next power of two
//
// New panics on contradictory options.
func New[K comparable, V any](opt Options[K, V]) Cache[K, V] {
	return newCache(opt, false)
}

func newCache[K comparable, V any](opt Options[K, V], async bool) *cache[K, V] {
	validate(opt)

	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = logging.Op()
	}
	if opt.Tracer == nil {
		opt.Tracer = otel.Tracer(tracerName)
	}
	if opt.Clock == nil {
		opt.Clock = systemClock{start: time.Now()}
	}
	c := &cache[K, V]{
		clock:             opt.Clock,
		weigher:           opt.Weigher,
		ttl:               int64(opt.ExpireAfterWrite),
		tti:               int64(opt.ExpireAfterAccess),
		refreshAfterWrite: int64(opt.RefreshAfterWrite),
		expiry:            opt.Expiry,
		tracksAccess:      opt.ExpireAfterAccess > 0 || opt.Expiry != nil,
		keyRef:            opt.KeyReference,
		valueRef:          opt.ValueReference,
		keepFutures:       async,
		onRemoval:         opt.OnRemoval,
		onEvict:           opt.OnEvict,
		loader:            opt.Loader,
		bulkLoader:        opt.BulkLoader,
		asyncLoader:       opt.AsyncLoader,
		asyncBulkLoader:   opt.AsyncBulkLoader,
		executor:          opt.Executor,
		scheduler:         opt.Scheduler,
		metrics:           opt.Metrics,
		logger:            opt.Logger,
		tracer:            opt.Tracer,
		rejected:          rate.Sometimes{Interval: time.Second},
	}
	c.stats.enabled = opt.RecordStats
	if c.executor == nil {
		c.executor = executor.Go()
		c.defaultExecutor = true
	}
	c.events = event.NewDispatcher[K, V](c.executor, c.logger)

	// number of shards -> power of two
	sh := opt.Shards
	if sh <= 0 {
		sh = util.ReasonableShardCount()
	}
	sh = int(util.NextPow2(uint64(sh)))
	perShard := max(opt.InitialCapacity, 0) / sh
	c.shards = make([]*shard[K, V], sh)
	for i := range c.shards {
		c.shards[i] = newShard[K, V](perShard)
	}

	c.readBuffer = buffer.NewStriped[*node[K, V]](0)
	c.writeBufferSize = min(128*int(util.NextPow2(uint64(runtime.GOMAXPROCS(0)))), 1<<14)
	c.writeBuffer = make(chan task[K, V], c.writeBufferSize)

	c.wheel = timerwheel.New(c.clock.Now())
	if maximum, bounded := maximumOf(opt); bounded {
		p := opt.Policy
		if p == nil {
			p = tinylfu.New[K]()
		}
		c.evictor = p.New(maximum)
	}
	c.evictBySize = func(pn policy.Node[K]) {
		c.evictEntry(pn.(*node[K, V]), CauseSize, c.drainNow)
	}
	c.expireNode = func(tn timerwheel.Node) bool {
		return c.evictEntry(tn.(*node[K, V]), CauseExpired, c.drainNow)
	}

	if opt.CleanupSchedule != "" {
		c.cron = executor.NewCron(c.logger)
		if _, err := c.cron.Add(opt.CleanupSchedule, c.CleanUp); err != nil {
			panic(fmt.Sprintf("cache: invalid CleanupSchedule %q: %v", opt.CleanupSchedule, err))
		}
		c.cron.Start()
	}
	return c
}

func validate[K comparable, V any](opt Options[K, V]) {
	switch {
	case opt.MaximumSize < 0 || opt.MaximumWeight < 0:
		panic("cache: maximum must be >= 0")
	case opt.MaximumSize > 0 && opt.MaximumWeight > 0:
		panic("cache: MaximumSize and MaximumWeight are mutually exclusive")
	case opt.MaximumSize > 0 && opt.Weigher != nil:
		panic("cache: Weigher requires MaximumWeight")
	case opt.ExpireAfterAccess < 0 || opt.ExpireAfterWrite < 0 || opt.RefreshAfterWrite < 0:
		panic("cache: durations must be >= 0")
	case opt.KeyReference == Soft:
		panic("cache: keys cannot be softly held")
	case opt.RefreshAfterWrite > 0 && opt.Loader == nil && opt.AsyncLoader == nil:
		panic("cache: RefreshAfterWrite requires a loader")
	}
}

func maximumOf[K comparable, V any](opt Options[K, V]) (int64, bool) {
	switch {
	case opt.MaximumWeight > 0:
		return opt.MaximumWeight, true
	case opt.MaximumSize > 0:
		return opt.MaximumSize, true
	default:
		return 0, false
	}
}

// ---- Cache[K,V] implementation ----

// Get returns the value for k and a presence flag.
func (c *cache[K, V]) Get(k K) (V, bool) {
	var zero V
	if c.closed.Load() {
		return zero, false
	}
	_, v, _, pending, ok := c.read(k, c.clock.Now())
	if !ok || pending {
		c.recordMiss()
		return zero, false
	}
	c.recordHit()
	return v, true
}

// Set inserts or updates k→v.
func (c *cache[K, V]) Set(k K, v V) {
	c.put(k, v, 0, false, nil)
}

// SetWithTTL inserts or updates k→v with a per-entry lifetime.
func (c *cache[K, V]) SetWithTTL(k K, v V, ttl time.Duration) {
	c.put(k, v, ttl, true, nil)
}

// Add inserts k→v only if absent. An in-flight computation counts as
// present.
func (c *cache[K, V]) Add(k K, v V) bool {
	return c.put(k, v, 0, false, func(cur *node[K, V], live bool) bool {
		return !live && (cur == nil || !cur.loading.Load())
	})
}

// Remove deletes k if present. An expired or collected entry is removed
// with its own cause and reported as absent.
func (c *cache[K, V]) Remove(k K) (V, bool) {
	var zero V
	if c.closed.Load() {
		return zero, false
	}
	h := util.Hash64(k)
	s := c.shardFor(h)
	now := c.clock.Now()

	s.mu.Lock()
	n := s.m[k]
	if n == nil {
		s.mu.Unlock()
		return zero, false
	}
	cause := c.staleCause(n, now)
	if cause == causeNone {
		cause = CauseExplicit
	}
	b, r := c.retireLocked(s, n, cause, nil)
	s.mu.Unlock()

	c.afterRetire(r, now)
	b.Dispatch(context.Background())
	if r.pending || cause != CauseExplicit {
		return zero, false
	}
	return r.value, true
}

// RemoveAll drains pending work and then removes every mapping.
func (c *cache[K, V]) RemoveAll() {
	if c.closed.Load() {
		return
	}
	c.evictionMu.Lock()
	c.maintenance(nil)
	now := c.clock.Now()
	var retirees []retiree[K, V]
	for _, s := range c.shards {
		s.mu.Lock()
		for _, n := range s.m {
			cause := c.staleCause(n, now)
			if cause == causeNone {
				cause = CauseExplicit
			}
			var r retiree[K, V]
			c.batch, r = c.retireLocked(s, n, cause, c.batch)
			retirees = append(retirees, r)
		}
		s.mu.Unlock()
	}
	for _, r := range retirees {
		if !r.pending {
			c.unlink(r.n, false)
			c.notes = append(c.notes, removal[K, V]{key: r.n.key, value: r.value, cause: r.cause})
			if r.cause.Evicted() {
				c.recordEviction(r.n.weight.Load(), r.cause)
			}
		}
		r.n.state.Store(dead)
	}
	c.unlockEviction()
}

// Len returns the number of mappings across all shards.
func (c *cache[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.Len()
	}
	return total
}

func (c *cache[K, V]) WeightedSize() int64 {
	c.evictionMu.Lock()
	defer c.evictionMu.Unlock()
	return c.weightedSize
}

func (c *cache[K, V]) Maximum() int64 {
	if c.evictor == nil {
		return math.MaxInt64
	}
	c.evictionMu.Lock()
	defer c.evictionMu.Unlock()
	return c.evictor.Maximum()
}

func (c *cache[K, V]) SetMaximum(maximum int64) {
	if c.evictor == nil {
		return
	}
	c.evictionMu.Lock()
	c.evictor.SetMaximum(max(maximum, 0))
	c.maintenance(nil)
	c.unlockEviction()
}

func (c *cache[K, V]) CleanUp() {
	c.performCleanUp(nil)
}

func (c *cache[K, V]) Events() *event.Dispatcher[K, V] { return c.events }

func (c *cache[K, V]) Stats() Stats { return c.stats.snapshot() }

// Close stops the cron sweep and the pacer and marks the cache closed.
// Future operations are ignored.
func (c *cache[K, V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.cron != nil {
		c.cron.Stop()
	}
	c.evictionMu.Lock()
	c.pacer.stop()
	c.unlockEviction()
	return nil
}

// ---- store internals ----

// shardFor picks a shard from the high bits of the key hash.
func (c *cache[K, V]) shardFor(hash uint64) *shard[K, V] {
	return c.shards[util.ShardIndex(hash, len(c.shards))]
}

// read looks k up. A pending entry is returned as is; a stale one is
// cleaned up and reported missing. Hits are recorded with maintenance but
// not in the statistics.
func (c *cache[K, V]) read(k K, now int64) (n *node[K, V], v V, f *future.Future[V], pending, ok bool) {
	h := util.Hash64(k)
	s := c.shardFor(h)
	n, v, f, pending = s.lookup(k)
	if n == nil {
		return nil, v, nil, false, false
	}
	if pending {
		return n, v, f, true, true
	}
	if cause := c.staleCause(n, now); cause != causeNone {
		if cause == CauseExpired {
			c.removeStale(s, n, now)
		}
		var zero V
		return nil, zero, nil, false, false
	}
	c.afterRead(n, v, now)
	return n, v, f, false, true
}

// put inserts or replaces k. guard, when set, vets the current mapping
// under the shard lock; live reports whether it holds a usable value.
func (c *cache[K, V]) put(k K, v V, ttl time.Duration, withTTL bool, guard func(cur *node[K, V], live bool) bool) bool {
	if c.closed.Load() {
		return false
	}
	h := util.Hash64(k)
	s := c.shardFor(h)
	now := c.clock.Now()
	w := c.weigh(k, v)

	s.mu.Lock()
	cur := s.m[k]
	live := cur != nil && !cur.loading.Load() && c.staleCause(cur, now) == causeNone
	if guard != nil && !guard(cur, live) {
		s.mu.Unlock()
		return false
	}
	if live {
		old := cur.value
		cur.value = v
		cur.future = nil
		cur.weight.Store(w)
		cur.writeTime.Store(now)
		cur.accessTime.Store(now)
		cur.variableTime.Store(c.variableOnUpdate(cur, v, now, ttl, withTTL))
		c.updateDeadline(cur)
		b := c.events.Stage(nil, event.Event[K, V]{
			Type: event.Updated, Source: c, Key: k, Value: v, OldValue: old, HasOldValue: true,
		})
		s.mu.Unlock()

		c.afterWrite(task[K, V]{kind: updateTask, n: cur}, now)
		c.notify(k, old, CauseReplaced)
		b.Dispatch(context.Background())
		return true
	}

	var b *event.Batch[K, V]
	var r retiree[K, V]
	if cur != nil {
		b, r = c.retireLocked(s, cur, c.staleCause(cur, now), b)
	}
	n := newNode[K, V](k, h, now)
	n.value = v
	n.weight.Store(w)
	n.variableTime.Store(c.variableOnCreate(k, v, now, ttl, withTTL))
	c.updateDeadline(n)
	s.m[k] = n
	b = c.events.Stage(b, event.Event[K, V]{Type: event.Created, Source: c, Key: k, Value: v})
	s.mu.Unlock()

	c.afterRetire(r, now)
	c.afterWrite(task[K, V]{kind: addTask, n: n}, now)
	b.Dispatch(context.Background())
	return true
}

// retiree is a node unmapped under the shard lock whose cleanup runs after
// the lock is released.
type retiree[K comparable, V any] struct {
	n       *node[K, V]
	value   V
	cause   RemovalCause
	pending bool
}

// retireLocked unmaps n and stages its removal event. s.mu must be held.
func (c *cache[K, V]) retireLocked(s *shard[K, V], n *node[K, V], cause RemovalCause, b *event.Batch[K, V]) (*event.Batch[K, V], retiree[K, V]) {
	delete(s.m, n.key)
	n.state.Store(retired)
	r := retiree[K, V]{n: n, value: n.value, cause: cause, pending: n.loading.Load()}
	if r.pending {
		return b, r
	}
	if t, ok := eventTypeOf(cause); ok {
		b = c.events.Stage(b, event.Event[K, V]{Type: t, Source: c, Key: n.key, Value: n.value})
	}
	return b, r
}

// afterRetire queues the unlink and notifies listeners.
func (c *cache[K, V]) afterRetire(r retiree[K, V], now int64) {
	switch {
	case r.n == nil:
		return
	case r.pending:
		// never linked; its computation finds the mapping gone
		r.n.state.Store(dead)
		return
	}
	c.afterWrite(task[K, V]{kind: removeTask, n: r.n}, now)
	if r.cause.Evicted() {
		c.recordEviction(r.n.weight.Load(), r.cause)
	}
	c.notify(r.n.key, r.value, r.cause)
}

// removeStale drops n if it is still mapped and still expired.
func (c *cache[K, V]) removeStale(s *shard[K, V], n *node[K, V], now int64) {
	s.mu.Lock()
	if s.m[n.key] != n || c.staleCause(n, now) != CauseExpired {
		s.mu.Unlock()
		return
	}
	b, r := c.retireLocked(s, n, CauseExpired, nil)
	s.mu.Unlock()

	c.afterRetire(r, now)
	b.Dispatch(context.Background())
}

// staleCause reports why a completed entry must not be served, or
// causeNone if it is usable.
func (c *cache[K, V]) staleCause(n *node[K, V], now int64) RemovalCause {
	switch {
	case n.collected.Load():
		return CauseCollected
	case n.expiresAt.Load() <= now:
		return CauseExpired
	default:
		return causeNone
	}
}

func eventTypeOf(cause RemovalCause) (event.Type, bool) {
	switch cause {
	case CauseExplicit, CauseSize, CauseCollected:
		return event.Removed, true
	case CauseExpired:
		return event.Expired, true
	default:
		return 0, false
	}
}

// ---- expiration ----

func (c *cache[K, V]) variableOnCreate(k K, v V, now int64, ttl time.Duration, withTTL bool) int64 {
	switch {
	case withTTL:
		if ttl <= 0 {
			return timerwheel.Never
		}
		return deadlineAfter(now, ttl)
	case c.expiry != nil:
		return deadlineAfter(now, c.expiry.ExpireAfterCreate(k, v, now))
	default:
		return timerwheel.Never
	}
}

func (c *cache[K, V]) variableOnUpdate(n *node[K, V], v V, now int64, ttl time.Duration, withTTL bool) int64 {
	if withTTL || c.expiry == nil {
		return c.variableOnCreate(n.key, v, now, ttl, withTTL)
	}
	current := remaining(n.variableTime.Load(), now)
	return deadlineAfter(now, c.expiry.ExpireAfterUpdate(n.key, v, now, current))
}

// updateDeadline recomputes the effective deadline from the node's times.
// Readers race writers here, so the store retries until it is based on
// the latest times.
func (c *cache[K, V]) updateDeadline(n *node[K, V]) {
	for {
		prev := n.expiresAt.Load()
		d := n.variableTime.Load()
		if c.tti > 0 {
			d = min(d, saturatingAdd(n.accessTime.Load(), c.tti))
		}
		if c.ttl > 0 {
			d = min(d, saturatingAdd(n.writeTime.Load(), c.ttl))
		}
		if n.expiresAt.CompareAndSwap(prev, d) {
			return
		}
	}
}

func deadlineAfter(now int64, d time.Duration) int64 {
	if d >= forever {
		return timerwheel.Never
	}
	return saturatingAdd(now, int64(max(d, 0)))
}

func remaining(deadline, now int64) time.Duration {
	if deadline == timerwheel.Never {
		return forever
	}
	return time.Duration(max(deadline-now, 0))
}

func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// ---- helpers ----

// maxEntryWeight caps a single weight so running totals cannot overflow.
const maxEntryWeight = math.MaxInt32

func (c *cache[K, V]) weigh(k K, v V) int64 {
	if c.weigher == nil {
		return 1
	}
	return min(max(c.weigher(k, v), 0), maxEntryWeight)
}

func (c *cache[K, V]) recordHit() {
	c.stats.recordHit()
	c.metrics.Hit()
}

func (c *cache[K, V]) recordMiss() {
	c.stats.recordMiss()
	c.metrics.Miss()
}

func (c *cache[K, V]) recordEviction(weight int64, cause RemovalCause) {
	c.stats.recordEviction(weight)
	c.metrics.Evict(cause)
}

// notify runs OnEvict inline for automatic removals and hands OnRemoval to
// the executor. A rejected notification runs on the caller.
func (c *cache[K, V]) notify(k K, v V, cause RemovalCause) {
	if c.onEvict != nil && cause.Evicted() {
		c.guard("OnEvict", func() { c.onEvict(k, v, cause) })
	}
	if c.onRemoval == nil {
		return
	}
	notification := func() {
		c.guard("OnRemoval", func() { c.onRemoval(k, v, cause) })
	}
	if err := c.executor.Execute(notification); err != nil {
		c.warnRejected(err)
		notification()
	}
}

// guard runs a user callback, logging instead of propagating a panic.
func (c *cache[K, V]) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("cache: callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

func (c *cache[K, V]) warnRejected(err error) {
	c.rejected.Do(func() {
		c.logger.Warn("cache: executor rejected task; running on caller", "error", err)
	})
}
