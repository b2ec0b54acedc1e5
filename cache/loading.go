package cache

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/IvanBrykalov/boundcache/event"
	"github.com/IvanBrykalov/boundcache/future"
	"github.com/IvanBrykalov/boundcache/internal/util"
)

// GetOrLoad returns the value for k; on miss it loads via the configured
// loader, coalescing concurrent loads for the same key.
func (c *cache[K, V]) GetOrLoad(ctx context.Context, k K) (V, error) {
	var zero V
	if c.closed.Load() {
		return zero, ErrClosed
	}
	// fast path
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	if !c.canLoad() {
		return zero, ErrNoLoader
	}
	v, f, hit, created := c.claim(k)
	if hit {
		return v, nil
	}
	if created {
		if c.loader != nil {
			f.Settle(c.load(ctx, k))
		} else {
			f.Follow(c.startLoad(ctx, k))
		}
	}
	return f.Get(ctx)
}

// ComputeIfAbsent returns the value for k, computing it with fn when absent.
// A panic in fn releases the waiters with a *future.PanicError and is
// re-raised.
func (c *cache[K, V]) ComputeIfAbsent(k K, fn func(K) (V, bool)) (V, bool) {
	var zero V
	if c.closed.Load() {
		return zero, false
	}
	v, f, hit, created := c.claim(k)
	if hit {
		c.recordHit()
		return v, true
	}
	c.recordMiss()
	if created {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.Fail(&future.PanicError{Value: r, Stack: debug.Stack()})
					panic(r)
				}
			}()
			if v, ok := fn(k); ok {
				f.Complete(v)
			} else {
				f.Fail(ErrNotFound)
			}
		}()
	}
	v, err := f.Get(context.Background())
	return v, err == nil
}

// GetAll returns the values for keys. Missing keys are loaded in one bulk
// call when a bulk loader is configured, otherwise one by one. Keys already
// being loaded by other callers are awaited rather than loaded again.
func (c *cache[K, V]) GetAll(ctx context.Context, keys []K) (map[K]V, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	keys = lo.Uniq(keys)
	result := make(map[K]V, len(keys))
	waiting := make(map[K]*future.Future[V])
	claimed := make(map[K]*future.Future[V])
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			result[k] = v
			continue
		}
		if !c.canLoad() && !c.canLoadAll() {
			continue
		}
		v, f, hit, created := c.claim(k)
		switch {
		case hit:
			result[k] = v
		case created:
			claimed[k] = f
		default:
			waiting[k] = f
		}
	}
	if len(result) == len(keys) {
		return result, nil
	}
	if len(claimed)+len(waiting) == 0 {
		return result, ErrNoLoader
	}

	if len(claimed) > 0 {
		if c.canLoadAll() {
			src := future.New[map[K]V]()
			if c.bulkLoader != nil {
				src.Settle(c.loadAll(ctx, lo.Keys(claimed)))
			} else {
				src.Follow(c.startLoadAll(ctx, lo.Keys(claimed)))
			}
			c.completeBulk(claimed, src)
		} else {
			for k, f := range claimed {
				if c.loader != nil {
					f.Settle(c.load(ctx, k))
				} else {
					f.Follow(c.startLoad(ctx, k))
				}
			}
		}
	}

	var errs *multierror.Error
	for _, fs := range []map[K]*future.Future[V]{claimed, waiting} {
		for k, f := range fs {
			v, err := f.Get(ctx)
			switch {
			case err == nil:
				result[k] = v
			case errors.Is(err, ErrNotFound):
			default:
				errs = multierror.Append(errs, fmt.Errorf("key %v: %w", k, err))
			}
		}
	}
	return result, errs.ErrorOrNil()
}

// Refresh reloads k in the background and installs the result.
func (c *cache[K, V]) Refresh(ctx context.Context, k K) *future.Future[V] {
	if c.closed.Load() {
		return future.Failed[V](ErrClosed)
	}
	if !c.canLoad() {
		return future.Failed[V](ErrNoLoader)
	}
	return c.refresh(ctx, k, nil, 0)
}

func (c *cache[K, V]) canLoad() bool { return c.loader != nil || c.asyncLoader != nil }

func (c *cache[K, V]) canLoadAll() bool { return c.bulkLoader != nil || c.asyncBulkLoader != nil }

// claim returns the value of k if present, or the future of its
// computation. created reports that this caller installed the pending entry
// and must settle f.
func (c *cache[K, V]) claim(k K) (v V, f *future.Future[V], hit, created bool) {
	h := util.Hash64(k)
	s := c.shardFor(h)
	now := c.clock.Now()

	s.mu.Lock()
	cur := s.m[k]
	if cur != nil {
		if cur.loading.Load() {
			f = cur.future
			s.mu.Unlock()
			return v, f, false, false
		}
		if c.staleCause(cur, now) == causeNone {
			v = cur.value
			s.mu.Unlock()
			c.afterRead(cur, v, now)
			return v, nil, true, false
		}
	}
	var b *event.Batch[K, V]
	var r retiree[K, V]
	if cur != nil {
		b, r = c.retireLocked(s, cur, c.staleCause(cur, now), b)
	}
	n := c.installPendingLocked(s, k, h, now, future.New[V]())
	f = n.future
	s.mu.Unlock()

	c.afterRetire(r, now)
	b.Dispatch(context.Background())
	f.OnDone(c.onComputed(n, f))
	return v, f, false, true
}

// installPendingLocked maps k to a new node computing f. s.mu must be held.
func (c *cache[K, V]) installPendingLocked(s *shard[K, V], k K, h uint64, now int64, f *future.Future[V]) *node[K, V] {
	n := newNode[K, V](k, h, now)
	n.future = f
	n.loading.Store(true)
	s.m[k] = n
	return n
}

// onComputed installs the outcome of a pending entry's future, unless the
// mapping was replaced or removed meanwhile. A failure drops the mapping.
func (c *cache[K, V]) onComputed(n *node[K, V], f *future.Future[V]) func() {
	return func() {
		v, err, _ := f.Result()
		s := c.shardFor(n.hash)
		now := c.clock.Now()

		s.mu.Lock()
		if s.m[n.key] != n {
			s.mu.Unlock()
			return
		}
		if err != nil {
			delete(s.m, n.key)
			n.state.Store(dead)
			s.mu.Unlock()
			return
		}
		n.value = v
		if !c.keepFutures {
			n.future = nil
		}
		n.weight.Store(c.weigh(n.key, v))
		n.writeTime.Store(now)
		n.accessTime.Store(now)
		n.variableTime.Store(c.variableOnCreate(n.key, v, now, 0, false))
		c.updateDeadline(n)
		n.loading.Store(false)
		b := c.events.Stage(nil, event.Event[K, V]{Type: event.Created, Source: c, Key: n.key, Value: v})
		s.mu.Unlock()

		c.afterWrite(task[K, V]{kind: addTask, n: n}, now)
		b.Dispatch(context.Background())
	}
}

// completeBulk settles each claimed future from the bulk result. Keys the
// loader returned but nobody asked for are cached too.
func (c *cache[K, V]) completeBulk(claimed map[K]*future.Future[V], src *future.Future[map[K]V]) {
	src.OnDone(func() {
		m, err, _ := src.Result()
		if err != nil {
			for _, f := range claimed {
				f.Fail(err)
			}
			return
		}
		for k, f := range claimed {
			if v, ok := m[k]; ok {
				f.Complete(v)
			} else {
				f.Fail(ErrNotFound)
			}
		}
		for k, v := range m {
			if _, ok := claimed[k]; !ok {
				c.Set(k, v)
			}
		}
	})
}

// refresh coalesces reloads of k. When expect is set the result is only
// installed if expect is still the mapping and has not been written since
// writeTime.
func (c *cache[K, V]) refresh(ctx context.Context, k K, expect *node[K, V], writeTime int64) *future.Future[V] {
	f, started := c.refreshes.Go(k, func() *future.Future[V] {
		return c.startLoad(ctx, k)
	})
	if started {
		f.OnDone(func() { c.completeRefresh(k, f, expect, writeTime) })
	}
	return f
}

func (c *cache[K, V]) refreshIfNeeded(n *node[K, V], now int64) {
	if c.refreshAfterWrite <= 0 {
		return
	}
	wt := n.writeTime.Load()
	if now-wt < c.refreshAfterWrite {
		return
	}
	if _, inFlight := c.refreshes.Get(n.key); inFlight {
		return
	}
	c.refresh(context.Background(), n.key, n, wt)
}

func (c *cache[K, V]) completeRefresh(k K, f *future.Future[V], expect *node[K, V], writeTime int64) {
	v, err, _ := f.Result()
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("cache: refresh failed", "key", k, "error", err)
		return
	}
	current := func(cur *node[K, V], live bool) bool {
		if expect != nil {
			return cur == expect && cur.writeTime.Load() == writeTime
		}
		return cur == nil || !cur.loading.Load()
	}
	if err == nil {
		c.put(k, v, 0, false, current)
		return
	}
	c.removeIf(k, current)
}

// removeIf removes k with CauseExplicit when cond approves the mapping.
func (c *cache[K, V]) removeIf(k K, cond func(cur *node[K, V], live bool) bool) {
	h := util.Hash64(k)
	s := c.shardFor(h)
	now := c.clock.Now()

	s.mu.Lock()
	n := s.m[k]
	if n == nil || !cond(n, !n.loading.Load() && c.staleCause(n, now) == causeNone) {
		s.mu.Unlock()
		return
	}
	cause := c.staleCause(n, now)
	if cause == causeNone {
		cause = CauseExplicit
	}
	b, r := c.retireLocked(s, n, cause, nil)
	s.mu.Unlock()

	c.afterRetire(r, now)
	b.Dispatch(context.Background())
}

// load calls the loader on the caller, tracing and timing it.
func (c *cache[K, V]) load(ctx context.Context, k K) (v V, err error) {
	ctx, span := c.tracer.Start(ctx, "cache.load", trace.WithAttributes(
		attribute.String("cache.key_type", fmt.Sprintf("%T", k)),
	))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &future.PanicError{Value: r, Stack: debug.Stack()}
		}
		c.finishLoad(span, err, time.Since(start))
	}()
	return c.loader(ctx, k)
}

// loadAll calls the bulk loader on the caller with a copy of keys.
func (c *cache[K, V]) loadAll(ctx context.Context, keys []K) (m map[K]V, err error) {
	ctx, span := c.tracer.Start(ctx, "cache.load_all", trace.WithAttributes(
		attribute.Int("cache.keys", len(keys)),
	))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = &future.PanicError{Value: r, Stack: debug.Stack()}
		}
		c.finishLoad(span, err, time.Since(start))
	}()
	return c.bulkLoader(ctx, append([]K(nil), keys...))
}

func (c *cache[K, V]) finishLoad(span trace.Span, err error, d time.Duration) {
	success := err == nil
	c.stats.recordLoad(success, d)
	c.metrics.Load(success, d)
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// startLoad begins an asynchronous load of k. The load outlives the
// caller's cancellation: other callers may be waiting on it.
func (c *cache[K, V]) startLoad(ctx context.Context, k K) (f *future.Future[V]) {
	ctx = context.WithoutCancel(ctx)
	if c.asyncLoader == nil {
		return future.Run(c.executor, func() (V, error) { return c.load(ctx, k) })
	}
	defer func() {
		if r := recover(); r != nil {
			f = future.Failed[V](&future.PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	if f = c.asyncLoader(ctx, k, c.executor); f == nil {
		f = future.Failed[V](ErrNotFound)
	}
	return f
}

// startLoadAll begins an asynchronous bulk load.
func (c *cache[K, V]) startLoadAll(ctx context.Context, keys []K) (f *future.Future[map[K]V]) {
	ctx = context.WithoutCancel(ctx)
	if c.asyncBulkLoader == nil {
		return future.Run(c.executor, func() (map[K]V, error) { return c.loadAll(ctx, keys) })
	}
	defer func() {
		if r := recover(); r != nil {
			f = future.Failed[map[K]V](&future.PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	if f = c.asyncBulkLoader(ctx, append([]K(nil), keys...), c.executor); f == nil {
		f = future.Failed[map[K]V](ErrNotFound)
	}
	return f
}
