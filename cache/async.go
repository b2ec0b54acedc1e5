package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/IvanBrykalov/boundcache/event"
	"github.com/IvanBrykalov/boundcache/future"
	"github.com/IvanBrykalov/boundcache/internal/util"
)

// asyncCache is the future-valued view of a cache.
type asyncCache[K comparable, V any] struct {
	c *cache[K, V]
}

// NewAsync constructs a cache whose values are computed asynchronously.
// See New for the defaults.
func NewAsync[K comparable, V any](opt Options[K, V]) AsyncCache[K, V] {
	return &asyncCache[K, V]{c: newCache(opt, true)}
}

func (a *asyncCache[K, V]) GetIfPresent(k K) (*future.Future[V], bool) {
	c := a.c
	if c.closed.Load() {
		return nil, false
	}
	_, v, f, pending, ok := c.read(k, c.clock.Now())
	if !ok {
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	if pending || f != nil {
		return f, true
	}
	return future.Completed(v), true
}

func (a *asyncCache[K, V]) Get(ctx context.Context, k K) *future.Future[V] {
	c := a.c
	if c.closed.Load() {
		return future.Failed[V](ErrClosed)
	}
	if f, ok := a.GetIfPresent(k); ok {
		return f
	}
	if !c.canLoad() {
		return future.Failed[V](ErrNoLoader)
	}
	v, f, hit, created := c.claim(k)
	if hit {
		return future.Completed(v)
	}
	if created {
		f.Follow(c.startLoad(ctx, k))
	}
	return f
}

func (a *asyncCache[K, V]) GetAll(ctx context.Context, keys []K) *future.Future[map[K]V] {
	c := a.c
	if c.closed.Load() {
		return future.Failed[map[K]V](ErrClosed)
	}
	keys = lo.Uniq(keys)
	futures := make(map[K]*future.Future[V], len(keys))
	claimed := make(map[K]*future.Future[V])
	for _, k := range keys {
		if f, ok := a.GetIfPresent(k); ok {
			futures[k] = f
			continue
		}
		if !c.canLoad() && !c.canLoadAll() {
			futures[k] = future.Failed[V](ErrNoLoader)
			continue
		}
		v, f, hit, created := c.claim(k)
		switch {
		case hit:
			f = future.Completed(v)
		case created:
			claimed[k] = f
		}
		futures[k] = f
	}

	if len(claimed) > 0 {
		if c.canLoadAll() {
			c.completeBulk(claimed, c.startLoadAll(ctx, lo.Keys(claimed)))
		} else {
			for k, f := range claimed {
				f.Follow(c.startLoad(ctx, k))
			}
		}
	}
	return joinAll(futures)
}

// joinAll settles with the values of every future once all of them have
// settled. Not-found keys are left out; other failures are aggregated.
func joinAll[K comparable, V any](futures map[K]*future.Future[V]) *future.Future[map[K]V] {
	out := future.New[map[K]V]()
	if len(futures) == 0 {
		out.Complete(map[K]V{})
		return out
	}
	var left atomic.Int64
	left.Store(int64(len(futures)))
	for _, f := range futures {
		f.OnDone(func() {
			if left.Add(-1) != 0 {
				return
			}
			result := make(map[K]V, len(futures))
			var errs *multierror.Error
			for k, f := range futures {
				v, err, _ := f.Result()
				switch {
				case err == nil:
					result[k] = v
				case errors.Is(err, ErrNotFound):
				default:
					errs = multierror.Append(errs, fmt.Errorf("key %v: %w", k, err))
				}
			}
			out.Settle(result, errs.ErrorOrNil())
		})
	}
	return out
}

// Set maps k to f, replacing any current mapping.
func (a *asyncCache[K, V]) Set(k K, f *future.Future[V]) {
	c := a.c
	if c.closed.Load() || f == nil {
		return
	}
	h := util.Hash64(k)
	s := c.shardFor(h)
	now := c.clock.Now()

	s.mu.Lock()
	cur := s.m[k]
	var b *event.Batch[K, V]
	var r retiree[K, V]
	if cur != nil {
		cause := c.staleCause(cur, now)
		if cause == causeNone {
			cause = CauseReplaced
		}
		b, r = c.retireLocked(s, cur, cause, b)
	}
	n := c.installPendingLocked(s, k, h, now, f)
	s.mu.Unlock()

	c.afterRetire(r, now)
	b.Dispatch(context.Background())
	f.OnDone(c.onComputed(n, f))
}

func (a *asyncCache[K, V]) Synchronous() Cache[K, V] { return a.c }

func (a *asyncCache[K, V]) Close() error { return a.c.Close() }
