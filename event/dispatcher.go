package event

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/IvanBrykalov/boundcache/executor"
	"github.com/IvanBrykalov/boundcache/future"
	"github.com/IvanBrykalov/boundcache/internal/logging"
)

var (
	// ErrDuplicateRegistration is returned when an identical configuration
	// is already registered.
	ErrDuplicateRegistration = errors.New("event: duplicate listener registration")
	// ErrNotListener is returned for a listener that implements none of the
	// listener interfaces.
	ErrNotListener = errors.New("event: value implements no listener interface")
)

// Config describes a registration. Two configs are identical when their
// listeners, filters and modes are equal; listener or filter values that
// are not comparable (funcs, maps, slices) are never identical.
type Config[K comparable, V any] struct {
	// Listener implements one or more of CreatedListener, UpdatedListener,
	// RemovedListener and ExpiredListener.
	Listener any
	// Filter, when set, is consulted for every event before delivery.
	Filter Filter[K, V]
	// Synchronous deliveries are awaited by the publisher.
	Synchronous bool
	// OldValueRequired keeps Event.OldValue populated.
	OldValueRequired bool
}

func (c Config[K, V]) identical(o Config[K, V]) bool {
	return c.Synchronous == o.Synchronous &&
		c.OldValueRequired == o.OldValueRequired &&
		identical(c.Listener, o.Listener) &&
		identical(c.Filter, o.Filter)
}

// identical compares two values without panicking on incomparable dynamic
// types.
func identical(a, b any) (same bool) {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	// Comparable structs may still hold funcs behind interface fields.
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// Registration is an active listener configuration.
type Registration[K comparable, V any] struct {
	ID     uuid.UUID
	Config Config[K, V]

	created CreatedListener[K, V]
	updated UpdatedListener[K, V]
	removed RemovedListener[K, V]
	expired ExpiredListener[K, V]

	mu      sync.Mutex
	pending map[K]*future.Future[struct{}] // per-key queue tails
}

func (r *Registration[K, V]) handles(t Type) bool {
	if h, ok := r.Config.Listener.(interface{ Handles(Type) bool }); ok && !h.Handles(t) {
		return false
	}
	switch t {
	case Created:
		return r.created != nil
	case Updated:
		return r.updated != nil
	case Removed:
		return r.removed != nil
	case Expired:
		return r.expired != nil
	}
	return false
}

func (r *Registration[K, V]) deliver(e Event[K, V]) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &future.PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	switch e.Type {
	case Created:
		return r.created.OnCreated(e)
	case Updated:
		return r.updated.OnUpdated(e)
	case Removed:
		return r.removed.OnRemoved(e)
	case Expired:
		return r.expired.OnExpired(e)
	}
	return nil
}

// Dispatcher owns the registrations of one cache.
type Dispatcher[K comparable, V any] struct {
	exec   executor.Executor
	logger *slog.Logger

	mu    sync.RWMutex
	regs  []*Registration[K, V]
	count atomic.Int32
}

// NewDispatcher returns a dispatcher delivering on exec. A nil exec runs
// each delivery on its own goroutine; a nil logger uses the operational
// logger.
func NewDispatcher[K comparable, V any](exec executor.Executor, logger *slog.Logger) *Dispatcher[K, V] {
	if exec == nil {
		exec = executor.Go()
	}
	if logger == nil {
		logger = logging.Op()
	}
	return &Dispatcher[K, V]{exec: exec, logger: logger}
}

// Register adds a registration. A config without a listener registers
// nothing and returns (nil, nil).
func (d *Dispatcher[K, V]) Register(cfg Config[K, V]) (*Registration[K, V], error) {
	if cfg.Listener == nil {
		return nil, nil
	}
	r := &Registration[K, V]{
		ID:      uuid.New(),
		Config:  cfg,
		pending: make(map[K]*future.Future[struct{}]),
	}
	r.created, _ = cfg.Listener.(CreatedListener[K, V])
	r.updated, _ = cfg.Listener.(UpdatedListener[K, V])
	r.removed, _ = cfg.Listener.(RemovedListener[K, V])
	r.expired, _ = cfg.Listener.(ExpiredListener[K, V])
	if r.created == nil && r.updated == nil && r.removed == nil && r.expired == nil {
		return nil, ErrNotListener
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, other := range d.regs {
		if other.Config.identical(cfg) {
			return nil, ErrDuplicateRegistration
		}
	}
	d.regs = append(d.regs, r)
	d.count.Add(1)
	return r, nil
}

// Deregister removes the registration identical to cfg.
func (d *Dispatcher[K, V]) Deregister(cfg Config[K, V]) bool {
	return d.remove(func(r *Registration[K, V]) bool { return r.Config.identical(cfg) })
}

// DeregisterID removes the registration with the given ID. Use it for
// configs whose listener or filter has no identity.
func (d *Dispatcher[K, V]) DeregisterID(id uuid.UUID) bool {
	return d.remove(func(r *Registration[K, V]) bool { return r.ID == id })
}

func (d *Dispatcher[K, V]) remove(match func(*Registration[K, V]) bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.regs {
		if match(r) {
			d.regs = append(d.regs[:i:i], d.regs[i+1:]...)
			d.count.Add(-1)
			return true
		}
	}
	return false
}

// Len returns the number of registrations.
func (d *Dispatcher[K, V]) Len() int { return int(d.count.Load()) }

// Registrations returns a snapshot of the active registrations.
func (d *Dispatcher[K, V]) Registrations() []*Registration[K, V] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Registration[K, V](nil), d.regs...)
}

type staged[K comparable, V any] struct {
	reg        *Registration[K, V]
	event      Event[K, V]
	prev, next *future.Future[struct{}]
}

// Batch holds deliveries whose order has been fixed by Stage but which have
// not been started. A staged Batch must be dispatched, or every later event
// for the same keys and registrations stalls behind it.
type Batch[K comparable, V any] struct {
	d     *Dispatcher[K, V]
	items []staged[K, V]
}

// Len returns the number of staged deliveries.
func (b *Batch[K, V]) Len() int {
	if b == nil {
		return 0
	}
	return len(b.items)
}

// Stage evaluates filters for e and reserves its place in each matching
// registration's per-key queue. It appends to b, which may be nil, and
// returns the batch to dispatch; the result is nil when nothing matched.
// Stage never runs listener code, so it may be called under the lock that
// orders the underlying store operation.
func (d *Dispatcher[K, V]) Stage(b *Batch[K, V], e Event[K, V]) *Batch[K, V] {
	if d.count.Load() == 0 {
		return b
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.regs {
		if !r.handles(e.Type) {
			continue
		}
		ev := e
		if !r.Config.OldValueRequired {
			var zero V
			ev.OldValue, ev.HasOldValue = zero, false
		}
		if r.Config.Filter != nil && !d.evaluate(r, ev) {
			continue
		}
		next := future.New[struct{}]()
		r.mu.Lock()
		prev := r.pending[e.Key]
		r.pending[e.Key] = next
		r.mu.Unlock()

		if b == nil {
			b = &Batch[K, V]{d: d}
		}
		b.items = append(b.items, staged[K, V]{reg: r, event: ev, prev: prev, next: next})
	}
	return b
}

func (d *Dispatcher[K, V]) evaluate(r *Registration[K, V], e Event[K, V]) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Warn("event filter panicked", "registration", r.ID, "type", e.Type, "panic", p)
			ok = false
		}
	}()
	return r.Config.Filter.Evaluate(e)
}

// Dispatch starts the staged deliveries. Synchronous completions are
// recorded on the Scope carried by ctx; without one, Dispatch waits for them
// itself. Delivery failures are logged and never returned.
func (b *Batch[K, V]) Dispatch(ctx context.Context) {
	if b == nil || len(b.items) == 0 {
		return
	}
	scope := CurrentScope(ctx)
	var wait []*future.Future[struct{}]
	for i := range b.items {
		it := &b.items[i]
		b.d.start(it)
		if !it.reg.Config.Synchronous {
			continue
		}
		if scope != nil {
			scope.add(it.next)
		} else {
			wait = append(wait, it.next)
		}
	}
	if len(wait) > 0 {
		if err := awaitAll(ctx, wait); err != nil {
			b.d.logger.Debug("synchronous event delivery failed", "error", err)
		}
	}
	b.items = nil
}

func (d *Dispatcher[K, V]) start(it *staged[K, V]) {
	run := func() {
		err := it.reg.deliver(it.event)
		if err != nil {
			d.logger.Warn("event listener failed",
				"registration", it.reg.ID, "type", it.event.Type, "error", err)
		}
		it.next.Settle(struct{}{}, err)
		it.reg.mu.Lock()
		if it.reg.pending[it.event.Key] == it.next {
			delete(it.reg.pending, it.event.Key)
		}
		it.reg.mu.Unlock()
	}
	submit := func() {
		if err := d.exec.Execute(run); err != nil {
			d.logger.Warn("event executor rejected delivery; running inline",
				"registration", it.reg.ID, "error", err)
			run()
		}
	}
	if it.prev == nil {
		submit()
		return
	}
	it.prev.OnDone(submit)
}

// Publish stages and dispatches e.
func (d *Dispatcher[K, V]) Publish(ctx context.Context, e Event[K, V]) {
	d.Stage(nil, e).Dispatch(ctx)
}

// PublishCreated publishes a Created event.
func (d *Dispatcher[K, V]) PublishCreated(ctx context.Context, source any, key K, value V) {
	d.Publish(ctx, Event[K, V]{Type: Created, Source: source, Key: key, Value: value})
}

// PublishUpdated publishes an Updated event.
func (d *Dispatcher[K, V]) PublishUpdated(ctx context.Context, source any, key K, oldValue, newValue V) {
	d.Publish(ctx, Event[K, V]{
		Type: Updated, Source: source, Key: key,
		Value: newValue, OldValue: oldValue, HasOldValue: true,
	})
}

// PublishRemoved publishes a Removed event.
func (d *Dispatcher[K, V]) PublishRemoved(ctx context.Context, source any, key K, value V) {
	d.Publish(ctx, Event[K, V]{
		Type: Removed, Source: source, Key: key,
		Value: value, OldValue: value, HasOldValue: true,
	})
}

// PublishExpired publishes an Expired event.
func (d *Dispatcher[K, V]) PublishExpired(ctx context.Context, source any, key K, value V) {
	d.Publish(ctx, Event[K, V]{
		Type: Expired, Source: source, Key: key,
		Value: value, OldValue: value, HasOldValue: true,
	})
}

// AwaitSynchronous waits for the synchronous deliveries recorded on ctx's
// Scope and clears it. Failures are logged, not returned; use Scope.Await
// to observe them.
func (d *Dispatcher[K, V]) AwaitSynchronous(ctx context.Context) {
	s := CurrentScope(ctx)
	if s == nil {
		return
	}
	if err := s.Await(ctx); err != nil {
		d.logger.Debug("synchronous event delivery failed", "error", err)
	}
}

// IgnoreSynchronous clears ctx's Scope without waiting.
func (d *Dispatcher[K, V]) IgnoreSynchronous(ctx context.Context) {
	if s := CurrentScope(ctx); s != nil {
		s.Ignore()
	}
}
