// Package event fans out entry events (created, updated, removed, expired)
// to registered listeners.
//
// Each registration pairs a listener with an optional filter and a delivery
// mode. Asynchronous deliveries run on the dispatcher's executor and the
// publisher moves on. Synchronous deliveries also run on the executor, but
// their completions are recorded on the publisher's Scope so the publisher
// can wait for them before it reports the triggering operation finished.
// Events for one key reach a given registration in publish order.
package event

import "fmt"

// Type is the kind of an entry event.
type Type uint8

const (
	Created Type = iota + 1
	Updated
	Removed
	Expired
)

func (t Type) String() string {
	switch t {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Event describes one change to one entry. OldValue is set for updates, and
// for removals and expirations it repeats Value. It is cleared for
// registrations that did not ask for old values.
type Event[K comparable, V any] struct {
	Type        Type
	Source      any
	Key         K
	Value       V
	OldValue    V
	HasOldValue bool
}

// CreatedListener receives Created events.
type CreatedListener[K comparable, V any] interface {
	OnCreated(Event[K, V]) error
}

// UpdatedListener receives Updated events.
type UpdatedListener[K comparable, V any] interface {
	OnUpdated(Event[K, V]) error
}

// RemovedListener receives Removed events.
type RemovedListener[K comparable, V any] interface {
	OnRemoved(Event[K, V]) error
}

// ExpiredListener receives Expired events.
type ExpiredListener[K comparable, V any] interface {
	OnExpired(Event[K, V]) error
}

// Listeners adapts plain funcs to the listener interfaces. Only the kinds
// with a non-nil func are delivered. Register a *Listeners so the pointer
// serves as the registration identity.
type Listeners[K comparable, V any] struct {
	Created func(Event[K, V]) error
	Updated func(Event[K, V]) error
	Removed func(Event[K, V]) error
	Expired func(Event[K, V]) error
}

func (l *Listeners[K, V]) OnCreated(e Event[K, V]) error { return call(l.Created, e) }
func (l *Listeners[K, V]) OnUpdated(e Event[K, V]) error { return call(l.Updated, e) }
func (l *Listeners[K, V]) OnRemoved(e Event[K, V]) error { return call(l.Removed, e) }
func (l *Listeners[K, V]) OnExpired(e Event[K, V]) error { return call(l.Expired, e) }

// Handles reports whether a func is set for t.
func (l *Listeners[K, V]) Handles(t Type) bool {
	switch t {
	case Created:
		return l.Created != nil
	case Updated:
		return l.Updated != nil
	case Removed:
		return l.Removed != nil
	case Expired:
		return l.Expired != nil
	}
	return false
}

func call[K comparable, V any](fn func(Event[K, V]) error, e Event[K, V]) error {
	if fn == nil {
		return nil
	}
	return fn(e)
}

// Filter decides whether a registration sees an event. It is evaluated at
// publish time on the publishing goroutine.
type Filter[K comparable, V any] interface {
	Evaluate(Event[K, V]) bool
}

// FilterFunc adapts a func to Filter. Funcs have no identity, so
// registrations using a FilterFunc are never considered duplicates.
type FilterFunc[K comparable, V any] func(Event[K, V]) bool

// Evaluate implements Filter.
func (f FilterFunc[K, V]) Evaluate(e Event[K, V]) bool { return f(e) }
