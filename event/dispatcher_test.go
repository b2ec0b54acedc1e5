package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/IvanBrykalov/boundcache/executor"
	"github.com/IvanBrykalov/boundcache/future"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type createdListener struct{ calls atomic.Int32 }
type updatedListener struct{ calls atomic.Int32 }
type removedListener struct{ calls atomic.Int32 }
type expiredListener struct{ calls atomic.Int32 }

func (l *createdListener) OnCreated(Event[int, int]) error { l.calls.Inc(); return nil }
func (l *updatedListener) OnUpdated(Event[int, int]) error { l.calls.Inc(); return nil }
func (l *removedListener) OnRemoved(Event[int, int]) error { l.calls.Inc(); return nil }
func (l *expiredListener) OnExpired(Event[int, int]) error { l.calls.Inc(); return nil }

type constFilter bool

func (f constFilter) Evaluate(Event[int, int]) bool { return bool(f) }

type fixture struct {
	d       *Dispatcher[int, int]
	created *createdListener
	updated *updatedListener
	removed *removedListener
	expired *expiredListener
}

// registerAll registers 4 listener kinds x 2 modes x 3 filter modes.
func registerAll(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		d:       NewDispatcher[int, int](executor.Direct(), nil),
		created: &createdListener{},
		updated: &updatedListener{},
		removed: &removedListener{},
		expired: &expiredListener{},
	}
	for _, l := range []any{f.created, f.updated, f.removed, f.expired} {
		for _, synchronous := range []bool{false, true} {
			for _, filter := range []Filter[int, int]{nil, constFilter(true), constFilter(false)} {
				_, err := f.d.Register(Config[int, int]{Listener: l, Filter: filter, Synchronous: synchronous})
				require.NoError(t, err)
			}
		}
	}
	require.Equal(t, 24, f.d.Len())
	return f
}

func TestDispatcher_PublishMatrix(t *testing.T) {
	t.Parallel()

	publish := map[Type]func(f *fixture, ctx context.Context){
		Created: func(f *fixture, ctx context.Context) { f.d.PublishCreated(ctx, nil, 1, 2) },
		Updated: func(f *fixture, ctx context.Context) { f.d.PublishUpdated(ctx, nil, 1, 2, 3) },
		Removed: func(f *fixture, ctx context.Context) { f.d.PublishRemoved(ctx, nil, 1, 2) },
		Expired: func(f *fixture, ctx context.Context) { f.d.PublishExpired(ctx, nil, 1, 2) },
	}
	for typ, fn := range publish {
		t.Run(typ.String(), func(t *testing.T) {
			t.Parallel()

			f := registerAll(t)
			ctx := WithScope(context.Background())
			fn(f, ctx)

			counts := map[Type]int32{
				Created: f.created.calls.Load(),
				Updated: f.updated.calls.Load(),
				Removed: f.removed.calls.Load(),
				Expired: f.expired.calls.Load(),
			}
			for other, n := range counts {
				if other == typ {
					require.EqualValues(t, 4, n)
				} else {
					require.Zero(t, n, "%s listener saw a %s event", other, typ)
				}
			}
			require.Equal(t, 2, CurrentScope(ctx).Len(), "only synchronous deliveries are pending")
			f.d.IgnoreSynchronous(ctx)
		})
	}
}

func TestDispatcher_DuplicateRejected(t *testing.T) {
	t.Parallel()

	d := NewDispatcher[int, int](executor.Direct(), nil)
	l := &createdListener{}
	cfg := Config[int, int]{Listener: l, Filter: constFilter(true), Synchronous: true}

	_, err := d.Register(cfg)
	require.NoError(t, err)
	_, err = d.Register(cfg)
	require.ErrorIs(t, err, ErrDuplicateRegistration)

	cfg.Synchronous = false
	_, err = d.Register(cfg)
	require.NoError(t, err, "a different mode is a different registration")
	require.Equal(t, 2, d.Len())
}

func TestDispatcher_FuncFiltersHaveNoIdentity(t *testing.T) {
	t.Parallel()

	d := NewDispatcher[int, int](executor.Direct(), nil)
	l := &createdListener{}
	accept := FilterFunc[int, int](func(Event[int, int]) bool { return true })

	r1, err := d.Register(Config[int, int]{Listener: l, Filter: accept})
	require.NoError(t, err)
	r2, err := d.Register(Config[int, int]{Listener: l, Filter: accept})
	require.NoError(t, err)
	require.NotEqual(t, r1.ID, r2.ID)

	require.False(t, d.Deregister(Config[int, int]{Listener: l, Filter: accept}))
	require.True(t, d.DeregisterID(r1.ID))
	require.True(t, d.DeregisterID(r2.ID))
	require.Zero(t, d.Len())
}

func TestDispatcher_NilAndInvalidListener(t *testing.T) {
	t.Parallel()

	d := NewDispatcher[int, int](executor.Direct(), nil)
	r, err := d.Register(Config[int, int]{})
	require.NoError(t, err)
	require.Nil(t, r)

	_, err = d.Register(Config[int, int]{Listener: 42})
	require.ErrorIs(t, err, ErrNotListener)
	require.Zero(t, d.Len())
}

func TestDispatcher_Deregister(t *testing.T) {
	t.Parallel()

	d := NewDispatcher[int, int](executor.Direct(), nil)
	l := &createdListener{}
	cfg := Config[int, int]{Listener: l}
	_, err := d.Register(cfg)
	require.NoError(t, err)

	require.True(t, d.Deregister(cfg))
	require.False(t, d.Deregister(cfg))
	require.Zero(t, d.Len())

	d.PublishCreated(context.Background(), nil, 1, 1)
	require.Zero(t, l.calls.Load())
}

func TestScope_AwaitClearsAfterFailure(t *testing.T) {
	t.Parallel()

	d := NewDispatcher[int, int](executor.Direct(), nil)
	ctx := WithScope(context.Background())
	s := CurrentScope(ctx)

	s.add(future.Completed(struct{}{}))
	s.add(future.Failed[struct{}](errors.New("listener failed")))
	require.Error(t, s.Await(ctx))
	require.Zero(t, s.Len())

	s.add(future.Failed[struct{}](errors.New("listener failed")))
	d.AwaitSynchronous(ctx)
	require.Zero(t, s.Len())
}

func TestScope_IgnoreDoesNotWait(t *testing.T) {
	t.Parallel()

	d := NewDispatcher[int, int](executor.Direct(), nil)
	ctx := WithScope(context.Background())
	pending := future.New[struct{}]()
	CurrentScope(ctx).add(pending)

	d.IgnoreSynchronous(ctx)
	require.Zero(t, CurrentScope(ctx).Len())
	pending.Fail(errors.New("late failure"))
}

func TestScope_AwaitWaitsForAllPublishes(t *testing.T) {
	t.Parallel()

	var done atomic.Int32
	release := make(chan struct{})
	d := NewDispatcher[int, int](executor.Go(), nil)
	_, err := d.Register(Config[int, int]{
		Listener: &Listeners[int, int]{Created: func(Event[int, int]) error {
			<-release
			done.Inc()
			return nil
		}},
		Synchronous: true,
	})
	require.NoError(t, err)

	ctx := WithScope(context.Background())
	for k := 0; k < 3; k++ {
		d.PublishCreated(ctx, nil, k, k)
	}
	require.Equal(t, 3, CurrentScope(ctx).Len())
	close(release)

	d.AwaitSynchronous(ctx)
	require.EqualValues(t, 3, done.Load())
	require.Zero(t, CurrentScope(ctx).Len())
}

func TestDispatcher_SynchronousWithoutScopeIsAwaited(t *testing.T) {
	t.Parallel()

	var delivered atomic.Bool
	d := NewDispatcher[int, int](executor.Go(), nil)
	_, err := d.Register(Config[int, int]{
		Listener: &Listeners[int, int]{Removed: func(Event[int, int]) error {
			time.Sleep(10 * time.Millisecond)
			delivered.Store(true)
			return nil
		}},
		Synchronous: true,
	})
	require.NoError(t, err)

	d.PublishRemoved(context.Background(), nil, 1, 1)
	require.True(t, delivered.Load())
}

func TestDispatcher_FailingListenersAreIsolated(t *testing.T) {
	t.Parallel()

	d := NewDispatcher[int, int](executor.Direct(), nil)
	var seen atomic.Int32
	for _, fn := range []func(Event[int, int]) error{
		func(Event[int, int]) error { return errors.New("rejecting listener") },
		func(Event[int, int]) error { panic("broken listener") },
		func(Event[int, int]) error { seen.Inc(); return nil },
	} {
		_, err := d.Register(Config[int, int]{Listener: &Listeners[int, int]{Created: fn}, Synchronous: true})
		require.NoError(t, err)
	}

	ctx := WithScope(context.Background())
	require.NotPanics(t, func() { d.PublishCreated(ctx, nil, 1, 1) })
	require.EqualValues(t, 1, seen.Load())

	err := CurrentScope(ctx).Await(ctx)
	require.Error(t, err)
	var pe *future.PanicError
	require.ErrorAs(t, err, &pe)
}

func TestDispatcher_PerKeyOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []int
	d := NewDispatcher[int, int](executor.Go(), nil)
	_, err := d.Register(Config[int, int]{
		Listener: &Listeners[int, int]{Updated: func(e Event[int, int]) error {
			mu.Lock()
			got = append(got, e.Value)
			mu.Unlock()
			return nil
		}},
	})
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		d.PublishUpdated(context.Background(), nil, 7, i-1, i)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 5*time.Second, time.Millisecond)

	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestDispatcher_RejectedDeliveryRunsInline(t *testing.T) {
	t.Parallel()

	reject := executor.Func(func(func()) error { return executor.ErrRejected })
	d := NewDispatcher[int, int](reject, nil)
	l := &expiredListener{}
	_, err := d.Register(Config[int, int]{Listener: l})
	require.NoError(t, err)

	d.PublishExpired(context.Background(), nil, 1, 1)
	require.EqualValues(t, 1, l.calls.Load())
}

func TestDispatcher_OldValueRequired(t *testing.T) {
	t.Parallel()

	d := NewDispatcher[int, int](executor.Direct(), nil)
	var with, without Event[int, int]
	_, err := d.Register(Config[int, int]{
		Listener:         &Listeners[int, int]{Updated: func(e Event[int, int]) error { with = e; return nil }},
		OldValueRequired: true,
	})
	require.NoError(t, err)
	_, err = d.Register(Config[int, int]{
		Listener: &Listeners[int, int]{Updated: func(e Event[int, int]) error { without = e; return nil }},
	})
	require.NoError(t, err)

	d.PublishUpdated(context.Background(), "cache", 1, 10, 11)
	require.True(t, with.HasOldValue)
	require.Equal(t, 10, with.OldValue)
	require.Equal(t, "cache", with.Source)
	require.False(t, without.HasOldValue)
	require.Zero(t, without.OldValue)
	require.Equal(t, 11, without.Value)
}

func TestDispatcher_StageDefersListenerCode(t *testing.T) {
	t.Parallel()

	d := NewDispatcher[int, int](executor.Direct(), nil)
	l := &createdListener{}
	_, err := d.Register(Config[int, int]{Listener: l})
	require.NoError(t, err)

	b := d.Stage(nil, Event[int, int]{Type: Created, Key: 1})
	b = d.Stage(b, Event[int, int]{Type: Created, Key: 2})
	b = d.Stage(b, Event[int, int]{Type: Expired, Key: 3})
	require.Equal(t, 2, b.Len())
	require.Zero(t, l.calls.Load())

	b.Dispatch(context.Background())
	require.EqualValues(t, 2, l.calls.Load())
}
