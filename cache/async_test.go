package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/IvanBrykalov/boundcache/executor"
	"github.com/IvanBrykalov/boundcache/future"
	"github.com/IvanBrykalov/boundcache/internal/logging"
)

func newTestAsync[K comparable, V any](t testing.TB, opt Options[K, V]) *asyncCache[K, V] {
	t.Helper()
	if opt.Executor == nil {
		opt.Executor = executor.Direct()
	}
	if opt.Logger == nil {
		opt.Logger = logging.Discard()
	}
	a := &asyncCache[K, V]{c: newCache(opt, true)}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// manualLoader hands out futures the test settles itself.
type manualLoader struct {
	calls   atomic.Int32
	pending map[int]*future.Future[string]
}

func (m *manualLoader) load(_ context.Context, k int, _ executor.Executor) *future.Future[string] {
	m.calls.Inc()
	f := future.New[string]()
	m.pending[k] = f
	return f
}

func TestAsync_GetCoalescesPendingEntry(t *testing.T) {
	t.Parallel()

	loader := &manualLoader{pending: map[int]*future.Future[string]{}}
	a := newTestAsync(t, Options[int, string]{MaximumSize: 10, AsyncLoader: loader.load})
	ctx := context.Background()

	f1 := a.Get(ctx, 1)
	f2 := a.Get(ctx, 1)
	require.Same(t, f1, f2)
	require.EqualValues(t, 1, loader.calls.Load())

	sync := a.Synchronous()
	_, ok := sync.Get(1)
	require.False(t, ok, "a pending entry is not a value")
	require.Equal(t, 1, sync.Len())
	sync.CleanUp()
	require.Zero(t, sync.WeightedSize(), "pending entries weigh nothing")

	loader.pending[1].Complete("one")
	v, err := f1.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, "one", v)

	got, ok := sync.Get(1)
	require.True(t, ok)
	require.Equal(t, "one", got)
	require.EqualValues(t, 1, sync.WeightedSize())

	f3, ok := a.GetIfPresent(1)
	require.True(t, ok)
	require.Same(t, f1, f3, "completed futures are kept")
}

func TestAsync_IncompleteEntriesAreNotEvicted(t *testing.T) {
	t.Parallel()

	a := newTestAsync(t, Options[int, string]{MaximumSize: 2})
	pending := future.New[string]()
	a.Set(0, pending)

	sync := a.Synchronous()
	for i := 1; i <= 10; i++ {
		sync.Set(i, "v")
	}
	require.Equal(t, 3, sync.Len())
	f, ok := a.GetIfPresent(0)
	require.True(t, ok)
	require.Same(t, pending, f)

	pending.Complete("late")
	require.LessOrEqual(t, sync.Len(), 2, "once complete it competes for space")
}

func TestAsync_FailedFutureRemovesMapping(t *testing.T) {
	t.Parallel()

	a := newTestAsync(t, Options[int, string]{MaximumSize: 10})
	f := future.New[string]()
	a.Set(1, f)
	require.Equal(t, 1, a.Synchronous().Len())

	f.Fail(errBackend)
	_, ok := a.GetIfPresent(1)
	require.False(t, ok)
	require.Zero(t, a.Synchronous().Len())
}

func TestAsync_NilFutureIsNotFound(t *testing.T) {
	t.Parallel()

	a := newTestAsync(t, Options[int, string]{
		MaximumSize: 10,
		AsyncLoader: func(context.Context, int, executor.Executor) *future.Future[string] { return nil },
	})
	_, err := a.Get(context.Background(), 1).Get(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
	require.Zero(t, a.Synchronous().Len())
}

func TestAsync_SetReplacesLiveValue(t *testing.T) {
	t.Parallel()

	log := &removalLog[int, string]{}
	a := newTestAsync(t, Options[int, string]{MaximumSize: 10, OnRemoval: log.record})
	a.Synchronous().Set(1, "old")
	a.Set(1, future.Completed("new"))

	v, ok := a.Synchronous().Get(1)
	require.True(t, ok)
	require.Equal(t, "new", v)
	require.Equal(t, []removalRecord[int, string]{{key: 1, value: "old", cause: CauseReplaced}}, log.all())
}

func TestAsync_GetAllBulk(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	a := newTestAsync(t, Options[int, string]{
		MaximumSize: 10,
		AsyncBulkLoader: func(_ context.Context, keys []int, exec executor.Executor) *future.Future[map[int]string] {
			calls.Inc()
			return future.Run(exec, func() (map[int]string, error) {
				m := map[int]string{7: "extra"}
				for _, k := range keys {
					if k != 3 {
						m[k] = "bulk"
					}
				}
				return m, nil
			})
		},
	})
	a.Synchronous().Set(1, "cached")

	got, err := a.GetAll(context.Background(), []int{1, 2, 3}).Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[int]string{1: "cached", 2: "bulk"}, got)
	require.EqualValues(t, 1, calls.Load())

	v, ok := a.Synchronous().Get(7)
	require.True(t, ok)
	require.Equal(t, "extra", v)
}

func TestAsync_GetAllPerKey(t *testing.T) {
	t.Parallel()

	a := newTestAsync(t, Options[int, string]{
		MaximumSize: 10,
		AsyncLoader: func(_ context.Context, k int, exec executor.Executor) *future.Future[string] {
			return future.Run(exec, func() (string, error) {
				if k < 0 {
					return "", errBackend
				}
				return "v", nil
			})
		},
	})
	got, err := a.GetAll(context.Background(), []int{-1, 1, 2}).Get(context.Background())
	require.ErrorIs(t, err, errBackend)
	require.Equal(t, map[int]string{1: "v", 2: "v"}, got)
}

func TestAsync_NoLoader(t *testing.T) {
	t.Parallel()

	a := newTestAsync(t, Options[int, string]{MaximumSize: 10})
	_, err := a.Get(context.Background(), 1).Get(context.Background())
	require.ErrorIs(t, err, ErrNoLoader)
}

func TestAsync_SynchronousGetOrLoadWaitsForPending(t *testing.T) {
	t.Parallel()

	loader := &manualLoader{pending: map[int]*future.Future[string]{}}
	a := newTestAsync(t, Options[int, string]{MaximumSize: 10, AsyncLoader: loader.load})
	f := a.Get(context.Background(), 1)

	done := make(chan string)
	go func() {
		v, _ := a.Synchronous().GetOrLoad(context.Background(), 1)
		done <- v
	}()
	loader.pending[1].Complete("one")
	require.Equal(t, "one", <-done)
	require.Same(t, f, mustPresent(t, a, 1))
	require.EqualValues(t, 1, loader.calls.Load())
}

func mustPresent[V any](t *testing.T, a *asyncCache[int, V], k int) *future.Future[V] {
	t.Helper()
	f, ok := a.GetIfPresent(k)
	require.True(t, ok)
	return f
}
