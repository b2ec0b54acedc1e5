package singleflight

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/boundcache/future"
)

// Concurrent callers for the same key share one computation and one future.
func TestGroup_CoalescesConcurrentCallers(t *testing.T) {
	t.Parallel()

	var g Group[string, int]
	var calls atomic.Int32
	src := future.New[int]()

	const n = 32
	got := make([]*future.Future[int], n)
	var eg errgroup.Group
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			got[i], _ = g.Go("k", func() *future.Future[int] {
				calls.Inc()
				return src
			})
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.EqualValues(t, 1, calls.Load())
	for _, f := range got {
		require.Same(t, got[0], f)
	}

	src.Complete(7)
	v, err := got[0].Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.Zero(t, g.Len(), "a settled key is forgotten")
}

// After completion a new call starts a fresh computation.
func TestGroup_RestartsAfterSettle(t *testing.T) {
	t.Parallel()

	var g Group[int, string]
	f1, started := g.Go(1, func() *future.Future[string] { return future.Completed("a") })
	require.True(t, started)
	require.True(t, f1.IsDone())

	f2, started := g.Go(1, func() *future.Future[string] { return future.New[string]() })
	require.True(t, started)
	require.NotSame(t, f1, f2)

	_, ok := g.Get(1)
	require.True(t, ok)
	f2.Cancel()
	_, ok = g.Get(1)
	require.False(t, ok)
}

// Failures reach every caller and leave nothing behind.
func TestGroup_FailurePropagates(t *testing.T) {
	t.Parallel()

	var g Group[string, int]
	boom := errors.New("boom")
	src := future.New[int]()
	f, _ := g.Go("k", func() *future.Future[int] { return src })
	follower, started := g.Go("k", func() *future.Future[int] { panic("must not run") })
	require.False(t, started)

	src.Fail(boom)
	_, err := follower.Get(context.Background())
	require.ErrorIs(t, err, boom)
	_, err = f.Get(context.Background())
	require.ErrorIs(t, err, boom)
	require.Zero(t, g.Len())
}

func TestGroup_NilStartFails(t *testing.T) {
	t.Parallel()

	var g Group[string, int]
	f, _ := g.Go("k", func() *future.Future[int] { return nil })
	_, err := f.Get(context.Background())
	require.ErrorIs(t, err, future.ErrCanceled)
	require.Zero(t, g.Len())
}

func TestGroup_PanicInStart(t *testing.T) {
	t.Parallel()

	var g Group[string, int]
	require.Panics(t, func() {
		g.Go("k", func() *future.Future[int] { panic("boom") })
	})
	require.Zero(t, g.Len())
}

// A follower's ctx only bounds its own wait.
func TestGroup_FollowerContextCancel(t *testing.T) {
	t.Parallel()

	var g Group[string, int]
	src := future.New[int]()
	f, _ := g.Go("k", func() *future.Future[int] { return src })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, src.IsDone())

	src.Complete(1)
	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}
