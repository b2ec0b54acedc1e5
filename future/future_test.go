package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/boundcache/executor"
)

func TestFuture_SettlesOnce(t *testing.T) {
	f := New[int]()
	require.False(t, f.IsDone())

	require.True(t, f.Complete(1))
	require.False(t, f.Complete(2))
	require.False(t, f.Fail(errors.New("late")))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestFuture_AllWaitersSeeSameOutcome(t *testing.T) {
	f := New[string]()
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			v, err := f.Get(context.Background())
			if err != nil {
				return err
			}
			if v != "x" {
				return errors.New("wrong value " + v)
			}
			return nil
		})
	}
	time.Sleep(time.Millisecond)
	f.Complete("x")
	require.NoError(t, g.Wait())
}

func TestFuture_GetRespectsContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, f.IsDone(), "a waiter's deadline must not settle the future")
}

func TestFuture_CancelIsFailure(t *testing.T) {
	f := New[int]()
	require.True(t, f.Cancel())
	_, err, ok := f.Result()
	require.True(t, ok)
	require.ErrorIs(t, err, ErrCanceled)
}

func TestFuture_OnDoneOrdering(t *testing.T) {
	f := New[int]()
	var calls atomic.Int64
	f.OnDone(func() { calls.Inc() })
	require.Zero(t, calls.Load())

	f.Complete(7)
	require.EqualValues(t, 1, calls.Load())

	// Late registration runs immediately.
	f.OnDone(func() { calls.Inc() })
	require.EqualValues(t, 2, calls.Load())
}

func TestRun_RecoversPanicAndRejection(t *testing.T) {
	f := Run(executor.Direct(), func() (int, error) { panic("boom") })
	_, err, ok := f.Result()
	require.True(t, ok)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "boom", pe.Value)

	reject := executor.Func(func(func()) error { return executor.ErrRejected })
	f = Run(reject, func() (int, error) { return 1, nil })
	_, err, ok = f.Result()
	require.True(t, ok)
	require.ErrorIs(t, err, executor.ErrRejected)
}

func TestFollow(t *testing.T) {
	src, dst := New[int](), New[int]()
	dst.Follow(src)
	src.Fail(errors.New("nope"))

	_, err := dst.Get(context.Background())
	require.EqualError(t, err, "nope")
}

func TestFuture_SettleKeepsPartialValue(t *testing.T) {
	f := New[map[int]string]()
	f.Settle(map[int]string{1: "a"}, errors.New("key 2 failed"))

	v, err := f.Get(context.Background())
	require.EqualError(t, err, "key 2 failed")
	require.Equal(t, map[int]string{1: "a"}, v)
}

func TestFuture_CallbacksRunBeforeWaitersWake(t *testing.T) {
	f := New[int]()
	var installed atomic.Bool
	f.OnDone(func() {
		// a callback may read its own future without blocking
		v, err := f.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, 3, v)
		time.Sleep(5 * time.Millisecond)
		installed.Store(true)
	})

	woke := make(chan bool)
	go func() {
		<-f.Done()
		woke <- installed.Load()
	}()
	f.Complete(3)
	require.True(t, <-woke)
}
