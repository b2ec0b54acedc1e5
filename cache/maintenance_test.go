package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/IvanBrykalov/boundcache/executor"
	"github.com/IvanBrykalov/boundcache/internal/logging"
)

// discarding accepts every task and never runs it.
func discarding(submitted *atomic.Int32) executor.Executor {
	return executor.Func(func(func()) error {
		submitted.Inc()
		return nil
	})
}

func rejecting() executor.Executor {
	return executor.Func(func(func()) error { return executor.ErrRejected })
}

func TestMaintenance_DirectExecutorDrainsEveryWrite(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, Options[int, int]{MaximumSize: 10})
	for i := 0; i < 100; i++ {
		c.Set(i, i)
		require.LessOrEqual(t, c.Len(), 10)
	}
	require.Equal(t, idle, c.drainStatus.Load())
	require.Empty(t, c.writeBuffer)
}

// Dropped drains leave work buffered until a caller notices the stall.
func TestMaintenance_DiscardingExecutorRecoversStall(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	var submitted atomic.Int32
	c := newTestCache(t, Options[int, int]{
		MaximumSize: 10,
		Clock:       clk,
		Executor:    discarding(&submitted),
	})

	for i := 0; i < 100; i++ {
		c.Set(i, i)
	}
	require.Equal(t, 100, c.Len(), "nothing drained yet")
	require.EqualValues(t, 1, submitted.Load(), "one drain is pending")
	require.Equal(t, processingToRequired, c.drainStatus.Load())

	clk.add(2 * time.Second)
	c.Set(100, 100)
	require.Equal(t, 10, c.Len())
	require.Equal(t, idle, c.drainStatus.Load())
}

func TestMaintenance_DiscardingExecutorCleanUp(t *testing.T) {
	t.Parallel()

	var submitted atomic.Int32
	c := newTestCache(t, Options[int, int]{
		MaximumSize: 10,
		Clock:       &fakeClock{},
		Executor:    discarding(&submitted),
	})
	for i := 0; i < 100; i++ {
		c.Set(i, i)
	}
	c.CleanUp()
	require.Equal(t, 10, c.Len())
	require.EqualValues(t, 10, c.WeightedSize())
}

// A rejected drain runs on the caller, as do rejected notifications.
func TestMaintenance_RejectingExecutorRunsOnCaller(t *testing.T) {
	t.Parallel()

	log := &removalLog[int, int]{}
	c := newTestCache(t, Options[int, int]{
		MaximumSize: 10,
		Executor:    rejecting(),
		OnRemoval:   log.record,
	})
	for i := 0; i < 100; i++ {
		c.Set(i, i)
		require.LessOrEqual(t, c.Len(), 10)
	}
	require.Equal(t, 90, log.count(CauseSize))
	require.Equal(t, idle, c.drainStatus.Load())
}

// When the write buffer stays full the writer applies its own task.
func TestMaintenance_FullWriteBufferDrainsOnCaller(t *testing.T) {
	t.Parallel()

	var submitted atomic.Int32
	c := newTestCache(t, Options[int, int]{
		MaximumSize: 10,
		Clock:       &fakeClock{},
		Executor:    discarding(&submitted),
	})
	size := c.writeBufferSize
	for i := 0; i <= size; i++ {
		c.Set(i, i)
	}
	require.Equal(t, 10, c.Len())

	for i := 0; i < 49; i++ {
		c.Set(size+1+i, i)
	}
	require.Equal(t, 59, c.Len())
	c.CleanUp()
	require.Equal(t, 10, c.Len())
}

// Reads are recorded lossily and replayed in order by the next drain.
func TestMaintenance_ReadsReachPolicy(t *testing.T) {
	t.Parallel()

	var submitted atomic.Int32
	c := newTestCache(t, Options[int, int]{
		MaximumSize: 100,
		Clock:       &fakeClock{},
		Executor:    discarding(&submitted),
	})
	c.Set(1, 1)
	c.CleanUp()
	for i := 0; i < 10; i++ {
		_, _ = c.Get(1)
	}
	require.Positive(t, c.readBuffer.Len())
	c.CleanUp()
	require.Zero(t, c.readBuffer.Len())
}

func TestMaintenance_PoolExecutor(t *testing.T) {
	t.Parallel()

	pool := executor.NewPool(executor.PoolConfig{Workers: 2, Queue: 64, Logger: logging.Discard()})
	pool.Start()
	t.Cleanup(pool.Stop)

	c := newTestCache(t, Options[int, int]{MaximumSize: 100, Executor: pool})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				c.Set(g*1000+i, i)
				_, _ = c.Get(i)
			}
		}(g)
	}
	wg.Wait()
	c.CleanUp()
	require.Equal(t, 100, c.Len())
	require.EqualValues(t, 100, c.WeightedSize())
}

// A node removed while its add is still buffered is never linked.
func TestMaintenance_RemoveBeforeDrain(t *testing.T) {
	t.Parallel()

	var submitted atomic.Int32
	c := newTestCache(t, Options[int, int]{
		MaximumSize: 10,
		Clock:       &fakeClock{},
		Executor:    discarding(&submitted),
	})
	c.Set(1, 1)
	_, ok := c.Remove(1)
	require.True(t, ok)
	c.CleanUp()
	require.Zero(t, c.Len())
	require.Zero(t, c.WeightedSize())
	require.Zero(t, c.wheel.Len())
}
