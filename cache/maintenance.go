package cache

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/IvanBrykalov/boundcache/internal/buffer"
	"github.com/IvanBrykalov/boundcache/policy"
)

// Drain status. Writers move idle to required; a drain moves it to
// processingToIdle and back to idle unless new writes arrived meanwhile
// (processingToRequired).
const (
	idle uint32 = iota
	required
	processingToIdle
	processingToRequired
)

const (
	writeBufferRetries = 100
	// drainStallTimeout is how long a submitted drain may stay unstarted
	// before a caller runs it instead, e.g. when the executor dropped it.
	drainStallTimeout = int64(time.Second)
)

type taskKind uint8

const (
	addTask taskKind = iota + 1
	updateTask
	removeTask
	collectTask
)

// task is a write replayed against the policy and the timer wheel.
type task[K comparable, V any] struct {
	kind taskKind
	n    *node[K, V]
}

// afterRead records the access of a hit and schedules a drain when the read
// buffer overflows or a drain is already due.
func (c *cache[K, V]) afterRead(n *node[K, V], v V, now int64) {
	n.accessTime.Store(now)
	if c.expiry != nil {
		// A concurrent write's deadline wins over one derived from stale times.
		prev := n.variableTime.Load()
		d := c.expiry.ExpireAfterRead(n.key, v, now, remaining(prev, now))
		n.variableTime.CompareAndSwap(prev, deadlineAfter(now, d))
	}
	if c.tracksAccess {
		c.updateDeadline(n)
	}
	c.refreshIfNeeded(n, now)

	delayable := c.readBuffer.Add(n.hash, n) != buffer.Full
	switch c.drainStatus.Load() {
	case idle:
		if !delayable {
			c.scheduleDrainBuffers(now)
		}
	case required:
		c.scheduleDrainBuffers(now)
	default:
		c.recoverStall(now)
	}
}

// afterWrite hands t to maintenance. The write buffer is lossless: when it
// stays full the caller applies the task itself.
func (c *cache[K, V]) afterWrite(t task[K, V], now int64) {
	for i := 0; i < writeBufferRetries; i++ {
		select {
		case c.writeBuffer <- t:
			c.scheduleAfterWrite(now)
			return
		default:
		}
		c.scheduleDrainBuffers(now)
		runtime.Gosched()
	}
	c.evictionMu.Lock()
	c.maintenance(&t)
	c.unlockEviction()
	c.rescheduleCleanUpIfIncomplete(now)
}

func (c *cache[K, V]) scheduleAfterWrite(now int64) {
	for {
		switch c.drainStatus.Load() {
		case idle:
			c.drainStatus.CompareAndSwap(idle, required)
			c.scheduleDrainBuffers(now)
			return
		case required:
			c.scheduleDrainBuffers(now)
			return
		case processingToIdle:
			if c.drainStatus.CompareAndSwap(processingToIdle, processingToRequired) {
				c.recoverStall(now)
				return
			}
		case processingToRequired:
			c.recoverStall(now)
			return
		}
	}
}

// scheduleDrainBuffers submits a drain unless one is running or pending.
//
// The submitter takes the eviction mutex before Execute and whoever wins
// the handoff CAS owns it afterwards. A synchronous executor runs the drain
// inside Execute and wins, so the drain reuses the held lock instead of
// deadlocking on it. Otherwise the submitter wins, releases the lock, and
// the drain acquires it on its own goroutine.
func (c *cache[K, V]) scheduleDrainBuffers(now int64) {
	if c.drainStatus.Load() >= processingToIdle {
		c.recoverStall(now)
		return
	}
	if !c.evictionMu.TryLock() {
		return
	}
	if c.drainStatus.Load() >= processingToIdle {
		c.evictionMu.Unlock()
		return
	}
	c.drainStatus.Store(processingToIdle)
	c.drainScheduledAt.Store(now)

	var handoff atomic.Bool
	drain := func() {
		if handoff.CompareAndSwap(false, true) {
			c.maintenance(nil)
			c.unlockEviction()
			return
		}
		c.performCleanUp(nil)
	}
	err := c.executor.Execute(drain)
	if !handoff.CompareAndSwap(false, true) {
		return
	}
	c.evictionMu.Unlock()
	if err != nil {
		c.warnRejected(err)
		c.performCleanUp(nil)
	}
}

// recoverStall drains on the caller when a submitted drain has not started
// within drainStallTimeout.
func (c *cache[K, V]) recoverStall(now int64) {
	if now-c.drainScheduledAt.Load() < drainStallTimeout {
		return
	}
	if !c.evictionMu.TryLock() {
		return
	}
	if c.drainStatus.Load() < processingToIdle || now-c.drainScheduledAt.Load() < drainStallTimeout {
		c.evictionMu.Unlock()
		return
	}
	c.logger.Debug("cache: maintenance stalled; draining on caller")
	c.maintenance(nil)
	c.unlockEviction()
}

func (c *cache[K, V]) performCleanUp(t *task[K, V]) {
	c.evictionMu.Lock()
	c.maintenance(t)
	c.unlockEviction()
	c.rescheduleCleanUpIfIncomplete(c.clock.Now())
}

// rescheduleCleanUpIfIncomplete follows up a drain that left work behind.
// Only the default executor is trusted with the retry; other executors
// get the next triggering operation.
func (c *cache[K, V]) rescheduleCleanUpIfIncomplete(now int64) {
	if c.drainStatus.Load() == required && c.defaultExecutor {
		c.scheduleDrainBuffers(now)
	}
}

// maintenance replays buffered reads and writes, expires and evicts.
// c.evictionMu must be held.
func (c *cache[K, V]) maintenance(t *task[K, V]) {
	c.drainStatus.Store(processingToIdle)
	now := c.clock.Now()
	c.drainNow = now

	c.readBuffer.DrainTo(c.onAccess)
	c.drainWriteBuffer()
	if t != nil {
		c.runTask(*t)
	}
	c.wheel.Advance(now, c.expireNode)
	if c.evictor != nil {
		c.evictor.Evict(c.evictBySize)
		if cl, ok := c.evictor.(policy.Climber); ok {
			cl.Climb()
		}
	}
	c.pace(now)
	c.metrics.Size(c.Len(), c.weightedSize)

	if c.drainStatus.Load() != processingToIdle ||
		!c.drainStatus.CompareAndSwap(processingToIdle, idle) {
		c.drainStatus.Store(required)
	}
}

func (c *cache[K, V]) drainWriteBuffer() {
	for i := 0; i < c.writeBufferSize; i++ {
		select {
		case t := <-c.writeBuffer:
			c.runTask(t)
		default:
			return
		}
	}
	c.drainStatus.Store(processingToRequired)
}

func (c *cache[K, V]) onAccess(n *node[K, V]) {
	if !n.linked || !n.isAlive() {
		return
	}
	if c.evictor != nil {
		c.evictor.OnAccess(n)
	}
	if c.tracksAccess {
		c.wheel.Schedule(n)
	}
}

func (c *cache[K, V]) runTask(t task[K, V]) {
	n := t.n
	switch t.kind {
	case addTask, updateTask:
		if !n.isAlive() || n.loading.Load() {
			return
		}
		w := n.weight.Load()
		if !n.linked {
			n.linked = true
			n.policyWeight = w
			c.weightedSize += w
			c.wheel.Schedule(n)
			if c.evictor != nil {
				c.evictor.OnAdd(n, c.evictBySize)
			}
			return
		}
		old := n.policyWeight
		n.policyWeight = w
		c.weightedSize += w - old
		c.wheel.Schedule(n)
		if c.evictor != nil {
			c.evictor.OnUpdate(n, old, c.evictBySize)
		}
	case removeTask:
		c.unlink(n, false)
		n.state.Store(dead)
	case collectTask:
		c.evictEntry(n, CauseCollected, c.drainNow)
	}
}

// unlink detaches n from the policy and the wheel. evicted is set when the
// policy already unlinked the node itself.
func (c *cache[K, V]) unlink(n *node[K, V], evicted bool) {
	if !n.linked {
		return
	}
	n.linked = false
	if c.evictor != nil && !evicted {
		c.evictor.OnRemove(n)
	}
	c.wheel.Deschedule(n)
	c.weightedSize -= n.policyWeight
}

// evictEntry removes n for an automatic cause. It reports false when the
// entry turned out to be fresh again (a write or read moved its deadline, or
// a write replaced a collected value), in which case it stays.
// Notifications are queued for unlockEviction.
func (c *cache[K, V]) evictEntry(n *node[K, V], cause RemovalCause, now int64) bool {
	s := c.shardFor(n.hash)
	s.mu.Lock()
	if s.m[n.key] != n {
		// Retired by a write; its remove task finishes the unlink.
		s.mu.Unlock()
		if cause == CauseSize {
			c.unlink(n, true)
		}
		return true
	}
	switch cause {
	case CauseExpired:
		if n.expiresAt.Load() > now {
			s.mu.Unlock()
			return false
		}
	case CauseCollected:
		if !n.collected.Load() {
			s.mu.Unlock()
			return false
		}
	}
	c.evictLocked(s, n, cause)
	return true
}

// evictLocked retires n, which s maps, and releases s.mu.
func (c *cache[K, V]) evictLocked(s *shard[K, V], n *node[K, V], cause RemovalCause) {
	c.batch, _ = c.retireLocked(s, n, cause, c.batch)
	v := n.value
	s.mu.Unlock()

	weight := n.policyWeight
	c.unlink(n, cause == CauseSize)
	n.state.Store(dead)
	c.recordEviction(weight, cause)
	c.notes = append(c.notes, removal[K, V]{key: n.key, value: v, cause: cause})
}

// unlockEviction releases the eviction mutex and then delivers the
// notifications collected while it was held, so listeners may re-enter.
func (c *cache[K, V]) unlockEviction() {
	notes, b := c.notes, c.batch
	c.notes, c.batch = nil, nil
	c.evictionMu.Unlock()

	for _, r := range notes {
		c.notify(r.key, r.value, r.cause)
	}
	b.Dispatch(context.Background())
}
