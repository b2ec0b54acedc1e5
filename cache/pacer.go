package cache

import (
	"time"

	"github.com/IvanBrykalov/boundcache/executor"
	"github.com/IvanBrykalov/boundcache/internal/timerwheel"
)

// pacerTolerance coalesces wake-ups: a scheduled run is kept if it fires no
// later than this after the one being requested.
const pacerTolerance = int64(time.Second)

// pacer keeps at most one scheduled maintenance run for the next expiration.
// It is owned by the eviction mutex.
type pacer struct {
	cancel       func()
	nextFireTime int64
}

func (p *pacer) schedule(s executor.Scheduler, task func(), now, delay int64) error {
	scheduleAt := saturatingAdd(now, delay)
	if p.cancel != nil {
		if p.nextFireTime < saturatingAdd(scheduleAt, pacerTolerance) {
			return nil
		}
		p.cancel()
	}
	delay = max(delay, pacerTolerance)
	cancel, err := s.Schedule(time.Duration(delay), task)
	if err != nil {
		p.reset()
		return err
	}
	p.cancel = cancel
	p.nextFireTime = saturatingAdd(now, delay)
	return nil
}

func (p *pacer) reset() {
	p.cancel = nil
	p.nextFireTime = 0
}

func (p *pacer) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.reset()
}

// pace arms the pacer for the wheel's next deadline. c.evictionMu must be held.
func (c *cache[K, V]) pace(now int64) {
	if c.scheduler == nil || c.closed.Load() {
		return
	}
	delay := c.wheel.NextDelay()
	if delay == timerwheel.Never {
		return
	}
	if err := c.pacer.schedule(c.scheduler, c.onPace, now, delay); err != nil {
		c.logger.Warn("cache: scheduler refused expiration wake-up", "error", err)
	}
}

func (c *cache[K, V]) onPace() {
	if c.closed.Load() {
		return
	}
	c.evictionMu.Lock()
	c.pacer.reset()
	c.maintenance(nil)
	c.unlockEviction()
}
