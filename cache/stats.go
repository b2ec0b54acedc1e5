package cache

import (
	"time"

	"github.com/IvanBrykalov/boundcache/internal/util"
)

// Stats is a point-in-time snapshot of the cache counters.
type Stats struct {
	Hits           int64
	Misses         int64
	LoadSuccesses  int64
	LoadFailures   int64
	TotalLoadTime  time.Duration
	Evictions      int64
	EvictionWeight int64
}

// Requests returns Hits + Misses.
func (s Stats) Requests() int64 { return s.Hits + s.Misses }

// HitRate returns the fraction of requests that hit, or 1 with no requests.
func (s Stats) HitRate() float64 {
	if r := s.Requests(); r > 0 {
		return float64(s.Hits) / float64(r)
	}
	return 1
}

// AverageLoadPenalty returns the mean time spent per load.
func (s Stats) AverageLoadPenalty() time.Duration {
	if n := s.LoadSuccesses + s.LoadFailures; n > 0 {
		return s.TotalLoadTime / time.Duration(n)
	}
	return 0
}

// statsCounter keeps every counter on its own cache line; hits and misses
// are bumped from every reader goroutine.
type statsCounter struct {
	enabled        bool
	hits           util.PaddedAtomicInt64
	misses         util.PaddedAtomicInt64
	loadSuccesses  util.PaddedAtomicInt64
	loadFailures   util.PaddedAtomicInt64
	loadTime       util.PaddedAtomicInt64
	evictions      util.PaddedAtomicInt64
	evictionWeight util.PaddedAtomicInt64
}

func (s *statsCounter) recordHit() {
	if s.enabled {
		s.hits.Add(1)
	}
}

func (s *statsCounter) recordMiss() {
	if s.enabled {
		s.misses.Add(1)
	}
}

func (s *statsCounter) recordLoad(success bool, d time.Duration) {
	if !s.enabled {
		return
	}
	if success {
		s.loadSuccesses.Add(1)
	} else {
		s.loadFailures.Add(1)
	}
	s.loadTime.Add(int64(d))
}

func (s *statsCounter) recordEviction(weight int64) {
	if s.enabled {
		s.evictions.Add(1)
		s.evictionWeight.Add(weight)
	}
}

func (s *statsCounter) snapshot() Stats {
	return Stats{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		LoadSuccesses:  s.loadSuccesses.Load(),
		LoadFailures:   s.loadFailures.Load(),
		TotalLoadTime:  time.Duration(s.loadTime.Load()),
		Evictions:      s.evictions.Load(),
		EvictionWeight: s.evictionWeight.Load(),
	}
}
