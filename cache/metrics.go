package cache

import "time"

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(cause RemovalCause)
	// Size is reported after every maintenance pass.
	Size(entries int, weight int64)
	Load(success bool, d time.Duration)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                           {}
func (NoopMetrics) Miss()                          {}
func (NoopMetrics) Evict(RemovalCause)             {}
func (NoopMetrics) Size(entries int, weight int64) {}
func (NoopMetrics) Load(bool, time.Duration)       {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
