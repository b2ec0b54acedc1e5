package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/IvanBrykalov/boundcache/executor"
	"github.com/IvanBrykalov/boundcache/future"
	"github.com/IvanBrykalov/boundcache/policy"
)

var (
	// ErrNoLoader is returned by loading operations when no loader was configured.
	ErrNoLoader = errors.New("cache: no loader configured")
	// ErrNotFound is returned by a loader to report that the key has no value.
	// The cache then leaves the key unmapped.
	ErrNotFound = errors.New("cache: not found")
	// ErrClosed is returned by loading operations after Close.
	ErrClosed = errors.New("cache: closed")
)

// RemovalCause explains why an entry left the cache.
type RemovalCause int

const (
	causeNone RemovalCause = iota
	// CauseExplicit means the entry was removed by Remove or RemoveAll.
	CauseExplicit
	// CauseReplaced means the value was overwritten by a write.
	CauseReplaced
	// CauseCollected means the entry's weak or soft reference was reclaimed.
	CauseCollected
	// CauseExpired means the entry's deadline passed.
	CauseExpired
	// CauseSize means the policy evicted the entry to fit the maximum.
	CauseSize
)

// Evicted reports whether the removal was automatic rather than caused by
// a user write.
func (c RemovalCause) Evicted() bool {
	switch c {
	case CauseCollected, CauseExpired, CauseSize:
		return true
	default:
		return false
	}
}

func (c RemovalCause) String() string {
	switch c {
	case CauseExplicit:
		return "explicit"
	case CauseReplaced:
		return "replaced"
	case CauseCollected:
		return "collected"
	case CauseExpired:
		return "expired"
	case CauseSize:
		return "size"
	default:
		return "none"
	}
}

// ReferenceKind selects how strongly the cache holds keys or values.
// Go has no reference queues, so Weak and Soft only make entries eligible
// for Reclaim and ReclaimSoft.
type ReferenceKind int

const (
	Strong ReferenceKind = iota
	Weak
	Soft
)

// Expiry computes per-entry lifetimes. Each method returns the duration
// from now until the entry expires; current is the time the entry had left
// (math.MaxInt64 for none). Returning current keeps the deadline, returning
// 0 expires the entry immediately.
type Expiry[K comparable, V any] interface {
	ExpireAfterCreate(k K, v V, now int64) time.Duration
	ExpireAfterUpdate(k K, v V, now int64, current time.Duration) time.Duration
	ExpireAfterRead(k K, v V, now int64, current time.Duration) time.Duration
}

// ExpiryFuncs adapts plain functions to Expiry. A nil Update or Read keeps
// the current duration; a nil Create never expires.
type ExpiryFuncs[K comparable, V any] struct {
	Create func(k K, v V, now int64) time.Duration
	Update func(k K, v V, now int64, current time.Duration) time.Duration
	Read   func(k K, v V, now int64, current time.Duration) time.Duration
}

func (e ExpiryFuncs[K, V]) ExpireAfterCreate(k K, v V, now int64) time.Duration {
	if e.Create == nil {
		return forever
	}
	return e.Create(k, v, now)
}

func (e ExpiryFuncs[K, V]) ExpireAfterUpdate(k K, v V, now int64, current time.Duration) time.Duration {
	if e.Update == nil {
		return current
	}
	return e.Update(k, v, now, current)
}

func (e ExpiryFuncs[K, V]) ExpireAfterRead(k K, v V, now int64, current time.Duration) time.Duration {
	if e.Read == nil {
		return current
	}
	return e.Read(k, v, now, current)
}

// Clock reports monotonic time in nanoseconds; useful for deterministic tests.
type Clock interface{ Now() int64 }

type systemClock struct{ start time.Time }

func (c systemClock) Now() int64 { return int64(time.Since(c.start)) }

// Loader fetches a single value. Return ErrNotFound when the key has no value.
type Loader[K comparable, V any] func(ctx context.Context, k K) (V, error)

// BulkLoader fetches several values at once. Keys missing from the result
// are treated as not found; extra keys are cached as well. The keys slice
// belongs to the loader.
type BulkLoader[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// AsyncLoader starts a load and returns its future.
type AsyncLoader[K comparable, V any] func(ctx context.Context, k K, exec executor.Executor) *future.Future[V]

// AsyncBulkLoader starts a bulk load and returns its future.
type AsyncBulkLoader[K comparable, V any] func(ctx context.Context, keys []K, exec executor.Executor) *future.Future[map[K]V]

// Options configures the cache behavior. Zero values are safe; sane
// defaults are applied in New():
//   - nil Policy    => W-TinyLFU
//   - Shards <= 0   => auto (rounded up to power of two)
//   - nil Executor  => a goroutine per task
//   - nil Metrics   => NoopMetrics
//   - nil Logger    => the package operational logger
//   - nil Tracer    => the global otel tracer
//
// A cache with neither MaximumSize nor MaximumWeight is unbounded.
type Options[K comparable, V any] struct {
	// InitialCapacity sizes the store maps up front.
	InitialCapacity int

	// Shards defines the number of store shards. If 0, an automatic value
	// is chosen (≈ 2*GOMAXPROCS) and rounded to the next power of two.
	Shards int

	// MaximumSize bounds the number of entries.
	MaximumSize int64
	// MaximumWeight bounds the total weight reported by Weigher. A weight
	// above the maximum is evicted on admission; a weight of 0 is never
	// evicted for size. Negative weights count as 0 and weights above
	// math.MaxInt32 count as math.MaxInt32.
	MaximumWeight int64
	Weigher       func(k K, v V) int64

	// Policy orders entries for size eviction. nil => W-TinyLFU.
	Policy policy.Policy[K]

	// Fixed lifetimes, 0 = disabled.
	ExpireAfterAccess time.Duration
	ExpireAfterWrite  time.Duration
	// Expiry computes a per-entry lifetime on create, update and read.
	Expiry Expiry[K, V]
	// RefreshAfterWrite reloads an entry in the background on the first read
	// once it is this old. The stale value is served meanwhile.
	RefreshAfterWrite time.Duration

	KeyReference   ReferenceKind
	ValueReference ReferenceKind

	// OnRemoval is called for every removal, including replacements. It runs
	// on the Executor.
	OnRemoval func(k K, v V, cause RemovalCause)
	// OnEvict is called synchronously for automatic removals only (size,
	// expiration, collection). Keep it lightweight.
	OnEvict func(k K, v V, cause RemovalCause)

	Loader          Loader[K, V]
	BulkLoader      BulkLoader[K, V]
	AsyncLoader     AsyncLoader[K, V]
	AsyncBulkLoader AsyncBulkLoader[K, V]

	// Executor runs maintenance, removal notifications, event deliveries and
	// async loads. It may run tasks inline, later, never, or reject them.
	Executor executor.Executor
	// Scheduler, if set, wakes the cache for the next expiration so entries
	// expire without cache activity.
	Scheduler executor.Scheduler
	// CleanupSchedule is a cron spec ("@every 1m") for periodic CleanUp.
	CleanupSchedule string

	// Observability
	RecordStats bool
	Metrics     Metrics
	Logger      *slog.Logger
	Tracer      trace.Tracer

	// Clock allows overriding the time source (tests).
	Clock Clock
}
