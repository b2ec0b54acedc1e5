// Package config loads cache and load-generator settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/IvanBrykalov/boundcache/cache"
	"github.com/IvanBrykalov/boundcache/executor"
	"github.com/IvanBrykalov/boundcache/internal/logging"
	"github.com/IvanBrykalov/boundcache/policy"
	"github.com/IvanBrykalov/boundcache/policy/lru"
	"github.com/IvanBrykalov/boundcache/policy/tinylfu"
	"github.com/IvanBrykalov/boundcache/policy/twoq"
)

// Configuration is the complete file layout.
type Configuration struct {
	Cache   CacheConfig   `yaml:"cache"`
	Bench   BenchConfig   `yaml:"bench"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// CacheConfig mirrors the serializable subset of cache.Options.
// Callbacks (weigher, loaders, listeners) stay programmatic.
type CacheConfig struct {
	// MaximumSize bounds the entry count; 0 leaves the cache unbounded.
	MaximumSize int64 `yaml:"maximum_size"`

	// MaximumWeight bounds the total weight reported by a weigher supplied
	// in code. Without one every entry weighs 1.
	MaximumWeight int64 `yaml:"maximum_weight"`

	InitialCapacity int `yaml:"initial_capacity"`
	Shards          int `yaml:"shards"`

	// Policy is one of "tinylfu" (default), "lru" or "twoq".
	Policy string `yaml:"policy"`

	ExpireAfterAccess time.Duration `yaml:"expire_after_access"`
	ExpireAfterWrite  time.Duration `yaml:"expire_after_write"`
	RefreshAfterWrite time.Duration `yaml:"refresh_after_write"`

	// KeyReference is "strong" or "weak"; ValueReference also accepts "soft".
	KeyReference   string `yaml:"key_reference"`
	ValueReference string `yaml:"value_reference"`

	RecordStats bool `yaml:"record_stats"`

	// ProactiveExpiration wakes the cache with a system timer at the next
	// deadline instead of relying on traffic alone.
	ProactiveExpiration bool `yaml:"proactive_expiration"`

	// CleanupSchedule is a cron spec such as "@every 1m".
	CleanupSchedule string `yaml:"cleanup_schedule"`

	Executor ExecutorConfig `yaml:"executor"`
}

// ExecutorConfig selects how background work runs.
type ExecutorConfig struct {
	// Kind is one of "go" (default), "direct", "pool" or "bounded".
	Kind string `yaml:"kind"`

	// Workers is the pool size, or the concurrency limit for "bounded".
	Workers int `yaml:"workers"`

	// Queue is the pool's task queue length.
	Queue int `yaml:"queue"`
}

// BenchConfig drives cmd/bench.
type BenchConfig struct {
	// Store is "boundcache" (default), "golang-lru" or "ristretto".
	Store    string        `yaml:"store"`
	Workers  int           `yaml:"workers"`
	Keys     int           `yaml:"keys"`
	Duration time.Duration `yaml:"duration"`
	ReadPct  int           `yaml:"read_pct"`
	ZipfS    float64       `yaml:"zipf_s"`
	ZipfV    float64       `yaml:"zipf_v"`
	Seed     int64         `yaml:"seed"`
	Preload  int           `yaml:"preload"`

	// LoadLatency, when set, reads through GetOrLoad with a loader that
	// sleeps this long.
	LoadLatency time.Duration `yaml:"load_latency"`
}

// LogConfig configures the operational logger.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// Pprof mounts net/http/pprof next to /metrics.
	Pprof bool `yaml:"pprof"`
}

// NewDefault returns a configuration with default values.
func NewDefault() *Configuration {
	return &Configuration{
		Cache: CacheConfig{
			MaximumSize: 100_000,
			Policy:      "tinylfu",
			Executor:    ExecutorConfig{Kind: "go"},
		},
		Bench: BenchConfig{
			Store:    "boundcache",
			Keys:     1_000_000,
			Duration: 10 * time.Second,
			ReadPct:  90,
			ZipfS:    1.2,
			ZipfV:    1,
			Seed:     1,
		},
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":2112",
		},
	}
}

// Load reads path on top of the defaults and validates the result.
func Load(path string) (*Configuration, error) {
	c := NewDefault()
	if err := c.LoadFromFile(path); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

// LoadFromFile loads configuration from a YAML file. Keys absent from the
// file keep their current values.
func (c *Configuration) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Configuration) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return err
	}

	b := c.Bench
	switch b.Store {
	case "", "boundcache", "golang-lru", "ristretto":
	default:
		return fmt.Errorf("bench.store %q is not supported", b.Store)
	}
	if b.Store == "golang-lru" || b.Store == "ristretto" {
		if c.Cache.MaximumSize <= 0 {
			return fmt.Errorf("bench.store %q requires cache.maximum_size", b.Store)
		}
	}
	if b.Keys <= 0 {
		return errors.New("bench.keys must be positive")
	}
	if b.ReadPct < 0 || b.ReadPct > 100 {
		return errors.New("bench.read_pct must be within [0, 100]")
	}
	if b.ZipfS <= 1 {
		return errors.New("bench.zipf_s must be greater than 1")
	}
	if b.ZipfV < 1 {
		return errors.New("bench.zipf_v must be at least 1")
	}
	if b.Duration <= 0 {
		return errors.New("bench.duration must be positive")
	}
	if c.Cache.RefreshAfterWrite > 0 && b.LoadLatency <= 0 {
		return errors.New("cache.refresh_after_write requires bench.load_latency")
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not supported", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.New("metrics.addr is required when metrics are enabled")
	}

	return nil
}

// Validate reports settings cache.New would reject, as errors instead of
// panics.
func (cc CacheConfig) Validate() error {
	if cc.MaximumSize < 0 || cc.MaximumWeight < 0 {
		return errors.New("cache maximum must not be negative")
	}
	if cc.MaximumSize > 0 && cc.MaximumWeight > 0 {
		return errors.New("cache.maximum_size and cache.maximum_weight are mutually exclusive")
	}
	if cc.ExpireAfterAccess < 0 || cc.ExpireAfterWrite < 0 || cc.RefreshAfterWrite < 0 {
		return errors.New("cache durations must not be negative")
	}
	if _, err := policyOf[struct{}](cc.Policy); err != nil {
		return err
	}
	k, err := referenceOf(cc.KeyReference)
	if err != nil {
		return fmt.Errorf("cache.key_reference: %w", err)
	}
	if k == cache.Soft {
		return errors.New("cache.key_reference cannot be soft")
	}
	if _, err := referenceOf(cc.ValueReference); err != nil {
		return fmt.Errorf("cache.value_reference: %w", err)
	}
	if cc.CleanupSchedule != "" {
		if err := executor.ValidateSpec(cc.CleanupSchedule); err != nil {
			return fmt.Errorf("cache.cleanup_schedule: %w", err)
		}
	}

	switch cc.Executor.Kind {
	case "", "go", "direct":
	case "pool", "bounded":
		if cc.Executor.Workers < 0 || cc.Executor.Queue < 0 {
			return errors.New("cache.executor sizes must not be negative")
		}
	default:
		return fmt.Errorf("cache.executor.kind %q is not supported", cc.Executor.Kind)
	}

	return nil
}

// CacheOptions converts cc into cache options. The returned stop function
// releases the executor and must be called after the cache is closed.
func CacheOptions[K comparable, V any](cc CacheConfig) (cache.Options[K, V], func(), error) {
	if err := cc.Validate(); err != nil {
		return cache.Options[K, V]{}, nil, err
	}
	p, _ := policyOf[K](cc.Policy)
	keyRef, _ := referenceOf(cc.KeyReference)
	valueRef, _ := referenceOf(cc.ValueReference)
	exec, stop := BuildExecutor(cc.Executor)

	opt := cache.Options[K, V]{
		InitialCapacity:   cc.InitialCapacity,
		Shards:            cc.Shards,
		MaximumSize:       cc.MaximumSize,
		MaximumWeight:     cc.MaximumWeight,
		Policy:            p,
		ExpireAfterAccess: cc.ExpireAfterAccess,
		ExpireAfterWrite:  cc.ExpireAfterWrite,
		RefreshAfterWrite: cc.RefreshAfterWrite,
		KeyReference:      keyRef,
		ValueReference:    valueRef,
		RecordStats:       cc.RecordStats,
		CleanupSchedule:   cc.CleanupSchedule,
		Executor:          exec,
	}
	if cc.ProactiveExpiration {
		opt.Scheduler = executor.SystemScheduler()
	}
	return opt, stop, nil
}

// BuildExecutor returns the executor described by ec and a function that
// stops it. Unknown kinds fall back to a goroutine per task.
func BuildExecutor(ec ExecutorConfig) (executor.Executor, func()) {
	switch ec.Kind {
	case "direct":
		return executor.Direct(), func() {}
	case "pool":
		p := executor.NewPool(executor.PoolConfig{
			Workers: ec.Workers,
			Queue:   ec.Queue,
			Logger:  logging.Op(),
		})
		p.Start()
		return p, p.Stop
	case "bounded":
		return executor.NewBounded(int64(ec.Workers)), func() {}
	default:
		return executor.Go(), func() {}
	}
}

func policyOf[K comparable](name string) (policy.Policy[K], error) {
	switch name {
	case "", "tinylfu":
		return tinylfu.New[K](), nil
	case "lru":
		return lru.New[K](), nil
	case "twoq":
		return twoq.New[K](0, 0), nil
	default:
		return nil, fmt.Errorf("cache.policy %q is not supported", name)
	}
}

func referenceOf(name string) (cache.ReferenceKind, error) {
	switch name {
	case "", "strong":
		return cache.Strong, nil
	case "weak":
		return cache.Weak, nil
	case "soft":
		return cache.Soft, nil
	default:
		return cache.Strong, fmt.Errorf("unknown reference kind %q", name)
	}
}
