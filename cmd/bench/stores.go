package main

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/IvanBrykalov/boundcache/cache"
	"github.com/IvanBrykalov/boundcache/internal/config"
)

// loadFunc computes a value on a miss.
type loadFunc func(ctx context.Context, k string) (string, error)

// store is the surface the workload drives. Baselines emulate GetOrLoad
// with a cache-aside read.
type store interface {
	Get(k string) (string, bool)
	Set(k, v string)
	GetOrLoad(ctx context.Context, k string) (string, error)
	Len() int
	Close() error
}

func newStore(cfg *config.Configuration, metrics cache.Metrics, load loadFunc) (store, error) {
	switch cfg.Bench.Store {
	case "", "boundcache":
		return newBoundStore(cfg.Cache, metrics, load)
	case "golang-lru":
		c, err := lru.New[string, string](int(cfg.Cache.MaximumSize))
		if err != nil {
			return nil, fmt.Errorf("golang-lru: %w", err)
		}
		return &lruStore{c: c, load: load}, nil
	case "ristretto":
		maximum := cfg.Cache.MaximumSize
		c, err := ristretto.NewCache(&ristretto.Config[string, string]{
			NumCounters: 10 * maximum,
			MaxCost:     maximum,
			BufferItems: 64,
			Metrics:     true,
			// cost 1 per entry, like MaximumSize
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("ristretto: %w", err)
		}
		return &ristrettoStore{c: c, load: load}, nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Bench.Store)
	}
}

type boundStore struct {
	cache.Cache[string, string]
	stop func()
}

func newBoundStore(cc config.CacheConfig, metrics cache.Metrics, load loadFunc) (*boundStore, error) {
	opt, stop, err := config.CacheOptions[string, string](cc)
	if err != nil {
		return nil, err
	}
	opt.Metrics = metrics
	if load != nil {
		opt.Loader = cache.Loader[string, string](load)
	}
	return &boundStore{Cache: cache.New(opt), stop: stop}, nil
}

func (s *boundStore) Close() error {
	err := s.Cache.Close()
	s.stop()
	return err
}

type lruStore struct {
	c    *lru.Cache[string, string]
	load loadFunc
}

func (s *lruStore) Get(k string) (string, bool) { return s.c.Get(k) }
func (s *lruStore) Set(k, v string)             { s.c.Add(k, v) }
func (s *lruStore) Len() int                    { return s.c.Len() }
func (s *lruStore) Close() error                { s.c.Purge(); return nil }

func (s *lruStore) GetOrLoad(ctx context.Context, k string) (string, error) {
	if v, ok := s.c.Get(k); ok {
		return v, nil
	}
	return loadAside(ctx, k, s.load, s.Set)
}

type ristrettoStore struct {
	c    *ristretto.Cache[string, string]
	load loadFunc
}

func (s *ristrettoStore) Get(k string) (string, bool) { return s.c.Get(k) }
func (s *ristrettoStore) Set(k, v string)             { s.c.Set(k, v, 1) }
func (s *ristrettoStore) Close() error                { s.c.Close(); return nil }

// Len is approximate: ristretto admits asynchronously.
func (s *ristrettoStore) Len() int {
	s.c.Wait()
	m := s.c.Metrics
	return int(m.KeysAdded() - m.KeysEvicted())
}

func (s *ristrettoStore) GetOrLoad(ctx context.Context, k string) (string, error) {
	if v, ok := s.c.Get(k); ok {
		return v, nil
	}
	return loadAside(ctx, k, s.load, s.Set)
}

func loadAside(ctx context.Context, k string, load loadFunc, set func(k, v string)) (string, error) {
	if load == nil {
		return "", cache.ErrNoLoader
	}
	v, err := load(ctx, k)
	if err != nil {
		return "", err
	}
	set(k, v)
	return v, nil
}
