package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/IvanBrykalov/boundcache/internal/config"
)

// result holds the counters of one run.
type result struct {
	elapsed time.Duration
	ops     atomic.Uint64
	reads   atomic.Uint64
	writes  atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64
	loads   atomic.Uint64
	errors  atomic.Uint64
	length  int
}

func (r *result) hitRate() float64 {
	reads := r.reads.Load()
	if reads == 0 {
		return 0
	}
	return float64(r.hits.Load()) / float64(reads) * 100
}

func (r *result) print(w io.Writer, cfg *config.Configuration, workers int) {
	store := cfg.Bench.Store
	if store == "" {
		store = "boundcache"
	}
	ops := r.ops.Load()
	fmt.Fprintf(w, "store=%s policy=%s max=%d workers=%d keys=%d dur=%v seed=%d\n",
		store, cfg.Cache.Policy, cfg.Cache.MaximumSize, workers, cfg.Bench.Keys, r.elapsed, cfg.Bench.Seed)
	fmt.Fprintf(w, "ops=%d (%.0f ops/s)  reads=%d  writes=%d\n",
		ops, float64(ops)/r.elapsed.Seconds(), r.reads.Load(), r.writes.Load())
	fmt.Fprintf(w, "hits=%d  misses=%d  hit-rate=%.2f%%\n", r.hits.Load(), r.misses.Load(), r.hitRate())
	if cfg.Bench.LoadLatency > 0 {
		fmt.Fprintf(w, "loads=%d  errors=%d\n", r.loads.Load(), r.errors.Load())
	}
	fmt.Fprintf(w, "Len()=%d\n", r.length)
}

// workload generates Zipf-distributed reads and writes against a store.
type workload struct {
	cfg     config.BenchConfig
	workers int
	res     *result
}

func newWorkload(cfg config.BenchConfig, workers int) *workload {
	if workers <= 0 {
		workers = 1
	}
	return &workload{cfg: cfg, workers: workers, res: &result{}}
}

func key(i uint64) string { return "k:" + strconv.FormatUint(i, 10) }

// loader returns the load function used for read-through runs, or nil.
func (w *workload) loader() loadFunc {
	if w.cfg.LoadLatency <= 0 {
		return nil
	}
	latency := w.cfg.LoadLatency
	return func(ctx context.Context, k string) (string, error) {
		w.res.loads.Inc()
		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-t.C:
			return "v:" + k, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// preload fills the store with the first n keys.
func (w *workload) preload(s store, n int) {
	for i := 0; i < n; i++ {
		s.Set(key(uint64(i)), "v"+strconv.Itoa(i))
	}
}

// run drives s until ctx is done or the configured duration elapses.
func (w *workload) run(ctx context.Context, s store) *result {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Duration)
	defer cancel()

	readThrough := w.cfg.LoadLatency > 0
	keysMax := uint64(w.cfg.Keys - 1)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(w.workers)
	for id := 0; id < w.workers; id++ {
		go func(id int) {
			defer wg.Done()

			// rand.Rand is not goroutine-safe; each worker owns one.
			r := rand.New(rand.NewPCG(uint64(w.cfg.Seed), uint64(id)*9973))
			zipf := rand.NewZipf(r, w.cfg.ZipfS, w.cfg.ZipfV, keysMax)

			for ctx.Err() == nil {
				w.res.ops.Inc()
				k := key(zipf.Uint64())
				if r.IntN(100) >= w.cfg.ReadPct {
					w.res.writes.Inc()
					s.Set(k, "v"+strconv.Itoa(r.Int()))
					continue
				}

				w.res.reads.Inc()
				if !readThrough {
					if _, ok := s.Get(k); ok {
						w.res.hits.Inc()
					} else {
						w.res.misses.Inc()
					}
					continue
				}
				before := w.res.loads.Load()
				if _, err := s.GetOrLoad(ctx, k); err != nil {
					w.res.errors.Inc()
				}
				// racy across workers, good enough for a rate
				if w.res.loads.Load() == before {
					w.res.hits.Inc()
				} else {
					w.res.misses.Inc()
				}
			}
		}(id)
	}
	wg.Wait()

	w.res.elapsed = time.Since(start)
	w.res.length = s.Len()
	return w.res
}
