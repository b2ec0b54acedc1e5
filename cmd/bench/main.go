// Command bench runs a synthetic Zipf workload against the cache, or against
// a golang-lru or ristretto baseline, and exposes optional pprof/Prometheus
// endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/IvanBrykalov/boundcache/cache"
	"github.com/IvanBrykalov/boundcache/internal/config"
	"github.com/IvanBrykalov/boundcache/internal/logging"
	pmet "github.com/IvanBrykalov/boundcache/metrics/prom"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	var configPath string
	flags := config.NewDefault()

	root := &cobra.Command{
		Use:          "bench",
		Short:        "Cache load generator",
		Long:         "Drive a Zipf-distributed read/write workload and report throughput and hit rate.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.NewDefault()
			if configPath != "" {
				if err := cfg.LoadFromFile(configPath); err != nil {
					return err
				}
			}
			applyFlags(cmd, cfg, flags)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, cfg)
		},
	}

	f := root.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file; flags override its values")

	f.StringVar(&flags.Bench.Store, "store", flags.Bench.Store, "store under test: boundcache | golang-lru | ristretto")
	f.Int64Var(&flags.Cache.MaximumSize, "max", flags.Cache.MaximumSize, "maximum entries (0 = unbounded)")
	f.IntVar(&flags.Cache.Shards, "shards", 0, "number of shards (0 = auto)")
	f.StringVar(&flags.Cache.Policy, "policy", flags.Cache.Policy, "eviction policy: tinylfu | lru | twoq")
	f.DurationVar(&flags.Cache.ExpireAfterWrite, "ttl", 0, "expire after write (0 = disabled)")
	f.DurationVar(&flags.Cache.ExpireAfterAccess, "tti", 0, "expire after access (0 = disabled)")
	f.StringVar(&flags.Cache.Executor.Kind, "executor", flags.Cache.Executor.Kind, "maintenance executor: go | direct | pool | bounded")
	f.BoolVar(&flags.Cache.RecordStats, "stats", false, "record and print cache statistics")

	f.IntVar(&flags.Bench.Workers, "workers", 0, "worker goroutines (0 = 2*GOMAXPROCS)")
	f.DurationVar(&flags.Bench.Duration, "duration", flags.Bench.Duration, "benchmark duration")
	f.IntVar(&flags.Bench.ReadPct, "reads", flags.Bench.ReadPct, "read percentage [0..100]")
	f.IntVar(&flags.Bench.Keys, "keys", flags.Bench.Keys, "keyspace size")
	f.Float64Var(&flags.Bench.ZipfS, "zipf-s", flags.Bench.ZipfS, "Zipf s > 1 (skew)")
	f.Float64Var(&flags.Bench.ZipfV, "zipf-v", flags.Bench.ZipfV, "Zipf v >= 1")
	f.Int64Var(&flags.Bench.Seed, "seed", flags.Bench.Seed, "random seed")
	f.IntVar(&flags.Bench.Preload, "preload", 0, "preload entries (0 = max/2)")
	f.DurationVar(&flags.Bench.LoadLatency, "load-latency", 0, "read through a loader with this latency (0 = plain reads)")

	f.BoolVar(&flags.Metrics.Enabled, "metrics", false, "serve Prometheus metrics")
	f.StringVar(&flags.Metrics.Addr, "http", flags.Metrics.Addr, "metrics/pprof listen address")
	f.BoolVar(&flags.Metrics.Pprof, "pprof", false, "serve pprof next to /metrics")
	f.StringVar(&flags.Log.Level, "log-level", flags.Log.Level, "log level: debug | info | warn | error")
	f.StringVar(&flags.Log.Format, "log-format", flags.Log.Format, "log format: text | json")

	return root
}

// applyFlags copies explicitly set flags from src over dst.
func applyFlags(cmd *cobra.Command, dst, src *config.Configuration) {
	set := map[string]func(){
		"store":        func() { dst.Bench.Store = src.Bench.Store },
		"max":          func() { dst.Cache.MaximumSize = src.Cache.MaximumSize },
		"shards":       func() { dst.Cache.Shards = src.Cache.Shards },
		"policy":       func() { dst.Cache.Policy = src.Cache.Policy },
		"ttl":          func() { dst.Cache.ExpireAfterWrite = src.Cache.ExpireAfterWrite },
		"tti":          func() { dst.Cache.ExpireAfterAccess = src.Cache.ExpireAfterAccess },
		"executor":     func() { dst.Cache.Executor.Kind = src.Cache.Executor.Kind },
		"stats":        func() { dst.Cache.RecordStats = src.Cache.RecordStats },
		"workers":      func() { dst.Bench.Workers = src.Bench.Workers },
		"duration":     func() { dst.Bench.Duration = src.Bench.Duration },
		"reads":        func() { dst.Bench.ReadPct = src.Bench.ReadPct },
		"keys":         func() { dst.Bench.Keys = src.Bench.Keys },
		"zipf-s":       func() { dst.Bench.ZipfS = src.Bench.ZipfS },
		"zipf-v":       func() { dst.Bench.ZipfV = src.Bench.ZipfV },
		"seed":         func() { dst.Bench.Seed = src.Bench.Seed },
		"preload":      func() { dst.Bench.Preload = src.Bench.Preload },
		"load-latency": func() { dst.Bench.LoadLatency = src.Bench.LoadLatency },
		"metrics":      func() { dst.Metrics.Enabled = src.Metrics.Enabled },
		"http":         func() { dst.Metrics.Addr = src.Metrics.Addr },
		"pprof":        func() { dst.Metrics.Pprof = src.Metrics.Pprof },
		"log-level":    func() { dst.Log.Level = src.Log.Level },
		"log-format":   func() { dst.Log.Format = src.Log.Format },
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}

func run(ctx context.Context, cmd *cobra.Command, cfg *config.Configuration) error {
	logging.InitStructured(cfg.Log.Format, cfg.Log.Level)
	logger := logging.Op()

	var metrics cache.Metrics
	if cfg.Metrics.Enabled || cfg.Metrics.Pprof {
		reg := prometheus.NewRegistry()
		if cfg.Metrics.Enabled {
			metrics = pmet.New(reg, "boundcache", "bench", prometheus.Labels{"store": cfg.Bench.Store})
		}
		srv := serve(cfg.Metrics, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	workers := cfg.Bench.Workers
	if workers <= 0 {
		workers = 2 * runtime.GOMAXPROCS(0)
	}
	w := newWorkload(cfg.Bench, workers)

	s, err := newStore(cfg, metrics, w.loader())
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	preload := cfg.Bench.Preload
	if preload == 0 {
		preload = int(cfg.Cache.MaximumSize / 2)
	}
	w.preload(s, min(preload, cfg.Bench.Keys))

	logger.Info("bench started", "store", cfg.Bench.Store, "workers", workers, "duration", cfg.Bench.Duration)
	res := w.run(ctx, s)
	res.print(cmd.OutOrStdout(), cfg, workers)

	if bs, ok := s.(*boundStore); ok && cfg.Cache.RecordStats {
		st := bs.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "stats: hit-rate=%.2f%% evictions=%d loads=%d/%d load-time=%v\n",
			st.HitRate()*100, st.Evictions, st.LoadSuccesses, st.LoadFailures, st.TotalLoadTime)
	}
	return nil
}

// serve exposes /metrics and, optionally, /debug/pprof on cfg.Addr.
func serve(cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	if cfg.Enabled {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("serving metrics", "addr", cfg.Addr, "pprof", cfg.Pprof)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}
