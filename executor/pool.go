package executor

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/IvanBrykalov/boundcache/internal/logging"
)

// PoolConfig configures a worker pool.
type PoolConfig struct {
	Workers int
	Queue   int
	Logger  *slog.Logger
}

// Pool is a fixed set of workers draining a bounded queue. Execute rejects
// when the queue is full or the pool is stopped, so callers see
// back-pressure as ErrRejected rather than blocking.
type Pool struct {
	cfg     PoolConfig
	tasks   chan func()
	stopCh  chan struct{}
	started bool
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup

	warn rate.Sometimes
}

// NewPool creates a pool. Call Start before submitting work.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Op()
	}
	return &Pool{
		cfg:    cfg,
		tasks:  make(chan func(), cfg.Queue),
		stopCh: make(chan struct{}),
		warn:   rate.Sometimes{Interval: time.Second},
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.cfg.Logger.Debug("executor pool started", "workers", p.cfg.Workers, "queue", p.cfg.Queue)
}

// Stop stops accepting tasks, runs what is already queued and waits for the
// workers to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	p.cfg.Logger.Debug("executor pool stopped")
}

// Execute implements Executor.
func (p *Pool) Execute(task func()) error {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return ErrRejected
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		p.warn.Do(func() {
			p.cfg.Logger.Warn("executor pool saturated, rejecting task", "queue", p.cfg.Queue)
		})
		return ErrRejected
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case task := <-p.tasks:
			p.run(task)
		case <-p.stopCh:
			for {
				select {
				case task := <-p.tasks:
					p.run(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error("executor task panicked", "panic", r)
		}
	}()
	task()
}
