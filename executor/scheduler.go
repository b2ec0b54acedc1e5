package executor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/IvanBrykalov/boundcache/internal/logging"
)

// Scheduler runs a task once after a delay. The returned cancel function
// stops a task that has not fired yet.
type Scheduler interface {
	Schedule(delay time.Duration, task func()) (cancel func(), err error)
}

// SchedulerFunc adapts a plain function to Scheduler.
type SchedulerFunc func(delay time.Duration, task func()) (func(), error)

// Schedule implements Scheduler.
func (f SchedulerFunc) Schedule(delay time.Duration, task func()) (func(), error) {
	return f(delay, task)
}

// SystemScheduler fires tasks from runtime timers.
func SystemScheduler() Scheduler {
	return SchedulerFunc(func(delay time.Duration, task func()) (func(), error) {
		t := time.AfterFunc(delay, task)
		return func() { t.Stop() }, nil
	})
}

// Cron runs periodic jobs from cron specs ("@every 30s", "*/5 * * * *").
// Jobs that overrun their interval are skipped, not stacked.
type Cron struct {
	c       *cron.Cron
	mu      sync.Mutex
	started bool
}

// NewCron builds a stopped cron runner that logs job panics to logger.
func NewCron(logger *slog.Logger) *Cron {
	if logger == nil {
		logger = logging.Op()
	}
	cl := cronLogger{l: logger}
	return &Cron{
		c: cron.New(
			cron.WithParser(cron.NewParser(cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
	}
}

// Add registers fn under spec.
func (c *Cron) Add(spec string, fn func()) (cron.EntryID, error) {
	return c.c.AddFunc(spec, fn)
}

// Start starts the runner goroutine. It is a no-op when already running.
func (c *Cron) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.c.Start()
}

// Stop stops the runner and waits for running jobs to finish.
func (c *Cron) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()
	<-c.c.Stop().Done()
}

// ValidateSpec reports whether spec parses with the runner's parser.
func ValidateSpec(spec string) error {
	_, err := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(spec)
	return err
}

// cronLogger bridges cron's logr-style logger to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Warn("cron: "+msg, append(keysAndValues, "error", err)...)
}
