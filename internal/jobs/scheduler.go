// Package jobs runs periodic maintenance tasks on cron schedules.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultJobTimeout = 5 * time.Minute

// Func is one run of a scheduled job.
type Func func(ctx context.Context) error

type Scheduler struct {
	cron    *cron.Cron
	log     *slog.Logger
	timeout time.Duration
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:     log,
		timeout: defaultJobTimeout,
	}
}

// Add registers fn under a standard cron expression or a descriptor such as
// "@every 1h".
func (s *Scheduler) Add(schedule, name string, fn Func) error {
	if fn == nil {
		return fmt.Errorf("job %s: func is required", name)
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.run(name, fn) }); err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	s.log.Info("job scheduled", "job", name, "schedule", schedule)
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(name string, fn Func) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil {
		s.log.Error("job failed", "job", name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return
	}
	s.log.Debug("job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
