// Package schedule runs background maintenance jobs on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// jobTimeout bounds a single job run so a stuck job cannot block the next
// trigger forever.
const jobTimeout = 10 * time.Minute

// Scheduler wraps a cron runner with structured logging and per-job panic
// isolation. Expressions use the standard 5-field format ("0 3 1 * *").
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger.With(slog.String("component", "scheduler")),
	}
}

// Add registers a named job on the given cron expression. The job receives a
// context that is cancelled after jobTimeout.
func (s *Scheduler) Add(spec, name string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		s.logger.Info("job started", slog.String("job", name))

		if err := fn(ctx); err != nil {
			s.logger.Error("job failed",
				slog.String("job", name),
				slog.Duration("elapsed", time.Since(start)),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Info("job finished",
			slog.String("job", name),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
	if err != nil {
		return fmt.Errorf("schedule: add job %s (%q): %w", name, spec, err)
	}
	return nil
}

// Run starts the cron loop and blocks until the context is cancelled, then
// waits for in-flight jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}
