/**
 * @description
 * Cron scheduler for the payment reconciler.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the reconciler on a fixed interval.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	logger     *slog.Logger
	interval   time.Duration
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler *Reconciler, logger *slog.Logger, interval time.Duration) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if interval < time.Second {
		interval = time.Minute
	}
	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		logger:     logger,
		interval:   interval,
	}
}

// Schedule returns the cron spec used for the reconcile job.
func (s *Scheduler) Schedule() string {
	return fmt.Sprintf("@every %s", s.interval.Truncate(time.Second))
}

// Start registers the reconcile job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	schedule := s.Schedule()
	if _, err := s.cron.AddFunc(schedule, s.reconciler.Run); err != nil {
		s.logger.Error("failed to schedule reconcile job", "error", err)
		return err
	}
	s.logger.Info("scheduled reconcile job", "schedule", schedule)
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
