package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule flushes every ten seconds.
const DefaultSchedule = "@every 10s"

// purgeSchedule is when archive rows past their maximum age are deleted.
const purgeSchedule = "@hourly"

// Purger deletes archived connections closed before a cutoff.
// Implemented by repository.HistoryRepo.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs a Flusher on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	flusher  *Flusher
	schedule string
	logger   *slog.Logger

	purger Purger
	maxAge time.Duration
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithArchivePurge adds an hourly job deleting archived connections closed
// longer ago than maxAge. A zero maxAge disables the job.
func WithArchivePurge(p Purger, maxAge time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.purger = p
		s.maxAge = maxAge
	}
}

// NewScheduler validates schedule and creates a stopped scheduler. The
// schedule accepts standard five-field cron expressions and descriptors
// such as "@every 30s".
func NewScheduler(flusher *Flusher, schedule string, logger *slog.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid flush schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:     cron.New(),
		flusher:  flusher,
		schedule: schedule,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start registers the flush job and starts the cron scheduler. Flushes run
// with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.flusher.Flush(ctx); err != nil {
			s.logger.Warn("scheduled flush failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	if s.purger != nil && s.maxAge > 0 {
		if _, err := s.cron.AddFunc(purgeSchedule, func() { s.purge(ctx) }); err != nil {
			return fmt.Errorf("schedule archive purge: %w", err)
		}
	}
	s.cron.Start()
	s.logger.Info("history flush scheduler started", "schedule", s.schedule)
	return nil
}

// Stop waits for a running flush to finish, stops the scheduler and runs
// one last flush so nothing recorded before shutdown is lost.
func (s *Scheduler) Stop(ctx context.Context) error {
	<-s.cron.Stop().Done()
	_, err := s.flusher.Flush(ctx)
	s.logger.Info("history flush scheduler stopped")
	return err
}

// purge deletes archived connections older than the maximum age.
func (s *Scheduler) purge(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)
	n, err := s.purger.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("archive purge failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("archive purged", "connections", n, "before", cutoff)
	}
}
