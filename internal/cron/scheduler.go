// Package cron runs the daemon's periodic jobs: pre-rolling the mood just
// after midnight and purging expired audit rows.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/charlesd/internal/mood"
	"github.com/basket/charlesd/internal/records"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	// moodRollExpr fires just after local midnight so the first visitor
	// of the day never pays for the roll.
	moodRollExpr = "1 0 * * *"

	// retentionExpr fires hourly to purge expired audit rows.
	retentionExpr = "0 * * * *"
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Store         *records.Store
	Moods         *mood.Scheduler
	Logger        *slog.Logger
	RetentionDays int
	Interval      time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler ticks once a minute and fires whichever jobs have come due.
type Scheduler struct {
	store         *records.Store
	moods         *mood.Scheduler
	logger        *slog.Logger
	retentionDays int
	interval      time.Duration

	moodNext      time.Time
	retentionNext time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         cfg.Store,
		moods:         cfg.Moods,
		logger:        logger,
		retentionDays: cfg.RetentionDays,
		interval:      interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires each due job and advances its next-run time.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	// The startup invocation always resolves the mood so the record is
	// warm before the first request.
	if s.moodNext.IsZero() || !now.Before(s.moodNext) {
		if _, err := s.moods.Resolve(ctx, now); err != nil {
			s.logger.Error("cron: mood roll failed", "error", err)
		}
		s.moodNext, _ = NextRunTime(moodRollExpr, now)
	}

	if s.retentionDays > 0 && !now.Before(s.retentionNext) {
		purged, err := s.store.PurgeAuditLog(ctx, s.retentionDays)
		if err != nil {
			s.logger.Error("cron: audit retention failed", "error", err)
		} else if purged > 0 {
			s.logger.Info("cron: purged expired audit rows", "rows", purged)
		}
		s.retentionNext, _ = NextRunTime(retentionExpr, now)
	}
}

// NextRunTime computes the next activation of a cron expression after the
// given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
