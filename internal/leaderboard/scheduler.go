package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Scheduler freezes closed windows right after each weekly and monthly
// boundary, so rank changes do not depend on the first read of a new window.
type Scheduler struct {
	scheduler *gocron.Scheduler
	agg       *Aggregator
}

// NewScheduler creates a scheduler running in the aggregator's calendar
// location.
func NewScheduler(agg *Aggregator) *Scheduler {
	cal := agg.Calendar()
	return &Scheduler{
		scheduler: gocron.NewScheduler(cal.loc()),
		agg:       agg,
	}
}

// Start registers the boundary jobs and runs them in the background.
func (s *Scheduler) Start() error {
	cal := s.agg.Calendar()

	weekly := fmt.Sprintf("1 %d * * %d", cal.WeeklyResetHour, int(cal.WeeklyResetDay))
	if _, err := s.scheduler.Cron(weekly).Do(s.freeze); err != nil {
		return fmt.Errorf("schedule weekly freeze: %w", err)
	}
	if _, err := s.scheduler.Cron("1 0 1 * *").Do(s.freeze); err != nil {
		return fmt.Errorf("schedule monthly freeze: %w", err)
	}

	s.scheduler.StartAsync()
	slog.Info("leaderboard freeze scheduler started", "weekly_cron", weekly)
	return nil
}

// Stop terminates the scheduled jobs.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

func (s *Scheduler) freeze() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.agg.FreezeClosed(ctx, time.Now()); err != nil {
		slog.Error("leaderboard freeze failed", "error", err)
	}
}
