package scheduler

import (
	"clinicchat/backend/internal/models"
	"clinicchat/backend/internal/storage"
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs periodic maintenance jobs.
type Scheduler struct {
	cron     *cron.Cron
	Store    storage.Maintenance
	Clock    clock.Clock
	schedule string
}

// NewScheduler creates a scheduler that sweeps expired doctor
// unavailability on the given cron schedule.
func NewScheduler(store storage.Maintenance, schedule string) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		Store:    store,
		Clock:    clock.New(),
		schedule: schedule,
	}
}

// Start registers the jobs and begins the scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.cleanupJob); err != nil {
		return fmt.Errorf("register unavailability cleanup %q: %w", s.schedule, err)
	}

	s.cron.Start()
	zap.S().Infow("maintenance scheduler started", "schedule", s.schedule)
	return nil
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	zap.S().Info("maintenance scheduler stopped")
}

// RunCleanup performs one unavailability sweep.
func (s *Scheduler) RunCleanup(ctx context.Context) (models.CleanupResult, error) {
	result, err := s.Store.CleanupExpiredUnavailability(ctx, s.Clock.Now())
	if err != nil {
		return result, fmt.Errorf("cleanup expired unavailability: %w", err)
	}
	return result, nil
}

func (s *Scheduler) cleanupJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := s.RunCleanup(ctx)
	if err != nil {
		zap.S().Errorw("scheduled unavailability cleanup failed", "error", err)
		return
	}
	zap.S().Infow("scheduled unavailability cleanup", "cleaned", result.Cleaned, "updatedDoctors", result.UpdatedDoctors)
}
