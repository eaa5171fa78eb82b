// Package jobs manages background work driven by the clock: the downgrade
// sweep and the webhook journal prune.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetdock/fleetdock/internal/metrics"
	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/fleetdock/fleetdock/internal/service"
	"github.com/go-co-op/gocron/v2"
)

// Scheduler runs the periodic billing jobs.
type Scheduler struct {
	scheduler        gocron.Scheduler
	plans            service.PlanService
	journal          repository.EventJournal
	sweepInterval    time.Duration
	journalRetention time.Duration
	logger           *slog.Logger
}

// NewScheduler creates the job scheduler and registers its jobs.
func NewScheduler(
	plans service.PlanService,
	journal repository.EventJournal,
	sweepInterval time.Duration,
	journalRetention time.Duration,
	logger *slog.Logger,
) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		scheduler:        scheduler,
		plans:            plans,
		journal:          journal,
		sweepInterval:    sweepInterval,
		journalRetention: journalRetention,
		logger:           logger,
	}
	if err := s.registerJobs(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start starts the job scheduler.
func (s *Scheduler) Start() {
	s.logger.Info("starting background job scheduler",
		"sweep_interval", s.sweepInterval,
		"journal_retention", s.journalRetention,
	)
	s.scheduler.Start()
}

// Stop stops the job scheduler, waiting for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.logger.Info("stopping background job scheduler")
	return s.scheduler.Shutdown()
}

func (s *Scheduler) registerJobs() error {
	// A slow sweep must not overlap with the next tick.
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.sweepInterval),
		gocron.NewTask(s.runDowngradeSweep),
		gocron.WithName("downgrade-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	_, err = s.scheduler.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(s.runJournalPrune),
		gocron.WithName("webhook-journal-prune"),
	)
	return err
}

// runDowngradeSweep applies every scheduled downgrade whose grace period
// has elapsed.
func (s *Scheduler) runDowngradeSweep() {
	ctx := context.Background()
	metrics.DowngradeSweepRuns.Inc()

	executed, err := s.plans.ExecutePendingDowngrades(ctx)
	if err != nil {
		s.logger.Error("downgrade sweep failed", "error", err)
		return
	}
	if executed > 0 {
		s.logger.Info("downgrade sweep completed", "executed", executed)
	}
}

// runJournalPrune removes webhook journal entries older than the
// retention window. Stripe stops redelivering long before that, so the
// dropped entries can no longer suppress a duplicate.
func (s *Scheduler) runJournalPrune() {
	ctx := context.Background()
	cutoff := time.Now().UTC().Add(-s.journalRetention)

	pruned, err := s.journal.PruneOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("webhook journal prune failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("webhook journal pruned", "removed", pruned, "cutoff", cutoff)
	}
}
