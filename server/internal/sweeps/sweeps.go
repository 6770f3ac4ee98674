// Package sweeps runs the server's periodic maintenance work on a shared
// gocron scheduler: marking stale agents offline, purging expired
// registration tokens, materializing due schedules, promoting scheduled
// jobs, expiring abandoned uploads, and the nightly retention sweep.
//
// Every task runs in singleton mode: if a previous run is still in
// flight when the next tick fires, the new execution is skipped rather
// than stacked.
package sweeps

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/ingest"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/optimizer"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/registry"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/schedule"
)

const (
	agentSweepInterval    = 30 * time.Second
	scheduleSweepInterval = 15 * time.Second
	tokenSweepInterval    = 1 * time.Hour
	uploadSweepInterval   = 1 * time.Hour

	// Retention runs once a day, off-peak.
	retentionCronExpr = "30 3 * * *"

	taskTimeout = 5 * time.Minute
)

// Runner owns the gocron scheduler and the registered maintenance tasks.
// The zero value is not usable — create instances with New.
type Runner struct {
	cron      gocron.Scheduler
	registry  *registry.Service
	schedules *schedule.Service
	ingestor  *ingest.Ingestor
	optimizer *optimizer.Optimizer
	logger    *zap.Logger
}

// New creates and configures a Runner. Call Start to begin processing.
func New(
	reg *registry.Service,
	schedules *schedule.Service,
	ingestor *ingest.Ingestor,
	opt *optimizer.Optimizer,
	logger *zap.Logger,
) (*Runner, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweeps: failed to create gocron scheduler: %w", err)
	}

	return &Runner{
		cron:      s,
		registry:  reg,
		schedules: schedules,
		ingestor:  ingestor,
		optimizer: opt,
		logger:    logger.Named("sweeps"),
	}, nil
}

// Start registers all maintenance tasks and starts the underlying gocron
// scheduler. It should be called once at server startup, after the
// database connection is established.
func (r *Runner) Start() error {
	tasks := []struct {
		name string
		def  gocron.JobDefinition
		fn   func(context.Context)
	}{
		{
			name: "agent_offline",
			def:  gocron.DurationJob(agentSweepInterval),
			fn:   r.registry.SweepOffline,
		},
		{
			name: "schedule_fire",
			def:  gocron.DurationJob(scheduleSweepInterval),
			fn:   r.schedules.Sweep,
		},
		{
			name: "token_expiry",
			def:  gocron.DurationJob(tokenSweepInterval),
			fn:   r.registry.SweepTokens,
		},
		{
			name: "upload_expiry",
			def:  gocron.DurationJob(uploadSweepInterval),
			fn:   func(context.Context) { r.ingestor.SweepUploads() },
		},
		{
			name: "retention",
			def:  gocron.CronJob(retentionCronExpr, false),
			fn:   r.optimizer.SweepAll,
		},
	}

	for _, t := range tasks {
		task := t
		_, err := r.cron.NewJob(
			task.def,
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
				defer cancel()
				task.fn(ctx)
			}),
			gocron.WithTags(task.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("sweeps: failed to register %s task: %w", task.name, err)
		}
	}

	r.cron.Start()
	r.logger.Info("maintenance sweeps started", zap.Int("tasks", len(tasks)))
	return nil
}

// Stop gracefully shuts down the gocron scheduler, waiting for any
// currently running task to complete before returning.
func (r *Runner) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("sweeps: shutdown error: %w", err)
	}
	r.logger.Info("maintenance sweeps stopped")
	return nil
}
