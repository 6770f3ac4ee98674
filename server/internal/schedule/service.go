// Package schedule turns cron expressions into queued jobs. Each
// Schedule row pairs a collection with a tool and a standard 5-field
// cron expression; the sweep materializes due schedules into scheduled
// jobs and promotes scheduled jobs whose time has come to pending.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/dispatch"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// parser accepts standard 5-field cron expressions plus descriptors
// like @daily.
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ErrBadCronExpr is returned when a schedule's expression does not parse.
var ErrBadCronExpr = errors.New("schedule: invalid cron expression")

// Service manages schedules and runs the materialization sweep.
type Service struct {
	repos      *repositories.Repositories
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// New creates a schedule Service.
func New(repos *repositories.Repositories, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *Service {
	return &Service{
		repos:      repos,
		dispatcher: dispatcher,
		logger:     logger.Named("schedule"),
	}
}

// Validate parses a cron expression and returns its next fire time.
func Validate(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadCronExpr, err)
	}
	return sched.Next(from), nil
}

// Create validates and stores a schedule with its next run precomputed.
func (s *Service) Create(ctx context.Context, row *db.Schedule) error {
	next, err := Validate(row.CronExpr, time.Now().UTC())
	if err != nil {
		return err
	}
	row.NextRunAt = &next
	if err := s.repos.Schedules.Create(ctx, row); err != nil {
		return fmt.Errorf("schedule: create: %w", err)
	}
	return nil
}

// Update re-validates the expression and recomputes the next run.
func (s *Service) Update(ctx context.Context, row *db.Schedule) error {
	next, err := Validate(row.CronExpr, time.Now().UTC())
	if err != nil {
		return err
	}
	row.NextRunAt = &next
	if err := s.repos.Schedules.Update(ctx, row); err != nil {
		return fmt.Errorf("schedule: update: %w", err)
	}
	return nil
}

// Sweep runs one scheduling tick: materialize due schedules into
// scheduled jobs, then promote scheduled jobs whose time has come.
// Wired to the background scheduler at a short interval.
func (s *Service) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.repos.Schedules.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("schedule sweep failed", zap.Error(err))
		return
	}
	for i := range due {
		s.materialize(ctx, &due[i], now)
	}

	promoted, err := s.repos.Jobs.PromoteScheduledDue(ctx, now)
	if err != nil {
		s.logger.Error("scheduled job promotion failed", zap.Error(err))
		return
	}
	if promoted > 0 {
		s.logger.Info("scheduled jobs promoted", zap.Int64("count", promoted))
	}
}

// materialize enqueues one scheduled job for a due schedule and advances
// its next run. A duplicate scheduled (collection, tool) job is not an
// error — the schedule just advances past the tick.
func (s *Service) materialize(ctx context.Context, row *db.Schedule, now time.Time) {
	fireAt := now
	if row.NextRunAt != nil {
		fireAt = *row.NextRunAt
	}

	collectionID := row.CollectionID
	scheduleID := row.ID
	_, err := s.dispatcher.Enqueue(ctx, dispatch.EnqueueRequest{
		TeamID:       row.TeamID,
		Tool:         types.ToolName(row.Tool),
		CollectionID: &collectionID,
		Priority:     row.Priority,
		Origin:       types.JobTriggerScheduler,
		ScheduledFor: &fireAt,
		ScheduleID:   &scheduleID,
	})
	switch {
	case errors.Is(err, dispatch.ErrScheduledExists):
		// Previous tick's job is still waiting; nothing to add.
	case err != nil:
		s.logger.Error("schedule materialization failed",
			zap.String("schedule_id", row.ID.String()),
			zap.Error(err),
		)
		return
	}

	next, verr := Validate(row.CronExpr, now)
	if verr != nil {
		// Expression was validated at write time; disable rather than
		// fire every tick.
		s.logger.Error("schedule expression no longer parses, disabling",
			zap.String("schedule_id", row.ID.String()),
			zap.Error(verr),
		)
		row.Enabled = false
	} else {
		row.NextRunAt = &next
	}
	row.LastRunAt = &now
	if err := s.repos.Schedules.Update(ctx, row); err != nil {
		s.logger.Error("schedule update failed",
			zap.String("schedule_id", row.ID.String()),
			zap.Error(err),
		)
	}
}
