// Package optimizer runs the storage retention sweep: old terminal jobs
// and superseded analysis results are deleted on a schedule, per-team,
// under the team's configured retention windows.
//
// Deletion rules for results are conservative:
//   - only COMPLETED and NO_CHANGE results age out; FAILED and
//     CANCELLED rows are diagnostic records and are kept,
//   - results newer than the window are kept,
//   - the newest preserve_per_collection results of each (collection,
//     tool) chain are kept regardless of age,
//   - a result that is still referenced by a NO_CHANGE copy is never
//     deleted, however old.
package optimizer

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/metrics"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// configCategory is where retention windows live in the team
// configuration table.
const configCategory = "result_retention"

// Policy is one team's retention configuration, in days. Zero disables
// the corresponding rule.
type Policy struct {
	JobCompletedDays      int
	JobFailedDays         int
	ResultCompletedDays   int
	PreservePerCollection int
}

// DefaultPolicy applies when a team has no stored configuration.
var DefaultPolicy = Policy{
	JobCompletedDays:      30,
	JobFailedDays:         90,
	ResultCompletedDays:   180,
	PreservePerCollection: 3,
}

// Optimizer sweeps old jobs and results.
type Optimizer struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// New creates an Optimizer.
func New(repos *repositories.Repositories, logger *zap.Logger) *Optimizer {
	return &Optimizer{repos: repos, logger: logger.Named("optimizer")}
}

// LoadPolicy reads the team's retention windows, falling back to the
// defaults for unset keys.
func (o *Optimizer) LoadPolicy(ctx context.Context, teamID uuid.UUID) (Policy, error) {
	p := DefaultPolicy
	rows, err := o.repos.Config.ListByCategory(ctx, teamID, configCategory)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return p, nil
		}
		return p, err
	}
	for _, row := range rows {
		n, err := strconv.Atoi(row.Value)
		if err != nil || n < 0 {
			continue
		}
		switch row.Key {
		case "job_completed_days":
			p.JobCompletedDays = n
		case "job_failed_days":
			p.JobFailedDays = n
		case "result_completed_days":
			p.ResultCompletedDays = n
		case "preserve_per_collection":
			p.PreservePerCollection = n
		}
	}
	return p, nil
}

// SweepTeam applies the team's policy once and accumulates the savings
// into the team's storage metrics row.
func (o *Optimizer) SweepTeam(ctx context.Context, teamID uuid.UUID) error {
	policy, err := o.LoadPolicy(ctx, teamID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	var jobsDeleted int64
	if policy.JobCompletedDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.JobCompletedDays)
		n, err := o.repos.Jobs.DeleteTerminalBefore(ctx, teamID, string(types.JobStatusCompleted), cutoff)
		if err != nil {
			return err
		}
		jobsDeleted += n
		// Cancelled jobs age out with completed ones.
		n, err = o.repos.Jobs.DeleteTerminalBefore(ctx, teamID, string(types.JobStatusCancelled), cutoff)
		if err != nil {
			return err
		}
		jobsDeleted += n
	}
	if policy.JobFailedDays > 0 {
		cutoff := now.AddDate(0, 0, -policy.JobFailedDays)
		n, err := o.repos.Jobs.DeleteTerminalBefore(ctx, teamID, string(types.JobStatusFailed), cutoff)
		if err != nil {
			return err
		}
		jobsDeleted += n
	}

	resultsDeleted, bytesFreed, err := o.sweepResults(ctx, teamID, policy, now)
	if err != nil {
		return err
	}

	if jobsDeleted > 0 || resultsDeleted > 0 {
		if err := o.repos.Metrics.Accumulate(ctx, teamID, jobsDeleted, resultsDeleted, bytesFreed, now); err != nil {
			return err
		}
		metrics.RetentionDeleted.WithLabelValues("job").Add(float64(jobsDeleted))
		metrics.RetentionDeleted.WithLabelValues("result").Add(float64(resultsDeleted))
		o.logger.Info("retention sweep",
			zap.String("team_id", teamID.String()),
			zap.Int64("jobs_deleted", jobsDeleted),
			zap.Int64("results_deleted", resultsDeleted),
			zap.Int64("bytes_freed", bytesFreed),
		)
	}
	return nil
}

// SweepAll sweeps every team. Wired to the background scheduler.
func (o *Optimizer) SweepAll(ctx context.Context) {
	teams, _, err := o.repos.Teams.List(ctx, repositories.ListOptions{})
	if err != nil {
		o.logger.Error("retention sweep failed to list teams", zap.Error(err))
		return
	}
	for _, team := range teams {
		if err := o.SweepTeam(ctx, team.ID); err != nil {
			o.logger.Error("retention sweep failed",
				zap.String("team_id", team.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// sweepResults walks each (collection, tool) chain oldest-last and
// deletes what the policy allows.
func (o *Optimizer) sweepResults(ctx context.Context, teamID uuid.UUID, policy Policy, now time.Time) (deleted, bytesFreed int64, err error) {
	if policy.ResultCompletedDays <= 0 {
		return 0, 0, nil
	}
	cutoff := now.AddDate(0, 0, -policy.ResultCompletedDays)

	groups, err := o.repos.Results.ListDedupGroups(ctx, teamID)
	if err != nil {
		return 0, 0, err
	}

	var doomed []uuid.UUID
	for _, group := range groups {
		// Newest first, per the repository contract.
		rows, err := o.repos.Results.ListByGroup(ctx, teamID, group)
		if err != nil {
			return 0, 0, err
		}
		kept := 0
		for _, row := range rows {
			// The window is scoped to successful outcomes. Failures and
			// cancellations do not consume preserve slots either.
			switch types.ResultStatus(row.Status) {
			case types.ResultStatusCompleted, types.ResultStatusNoChange:
			default:
				continue
			}
			if kept < policy.PreservePerCollection {
				kept++
				continue
			}
			if row.CompletedAt.After(cutoff) {
				continue
			}
			referenced, err := o.repos.Results.HasReferences(ctx, row.ID)
			if err != nil {
				return 0, 0, err
			}
			if referenced {
				continue
			}
			doomed = append(doomed, row.ID)
			bytesFreed += int64(len(row.ResultsJSON)) + int64(len(row.ReportHTML))
		}
	}
	if len(doomed) == 0 {
		return 0, 0, nil
	}

	n, err := o.repos.Results.DeleteByIDs(ctx, doomed)
	if err != nil {
		return 0, 0, err
	}
	return n, bytesFreed, nil
}
