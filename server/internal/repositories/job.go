package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record into the database.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing job record.
func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated, filtered list of jobs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, teamID uuid.UUID, filter JobFilter, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	scope := func(tx *gorm.DB) *gorm.DB {
		q := tx.Where("team_id = ?", teamID)
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.CollectionID != nil {
			q = q.Where("collection_id = ?", *filter.CollectionID)
		}
		if filter.AgentID != nil {
			q = q.Where("assigned_agent_id = ? OR bound_agent_id = ?", *filter.AgentID, *filter.AgentID)
		}
		return q
	}

	if err := scope(r.db.WithContext(ctx).Model(&db.Job{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := scope(r.db.WithContext(ctx)).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ExistsScheduled reports whether a scheduled job exists for the
// (collection, tool) pair.
func (r *gormJobRepository) ExistsScheduled(ctx context.Context, collectionID uuid.UUID, tool string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("collection_id = ? AND tool = ? AND status = ?",
			collectionID, tool, string(types.JobStatusScheduled)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("jobs: exists scheduled: %w", err)
	}
	return n > 0, nil
}

// LockDueCandidates returns pending, due jobs the agent could claim, in
// dispatch order: priority descending, then creation time, then id as
// the final tiebreak. Bound jobs for other agents are excluded in SQL;
// capability filtering happens in the dispatcher because capabilities
// are a JSON list.
//
// On PostgreSQL the selected rows are locked FOR UPDATE SKIP LOCKED so
// concurrent claimants never block on or double-select a row. SQLite
// runs with a single write connection and needs no row locks.
func (r *gormJobRepository) LockDueCandidates(ctx context.Context, teamID, agentID uuid.UUID, now time.Time, limit int) ([]db.Job, error) {
	q := r.db.WithContext(ctx).
		Where("team_id = ? AND status = ?", teamID, string(types.JobStatusPending)).
		Where("scheduled_for IS NULL OR scheduled_for <= ?", now).
		Where("bound_agent_id = ? OR bound_agent_id IS NULL", agentID).
		Order("priority DESC, created_at ASC, id ASC").
		Limit(limit)

	if r.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var jobs []db.Job
	if err := q.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: lock due candidates: %w", err)
	}
	return jobs, nil
}

// Assign moves one pending job to assigned. The status guard keeps the
// transition single-shot: a concurrent claimant that lost the race sees
// zero rows affected and gets ErrConflict.
func (r *gormJobRepository) Assign(ctx context.Context, id, agentID uuid.UUID, secretHash string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ? AND status = ?", id, string(types.JobStatusPending)).
		Updates(map[string]interface{}{
			"status":              string(types.JobStatusAssigned),
			"assigned_agent_id":   agentID,
			"assigned_at":         at,
			"signing_secret_hash": secretHash,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: assign: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// UpdateProgress stores the latest progress JSON without touching any
// other field. Progress is advisory, so lost updates are acceptable.
func (r *gormJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progressJSON string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Update("progress", progressJSON)
	if result.Error != nil {
		return fmt.Errorf("jobs: update progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PromoteScheduledDue flips scheduled jobs whose due time has passed to
// pending, making them visible to the dispatcher.
func (r *gormJobRepository) PromoteScheduledDue(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("status = ? AND scheduled_for <= ?", string(types.JobStatusScheduled), now).
		Update("status", string(types.JobStatusPending))
	if result.Error != nil {
		return 0, fmt.Errorf("jobs: promote scheduled: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteTerminalBefore removes a team's jobs of one terminal status whose
// completion predates cutoff. The retention sweep is its only caller.
func (r *gormJobRepository) DeleteTerminalBefore(ctx context.Context, teamID uuid.UUID, status string, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("team_id = ? AND status = ? AND completed_at IS NOT NULL AND completed_at < ?",
			teamID, status, cutoff).
		Delete(&db.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("jobs: delete terminal before: %w", result.Error)
	}
	return result.RowsAffected, nil
}
