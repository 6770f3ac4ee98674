package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// gormResultRepository is the GORM implementation of ResultRepository.
type gormResultRepository struct {
	db *gorm.DB
}

// NewResultRepository returns a ResultRepository backed by the provided *gorm.DB.
func NewResultRepository(db *gorm.DB) ResultRepository {
	return &gormResultRepository{db: db}
}

// Create inserts a new analysis result record into the database.
func (r *gormResultRepository) Create(ctx context.Context, result *db.AnalysisResult) error {
	if err := r.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("results: create: %w", err)
	}
	return nil
}

// GetByID retrieves a result by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormResultRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.AnalysisResult, error) {
	var result db.AnalysisResult
	err := r.db.WithContext(ctx).First(&result, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: get by id: %w", err)
	}
	return &result, nil
}

// List returns a paginated, filtered list of results and the total count,
// newest completions first.
func (r *gormResultRepository) List(ctx context.Context, teamID uuid.UUID, filter ResultFilter, opts ListOptions) ([]db.AnalysisResult, int64, error) {
	var results []db.AnalysisResult
	var total int64

	scope := func(tx *gorm.DB) *gorm.DB {
		q := tx.Where("team_id = ?", teamID)
		if filter.Status != "" {
			q = q.Where("status = ?", filter.Status)
		}
		if filter.Tool != "" {
			q = q.Where("tool = ?", filter.Tool)
		}
		if filter.CollectionID != nil {
			q = q.Where("collection_id = ?", *filter.CollectionID)
		}
		return q
	}

	if err := scope(r.db.WithContext(ctx).Model(&db.AnalysisResult{})).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("results: list count: %w", err)
	}

	if err := scope(r.db.WithContext(ctx)).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("completed_at DESC").
		Find(&results).Error; err != nil {
		return nil, 0, fmt.Errorf("results: list: %w", err)
	}

	return results, total, nil
}

// LatestChainHead returns the newest COMPLETED, non-copy result for the
// (collection, tool) pair. Returns ErrNotFound when the chain is empty.
func (r *gormResultRepository) LatestChainHead(ctx context.Context, collectionID uuid.UUID, tool string) (*db.AnalysisResult, error) {
	var result db.AnalysisResult
	err := r.db.WithContext(ctx).
		Where("collection_id = ? AND tool = ? AND status = ? AND no_change_copy = ?",
			collectionID, tool, string(types.ResultStatusCompleted), false).
		Order("completed_at DESC").
		First(&result).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("results: latest chain head: %w", err)
	}
	return &result, nil
}

// HasReferences reports whether any NO_CHANGE copy still points at the
// result.
func (r *gormResultRepository) HasReferences(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&db.AnalysisResult{}).
		Where("download_report_from_id = ?", id).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("results: has references: %w", err)
	}
	return n > 0, nil
}

// ListDedupGroups returns the distinct (collection, tool) pairs that have
// at least one dedup-eligible result for the team.
func (r *gormResultRepository) ListDedupGroups(ctx context.Context, teamID uuid.UUID) ([]ResultGroup, error) {
	var groups []ResultGroup
	err := r.db.WithContext(ctx).
		Model(&db.AnalysisResult{}).
		Select("collection_id, tool").
		Where("team_id = ?", teamID).
		Group("collection_id, tool").
		Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("results: list dedup groups: %w", err)
	}
	return groups, nil
}

// ListByGroup returns all of a team's results for one (collection, tool)
// pair, newest completions first, so the retention sweep can pick
// survivors in order.
func (r *gormResultRepository) ListByGroup(ctx context.Context, teamID uuid.UUID, group ResultGroup) ([]db.AnalysisResult, error) {
	q := r.db.WithContext(ctx).
		Where("team_id = ? AND tool = ?", teamID, group.Tool)
	if group.CollectionID != nil {
		q = q.Where("collection_id = ?", *group.CollectionID)
	} else {
		q = q.Where("collection_id IS NULL")
	}

	var results []db.AnalysisResult
	if err := q.Order("completed_at DESC").Find(&results).Error; err != nil {
		return nil, fmt.Errorf("results: list by group: %w", err)
	}
	return results, nil
}

// DeleteByIDs removes the given results and returns how many rows went
// away. An empty id list is a no-op.
func (r *gormResultRepository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Delete(&db.AnalysisResult{})
	if result.Error != nil {
		return 0, fmt.Errorf("results: delete by ids: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// Storage metrics
// -----------------------------------------------------------------------------

// gormStorageMetricsRepository is the GORM implementation of
// StorageMetricsRepository.
type gormStorageMetricsRepository struct {
	db *gorm.DB
}

// NewStorageMetricsRepository returns a StorageMetricsRepository backed by
// the provided *gorm.DB.
func NewStorageMetricsRepository(db *gorm.DB) StorageMetricsRepository {
	return &gormStorageMetricsRepository{db: db}
}

// Get retrieves the team's accumulated sweep savings.
// Returns ErrNotFound if no sweep has run for the team yet.
func (r *gormStorageMetricsRepository) Get(ctx context.Context, teamID uuid.UUID) (*db.StorageMetrics, error) {
	var metrics db.StorageMetrics
	err := r.db.WithContext(ctx).First(&metrics, "team_id = ?", teamID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage metrics: get: %w", err)
	}
	return &metrics, nil
}

// Accumulate adds one sweep's savings into the team row, creating the row
// on first use. Sweeps are serialized per team so the read-modify-write
// needs no guard.
func (r *gormStorageMetricsRepository) Accumulate(ctx context.Context, teamID uuid.UUID, jobsDeleted, resultsDeleted, bytesFreed int64, at time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var metrics db.StorageMetrics
		err := tx.First(&metrics, "team_id = ?", teamID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics = db.StorageMetrics{
				TeamID:         teamID,
				JobsDeleted:    jobsDeleted,
				ResultsDeleted: resultsDeleted,
				BytesFreed:     bytesFreed,
				LastSweepAt:    &at,
			}
			if err := tx.Create(&metrics).Error; err != nil {
				return fmt.Errorf("storage metrics: create: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("storage metrics: accumulate read: %w", err)
		}

		metrics.JobsDeleted += jobsDeleted
		metrics.ResultsDeleted += resultsDeleted
		metrics.BytesFreed += bytesFreed
		metrics.LastSweepAt = &at
		if err := tx.Save(&metrics).Error; err != nil {
			return fmt.Errorf("storage metrics: accumulate write: %w", err)
		}
		return nil
	})
}
