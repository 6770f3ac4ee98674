package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
)

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository returns a ScheduleRepository backed by the
// provided *gorm.DB.
func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: db}
}

func (r *gormScheduleRepository) Create(ctx context.Context, schedule *db.Schedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error) {
	var schedule db.Schedule
	err := r.db.WithContext(ctx).First(&schedule, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by id: %w", err)
	}
	return &schedule, nil
}

func (r *gormScheduleRepository) Update(ctx context.Context, schedule *db.Schedule) error {
	result := r.db.WithContext(ctx).Save(schedule)
	if result.Error != nil {
		return fmt.Errorf("schedules: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Schedule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("schedules: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormScheduleRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Schedule, int64, error) {
	var schedules []db.Schedule
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Schedule{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&schedules).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list: %w", err)
	}

	return schedules, total, nil
}

// ListDue returns every enabled schedule whose next_run_at has passed.
// The schedule sweep materializes jobs from these and advances
// next_run_at.
func (r *gormScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]db.Schedule, error) {
	var schedules []db.Schedule
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("schedules: list due: %w", err)
	}
	return schedules, nil
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// gormConfigurationRepository is the GORM implementation of
// ConfigurationRepository.
type gormConfigurationRepository struct {
	db *gorm.DB
}

// NewConfigurationRepository returns a ConfigurationRepository backed by
// the provided *gorm.DB.
func NewConfigurationRepository(db *gorm.DB) ConfigurationRepository {
	return &gormConfigurationRepository{db: db}
}

// Get retrieves one (category, key) entry for the team.
func (r *gormConfigurationRepository) Get(ctx context.Context, teamID uuid.UUID, category, key string) (*db.Configuration, error) {
	var config db.Configuration
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND category = ? AND key = ?", teamID, category, key).
		First(&config).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("configuration: get: %w", err)
	}
	return &config, nil
}

// ListByCategory returns all of the team's entries under one category.
func (r *gormConfigurationRepository) ListByCategory(ctx context.Context, teamID uuid.UUID, category string) ([]db.Configuration, error) {
	var configs []db.Configuration
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND category = ?", teamID, category).
		Order("key ASC").
		Find(&configs).Error
	if err != nil {
		return nil, fmt.Errorf("configuration: list by category: %w", err)
	}
	return configs, nil
}

// Upsert writes the value for one (category, key) entry, creating the row
// if absent. The unique index on (team_id, category, key) keeps
// concurrent upserts from duplicating rows.
func (r *gormConfigurationRepository) Upsert(ctx context.Context, teamID uuid.UUID, category, key, value string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var config db.Configuration
		err := tx.Where("team_id = ? AND category = ? AND key = ?", teamID, category, key).
			First(&config).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			config = db.Configuration{
				TeamID:   teamID,
				Category: category,
				Key:      key,
				Value:    value,
			}
			if err := tx.Create(&config).Error; err != nil {
				return fmt.Errorf("configuration: upsert create: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("configuration: upsert read: %w", err)
		}

		config.Value = value
		if err := tx.Save(&config).Error; err != nil {
			return fmt.Errorf("configuration: upsert write: %w", err)
		}
		return nil
	})
}
