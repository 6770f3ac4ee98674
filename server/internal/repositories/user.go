package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
)

// -----------------------------------------------------------------------------
// Team
// -----------------------------------------------------------------------------

// gormTeamRepository is the GORM implementation of TeamRepository.
type gormTeamRepository struct {
	db *gorm.DB
}

// NewTeamRepository returns a TeamRepository backed by the provided *gorm.DB.
func NewTeamRepository(db *gorm.DB) TeamRepository {
	return &gormTeamRepository{db: db}
}

func (r *gormTeamRepository) Create(ctx context.Context, team *db.Team) error {
	if err := r.db.WithContext(ctx).Create(team).Error; err != nil {
		return fmt.Errorf("teams: create: %w", err)
	}
	return nil
}

func (r *gormTeamRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Team, error) {
	var team db.Team
	err := r.db.WithContext(ctx).First(&team, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("teams: get by id: %w", err)
	}
	return &team, nil
}

func (r *gormTeamRepository) GetByName(ctx context.Context, name string) (*db.Team, error) {
	var team db.Team
	err := r.db.WithContext(ctx).First(&team, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("teams: get by name: %w", err)
	}
	return &team, nil
}

func (r *gormTeamRepository) List(ctx context.Context, opts ListOptions) ([]db.Team, int64, error) {
	var teams []db.Team
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Team{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("teams: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&teams).Error; err != nil {
		return nil, 0, fmt.Errorf("teams: list: %w", err)
	}

	return teams, total, nil
}

// -----------------------------------------------------------------------------
// User
// -----------------------------------------------------------------------------

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &gormUserRepository{db: db}
}

func (r *gormUserRepository) Create(ctx context.Context, user *db.User) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("users: create: %w", err)
	}
	return nil
}

func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &user, nil
}

func (r *gormUserRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var user db.User
	err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &user, nil
}

func (r *gormUserRepository) Update(ctx context.Context, user *db.User) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormUserRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.User, int64, error) {
	var users []db.User
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.User{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("users: list: %w", err)
	}

	return users, total, nil
}
