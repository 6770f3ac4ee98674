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
// Connectors
// -----------------------------------------------------------------------------

// gormConnectorRepository is the GORM implementation of ConnectorRepository.
type gormConnectorRepository struct {
	db *gorm.DB
}

// NewConnectorRepository returns a ConnectorRepository backed by the
// provided *gorm.DB.
func NewConnectorRepository(db *gorm.DB) ConnectorRepository {
	return &gormConnectorRepository{db: db}
}

func (r *gormConnectorRepository) Create(ctx context.Context, connector *db.Connector) error {
	if err := r.db.WithContext(ctx).Create(connector).Error; err != nil {
		return fmt.Errorf("connectors: create: %w", err)
	}
	return nil
}

func (r *gormConnectorRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Connector, error) {
	var connector db.Connector
	err := r.db.WithContext(ctx).First(&connector, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("connectors: get by id: %w", err)
	}
	return &connector, nil
}

func (r *gormConnectorRepository) Update(ctx context.Context, connector *db.Connector) error {
	result := r.db.WithContext(ctx).Save(connector)
	if result.Error != nil {
		return fmt.Errorf("connectors: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormConnectorRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Connector{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("connectors: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormConnectorRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Connector, int64, error) {
	var connectors []db.Connector
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Connector{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("connectors: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&connectors).Error; err != nil {
		return nil, 0, fmt.Errorf("connectors: list: %w", err)
	}

	return connectors, total, nil
}

// -----------------------------------------------------------------------------
// Collections
// -----------------------------------------------------------------------------

// gormCollectionRepository is the GORM implementation of CollectionRepository.
type gormCollectionRepository struct {
	db *gorm.DB
}

// NewCollectionRepository returns a CollectionRepository backed by the
// provided *gorm.DB.
func NewCollectionRepository(db *gorm.DB) CollectionRepository {
	return &gormCollectionRepository{db: db}
}

func (r *gormCollectionRepository) Create(ctx context.Context, collection *db.Collection) error {
	if err := r.db.WithContext(ctx).Create(collection).Error; err != nil {
		return fmt.Errorf("collections: create: %w", err)
	}
	return nil
}

func (r *gormCollectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Collection, error) {
	var collection db.Collection
	err := r.db.WithContext(ctx).First(&collection, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("collections: get by id: %w", err)
	}
	return &collection, nil
}

func (r *gormCollectionRepository) Update(ctx context.Context, collection *db.Collection) error {
	result := r.db.WithContext(ctx).Save(collection)
	if result.Error != nil {
		return fmt.Errorf("collections: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCollectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Collection{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("collections: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCollectionRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Collection, int64, error) {
	var collections []db.Collection
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Collection{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("collections: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&collections).Error; err != nil {
		return nil, 0, fmt.Errorf("collections: list: %w", err)
	}

	return collections, total, nil
}

// ListBoundToAgent returns every collection bound to the agent, for
// accessibility bookkeeping when the agent goes offline or is revoked.
func (r *gormCollectionRepository) ListBoundToAgent(ctx context.Context, agentID uuid.UUID) ([]db.Collection, error) {
	var collections []db.Collection
	err := r.db.WithContext(ctx).
		Where("bound_agent_id = ?", agentID).
		Find(&collections).Error
	if err != nil {
		return nil, fmt.Errorf("collections: list bound to agent: %w", err)
	}
	return collections, nil
}

// -----------------------------------------------------------------------------
// Pipelines
// -----------------------------------------------------------------------------

// gormPipelineRepository is the GORM implementation of PipelineRepository.
type gormPipelineRepository struct {
	db *gorm.DB
}

// NewPipelineRepository returns a PipelineRepository backed by the
// provided *gorm.DB.
func NewPipelineRepository(db *gorm.DB) PipelineRepository {
	return &gormPipelineRepository{db: db}
}

func (r *gormPipelineRepository) Create(ctx context.Context, pipeline *db.Pipeline) error {
	if err := r.db.WithContext(ctx).Create(pipeline).Error; err != nil {
		return fmt.Errorf("pipelines: create: %w", err)
	}
	return nil
}

func (r *gormPipelineRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Pipeline, error) {
	var pipeline db.Pipeline
	err := r.db.WithContext(ctx).First(&pipeline, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pipelines: get by id: %w", err)
	}
	return &pipeline, nil
}

// GetDefault returns the team's default pipeline, or ErrNotFound when the
// team has not designated one.
func (r *gormPipelineRepository) GetDefault(ctx context.Context, teamID uuid.UUID) (*db.Pipeline, error) {
	var pipeline db.Pipeline
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND is_default = ? AND is_active = ?", teamID, true, true).
		First(&pipeline).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pipelines: get default: %w", err)
	}
	return &pipeline, nil
}

func (r *gormPipelineRepository) Update(ctx context.Context, pipeline *db.Pipeline) error {
	result := r.db.WithContext(ctx).Save(pipeline)
	if result.Error != nil {
		return fmt.Errorf("pipelines: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPipelineRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Pipeline{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("pipelines: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormPipelineRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Pipeline, int64, error) {
	var pipelines []db.Pipeline
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Pipeline{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("pipelines: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&pipelines).Error; err != nil {
		return nil, 0, fmt.Errorf("pipelines: list: %w", err)
	}

	return pipelines, total, nil
}

// -----------------------------------------------------------------------------
// Cameras
// -----------------------------------------------------------------------------

// gormCameraRepository is the GORM implementation of CameraRepository.
type gormCameraRepository struct {
	db *gorm.DB
}

// NewCameraRepository returns a CameraRepository backed by the provided
// *gorm.DB.
func NewCameraRepository(db *gorm.DB) CameraRepository {
	return &gormCameraRepository{db: db}
}

func (r *gormCameraRepository) Create(ctx context.Context, camera *db.Camera) error {
	if err := r.db.WithContext(ctx).Create(camera).Error; err != nil {
		return fmt.Errorf("cameras: create: %w", err)
	}
	return nil
}

func (r *gormCameraRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Camera, error) {
	var camera db.Camera
	err := r.db.WithContext(ctx).First(&camera, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cameras: get by id: %w", err)
	}
	return &camera, nil
}

func (r *gormCameraRepository) Update(ctx context.Context, camera *db.Camera) error {
	result := r.db.WithContext(ctx).Save(camera)
	if result.Error != nil {
		return fmt.Errorf("cameras: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCameraRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Camera{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("cameras: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCameraRepository) List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Camera, int64, error) {
	var cameras []db.Camera
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.Camera{}).
		Where("team_id = ?", teamID).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("cameras: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("camera_id ASC").
		Find(&cameras).Error; err != nil {
		return nil, 0, fmt.Errorf("cameras: list: %w", err)
	}

	return cameras, total, nil
}

// FindByCameraIDs returns the team's cameras whose camera_id is in the
// given set. Discovery uses it to tell known ids from new ones.
func (r *gormCameraRepository) FindByCameraIDs(ctx context.Context, teamID uuid.UUID, cameraIDs []string) ([]db.Camera, error) {
	if len(cameraIDs) == 0 {
		return nil, nil
	}
	var cameras []db.Camera
	err := r.db.WithContext(ctx).
		Where("team_id = ? AND camera_id IN ?", teamID, cameraIDs).
		Find(&cameras).Error
	if err != nil {
		return nil, fmt.Errorf("cameras: find by camera ids: %w", err)
	}
	return cameras, nil
}

// TouchLastSeen stamps last_seen_at on the named cameras.
func (r *gormCameraRepository) TouchLastSeen(ctx context.Context, teamID uuid.UUID, cameraIDs []string, at time.Time) error {
	if len(cameraIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&db.Camera{}).
		Where("team_id = ? AND camera_id IN ?", teamID, cameraIDs).
		Update("last_seen_at", at).Error
	if err != nil {
		return fmt.Errorf("cameras: touch last seen: %w", err)
	}
	return nil
}
