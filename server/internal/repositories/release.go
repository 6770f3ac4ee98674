package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
)

// gormReleaseRepository is the GORM implementation of ReleaseRepository.
type gormReleaseRepository struct {
	db *gorm.DB
}

// NewReleaseRepository returns a ReleaseRepository backed by the provided
// *gorm.DB.
func NewReleaseRepository(db *gorm.DB) ReleaseRepository {
	return &gormReleaseRepository{db: db}
}

// CreateManifest inserts a new release manifest record.
func (r *gormReleaseRepository) CreateManifest(ctx context.Context, manifest *db.ReleaseManifest) error {
	if err := r.db.WithContext(ctx).Create(manifest).Error; err != nil {
		return fmt.Errorf("releases: create manifest: %w", err)
	}
	return nil
}

// GetManifestByID retrieves a manifest by its UUID.
func (r *gormReleaseRepository) GetManifestByID(ctx context.Context, id uuid.UUID) (*db.ReleaseManifest, error) {
	var manifest db.ReleaseManifest
	err := r.db.WithContext(ctx).First(&manifest, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("releases: get manifest by id: %w", err)
	}
	return &manifest, nil
}

// GetManifestByVersion retrieves a manifest by its version string.
func (r *gormReleaseRepository) GetManifestByVersion(ctx context.Context, version string) (*db.ReleaseManifest, error) {
	var manifest db.ReleaseManifest
	err := r.db.WithContext(ctx).First(&manifest, "version = ?", version).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("releases: get manifest by version: %w", err)
	}
	return &manifest, nil
}

// SetManifestActive flips a manifest's active flag.
func (r *gormReleaseRepository) SetManifestActive(ctx context.Context, id uuid.UUID, active bool) error {
	result := r.db.WithContext(ctx).
		Model(&db.ReleaseManifest{}).
		Where("id = ?", id).
		Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("releases: set manifest active: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListManifests returns a paginated list of manifests, newest first, and
// the total count.
func (r *gormReleaseRepository) ListManifests(ctx context.Context, opts ListOptions) ([]db.ReleaseManifest, int64, error) {
	var manifests []db.ReleaseManifest
	var total int64

	if err := r.db.WithContext(ctx).
		Model(&db.ReleaseManifest{}).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("releases: list manifests count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&manifests).Error; err != nil {
		return nil, 0, fmt.Errorf("releases: list manifests: %w", err)
	}

	return manifests, total, nil
}

// CreateArtifact inserts a new release artifact record.
func (r *gormReleaseRepository) CreateArtifact(ctx context.Context, artifact *db.ReleaseArtifact) error {
	if err := r.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("releases: create artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves the artifact for one (version, platform) pair.
func (r *gormReleaseRepository) GetArtifact(ctx context.Context, version, platform string) (*db.ReleaseArtifact, error) {
	var artifact db.ReleaseArtifact
	err := r.db.WithContext(ctx).
		Joins("JOIN release_manifests ON release_manifests.id = release_artifacts.manifest_id").
		Where("release_manifests.version = ? AND release_artifacts.platform = ?", version, platform).
		First(&artifact).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("releases: get artifact: %w", err)
	}
	return &artifact, nil
}

// MatchActiveArtifact reports whether an active manifest carries an
// artifact with exactly this (version, platform, checksum) triple.
// Registration and heartbeat attestation call it to verify agent
// binaries.
func (r *gormReleaseRepository) MatchActiveArtifact(ctx context.Context, version, platform, checksum string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&db.ReleaseArtifact{}).
		Joins("JOIN release_manifests ON release_manifests.id = release_artifacts.manifest_id").
		Where("release_manifests.version = ? AND release_manifests.active = ?", version, true).
		Where("release_artifacts.platform = ? AND release_artifacts.checksum = ?", platform, checksum).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("releases: match active artifact: %w", err)
	}
	return n > 0, nil
}

// ListActiveVersions returns the versions of all active manifests that
// ship an artifact for the platform. The registry compares agents
// against the highest of these to set is_outdated.
func (r *gormReleaseRepository) ListActiveVersions(ctx context.Context, platform string) ([]string, error) {
	var versions []string
	err := r.db.WithContext(ctx).
		Model(&db.ReleaseArtifact{}).
		Joins("JOIN release_manifests ON release_manifests.id = release_artifacts.manifest_id").
		Where("release_manifests.active = ? AND release_artifacts.platform = ?", true, platform).
		Pluck("release_manifests.version", &versions).Error
	if err != nil {
		return nil, fmt.Errorf("releases: list active versions: %w", err)
	}
	return versions, nil
}
