// Package repositories provides the data-access layer between the domain
// services and GORM. Interfaces are declared here; one GORM-backed
// implementation file exists per entity group. Methods return ErrNotFound
// and ErrConflict as sentinel errors so callers never need to know about
// gorm.ErrRecordNotFound.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// JobFilter narrows job list queries. Zero values mean "no filter".
type JobFilter struct {
	Status       string
	CollectionID *uuid.UUID
	AgentID      *uuid.UUID
}

// ResultFilter narrows result list queries. Zero values mean "no filter".
type ResultFilter struct {
	Status       string
	Tool         string
	CollectionID *uuid.UUID
}

// ResultGroup identifies one (collection, tool) dedup chain.
type ResultGroup struct {
	CollectionID *uuid.UUID
	Tool         string
}

// -----------------------------------------------------------------------------
// Repositories bundle
// -----------------------------------------------------------------------------

// Repositories bundles all repository implementations over one *gorm.DB
// so services receive a single dependency. WithTx re-binds the whole
// bundle to a transaction; the claim and registration paths rely on it.
type Repositories struct {
	gdb *gorm.DB

	Teams       TeamRepository
	Users       UserRepository
	Agents      AgentRepository
	Tokens      RegistrationTokenRepository
	Connectors  ConnectorRepository
	Collections CollectionRepository
	Pipelines   PipelineRepository
	Cameras     CameraRepository
	Jobs        JobRepository
	Results     ResultRepository
	Releases    ReleaseRepository
	Schedules   ScheduleRepository
	Config      ConfigurationRepository
	Metrics     StorageMetricsRepository
}

// New builds the repository bundle over the given database handle.
func New(gdb *gorm.DB) *Repositories {
	return &Repositories{
		gdb:         gdb,
		Teams:       NewTeamRepository(gdb),
		Users:       NewUserRepository(gdb),
		Agents:      NewAgentRepository(gdb),
		Tokens:      NewRegistrationTokenRepository(gdb),
		Connectors:  NewConnectorRepository(gdb),
		Collections: NewCollectionRepository(gdb),
		Pipelines:   NewPipelineRepository(gdb),
		Cameras:     NewCameraRepository(gdb),
		Jobs:        NewJobRepository(gdb),
		Results:     NewResultRepository(gdb),
		Releases:    NewReleaseRepository(gdb),
		Schedules:   NewScheduleRepository(gdb),
		Config:      NewConfigurationRepository(gdb),
		Metrics:     NewStorageMetricsRepository(gdb),
	}
}

// WithTx runs fn inside one database transaction. The bundle passed to fn
// is bound to that transaction; any error rolls everything back.
func (r *Repositories) WithTx(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}

// -----------------------------------------------------------------------------
// TeamRepository
// -----------------------------------------------------------------------------

type TeamRepository interface {
	Create(ctx context.Context, team *db.Team) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Team, error)
	GetByName(ctx context.Context, name string) (*db.Team, error)
	List(ctx context.Context, opts ListOptions) ([]db.Team, int64, error)
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.User, int64, error)
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)

	// GetByIDForUpdate locks the agent row FOR UPDATE on PostgreSQL.
	// Use it inside a transaction before rewriting the command queue.
	GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*db.Agent, error)

	GetByAPIKeyHash(ctx context.Context, hash string) (*db.Agent, error)
	Update(ctx context.Context, agent *db.Agent) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Agent, int64, error)

	// AppendPendingCommand pushes one command onto the agent's queue.
	// The read-modify-write runs in its own transaction.
	AppendPendingCommand(ctx context.Context, id uuid.UUID, command string) error

	// MarkOfflineStale flips agents whose last heartbeat predates cutoff
	// from online to offline and returns how many rows changed.
	MarkOfflineStale(ctx context.Context, cutoff time.Time) (int64, error)

	// CountByStatus returns agent counts keyed by status, for metrics.
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// -----------------------------------------------------------------------------
// RegistrationTokenRepository
// -----------------------------------------------------------------------------

type RegistrationTokenRepository interface {
	Create(ctx context.Context, token *db.RegistrationToken) error
	GetByHash(ctx context.Context, hash string) (*db.RegistrationToken, error)

	// Consume flips is_used false→true exactly once. A second call for
	// the same token returns ErrConflict regardless of interleaving.
	Consume(ctx context.Context, id uuid.UUID, agentID uuid.UUID) error

	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ConnectorRepository
// -----------------------------------------------------------------------------

type ConnectorRepository interface {
	Create(ctx context.Context, connector *db.Connector) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Connector, error)
	Update(ctx context.Context, connector *db.Connector) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Connector, int64, error)
}

// -----------------------------------------------------------------------------
// CollectionRepository
// -----------------------------------------------------------------------------

type CollectionRepository interface {
	Create(ctx context.Context, collection *db.Collection) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Collection, error)
	Update(ctx context.Context, collection *db.Collection) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Collection, int64, error)
	ListBoundToAgent(ctx context.Context, agentID uuid.UUID) ([]db.Collection, error)
}

// -----------------------------------------------------------------------------
// PipelineRepository
// -----------------------------------------------------------------------------

type PipelineRepository interface {
	Create(ctx context.Context, pipeline *db.Pipeline) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Pipeline, error)
	GetDefault(ctx context.Context, teamID uuid.UUID) (*db.Pipeline, error)
	Update(ctx context.Context, pipeline *db.Pipeline) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Pipeline, int64, error)
}

// -----------------------------------------------------------------------------
// CameraRepository
// -----------------------------------------------------------------------------

type CameraRepository interface {
	Create(ctx context.Context, camera *db.Camera) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Camera, error)
	Update(ctx context.Context, camera *db.Camera) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Camera, int64, error)
	FindByCameraIDs(ctx context.Context, teamID uuid.UUID, cameraIDs []string) ([]db.Camera, error)
	TouchLastSeen(ctx context.Context, teamID uuid.UUID, cameraIDs []string, at time.Time) error
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	List(ctx context.Context, teamID uuid.UUID, filter JobFilter, opts ListOptions) ([]db.Job, int64, error)

	// ExistsScheduled reports whether a scheduled job already exists for
	// the (collection, tool) pair. Enqueue paths use it to keep the
	// scheduled set unique.
	ExistsScheduled(ctx context.Context, collectionID uuid.UUID, tool string) (bool, error)

	// LockDueCandidates returns pending, due jobs claimable by the agent
	// in dispatch order. On PostgreSQL the rows are locked FOR UPDATE
	// SKIP LOCKED; SQLite serializes writers through its single
	// connection instead. Call inside a transaction.
	LockDueCandidates(ctx context.Context, teamID, agentID uuid.UUID, now time.Time, limit int) ([]db.Job, error)

	// Assign moves one pending job to assigned for the agent. The status
	// guard in the WHERE clause makes the transition idempotent under
	// races; losing the race returns ErrConflict.
	Assign(ctx context.Context, id, agentID uuid.UUID, secretHash string, at time.Time) error

	// UpdateProgress stores the latest progress JSON without touching
	// other fields.
	UpdateProgress(ctx context.Context, id uuid.UUID, progressJSON string) error

	// PromoteScheduledDue flips due scheduled jobs to pending and returns
	// how many rows changed.
	PromoteScheduledDue(ctx context.Context, now time.Time) (int64, error)

	// DeleteTerminalBefore removes jobs of one terminal status completed
	// before cutoff, scoped to a team.
	DeleteTerminalBefore(ctx context.Context, teamID uuid.UUID, status string, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// ResultRepository
// -----------------------------------------------------------------------------

type ResultRepository interface {
	Create(ctx context.Context, result *db.AnalysisResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.AnalysisResult, error)
	List(ctx context.Context, teamID uuid.UUID, filter ResultFilter, opts ListOptions) ([]db.AnalysisResult, int64, error)

	// LatestChainHead returns the newest COMPLETED, non-copy result for
	// the (collection, tool) pair — the row NO_CHANGE completions
	// reference and input-state prechecks compare against.
	LatestChainHead(ctx context.Context, collectionID uuid.UUID, tool string) (*db.AnalysisResult, error)

	// HasReferences reports whether any NO_CHANGE copy still points at
	// the result. Retention must not delete referenced chain heads.
	HasReferences(ctx context.Context, id uuid.UUID) (bool, error)

	ListDedupGroups(ctx context.Context, teamID uuid.UUID) ([]ResultGroup, error)
	ListByGroup(ctx context.Context, teamID uuid.UUID, group ResultGroup) ([]db.AnalysisResult, error)
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// ReleaseRepository
// -----------------------------------------------------------------------------

type ReleaseRepository interface {
	CreateManifest(ctx context.Context, manifest *db.ReleaseManifest) error
	GetManifestByID(ctx context.Context, id uuid.UUID) (*db.ReleaseManifest, error)
	GetManifestByVersion(ctx context.Context, version string) (*db.ReleaseManifest, error)
	SetManifestActive(ctx context.Context, id uuid.UUID, active bool) error
	ListManifests(ctx context.Context, opts ListOptions) ([]db.ReleaseManifest, int64, error)

	CreateArtifact(ctx context.Context, artifact *db.ReleaseArtifact) error
	GetArtifact(ctx context.Context, version, platform string) (*db.ReleaseArtifact, error)

	// MatchActiveArtifact reports whether an active manifest carries an
	// artifact with exactly this attestation triple.
	MatchActiveArtifact(ctx context.Context, version, platform, checksum string) (bool, error)

	// ListActiveVersions returns the versions of all active manifests
	// that ship an artifact for the platform.
	ListActiveVersions(ctx context.Context, platform string) ([]string, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

type ScheduleRepository interface {
	Create(ctx context.Context, schedule *db.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error)
	Update(ctx context.Context, schedule *db.Schedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, teamID uuid.UUID, opts ListOptions) ([]db.Schedule, int64, error)
	ListDue(ctx context.Context, now time.Time) ([]db.Schedule, error)
}

// -----------------------------------------------------------------------------
// ConfigurationRepository
// -----------------------------------------------------------------------------

type ConfigurationRepository interface {
	Get(ctx context.Context, teamID uuid.UUID, category, key string) (*db.Configuration, error)
	ListByCategory(ctx context.Context, teamID uuid.UUID, category string) ([]db.Configuration, error)
	Upsert(ctx context.Context, teamID uuid.UUID, category, key, value string) error
}

// -----------------------------------------------------------------------------
// StorageMetricsRepository
// -----------------------------------------------------------------------------

type StorageMetricsRepository interface {
	Get(ctx context.Context, teamID uuid.UUID) (*db.StorageMetrics, error)

	// Accumulate adds one sweep's savings into the team row, creating it
	// on first use.
	Accumulate(ctx context.Context, teamID uuid.UUID, jobsDeleted, resultsDeleted, bytesFreed int64, at time.Time) error
}
