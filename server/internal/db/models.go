package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models. It is exported
// so GORM's schema parser picks the fields up when embedded, the same
// way gorm.Model works.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// SoftDelete extends Base with a nullable DeletedAt field for soft deletion.
// GORM automatically filters out soft-deleted records from all queries unless
// Unscoped() is used explicitly.
type SoftDelete struct {
	Base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// EncodeStringList serializes a string slice into the JSON text form used
// for list-valued columns (capabilities, authorized roots, pending
// commands). A nil slice encodes as "[]".
func EncodeStringList(items []string) string {
	if items == nil {
		items = []string{}
	}
	raw, _ := json.Marshal(items)
	return string(raw)
}

// DecodeStringList parses a JSON text column back into a string slice.
// Malformed or empty content decodes as an empty slice.
func DecodeStringList(s string) []string {
	if s == "" {
		return []string{}
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return []string{}
	}
	return items
}

// -----------------------------------------------------------------------------
// Teams & Users
// -----------------------------------------------------------------------------

// Team is the tenancy boundary. Every entity except the release manifest
// hangs off a team.
type Team struct {
	Base
	Name string `gorm:"uniqueIndex;not null"`
}

// User represents a human operator or an agent's SYSTEM service account.
// Password holds the argon2id hash for human accounts and is empty for
// SYSTEM users, which authenticate with the agent API key instead.
type User struct {
	Base
	TeamID      uuid.UUID       `gorm:"type:text;not null;index"`
	Email       string          `gorm:"uniqueIndex;not null"`
	Password    EncryptedString `gorm:"type:text"`
	DisplayName string          `gorm:"not null"`
	Type        string          `gorm:"not null;default:'human'"` // "human" or "system"
	Role        string          `gorm:"not null;default:'operator'"`
	IsActive    bool            `gorm:"not null"`
	LastLoginAt *time.Time
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent represents a registered worker running on user hardware. Agents
// hold no inbound ports; all traffic is agent-initiated HTTP. The raw API
// key is returned exactly once at registration — only its SHA-256 and a
// short prefix label are stored.
type Agent struct {
	SoftDelete
	TeamID           uuid.UUID `gorm:"type:text;not null;index"`
	UserID           uuid.UUID `gorm:"type:text;not null;index"` // paired SYSTEM user
	Name             string    `gorm:"not null"`
	Hostname         string    `gorm:"not null;default:''"`
	Platform         string    `gorm:"not null;default:''"` // "linux", "darwin", "windows"
	Version          string    `gorm:"not null;default:''"`
	BinaryChecksum   string    `gorm:"not null;default:''"`
	Status           string    `gorm:"not null;default:'offline'"` // "online", "offline", "error", "revoked"
	IsVerified       bool      `gorm:"not null"`
	IsOutdated       bool      `gorm:"not null"`
	APIKeyHash       string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw key
	APIKeyPrefix     string    `gorm:"not null;default:''"`  // first 16 chars, display only
	Capabilities     string    `gorm:"type:text;not null;default:'[]'"` // JSON array
	AuthorizedRoots  string    `gorm:"type:text;not null;default:'[]'"` // JSON array of absolute paths
	Connectors       string    `gorm:"type:text;not null;default:'[]'"` // JSON array of connector GUIDs
	PendingCommands  string    `gorm:"type:text;not null;default:'[]'"` // JSON array, drained by heartbeat
	Metrics          string    `gorm:"type:text;not null;default:'{}'"` // last heartbeat metrics, JSON
	LastHeartbeatAt  *time.Time
	RevokedAt        *time.Time
	RevocationReason string `gorm:"default:''"`
}

// RegistrationToken is a single-use credential for enrolling one agent.
// Only the SHA-256 of the raw token is stored.
type RegistrationToken struct {
	Base
	TeamID       uuid.UUID `gorm:"type:text;not null;index"`
	CreatedByID  uuid.UUID `gorm:"type:text;not null"`
	TokenHash    string    `gorm:"not null;uniqueIndex"`
	ExpiresAt    time.Time `gorm:"not null;index"`
	IsUsed       bool      `gorm:"not null"`
	UsedByAgentID *uuid.UUID `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// Storage connectors & collections
// -----------------------------------------------------------------------------

// Connector holds access to a remote storage backend (s3, gcs, smb).
// When CredentialLocation is "agent" the server never sees the secret;
// only agents whose local store holds a matching entry can use it.
type Connector struct {
	Base
	TeamID             uuid.UUID       `gorm:"type:text;not null;index"`
	Name               string          `gorm:"not null"`
	Type               string          `gorm:"not null"` // "s3", "gcs", "smb"
	CredentialLocation string          `gorm:"not null;default:'pending'"` // "server", "agent", "pending"
	Credentials        EncryptedString `gorm:"type:text"` // JSON, encrypted, server-held only
	InventoryConfig    string          `gorm:"type:text;not null;default:'{}'"` // JSON
	ValidationStatus   string          `gorm:"not null;default:'pending'"`
	LatestManifest     string          `gorm:"type:text;not null;default:'{}'"` // last inventory summary, JSON
}

// Collection is a set of photo files the analysis tools operate on.
// Local collections must be bound to one agent; remote ones need a
// connector. IsAccessible is tri-state: nil means "not yet tested".
type Collection struct {
	SoftDelete
	TeamID          uuid.UUID  `gorm:"type:text;not null;index"`
	Name            string     `gorm:"not null"`
	Type            string     `gorm:"not null"` // "local", "s3", "gcs", "smb"
	Location        string     `gorm:"not null"` // absolute path or bucket/prefix
	State           string     `gorm:"not null;default:'live'"` // "live", "closed", "archived"
	BoundAgentID    *uuid.UUID `gorm:"type:text;index"`
	ConnectorID     *uuid.UUID `gorm:"type:text;index"`
	IsAccessible    *bool
	FileInfo        string     `gorm:"type:text;not null;default:'[]'"` // JSON FileInfo snapshot
	FileInfoDelta   string     `gorm:"type:text;not null;default:'{}'"` // JSON delta vs previous snapshot
	PipelineID      *uuid.UUID `gorm:"type:text"`
	PipelineVersion int        `gorm:"not null;default:0"`
}

// Pipeline is a node/edge graph that declares recognized extensions and
// sidecar policy, and is the structural reference pipeline_validation
// checks collections against. At most one pipeline per team carries
// IsDefault.
type Pipeline struct {
	Base
	TeamID    uuid.UUID `gorm:"type:text;not null;index"`
	Name      string    `gorm:"not null"`
	Version   int       `gorm:"not null;default:1"`
	Nodes     string    `gorm:"type:text;not null;default:'[]'"` // JSON
	Edges     string    `gorm:"type:text;not null;default:'[]'"` // JSON
	// Bool columns deliberately carry no gorm default tag: GORM omits
	// zero-valued fields with a default from the INSERT, which would turn
	// an explicit false back into the column default.
	IsActive  bool `gorm:"not null"`
	IsDefault bool `gorm:"not null"`
	IsValid   bool `gorm:"not null"`
}

// Camera is a camera body seen in image metadata. Operator-created rows
// are "confirmed"; ids first reported by photostats are persisted as
// "temporary" until confirmed.
type Camera struct {
	Base
	TeamID     uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_cameras_team_camera,priority:1"`
	CameraID   string    `gorm:"not null;uniqueIndex:idx_cameras_team_camera,priority:2"`
	Label      string    `gorm:"not null;default:''"`
	Status     string    `gorm:"not null;default:'temporary'"` // "confirmed", "temporary"
	LastSeenAt *time.Time
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is one unit of analysis work. The dispatch query reads the
// composite (team, status, scheduled_for, priority) index; see §claim in
// the dispatch package for the ordering contract.
type Job struct {
	Base
	TeamID               uuid.UUID  `gorm:"type:text;not null;index:idx_jobs_dispatch,priority:1"`
	Tool                 string     `gorm:"not null"`
	Mode                 string     `gorm:"not null;default:''"`
	CollectionID         *uuid.UUID `gorm:"type:text;index"`
	PipelineID           *uuid.UUID `gorm:"type:text"`
	PipelineVersion      int        `gorm:"not null;default:0"`
	Status               string     `gorm:"not null;default:'pending';index:idx_jobs_dispatch,priority:2"`
	Priority             int        `gorm:"not null;default:0;index:idx_jobs_dispatch,priority:4"`
	Origin               string     `gorm:"not null;default:'manual'"` // "manual", "scheduler", "follow_up"
	BoundAgentID         *uuid.UUID `gorm:"type:text;index"`
	RequiredCapabilities string     `gorm:"type:text;not null;default:'[]'"` // JSON array
	AssignedAgentID      *uuid.UUID `gorm:"type:text;index"`
	AssignedAt           *time.Time
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ScheduledFor         *time.Time `gorm:"index:idx_jobs_dispatch,priority:3"`
	Progress             string     `gorm:"type:text;not null;default:'{}'"` // last progress report, JSON
	SigningSecretHash    string     `gorm:"not null;default:''"` // SHA-256 hex, never plaintext
	RetryCount           int        `gorm:"not null;default:0"`
	MaxRetries           int        `gorm:"not null;default:3"`
	ParentJobID          *uuid.UUID `gorm:"type:text"`
	ScheduleID           *uuid.UUID `gorm:"type:text;index"`
	ResultID             *uuid.UUID `gorm:"type:text"`
}

// -----------------------------------------------------------------------------
// Analysis results
// -----------------------------------------------------------------------------

// AnalysisResult is a persisted tool outcome. NO_CHANGE rows carry no
// report of their own; DownloadReportFromID points at the chain head
// whose report they share. Retention must keep a chain head alive while
// any copy references it.
type AnalysisResult struct {
	Base
	TeamID               uuid.UUID  `gorm:"type:text;not null;index"`
	JobID                *uuid.UUID `gorm:"type:text;index"` // nil for offline uploads
	AgentID              *uuid.UUID `gorm:"type:text;index"`
	CollectionID         *uuid.UUID `gorm:"type:text;index:idx_results_dedup,priority:1"`
	ConnectorID          *uuid.UUID `gorm:"type:text"`
	PipelineID           *uuid.UUID `gorm:"type:text"`
	PipelineVersion      int        `gorm:"not null;default:0"`
	Tool                 string     `gorm:"not null;index:idx_results_dedup,priority:2"`
	Status               string     `gorm:"not null"` // "COMPLETED", "FAILED", "CANCELLED", "NO_CHANGE"
	Source               string     `gorm:"not null;default:'live'"` // "live", "offline"
	StartedAt            time.Time
	CompletedAt          time.Time `gorm:"index"`
	DurationSeconds      float64   `gorm:"not null;default:0"`
	ResultsJSON          string    `gorm:"type:text;not null;default:'{}'"`
	ReportHTML           string    `gorm:"type:text;not null;default:''"`
	ReportSHA256         string    `gorm:"not null;default:''"`
	InputStateHash       string    `gorm:"not null;default:'';index"`
	NoChangeCopy         bool      `gorm:"not null"`
	DownloadReportFromID *uuid.UUID `gorm:"type:text;index"`
	ErrorMessage         string    `gorm:"type:text;not null;default:''"`
	AgentVersion         string    `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Release manifests
// -----------------------------------------------------------------------------

// ReleaseManifest names one published agent version. Artifacts carry the
// per-platform checksums; registration and heartbeat attestation match
// against artifacts of active manifests only.
type ReleaseManifest struct {
	Base
	Version string `gorm:"not null;uniqueIndex"`
	Active  bool   `gorm:"not null;index"`
	Notes   string `gorm:"type:text;not null;default:''"`
}

// ReleaseArtifact is one downloadable agent binary. Checksum is the
// 64-hex SHA-256 of the file at StoragePath.
type ReleaseArtifact struct {
	Base
	ManifestID  uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_release_artifacts_platform,priority:1"`
	Platform    string    `gorm:"not null;uniqueIndex:idx_release_artifacts_platform,priority:2"`
	Filename    string    `gorm:"not null"`
	Checksum    string    `gorm:"not null;index"`
	FileSize    int64     `gorm:"not null;default:0"`
	StoragePath string    `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

// Schedule materializes recurring analysis runs. The cron expression is
// validated at create time; the schedule sweep creates at most one
// "scheduled" job per (collection, tool) regardless of how often it
// fires.
type Schedule struct {
	Base
	TeamID       uuid.UUID `gorm:"type:text;not null;index"`
	CollectionID uuid.UUID `gorm:"type:text;not null;index"`
	Tool         string    `gorm:"not null"`
	CronExpr     string    `gorm:"not null"`
	Priority     int       `gorm:"not null;default:0"`
	Enabled      bool      `gorm:"not null"`
	LastRunAt    *time.Time
	NextRunAt    *time.Time `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Configuration & storage metrics
// -----------------------------------------------------------------------------

// Configuration is a team-scoped (category, key) → value entry. Tool
// config lives under category "tool_config"; retention windows under
// "result_retention". Values are JSON or scalar strings by convention.
type Configuration struct {
	Base
	TeamID   uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_config_team_cat_key,priority:1"`
	Category string    `gorm:"not null;uniqueIndex:idx_config_team_cat_key,priority:2"`
	Key      string    `gorm:"not null;uniqueIndex:idx_config_team_cat_key,priority:3"`
	Value    string    `gorm:"type:text;not null;default:''"`
}

// StorageMetrics accumulates retention-sweep savings, one row per team.
type StorageMetrics struct {
	Base
	TeamID         uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	JobsDeleted    int64     `gorm:"not null;default:0"`
	ResultsDeleted int64     `gorm:"not null;default:0"`
	BytesFreed     int64     `gorm:"not null;default:0"`
	LastSweepAt    *time.Time
}

// TableName pins the table name; the default pluralizer mangles the
// already-plural "metrics".
func (StorageMetrics) TableName() string { return "storage_metrics" }
