// Package types defines shared domain types used by both server and agent.
package types

import "time"

// ─── Agent ───────────────────────────────────────────────────────────────────

// AgentStatus represents the lifecycle state of a registered agent.
// Revoked is terminal.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusError   AgentStatus = "error"
	AgentStatusRevoked AgentStatus = "revoked"
)

// Platform identifies the operating system an agent binary targets.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
)

// CapabilityLocalFilesystem is declared by every agent; the registry
// enforces its presence at registration.
const CapabilityLocalFilesystem = "local_filesystem"

// ─── Job ─────────────────────────────────────────────────────────────────────

// JobStatus represents the current execution state of a job.
type JobStatus string

const (
	JobStatusScheduled JobStatus = "scheduled"
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job in this status can change state again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobTrigger indicates how a job was created.
type JobTrigger string

const (
	JobTriggerManual    JobTrigger = "manual"
	JobTriggerScheduler JobTrigger = "scheduler"
	JobTriggerFollowUp  JobTrigger = "follow_up"
)

// ─── Tools ───────────────────────────────────────────────────────────────────

// ToolName identifies an analysis tool an agent can execute.
type ToolName string

const (
	ToolPhotostats         ToolName = "photostats"
	ToolPhotoPairing       ToolName = "photo_pairing"
	ToolPipelineValidation ToolName = "pipeline_validation"
	ToolInventoryImport    ToolName = "inventory_import"
	ToolCollectionTest     ToolName = "collection_test"
)

// Valid reports whether t names a known tool.
func (t ToolName) Valid() bool {
	switch t {
	case ToolPhotostats, ToolPhotoPairing, ToolPipelineValidation,
		ToolInventoryImport, ToolCollectionTest:
		return true
	}
	return false
}

// DedupEligible reports whether completions of this tool may be skipped
// when the collection's input state is unchanged since the last run.
func (t ToolName) DedupEligible() bool {
	switch t {
	case ToolPhotostats, ToolPhotoPairing, ToolPipelineValidation:
		return true
	}
	return false
}

// ─── Result ──────────────────────────────────────────────────────────────────

// ResultStatus is the outcome an agent reports for a finished job.
type ResultStatus string

const (
	ResultStatusCompleted ResultStatus = "COMPLETED"
	ResultStatusFailed    ResultStatus = "FAILED"
	ResultStatusCancelled ResultStatus = "CANCELLED"
	ResultStatusNoChange  ResultStatus = "NO_CHANGE"
)

// ResultSource records whether a result arrived through a live claim
// cycle or was produced offline and uploaded later.
type ResultSource string

const (
	ResultSourceLive    ResultSource = "live"
	ResultSourceOffline ResultSource = "offline"
)

// ─── Storage ─────────────────────────────────────────────────────────────────

// CollectionType identifies where a collection's files live.
type CollectionType string

const (
	CollectionTypeLocal CollectionType = "local"
	CollectionTypeS3    CollectionType = "s3"
	CollectionTypeGCS   CollectionType = "gcs"
	CollectionTypeSMB   CollectionType = "smb"
)

// CollectionState tracks whether a collection still receives new files.
type CollectionState string

const (
	CollectionStateLive     CollectionState = "live"
	CollectionStateClosed   CollectionState = "closed"
	CollectionStateArchived CollectionState = "archived"
)

// ConnectorType identifies a remote storage backend. Local collections
// need no connector.
type ConnectorType string

const (
	ConnectorTypeS3  ConnectorType = "s3"
	ConnectorTypeGCS ConnectorType = "gcs"
	ConnectorTypeSMB ConnectorType = "smb"
)

// CredentialLocation says which side holds a connector's secret.
type CredentialLocation string

const (
	CredentialLocationServer  CredentialLocation = "server"
	CredentialLocationAgent   CredentialLocation = "agent"
	CredentialLocationPending CredentialLocation = "pending"
)

// FileInfo describes one file inside a collection. Paths are relative to
// the collection root with forward slashes; LastModified carries second
// precision so local and bucket listings hash identically.
type FileInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ─── Camera ──────────────────────────────────────────────────────────────────

// CameraStatus distinguishes operator-confirmed camera bodies from ones
// first seen in image metadata during analysis.
type CameraStatus string

const (
	CameraStatusConfirmed CameraStatus = "confirmed"
	CameraStatusTemporary CameraStatus = "temporary"
)

// ─── Users ───────────────────────────────────────────────────────────────────

// UserType separates human operators from agent service accounts.
type UserType string

const (
	UserTypeHuman  UserType = "human"
	UserTypeSystem UserType = "system"
)

// UserRole represents the permission level of a human operator.
type UserRole string

const (
	UserRoleAdmin    UserRole = "admin"
	UserRoleOperator UserRole = "operator"
	UserRoleViewer   UserRole = "viewer"
)

// ─── Pagination ──────────────────────────────────────────────────────────────

// Page holds pagination parameters for list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with total count for pagination.
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}

// ─── Time ────────────────────────────────────────────────────────────────────

// TimeRange defines an inclusive time interval for filtering queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}
