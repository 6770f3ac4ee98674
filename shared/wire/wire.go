// Package wire defines the JSON records exchanged between agent and
// server. Both sides marshal and unmarshal through these types so the
// request and response shapes cannot drift apart.
//
// CompleteRequest.Result stays a json.RawMessage end to end: the HMAC
// signature is computed over the canonical form of those exact bytes,
// so the server must verify before it parses.
package wire

import (
	"encoding/json"
	"time"

	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// ─── Registration ────────────────────────────────────────────────────────────

// RegisterRequest carries the single-use token and the attestation
// triple for a new agent.
type RegisterRequest struct {
	Token           string         `json:"token"`
	Name            string         `json:"name"`
	Hostname        string         `json:"hostname"`
	Platform        types.Platform `json:"platform"`
	Version         string         `json:"version"`
	BinaryChecksum  string         `json:"binary_checksum"`
	Capabilities    []string       `json:"capabilities"`
	AuthorizedRoots []string       `json:"authorized_roots"`
}

// RegisterResponse returns the API key exactly once.
type RegisterResponse struct {
	AgentGUID string `json:"agent_guid"`
	APIKey    string `json:"api_key"`
}

// ─── Heartbeat ───────────────────────────────────────────────────────────────

// AgentMetrics is the resource snapshot sent with every heartbeat.
type AgentMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// HeartbeatRequest re-presents the attestation triple on every beat so
// the server can re-verify the binary against the release manifest.
type HeartbeatRequest struct {
	Capabilities   []string       `json:"capabilities"`
	Metrics        AgentMetrics   `json:"metrics"`
	Version        string         `json:"version"`
	Platform       types.Platform `json:"platform"`
	BinaryChecksum string         `json:"binary_checksum"`
	ActiveJobGUID  string         `json:"active_job_guid,omitempty"`
}

// HeartbeatResponse drains the agent's pending commands and reports the
// version verdict.
type HeartbeatResponse struct {
	PendingCommands []string `json:"pending_commands"`
	LatestVersion   string   `json:"latest_version,omitempty"`
	IsOutdated      bool     `json:"is_outdated"`
}

// ─── Claim ───────────────────────────────────────────────────────────────────

// JobDescriptor is the slice of a job an agent needs to execute it.
type JobDescriptor struct {
	GUID                 string         `json:"guid"`
	Tool                 types.ToolName `json:"tool"`
	Mode                 string         `json:"mode,omitempty"`
	CollectionGUID       string         `json:"collection_guid,omitempty"`
	PipelineGUID         string         `json:"pipeline_guid,omitempty"`
	PipelineVersion      int            `json:"pipeline_version,omitempty"`
	Priority             int            `json:"priority"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	RetryCount           int            `json:"retry_count"`
	MaxRetries           int            `json:"max_retries"`
}

// ClaimResponse hands the agent one job and its signing secret. The
// secret is base64, never persisted in plaintext on either side.
type ClaimResponse struct {
	Job           JobDescriptor `json:"job"`
	SigningSecret string        `json:"signing_secret_b64"`
}

// ─── Progress ────────────────────────────────────────────────────────────────

// ProgressRequest is an advisory progress report. All fields except
// Stage are optional.
type ProgressRequest struct {
	Stage        string   `json:"stage"`
	Percentage   *float64 `json:"percentage,omitempty"`
	FilesScanned *int     `json:"files_scanned,omitempty"`
	TotalFiles   *int     `json:"total_files,omitempty"`
	CurrentFile  string   `json:"current_file,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// ─── Input state ─────────────────────────────────────────────────────────────

// InputStateRequest is the dedup precheck sent before a dedup-eligible
// tool runs.
type InputStateRequest struct {
	InputStateHash string `json:"input_state_hash"`
}

// InputStateResponse points at the prior result when nothing changed.
type InputStateResponse struct {
	NoChange            bool   `json:"no_change"`
	ReferenceResultGUID string `json:"reference_result_guid,omitempty"`
}

// ─── Completion ──────────────────────────────────────────────────────────────

// ResultPayload is the record the agent signs. Its canonical JSON form
// is the signing input, so every field here is covered by the HMAC,
// including the SHA-256 of any chunk-uploaded report.
type ResultPayload struct {
	JobGUID            string             `json:"job_guid"`
	Tool               types.ToolName     `json:"tool"`
	CollectionGUID     string             `json:"collection_guid,omitempty"`
	ConnectorGUID      string             `json:"connector_guid,omitempty"`
	PipelineGUID       string             `json:"pipeline_guid,omitempty"`
	PipelineVersion    int                `json:"pipeline_version,omitempty"`
	Status             types.ResultStatus `json:"status"`
	StartedAt          time.Time          `json:"started_at"`
	CompletedAt        time.Time          `json:"completed_at"`
	DurationSeconds    float64            `json:"duration_seconds"`
	Results            map[string]any     `json:"results,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	InputStateHash     string             `json:"input_state_hash,omitempty"`
	NoChangeCopy       bool               `json:"no_change_copy,omitempty"`
	DownloadReportFrom string             `json:"download_report_from,omitempty"`
	ReportUploadGUID   string             `json:"report_upload_guid,omitempty"`
	ReportSHA256       string             `json:"report_sha256,omitempty"`
	AgentVersion       string             `json:"agent_version,omitempty"`
}

// CompleteRequest finishes a job. Result carries the payload inline;
// payloads over the inline limit are chunk-uploaded first and referenced
// through ResultUploadGUID instead.
type CompleteRequest struct {
	Result           json.RawMessage `json:"result,omitempty"`
	ResultUploadGUID string          `json:"result_upload_guid,omitempty"`
	Signature        string          `json:"signature"`
}

// CompleteResponse acknowledges a persisted result.
type CompleteResponse struct {
	ResultGUID string `json:"result_guid"`
}

// OfflineUploadRequest syncs a spooled result produced without a claim.
// There is no per-job secret, so authentication rests on the API key.
type OfflineUploadRequest struct {
	Result           json.RawMessage `json:"result,omitempty"`
	ResultUploadGUID string          `json:"result_upload_guid,omitempty"`
}

// ─── Chunked upload ──────────────────────────────────────────────────────────

// UploadKind says what an assembled chunk stream contains.
type UploadKind string

const (
	UploadKindResult UploadKind = "result"
	UploadKindReport UploadKind = "report"
)

// ChunkStartRequest opens an upload session.
type ChunkStartRequest struct {
	Kind      UploadKind `json:"kind"`
	JobGUID   string     `json:"job_guid,omitempty"`
	TotalSize int64      `json:"total_size"`
	SHA256    string     `json:"sha256"`
}

// ChunkStartResponse names the session for append and commit calls.
type ChunkStartResponse struct {
	UploadGUID string `json:"upload_guid"`
}

// ChunkAppendRequest carries one chunk. Data is base64 on the wire via
// the standard []byte encoding; Seq starts at 0 and must be contiguous.
type ChunkAppendRequest struct {
	UploadGUID string `json:"upload_guid"`
	Seq        int    `json:"seq"`
	Data       []byte `json:"data"`
}

// ChunkAppendResponse reports how much the server holds so far.
type ChunkAppendResponse struct {
	ReceivedBytes int64 `json:"received_bytes"`
}

// ChunkCommitRequest seals an upload session.
type ChunkCommitRequest struct {
	UploadGUID string `json:"upload_guid"`
}

// ChunkCommitResponse confirms the digest of the assembled bytes.
type ChunkCommitResponse struct {
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// ─── Team & job config ───────────────────────────────────────────────────────

// TeamConfig is the tool-relevant slice of a team's configuration.
type TeamConfig struct {
	PhotoExtensions    []string          `json:"photo_extensions"`
	MetadataExtensions []string          `json:"metadata_extensions"`
	CameraMappings     map[string]string `json:"camera_mappings,omitempty"`
	ProcessingMethods  []string          `json:"processing_methods,omitempty"`
	RequireSidecar     []string          `json:"require_sidecar,omitempty"`
}

// TeamConfigResponse is the agent-facing team config snapshot.
type TeamConfigResponse struct {
	TeamGUID        string        `json:"team_guid"`
	Config          TeamConfig    `json:"config"`
	DefaultPipeline *PipelineSpec `json:"default_pipeline,omitempty"`
}

// PipelineNode is one processing step in a pipeline graph.
type PipelineNode struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Config map[string]string `json:"config,omitempty"`
}

// PipelineEdge connects two pipeline nodes.
type PipelineEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// PipelineSpec is the structural reference pipeline_validation checks
// collections against.
type PipelineSpec struct {
	GUID    string         `json:"guid"`
	Name    string         `json:"name,omitempty"`
	Version int            `json:"version"`
	Nodes   []PipelineNode `json:"nodes"`
	Edges   []PipelineEdge `json:"edges"`
}

// InventoryConfig tells the inventory tool where the bucket manifest
// lives.
type InventoryConfig struct {
	ManifestKey string `json:"manifest_key"`
}

// ConnectorSpec describes a remote storage connector. Credentials are
// present only when the server holds them.
type ConnectorSpec struct {
	GUID               string                   `json:"guid"`
	Type               types.ConnectorType      `json:"type"`
	CredentialLocation types.CredentialLocation `json:"credential_location"`
	Credentials        map[string]string        `json:"credentials,omitempty"`
	InventoryConfig    *InventoryConfig         `json:"inventory_config,omitempty"`
}

// JobConfig is the job-scoped config bundle the executor fetches once
// per job.
type JobConfig struct {
	TeamConfig
	TeamGUID        string               `json:"team_guid,omitempty"`
	Mode            string               `json:"mode,omitempty"`
	CollectionGUID  string               `json:"collection_guid,omitempty"`
	CollectionPath  string               `json:"collection_path,omitempty"`
	CollectionType  types.CollectionType `json:"collection_type,omitempty"`
	Pipeline        *PipelineSpec        `json:"pipeline,omitempty"`
	PipelineVersion int                  `json:"pipeline_version,omitempty"`
	Connector       *ConnectorSpec       `json:"connector,omitempty"`
}

// ─── Collections & cameras ───────────────────────────────────────────────────

// CollectionRecord is the agent-facing view of a collection, cached
// locally for offline runs.
type CollectionRecord struct {
	GUID            string                `json:"guid"`
	Name            string                `json:"name"`
	Type            types.CollectionType  `json:"type"`
	Location        string                `json:"location"`
	State           types.CollectionState `json:"state"`
	ConnectorGUID   string                `json:"connector_guid,omitempty"`
	PipelineGUID    string                `json:"pipeline_guid,omitempty"`
	PipelineVersion int                   `json:"pipeline_version,omitempty"`
}

// BoundCollectionsResponse lists the collections bound to the calling
// agent.
type BoundCollectionsResponse struct {
	Collections []CollectionRecord `json:"collections"`
}

// CameraDiscoverRequest is a bulk lookup of camera identifiers found in
// image metadata. At most 50 ids per call.
type CameraDiscoverRequest struct {
	CameraIDs []string `json:"camera_ids"`
}

// CameraRecord is one resolved camera.
type CameraRecord struct {
	GUID     string             `json:"guid"`
	CameraID string             `json:"camera_id"`
	Label    string             `json:"label,omitempty"`
	Status   types.CameraStatus `json:"status"`
}

// CameraDiscoverResponse answers a discover call.
type CameraDiscoverResponse struct {
	Cameras []CameraRecord `json:"cameras"`
}

// MaxCameraDiscoverBatch caps one discover call.
const MaxCameraDiscoverBatch = 50

// InlineResultLimit is the ceiling for inline completion payloads.
// Anything larger, and every HTML report, goes through chunked upload.
const InlineResultLimit = 1 << 20
