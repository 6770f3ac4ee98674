package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/dispatch"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/ingest"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/registry"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// AgentAPIHandler serves every endpoint the agent binary calls. All
// routes except Register run behind AuthenticateAgent.
type AgentAPIHandler struct {
	registry   *registry.Service
	dispatcher *dispatch.Dispatcher
	ingestor   *ingest.Ingestor
	repos      *repositories.Repositories
	logger     *zap.Logger
}

// NewAgentAPIHandler creates an AgentAPIHandler.
func NewAgentAPIHandler(
	reg *registry.Service,
	dispatcher *dispatch.Dispatcher,
	ingestor *ingest.Ingestor,
	repos *repositories.Repositories,
	logger *zap.Logger,
) *AgentAPIHandler {
	return &AgentAPIHandler{
		registry:   reg,
		dispatcher: dispatcher,
		ingestor:   ingestor,
		repos:      repos,
		logger:     logger.Named("agent_api"),
	}
}

// -----------------------------------------------------------------------------
// Enrollment & liveness
// -----------------------------------------------------------------------------

// Register handles POST /api/v1/agent/register. Public: the single-use
// token is the credential. The API key in the response is shown exactly
// once.
func (h *AgentAPIHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req wire.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" || req.Name == "" || req.Version == "" || req.BinaryChecksum == "" {
		ErrBadRequest(w, "token, name, version and binary_checksum are required")
		return
	}

	agent, rawKey, err := h.registry.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrTokenInvalid):
			ErrUnauthorized(w)
		case errors.Is(err, registry.ErrTokenUsed):
			ErrConflict(w, "registration token already used")
		case errors.Is(err, registry.ErrChecksumUnknown):
			ErrUnprocessable(w, "binary checksum does not match any active release")
		default:
			h.logger.Error("agent registration failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Created(w, wire.RegisterResponse{
		AgentGUID: agent.ID.String(),
		APIKey:    rawKey,
	})
}

// Heartbeat handles POST /api/v1/agent/heartbeat.
func (h *AgentAPIHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	var req wire.HeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.registry.Heartbeat(r.Context(), agent, req)
	if err != nil {
		if errors.Is(err, registry.ErrAgentRevoked) {
			ErrAgentRevoked(w)
			return
		}
		h.logger.Error("heartbeat failed",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}
	Ok(w, resp)
}

// -----------------------------------------------------------------------------
// Claim & execution
// -----------------------------------------------------------------------------

// Claim handles POST /api/v1/agent/jobs/claim. An empty queue answers
// 204; an unverified or revoked agent gets 403.
func (h *AgentAPIHandler) Claim(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	job, secret, err := h.dispatcher.Claim(r.Context(), agent)
	if err != nil {
		if errors.Is(err, dispatch.ErrAgentNotEligible) {
			ErrForbidden(w)
			return
		}
		h.logger.Error("claim failed",
			zap.String("agent_id", agent.ID.String()),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}
	if job == nil {
		NoContent(w)
		return
	}

	Ok(w, wire.ClaimResponse{
		Job:           jobDescriptor(job),
		SigningSecret: base64.StdEncoding.EncodeToString(secret),
	})
}

// Progress handles POST /api/v1/agent/jobs/{guid}/progress.
func (h *AgentAPIHandler) Progress(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	jobID, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	var req wire.ProgressRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.ingestor.Progress(r.Context(), jobID, agent, req); err != nil {
		h.writeIngestError(w, agent, jobID.String(), err)
		return
	}
	NoContent(w)
}

// InputState handles POST /api/v1/agent/jobs/{guid}/input-state — the
// dedup precheck before a dedup-eligible tool runs.
func (h *AgentAPIHandler) InputState(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	jobID, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	var req wire.InputStateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.InputStateHash == "" {
		ErrBadRequest(w, "input_state_hash is required")
		return
	}

	resp, err := h.ingestor.InputState(r.Context(), jobID, agent, req.InputStateHash)
	if err != nil {
		h.writeIngestError(w, agent, jobID.String(), err)
		return
	}
	Ok(w, resp)
}

// Complete handles POST /api/v1/agent/jobs/{guid}/complete.
func (h *AgentAPIHandler) Complete(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	jobID, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	// Inline payloads may approach the inline limit; leave headroom for
	// the envelope and the base64 signature.
	var req wire.CompleteRequest
	if !decodeJSONLarge(w, r, wire.InlineResultLimit+(64<<10), &req) {
		return
	}
	if req.Signature == "" {
		ErrBadRequest(w, "signature is required")
		return
	}

	row, err := h.ingestor.Complete(r.Context(), jobID, agent, req)
	if err != nil {
		h.writeIngestError(w, agent, jobID.String(), err)
		return
	}
	Ok(w, wire.CompleteResponse{ResultGUID: row.ID.String()})
}

// writeIngestError maps ingest sentinels onto HTTP responses.
func (h *AgentAPIHandler) writeIngestError(w http.ResponseWriter, agent *db.Agent, jobGUID string, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, ingest.ErrNotOwner), errors.Is(err, ingest.ErrWrongState):
		ErrConflict(w, err.Error())
	case errors.Is(err, ingest.ErrSecretLost):
		errJSON(w, http.StatusConflict, "signing secret lost, job requeued", "secret_lost")
	case errors.Is(err, ingest.ErrBadSignature):
		ErrBadSignature(w)
	case errors.Is(err, ingest.ErrBadReference):
		ErrUnprocessable(w, err.Error())
	case errors.Is(err, ingest.ErrUploadNotFound), errors.Is(err, ingest.ErrUploadNotCommitted):
		ErrUnprocessable(w, err.Error())
	default:
		h.logger.Error("agent job call failed",
			zap.String("agent_id", agent.ID.String()),
			zap.String("job_id", jobGUID),
			zap.Error(err),
		)
		ErrInternal(w)
	}
}

// -----------------------------------------------------------------------------
// Chunked uploads & offline sync
// -----------------------------------------------------------------------------

// UploadStart handles POST /api/v1/agent/uploads.
func (h *AgentAPIHandler) UploadStart(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	var req wire.ChunkStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.ingestor.StartUpload(agent, req)
	if err != nil {
		if errors.Is(err, ingest.ErrUploadTooLarge) {
			ErrUnprocessable(w, err.Error())
			return
		}
		h.logger.Error("upload start failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, resp)
}

// UploadAppend handles POST /api/v1/agent/uploads/append. Chunks arrive
// base64-encoded inside JSON; 4 MB of payload fits comfortably under the
// 8 MB body limit.
func (h *AgentAPIHandler) UploadAppend(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	var req wire.ChunkAppendRequest
	if !decodeJSONLarge(w, r, 8<<20, &req) {
		return
	}

	resp, err := h.ingestor.AppendChunk(agent, req)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUploadNotFound):
			ErrNotFound(w)
		case errors.Is(err, ingest.ErrUploadSequence):
			ErrConflict(w, err.Error())
		case errors.Is(err, ingest.ErrUploadTooLarge):
			ErrUnprocessable(w, err.Error())
		default:
			h.logger.Error("upload append failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, resp)
}

// UploadCommit handles POST /api/v1/agent/uploads/commit.
func (h *AgentAPIHandler) UploadCommit(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	var req wire.ChunkCommitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.ingestor.CommitUpload(agent, req)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUploadNotFound):
			ErrNotFound(w)
		case errors.Is(err, ingest.ErrUploadChecksum):
			ErrUnprocessable(w, err.Error())
		default:
			h.logger.Error("upload commit failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, resp)
}

// OfflineUpload handles POST /api/v1/agent/results/upload — syncing a
// result spooled while the agent ran offline. There is no per-job
// signature; the API key is the trust anchor and the row is marked
// source=offline.
func (h *AgentAPIHandler) OfflineUpload(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	var req wire.OfflineUploadRequest
	if !decodeJSONLarge(w, r, wire.InlineResultLimit+(64<<10), &req) {
		return
	}

	row, err := h.ingestor.OfflineUpload(r.Context(), agent, req)
	if err != nil {
		h.writeIngestError(w, agent, "", err)
		return
	}
	Ok(w, wire.CompleteResponse{ResultGUID: row.ID.String()})
}

// -----------------------------------------------------------------------------
// Config & collection surface
// -----------------------------------------------------------------------------

// JobConfig handles GET /api/v1/agent/jobs/{guid}/config. The executor
// fetches this once per job: team tool config plus the job's collection,
// pipeline, and connector.
func (h *AgentAPIHandler) JobConfig(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())
	jobID, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	job, err := h.repos.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("job config fetch failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	if job.AssignedAgentID == nil || *job.AssignedAgentID != agent.ID {
		ErrConflict(w, "job is not assigned to this agent")
		return
	}

	cfg := wire.JobConfig{
		TeamConfig:      h.loadTeamConfig(r.Context(), job.TeamID),
		TeamGUID:        job.TeamID.String(),
		Mode:            job.Mode,
		PipelineVersion: job.PipelineVersion,
	}

	if job.CollectionID != nil {
		col, err := h.repos.Collections.GetByID(r.Context(), *job.CollectionID)
		if err != nil {
			h.logger.Error("job config collection fetch failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		cfg.CollectionGUID = col.ID.String()
		cfg.CollectionPath = col.Location
		cfg.CollectionType = types.CollectionType(col.Type)

		if col.ConnectorID != nil {
			spec, err := h.connectorSpec(r.Context(), *col.ConnectorID)
			if err != nil {
				h.logger.Error("job config connector fetch failed", zap.Error(err))
				ErrInternal(w)
				return
			}
			cfg.Connector = spec
		}
	}

	if job.PipelineID != nil {
		pipe, err := h.repos.Pipelines.GetByID(r.Context(), *job.PipelineID)
		if err != nil {
			h.logger.Error("job config pipeline fetch failed", zap.Error(err))
			ErrInternal(w)
			return
		}
		cfg.Pipeline = pipelineSpec(pipe)
	}

	Ok(w, cfg)
}

// TeamConfig handles GET /api/v1/agent/team/config — the snapshot agents
// cache locally for offline runs.
func (h *AgentAPIHandler) TeamConfig(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	resp := wire.TeamConfigResponse{
		TeamGUID: agent.TeamID.String(),
		Config:   h.loadTeamConfig(r.Context(), agent.TeamID),
	}

	pipe, err := h.repos.Pipelines.GetDefault(r.Context(), agent.TeamID)
	switch {
	case err == nil:
		resp.DefaultPipeline = pipelineSpec(pipe)
	case errors.Is(err, repositories.ErrNotFound):
		// No default pipeline configured; the snapshot ships without one.
	default:
		h.logger.Error("team config pipeline fetch failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, resp)
}

// BoundCollections handles GET /api/v1/agent/collections/bound.
func (h *AgentAPIHandler) BoundCollections(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	cols, err := h.repos.Collections.ListBoundToAgent(r.Context(), agent.ID)
	if err != nil {
		h.logger.Error("bound collections fetch failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := wire.BoundCollectionsResponse{
		Collections: make([]wire.CollectionRecord, len(cols)),
	}
	for i := range cols {
		resp.Collections[i] = collectionRecord(&cols[i])
	}
	Ok(w, resp)
}

// CamerasDiscover handles POST /api/v1/agent/cameras/discover. Unknown
// camera ids are persisted as temporary rows; at most 50 ids per call.
func (h *AgentAPIHandler) CamerasDiscover(w http.ResponseWriter, r *http.Request) {
	agent := agentFromCtx(r.Context())

	var req wire.CameraDiscoverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.CameraIDs) == 0 {
		ErrBadRequest(w, "camera_ids is required")
		return
	}
	if len(req.CameraIDs) > wire.MaxCameraDiscoverBatch {
		ErrUnprocessable(w, "at most 50 camera ids per call")
		return
	}

	ctx := r.Context()
	known, err := h.repos.Cameras.FindByCameraIDs(ctx, agent.TeamID, req.CameraIDs)
	if err != nil {
		h.logger.Error("camera lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	seen := make(map[string]*db.Camera, len(known))
	for i := range known {
		seen[known[i].CameraID] = &known[i]
	}

	resp := wire.CameraDiscoverResponse{Cameras: make([]wire.CameraRecord, 0, len(req.CameraIDs))}
	var touch []string
	for _, cameraID := range req.CameraIDs {
		if cameraID == "" {
			continue
		}
		cam, ok := seen[cameraID]
		if !ok {
			cam = &db.Camera{
				TeamID:   agent.TeamID,
				CameraID: cameraID,
				Status:   string(types.CameraStatusTemporary),
			}
			if err := h.repos.Cameras.Create(ctx, cam); err != nil {
				if !errors.Is(err, repositories.ErrConflict) {
					h.logger.Error("camera create failed", zap.Error(err))
					ErrInternal(w)
					return
				}
				// Raced with a concurrent discover; re-read the winner.
				rows, rerr := h.repos.Cameras.FindByCameraIDs(ctx, agent.TeamID, []string{cameraID})
				if rerr != nil || len(rows) == 0 {
					continue
				}
				cam = &rows[0]
			}
			seen[cameraID] = cam
		}
		touch = append(touch, cameraID)
		resp.Cameras = append(resp.Cameras, wire.CameraRecord{
			GUID:     cam.ID.String(),
			CameraID: cam.CameraID,
			Label:    cam.Label,
			Status:   types.CameraStatus(cam.Status),
		})
	}

	if len(touch) > 0 {
		if err := h.repos.Cameras.TouchLastSeen(ctx, agent.TeamID, touch, time.Now().UTC()); err != nil {
			h.logger.Warn("camera last-seen update failed", zap.Error(err))
		}
	}
	Ok(w, resp)
}

// -----------------------------------------------------------------------------
// Release download
// -----------------------------------------------------------------------------

// DownloadRelease handles GET /api/v1/agent/releases/{version}/{platform}.
// Streams the agent binary with its checksum in X-Checksum. Outdated
// agents may call this — it is how they stop being outdated.
func (h *AgentAPIHandler) DownloadRelease(w http.ResponseWriter, r *http.Request) {
	version := chi.URLParam(r, "version")
	platform := chi.URLParam(r, "platform")
	if version == "" || platform == "" {
		ErrBadRequest(w, "version and platform are required")
		return
	}

	artifact, err := h.repos.Releases.GetArtifact(r.Context(), version, platform)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("release lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	f, err := os.Open(artifact.StoragePath)
	if err != nil {
		h.logger.Error("release artifact unreadable",
			zap.String("path", artifact.StoragePath),
			zap.Error(err),
		)
		ErrInternal(w)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(artifact.Filename))
	w.Header().Set("X-Checksum", artifact.Checksum)
	if artifact.FileSize > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.FileSize, 10))
	}
	http.ServeContent(w, r, artifact.Filename, artifact.UpdatedAt, f)
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// jobDescriptor converts a job row to its wire form.
func jobDescriptor(job *db.Job) wire.JobDescriptor {
	d := wire.JobDescriptor{
		GUID:                 job.ID.String(),
		Tool:                 types.ToolName(job.Tool),
		Mode:                 job.Mode,
		Priority:             job.Priority,
		PipelineVersion:      job.PipelineVersion,
		RequiredCapabilities: db.DecodeStringList(job.RequiredCapabilities),
		RetryCount:           job.RetryCount,
		MaxRetries:           job.MaxRetries,
	}
	if job.CollectionID != nil {
		d.CollectionGUID = job.CollectionID.String()
	}
	if job.PipelineID != nil {
		d.PipelineGUID = job.PipelineID.String()
	}
	return d
}

// collectionRecord converts a collection row to its wire form.
func collectionRecord(col *db.Collection) wire.CollectionRecord {
	rec := wire.CollectionRecord{
		GUID:            col.ID.String(),
		Name:            col.Name,
		Type:            types.CollectionType(col.Type),
		Location:        col.Location,
		State:           types.CollectionState(col.State),
		PipelineVersion: col.PipelineVersion,
	}
	if col.ConnectorID != nil {
		rec.ConnectorGUID = col.ConnectorID.String()
	}
	if col.PipelineID != nil {
		rec.PipelineGUID = col.PipelineID.String()
	}
	return rec
}

// pipelineSpec converts a pipeline row to its wire form. Malformed stored
// JSON yields empty graphs rather than an error; validation happens at
// write time.
func pipelineSpec(pipe *db.Pipeline) *wire.PipelineSpec {
	spec := &wire.PipelineSpec{
		GUID:    pipe.ID.String(),
		Name:    pipe.Name,
		Version: pipe.Version,
	}
	_ = json.Unmarshal([]byte(pipe.Nodes), &spec.Nodes)
	_ = json.Unmarshal([]byte(pipe.Edges), &spec.Edges)
	return spec
}

// connectorSpec converts a connector row to its wire form, including
// decrypted credentials when the server holds them.
func (h *AgentAPIHandler) connectorSpec(ctx context.Context, connID uuid.UUID) (*wire.ConnectorSpec, error) {
	conn, err := h.repos.Connectors.GetByID(ctx, connID)
	if err != nil {
		return nil, err
	}

	spec := &wire.ConnectorSpec{
		GUID:               conn.ID.String(),
		Type:               types.ConnectorType(conn.Type),
		CredentialLocation: types.CredentialLocation(conn.CredentialLocation),
	}
	if conn.CredentialLocation == string(types.CredentialLocationServer) && conn.Credentials != "" {
		creds := map[string]string{}
		if err := json.Unmarshal([]byte(conn.Credentials), &creds); err == nil {
			spec.Credentials = creds
		}
	}
	if conn.InventoryConfig != "" && conn.InventoryConfig != "{}" {
		var inv wire.InventoryConfig
		if err := json.Unmarshal([]byte(conn.InventoryConfig), &inv); err == nil && inv.ManifestKey != "" {
			spec.InventoryConfig = &inv
		}
	}
	return spec, nil
}

// defaultTeamConfig applies when a team has no stored tool configuration.
var defaultTeamConfig = wire.TeamConfig{
	PhotoExtensions:    []string{".jpg", ".jpeg", ".raf", ".nef", ".cr3", ".arw", ".dng", ".tif", ".tiff"},
	MetadataExtensions: []string{".xmp"},
}

// loadTeamConfig assembles the tool-relevant slice of a team's
// configuration from the "tool_config" category, applying defaults for
// unset keys. Values are stored as JSON.
func (h *AgentAPIHandler) loadTeamConfig(ctx context.Context, teamID uuid.UUID) wire.TeamConfig {
	cfg := defaultTeamConfig

	rows, err := h.repos.Config.ListByCategory(ctx, teamID, "tool_config")
	if err != nil {
		if !errors.Is(err, repositories.ErrNotFound) {
			h.logger.Warn("team config load failed",
				zap.String("team_id", teamID.String()),
				zap.Error(err),
			)
		}
		return cfg
	}

	for _, row := range rows {
		switch row.Key {
		case "photo_extensions":
			_ = json.Unmarshal([]byte(row.Value), &cfg.PhotoExtensions)
		case "metadata_extensions":
			_ = json.Unmarshal([]byte(row.Value), &cfg.MetadataExtensions)
		case "camera_mappings":
			_ = json.Unmarshal([]byte(row.Value), &cfg.CameraMappings)
		case "processing_methods":
			_ = json.Unmarshal([]byte(row.Value), &cfg.ProcessingMethods)
		case "require_sidecar":
			_ = json.Unmarshal([]byte(row.Value), &cfg.RequireSidecar)
		}
	}
	return cfg
}
