package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/wire"
)

// PipelineHandler serves pipeline and camera management.
type PipelineHandler struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewPipelineHandler creates a PipelineHandler.
func NewPipelineHandler(repos *repositories.Repositories, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{
		repos:  repos,
		logger: logger.Named("pipeline_handler"),
	}
}

// -----------------------------------------------------------------------------
// Pipelines
// -----------------------------------------------------------------------------

type pipelineResponse struct {
	GUID      string              `json:"guid"`
	Name      string              `json:"name"`
	Version   int                 `json:"version"`
	Nodes     []wire.PipelineNode `json:"nodes"`
	Edges     []wire.PipelineEdge `json:"edges"`
	IsActive  bool                `json:"is_active"`
	IsDefault bool                `json:"is_default"`
	IsValid   bool                `json:"is_valid"`
	CreatedAt string              `json:"created_at"`
}

func pipelineToResponse(p *db.Pipeline) pipelineResponse {
	resp := pipelineResponse{
		GUID:      p.ID.String(),
		Name:      p.Name,
		Version:   p.Version,
		IsActive:  p.IsActive,
		IsDefault: p.IsDefault,
		IsValid:   p.IsValid,
		CreatedAt: p.CreatedAt.UTC().Format(timeFormat),
	}
	_ = json.Unmarshal([]byte(p.Nodes), &resp.Nodes)
	_ = json.Unmarshal([]byte(p.Edges), &resp.Edges)
	return resp
}

type pipelineRequest struct {
	Name      string              `json:"name"`
	Nodes     []wire.PipelineNode `json:"nodes"`
	Edges     []wire.PipelineEdge `json:"edges"`
	IsDefault *bool               `json:"is_default"`
}

// validatePipelineGraph checks structural sanity: unique node ids and
// edges that reference declared nodes.
func validatePipelineGraph(nodes []wire.PipelineNode, edges []wire.PipelineEdge) error {
	ids := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return errors.New("node id must not be empty")
		}
		if _, dup := ids[n.ID]; dup {
			return errors.New("duplicate node id: " + n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	for _, e := range edges {
		if _, ok := ids[e.From]; !ok {
			return errors.New("edge references unknown node: " + e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return errors.New("edge references unknown node: " + e.To)
		}
	}
	return nil
}

// ListPipelines handles GET /api/v1/pipelines.
func (h *PipelineHandler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	pipes, total, err := h.repos.Pipelines.List(r.Context(), teamID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list pipelines", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]pipelineResponse, len(pipes))
	for i := range pipes {
		items[i] = pipelineToResponse(&pipes[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// CreatePipeline handles POST /api/v1/pipelines.
func (h *PipelineHandler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	var req pipelineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if err := validatePipelineGraph(req.Nodes, req.Edges); err != nil {
		ErrUnprocessable(w, err.Error())
		return
	}

	nodes, _ := json.Marshal(req.Nodes)
	edges, _ := json.Marshal(req.Edges)
	pipe := &db.Pipeline{
		TeamID:    teamID,
		Name:      req.Name,
		Version:   1,
		Nodes:     string(nodes),
		Edges:     string(edges),
		IsActive:  true,
		IsValid:   true,
		IsDefault: req.IsDefault != nil && *req.IsDefault,
	}
	if err := h.repos.Pipelines.Create(r.Context(), pipe); err != nil {
		h.logger.Error("failed to create pipeline", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, pipelineToResponse(pipe))
}

// UpdatePipeline handles PATCH /api/v1/pipelines/{guid}. A graph change
// bumps the version; jobs and collections pin the version they were
// created against.
func (h *PipelineHandler) UpdatePipeline(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	pipe, err := h.repos.Pipelines.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get pipeline", zap.Error(err))
		ErrInternal(w)
		return
	}
	if pipe.TeamID != teamID {
		ErrNotFound(w)
		return
	}

	var req pipelineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != "" {
		pipe.Name = req.Name
	}
	if req.Nodes != nil || req.Edges != nil {
		if err := validatePipelineGraph(req.Nodes, req.Edges); err != nil {
			ErrUnprocessable(w, err.Error())
			return
		}
		nodes, _ := json.Marshal(req.Nodes)
		edges, _ := json.Marshal(req.Edges)
		pipe.Nodes = string(nodes)
		pipe.Edges = string(edges)
		pipe.Version++
	}
	if req.IsDefault != nil {
		pipe.IsDefault = *req.IsDefault
	}

	if err := h.repos.Pipelines.Update(r.Context(), pipe); err != nil {
		h.logger.Error("failed to update pipeline", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, pipelineToResponse(pipe))
}

// DeletePipeline handles DELETE /api/v1/pipelines/{guid}.
func (h *PipelineHandler) DeletePipeline(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	pipe, err := h.repos.Pipelines.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if pipe.TeamID != teamID {
		ErrNotFound(w)
		return
	}

	if err := h.repos.Pipelines.Delete(r.Context(), id); err != nil {
		h.logger.Error("failed to delete pipeline", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// -----------------------------------------------------------------------------
// Cameras
// -----------------------------------------------------------------------------

type cameraResponse struct {
	GUID       string  `json:"guid"`
	CameraID   string  `json:"camera_id"`
	Label      string  `json:"label"`
	Status     string  `json:"status"`
	LastSeenAt *string `json:"last_seen_at"`
	CreatedAt  string  `json:"created_at"`
}

func cameraToResponse(c *db.Camera) cameraResponse {
	resp := cameraResponse{
		GUID:      c.ID.String(),
		CameraID:  c.CameraID,
		Label:     c.Label,
		Status:    c.Status,
		CreatedAt: c.CreatedAt.UTC().Format(timeFormat),
	}
	if c.LastSeenAt != nil {
		s := c.LastSeenAt.UTC().Format(timeFormat)
		resp.LastSeenAt = &s
	}
	return resp
}

type cameraRequest struct {
	CameraID string `json:"camera_id"`
	Label    string `json:"label"`
}

// ListCameras handles GET /api/v1/cameras.
func (h *PipelineHandler) ListCameras(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	cams, total, err := h.repos.Cameras.List(r.Context(), teamID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list cameras", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]cameraResponse, len(cams))
	for i := range cams {
		items[i] = cameraToResponse(&cams[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// CreateCamera handles POST /api/v1/cameras. Operator-created cameras
// are confirmed immediately.
func (h *PipelineHandler) CreateCamera(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	var req cameraRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CameraID == "" {
		ErrBadRequest(w, "camera_id is required")
		return
	}

	cam := &db.Camera{
		TeamID:   teamID,
		CameraID: req.CameraID,
		Label:    req.Label,
		Status:   string(types.CameraStatusConfirmed),
	}
	if err := h.repos.Cameras.Create(r.Context(), cam); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "camera id already exists")
			return
		}
		h.logger.Error("failed to create camera", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, cameraToResponse(cam))
}

// ConfirmCamera handles POST /api/v1/cameras/{guid}/confirm, promoting a
// temporary camera discovered by photostats.
func (h *PipelineHandler) ConfirmCamera(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	var req cameraRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	cam, err := h.repos.Cameras.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if cam.TeamID != teamID {
		ErrNotFound(w)
		return
	}

	cam.Status = string(types.CameraStatusConfirmed)
	if req.Label != "" {
		cam.Label = req.Label
	}
	if err := h.repos.Cameras.Update(r.Context(), cam); err != nil {
		h.logger.Error("failed to confirm camera", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, cameraToResponse(cam))
}

// DeleteCamera handles DELETE /api/v1/cameras/{guid}.
func (h *PipelineHandler) DeleteCamera(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	cam, err := h.repos.Cameras.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if cam.TeamID != teamID {
		ErrNotFound(w)
		return
	}

	if err := h.repos.Cameras.Delete(r.Context(), id); err != nil {
		h.logger.Error("failed to delete camera", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
