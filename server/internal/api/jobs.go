package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/dispatch"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// JobHandler serves the operator job surface: enqueueing, listing and
// cancellation. Execution state changes come exclusively from agents
// through the agent API.
type JobHandler struct {
	dispatcher *dispatch.Dispatcher
	repos      *repositories.Repositories
	logger     *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(dispatcher *dispatch.Dispatcher, repos *repositories.Repositories, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		dispatcher: dispatcher,
		repos:      repos,
		logger:     logger.Named("job_handler"),
	}
}

// jobResponse is the JSON representation of a job.
type jobResponse struct {
	GUID                 string   `json:"guid"`
	Tool                 string   `json:"tool"`
	Mode                 string   `json:"mode,omitempty"`
	CollectionGUID       string   `json:"collection_guid,omitempty"`
	PipelineGUID         string   `json:"pipeline_guid,omitempty"`
	Status               string   `json:"status"`
	Priority             int      `json:"priority"`
	Origin               string   `json:"origin"`
	BoundAgentGUID       string   `json:"bound_agent_guid,omitempty"`
	AssignedAgentGUID    string   `json:"assigned_agent_guid,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities"`
	RetryCount           int      `json:"retry_count"`
	MaxRetries           int      `json:"max_retries"`
	Progress             string   `json:"progress,omitempty"`
	ResultGUID           string   `json:"result_guid,omitempty"`
	ScheduledFor         *string  `json:"scheduled_for,omitempty"`
	AssignedAt           *string  `json:"assigned_at,omitempty"`
	StartedAt            *string  `json:"started_at,omitempty"`
	CompletedAt          *string  `json:"completed_at,omitempty"`
	CreatedAt            string   `json:"created_at"`
}

func jobToResponse(j *db.Job) jobResponse {
	resp := jobResponse{
		GUID:                 j.ID.String(),
		Tool:                 j.Tool,
		Mode:                 j.Mode,
		Status:               j.Status,
		Priority:             j.Priority,
		Origin:               j.Origin,
		RequiredCapabilities: db.DecodeStringList(j.RequiredCapabilities),
		RetryCount:           j.RetryCount,
		MaxRetries:           j.MaxRetries,
		Progress:             j.Progress,
		CreatedAt:            j.CreatedAt.UTC().Format(timeFormat),
	}
	if j.CollectionID != nil {
		resp.CollectionGUID = j.CollectionID.String()
	}
	if j.PipelineID != nil {
		resp.PipelineGUID = j.PipelineID.String()
	}
	if j.BoundAgentID != nil {
		resp.BoundAgentGUID = j.BoundAgentID.String()
	}
	if j.AssignedAgentID != nil {
		resp.AssignedAgentGUID = j.AssignedAgentID.String()
	}
	if j.ResultID != nil {
		resp.ResultGUID = j.ResultID.String()
	}
	resp.ScheduledFor = formatTimePtr(j.ScheduledFor)
	resp.AssignedAt = formatTimePtr(j.AssignedAt)
	resp.StartedAt = formatTimePtr(j.StartedAt)
	resp.CompletedAt = formatTimePtr(j.CompletedAt)
	return resp
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeFormat)
	return &s
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

type createJobRequest struct {
	Tool           string  `json:"tool"`
	Mode           string  `json:"mode"`
	CollectionGUID string  `json:"collection_guid"`
	PipelineGUID   string  `json:"pipeline_guid"`
	Priority       int     `json:"priority"`
	MaxRetries     int     `json:"max_retries"`
	ScheduledFor   *string `json:"scheduled_for"`
}

// Create handles POST /api/v1/jobs.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tool := types.ToolName(req.Tool)
	if !tool.Valid() {
		ErrUnprocessable(w, "unknown tool: "+req.Tool)
		return
	}

	enq := dispatch.EnqueueRequest{
		TeamID:     teamID,
		Tool:       tool,
		Mode:       req.Mode,
		Priority:   req.Priority,
		Origin:     types.JobTriggerManual,
		MaxRetries: req.MaxRetries,
	}
	if req.CollectionGUID != "" {
		id, err := uuid.Parse(req.CollectionGUID)
		if err != nil {
			ErrBadRequest(w, "invalid collection_guid")
			return
		}
		enq.CollectionID = &id
	}
	if req.PipelineGUID != "" {
		id, err := uuid.Parse(req.PipelineGUID)
		if err != nil {
			ErrBadRequest(w, "invalid pipeline_guid")
			return
		}
		enq.PipelineID = &id
	}
	if req.ScheduledFor != nil {
		at, err := time.Parse(timeFormat, *req.ScheduledFor)
		if err != nil {
			ErrBadRequest(w, "invalid scheduled_for: must be RFC 3339")
			return
		}
		enq.ScheduledFor = &at
	}

	job, err := h.dispatcher.Enqueue(r.Context(), enq)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, dispatch.ErrScheduledExists):
			ErrConflict(w, err.Error())
		default:
			h.logger.Error("failed to enqueue job", zap.Error(err))
			ErrUnprocessable(w, "job could not be enqueued")
		}
		return
	}
	Created(w, jobToResponse(job))
}

// List handles GET /api/v1/jobs with optional status, collection_guid
// and agent_guid filters.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	filter := repositories.JobFilter{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("collection_guid"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			ErrBadRequest(w, "invalid collection_guid")
			return
		}
		filter.CollectionID = &id
	}
	if v := r.URL.Query().Get("agent_guid"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			ErrBadRequest(w, "invalid agent_guid")
			return
		}
		filter.AgentID = &id
	}

	jobs, total, err := h.repos.Jobs.List(r.Context(), teamID, filter, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/jobs/{guid}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	job, err := h.repos.Jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.Error(err))
		ErrInternal(w)
		return
	}
	if job.TeamID != teamID {
		ErrNotFound(w)
		return
	}
	Ok(w, jobToResponse(job))
}

// Cancel handles POST /api/v1/jobs/{guid}/cancel. Terminal jobs are a
// no-op; in-flight jobs finalize when the agent posts its CANCELLED
// completion.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	job, err := h.repos.Jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.Error(err))
		ErrInternal(w)
		return
	}
	if job.TeamID != teamID {
		ErrNotFound(w)
		return
	}

	cancelled, err := h.dispatcher.Cancel(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to cancel job", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(cancelled))
}
