package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/schedule"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// ScheduleHandler serves recurring-run management.
type ScheduleHandler struct {
	service *schedule.Service
	repos   *repositories.Repositories
	logger  *zap.Logger
}

// NewScheduleHandler creates a ScheduleHandler.
func NewScheduleHandler(service *schedule.Service, repos *repositories.Repositories, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		service: service,
		repos:   repos,
		logger:  logger.Named("schedule_handler"),
	}
}

type scheduleResponse struct {
	GUID           string  `json:"guid"`
	CollectionGUID string  `json:"collection_guid"`
	Tool           string  `json:"tool"`
	CronExpr       string  `json:"cron_expr"`
	Priority       int     `json:"priority"`
	Enabled        bool    `json:"enabled"`
	LastRunAt      *string `json:"last_run_at"`
	NextRunAt      *string `json:"next_run_at"`
	CreatedAt      string  `json:"created_at"`
}

func scheduleToResponse(s *db.Schedule) scheduleResponse {
	resp := scheduleResponse{
		GUID:           s.ID.String(),
		CollectionGUID: s.CollectionID.String(),
		Tool:           s.Tool,
		CronExpr:       s.CronExpr,
		Priority:       s.Priority,
		Enabled:        s.Enabled,
		CreatedAt:      s.CreatedAt.UTC().Format(timeFormat),
	}
	resp.LastRunAt = formatTimePtr(s.LastRunAt)
	resp.NextRunAt = formatTimePtr(s.NextRunAt)
	return resp
}

type scheduleRequest struct {
	CollectionGUID string `json:"collection_guid"`
	Tool           string `json:"tool"`
	CronExpr       string `json:"cron_expr"`
	Priority       int    `json:"priority"`
	Enabled        *bool  `json:"enabled"`
}

// List handles GET /api/v1/schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	rows, total, err := h.repos.Schedules.List(r.Context(), teamID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list schedules", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]scheduleResponse, len(rows))
	for i := range rows {
		items[i] = scheduleToResponse(&rows[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// Create handles POST /api/v1/schedules.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !types.ToolName(req.Tool).Valid() {
		ErrUnprocessable(w, "unknown tool: "+req.Tool)
		return
	}
	collectionID, err := uuid.Parse(req.CollectionGUID)
	if err != nil {
		ErrBadRequest(w, "invalid collection_guid")
		return
	}
	col, err := h.repos.Collections.GetByID(r.Context(), collectionID)
	if err != nil || col.TeamID != teamID {
		ErrUnprocessable(w, "collection not found")
		return
	}

	row := &db.Schedule{
		TeamID:       teamID,
		CollectionID: collectionID,
		Tool:         req.Tool,
		CronExpr:     req.CronExpr,
		Priority:     req.Priority,
		Enabled:      req.Enabled == nil || *req.Enabled,
	}
	if err := h.service.Create(r.Context(), row); err != nil {
		if errors.Is(err, schedule.ErrBadCronExpr) {
			ErrUnprocessable(w, err.Error())
			return
		}
		h.logger.Error("failed to create schedule", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, scheduleToResponse(row))
}

// Update handles PATCH /api/v1/schedules/{guid}.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	row, err := h.repos.Schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if row.TeamID != teamID {
		ErrNotFound(w)
		return
	}

	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CronExpr != "" {
		row.CronExpr = req.CronExpr
	}
	if req.Priority != 0 {
		row.Priority = req.Priority
	}
	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}

	if err := h.service.Update(r.Context(), row); err != nil {
		if errors.Is(err, schedule.ErrBadCronExpr) {
			ErrUnprocessable(w, err.Error())
			return
		}
		h.logger.Error("failed to update schedule", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, scheduleToResponse(row))
}

// Delete handles DELETE /api/v1/schedules/{guid}.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	row, err := h.repos.Schedules.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if row.TeamID != teamID {
		ErrNotFound(w)
		return
	}

	if err := h.repos.Schedules.Delete(r.Context(), id); err != nil {
		h.logger.Error("failed to delete schedule", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
