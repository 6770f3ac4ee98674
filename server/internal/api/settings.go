package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/optimizer"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
)

// SettingsHandler serves team configuration: retention windows, tool
// config, and the storage savings counters.
type SettingsHandler struct {
	optimizer *optimizer.Optimizer
	repos     *repositories.Repositories
	logger    *zap.Logger
}

// NewSettingsHandler creates a SettingsHandler.
func NewSettingsHandler(opt *optimizer.Optimizer, repos *repositories.Repositories, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		optimizer: opt,
		repos:     repos,
		logger:    logger.Named("settings_handler"),
	}
}

type retentionResponse struct {
	JobCompletedDays      int `json:"job_completed_days"`
	JobFailedDays         int `json:"job_failed_days"`
	ResultCompletedDays   int `json:"result_completed_days"`
	PreservePerCollection int `json:"preserve_per_collection"`
}

// GetRetention handles GET /api/v1/settings/retention.
func (h *SettingsHandler) GetRetention(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	policy, err := h.optimizer.LoadPolicy(r.Context(), teamID)
	if err != nil {
		h.logger.Error("failed to load retention policy", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, retentionResponse(policy))
}

type retentionRequest struct {
	JobCompletedDays      *int `json:"job_completed_days"`
	JobFailedDays         *int `json:"job_failed_days"`
	ResultCompletedDays   *int `json:"result_completed_days"`
	PreservePerCollection *int `json:"preserve_per_collection"`
}

// UpdateRetention handles PUT /api/v1/settings/retention. Only the keys
// present in the body are written; zero disables a rule.
func (h *SettingsHandler) UpdateRetention(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	var req retentionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	writes := map[string]*int{
		"job_completed_days":      req.JobCompletedDays,
		"job_failed_days":         req.JobFailedDays,
		"result_completed_days":   req.ResultCompletedDays,
		"preserve_per_collection": req.PreservePerCollection,
	}
	for key, val := range writes {
		if val == nil {
			continue
		}
		if *val < 0 {
			ErrUnprocessable(w, key+" must not be negative")
			return
		}
		if err := h.repos.Config.Upsert(r.Context(), teamID, "result_retention", key, strconv.Itoa(*val)); err != nil {
			h.logger.Error("failed to store retention setting",
				zap.String("key", key),
				zap.Error(err),
			)
			ErrInternal(w)
			return
		}
	}

	policy, err := h.optimizer.LoadPolicy(r.Context(), teamID)
	if err != nil {
		ErrInternal(w)
		return
	}
	Ok(w, retentionResponse(policy))
}

type storageMetricsResponse struct {
	JobsDeleted    int64   `json:"jobs_deleted"`
	ResultsDeleted int64   `json:"results_deleted"`
	BytesFreed     int64   `json:"bytes_freed"`
	LastSweepAt    *string `json:"last_sweep_at"`
}

// GetStorageMetrics handles GET /api/v1/settings/storage-metrics.
func (h *SettingsHandler) GetStorageMetrics(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	row, err := h.repos.Metrics.Get(r.Context(), teamID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// No sweep has run yet for this team.
			Ok(w, storageMetricsResponse{})
			return
		}
		h.logger.Error("failed to load storage metrics", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, storageMetricsResponse{
		JobsDeleted:    row.JobsDeleted,
		ResultsDeleted: row.ResultsDeleted,
		BytesFreed:     row.BytesFreed,
		LastSweepAt:    formatTimePtr(row.LastSweepAt),
	})
}

type toolConfigRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// UpsertToolConfig handles PUT /api/v1/settings/tool-config. Values are
// JSON strings (arrays or objects) the agent-facing config endpoints
// parse.
func (h *SettingsHandler) UpsertToolConfig(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	var req toolConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Key {
	case "photo_extensions", "metadata_extensions", "camera_mappings",
		"processing_methods", "require_sidecar":
	default:
		ErrUnprocessable(w, "unknown tool config key: "+req.Key)
		return
	}

	if err := h.repos.Config.Upsert(r.Context(), teamID, "tool_config", req.Key, req.Value); err != nil {
		h.logger.Error("failed to store tool config", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, envelope{"key": req.Key, "value": req.Value})
}
