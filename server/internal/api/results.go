package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
)

// ResultHandler serves the operator view of analysis results.
type ResultHandler struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewResultHandler creates a ResultHandler.
func NewResultHandler(repos *repositories.Repositories, logger *zap.Logger) *ResultHandler {
	return &ResultHandler{
		repos:  repos,
		logger: logger.Named("result_handler"),
	}
}

type resultResponse struct {
	GUID                   string  `json:"guid"`
	JobGUID                string  `json:"job_guid,omitempty"`
	AgentGUID              string  `json:"agent_guid,omitempty"`
	CollectionGUID         string  `json:"collection_guid,omitempty"`
	PipelineGUID           string  `json:"pipeline_guid,omitempty"`
	PipelineVersion        int     `json:"pipeline_version,omitempty"`
	Tool                   string  `json:"tool"`
	Status                 string  `json:"status"`
	Source                 string  `json:"source"`
	StartedAt              string  `json:"started_at"`
	CompletedAt            string  `json:"completed_at"`
	DurationSeconds        float64 `json:"duration_seconds"`
	ResultsJSON            string  `json:"results_json,omitempty"`
	HasReport              bool    `json:"has_report"`
	InputStateHash         string  `json:"input_state_hash,omitempty"`
	NoChangeCopy           bool    `json:"no_change_copy,omitempty"`
	DownloadReportFromGUID string  `json:"download_report_from_guid,omitempty"`
	ErrorMessage           string  `json:"error_message,omitempty"`
	AgentVersion           string  `json:"agent_version,omitempty"`
}

func resultToResponse(res *db.AnalysisResult, includeBody bool) resultResponse {
	resp := resultResponse{
		GUID:            res.ID.String(),
		Tool:            res.Tool,
		Status:          res.Status,
		Source:          res.Source,
		StartedAt:       res.StartedAt.UTC().Format(timeFormat),
		CompletedAt:     res.CompletedAt.UTC().Format(timeFormat),
		DurationSeconds: res.DurationSeconds,
		HasReport:       res.ReportHTML != "" || res.DownloadReportFromID != nil,
		InputStateHash:  res.InputStateHash,
		NoChangeCopy:    res.NoChangeCopy,
		ErrorMessage:    res.ErrorMessage,
		AgentVersion:    res.AgentVersion,
		PipelineVersion: res.PipelineVersion,
	}
	if includeBody {
		resp.ResultsJSON = res.ResultsJSON
	}
	if res.JobID != nil {
		resp.JobGUID = res.JobID.String()
	}
	if res.AgentID != nil {
		resp.AgentGUID = res.AgentID.String()
	}
	if res.CollectionID != nil {
		resp.CollectionGUID = res.CollectionID.String()
	}
	if res.PipelineID != nil {
		resp.PipelineGUID = res.PipelineID.String()
	}
	if res.DownloadReportFromID != nil {
		resp.DownloadReportFromGUID = res.DownloadReportFromID.String()
	}
	return resp
}

// List handles GET /api/v1/results with optional status, tool and
// collection_guid filters. Result bodies are omitted from lists.
func (h *ResultHandler) List(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	filter := repositories.ResultFilter{
		Status: r.URL.Query().Get("status"),
		Tool:   r.URL.Query().Get("tool"),
	}
	if v := r.URL.Query().Get("collection_guid"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			ErrBadRequest(w, "invalid collection_guid")
			return
		}
		filter.CollectionID = &id
	}

	results, total, err := h.repos.Results.List(r.Context(), teamID, filter, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list results", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]resultResponse, len(results))
	for i := range results {
		items[i] = resultToResponse(&results[i], false)
	}
	Ok(w, envelope{"items": items, "total": total})
}

// GetByID handles GET /api/v1/results/{guid}, including the result body.
func (h *ResultHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	res, ok := h.ownedResult(w, r)
	if !ok {
		return
	}
	Ok(w, resultToResponse(res, true))
}

// GetReport handles GET /api/v1/results/{guid}/report. NO_CHANGE copies
// carry no report of their own — the handler follows the reference to
// the chain head transparently.
func (h *ResultHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	res, ok := h.ownedResult(w, r)
	if !ok {
		return
	}

	if res.ReportHTML == "" && res.DownloadReportFromID != nil {
		head, err := h.repos.Results.GetByID(r.Context(), *res.DownloadReportFromID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				// The chain head aged out despite the reference guard;
				// nothing to serve.
				ErrNotFound(w)
				return
			}
			h.logger.Error("failed to follow report reference", zap.Error(err))
			ErrInternal(w)
			return
		}
		res = head
	}
	if res.ReportHTML == "" {
		ErrNotFound(w)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if res.ReportSHA256 != "" {
		w.Header().Set("X-Checksum", res.ReportSHA256)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.ReportHTML))
}

func (h *ResultHandler) ownedResult(w http.ResponseWriter, r *http.Request) (*db.AnalysisResult, bool) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return nil, false
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return nil, false
	}

	res, err := h.repos.Results.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to get result", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if res.TeamID != teamID {
		ErrNotFound(w)
		return nil, false
	}
	return res, true
}
