package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/registry"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
)

// FleetHandler serves the operator view of the agent fleet: listing,
// inspection, revocation, and registration token minting.
type FleetHandler struct {
	registry *registry.Service
	repos    *repositories.Repositories
	logger   *zap.Logger
}

// NewFleetHandler creates a FleetHandler.
func NewFleetHandler(reg *registry.Service, repos *repositories.Repositories, logger *zap.Logger) *FleetHandler {
	return &FleetHandler{
		registry: reg,
		repos:    repos,
		logger:   logger.Named("fleet_handler"),
	}
}

// agentResponse is the JSON representation of an agent. The API key is
// never included; only its display prefix.
type agentResponse struct {
	GUID             string   `json:"guid"`
	Name             string   `json:"name"`
	Hostname         string   `json:"hostname"`
	Platform         string   `json:"platform"`
	Version          string   `json:"version"`
	Status           string   `json:"status"`
	IsVerified       bool     `json:"is_verified"`
	IsOutdated       bool     `json:"is_outdated"`
	APIKeyPrefix     string   `json:"api_key_prefix"`
	Capabilities     []string `json:"capabilities"`
	AuthorizedRoots  []string `json:"authorized_roots"`
	LastHeartbeatAt  *string  `json:"last_heartbeat_at"`
	RevokedAt        *string  `json:"revoked_at,omitempty"`
	RevocationReason string   `json:"revocation_reason,omitempty"`
	CreatedAt        string   `json:"created_at"`
}

func agentToResponse(a *db.Agent) agentResponse {
	resp := agentResponse{
		GUID:             a.ID.String(),
		Name:             a.Name,
		Hostname:         a.Hostname,
		Platform:         a.Platform,
		Version:          a.Version,
		Status:           a.Status,
		IsVerified:       a.IsVerified,
		IsOutdated:       a.IsOutdated,
		APIKeyPrefix:     a.APIKeyPrefix,
		Capabilities:     db.DecodeStringList(a.Capabilities),
		AuthorizedRoots:  db.DecodeStringList(a.AuthorizedRoots),
		RevocationReason: a.RevocationReason,
		CreatedAt:        a.CreatedAt.UTC().Format(timeFormat),
	}
	if a.LastHeartbeatAt != nil {
		s := a.LastHeartbeatAt.UTC().Format(timeFormat)
		resp.LastHeartbeatAt = &s
	}
	if a.RevokedAt != nil {
		s := a.RevokedAt.UTC().Format(timeFormat)
		resp.RevokedAt = &s
	}
	return resp
}

type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /api/v1/agents.
func (h *FleetHandler) List(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	agents, total, err := h.repos.Agents.List(r.Context(), teamID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}
	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/agents/{guid}.
func (h *FleetHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	agent, err := h.repos.Agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent", zap.Error(err))
		ErrInternal(w)
		return
	}
	if agent.TeamID != teamID {
		ErrNotFound(w)
		return
	}
	Ok(w, agentToResponse(agent))
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// Revoke handles POST /api/v1/agents/{guid}/revoke. Revocation is
// terminal; the agent's next call gets the dedicated 403.
func (h *FleetHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	var req revokeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent, err := h.repos.Agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get agent", zap.Error(err))
		ErrInternal(w)
		return
	}
	if agent.TeamID != teamID {
		ErrNotFound(w)
		return
	}

	revoked, err := h.registry.Revoke(r.Context(), id, req.Reason)
	if err != nil {
		h.logger.Error("failed to revoke agent", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, agentToResponse(revoked))
}

type mintTokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// MintToken handles POST /api/v1/agents/tokens. The raw token appears in
// this response and nowhere else.
func (h *FleetHandler) MintToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	userID, err := parseUUIDString(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	token, row, err := h.registry.MintToken(r.Context(), teamID, userID)
	if err != nil {
		h.logger.Error("failed to mint registration token", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, mintTokenResponse{
		Token:     token,
		ExpiresAt: row.ExpiresAt.UTC().Format(timeFormat),
	})
}
