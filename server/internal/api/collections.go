package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// CollectionHandler serves collection and connector management.
type CollectionHandler struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewCollectionHandler creates a CollectionHandler.
func NewCollectionHandler(repos *repositories.Repositories, logger *zap.Logger) *CollectionHandler {
	return &CollectionHandler{
		repos:  repos,
		logger: logger.Named("collection_handler"),
	}
}

// -----------------------------------------------------------------------------
// Collections
// -----------------------------------------------------------------------------

type collectionResponse struct {
	GUID            string `json:"guid"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	Location        string `json:"location"`
	State           string `json:"state"`
	BoundAgentGUID  string `json:"bound_agent_guid,omitempty"`
	ConnectorGUID   string `json:"connector_guid,omitempty"`
	IsAccessible    *bool  `json:"is_accessible"`
	FileInfoDelta   string `json:"file_info_delta,omitempty"`
	PipelineGUID    string `json:"pipeline_guid,omitempty"`
	PipelineVersion int    `json:"pipeline_version,omitempty"`
	CreatedAt       string `json:"created_at"`
}

func collectionToResponse(c *db.Collection) collectionResponse {
	resp := collectionResponse{
		GUID:            c.ID.String(),
		Name:            c.Name,
		Type:            c.Type,
		Location:        c.Location,
		State:           c.State,
		IsAccessible:    c.IsAccessible,
		FileInfoDelta:   c.FileInfoDelta,
		PipelineVersion: c.PipelineVersion,
		CreatedAt:       c.CreatedAt.UTC().Format(timeFormat),
	}
	if c.BoundAgentID != nil {
		resp.BoundAgentGUID = c.BoundAgentID.String()
	}
	if c.ConnectorID != nil {
		resp.ConnectorGUID = c.ConnectorID.String()
	}
	if c.PipelineID != nil {
		resp.PipelineGUID = c.PipelineID.String()
	}
	return resp
}

type listCollectionsResponse struct {
	Items []collectionResponse `json:"items"`
	Total int64                `json:"total"`
}

type collectionRequest struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Location       string `json:"location"`
	State          string `json:"state"`
	BoundAgentGUID string `json:"bound_agent_guid"`
	ConnectorGUID  string `json:"connector_guid"`
	PipelineGUID   string `json:"pipeline_guid"`
}

// ListCollections handles GET /api/v1/collections.
func (h *CollectionHandler) ListCollections(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	cols, total, err := h.repos.Collections.List(r.Context(), teamID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list collections", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]collectionResponse, len(cols))
	for i := range cols {
		items[i] = collectionToResponse(&cols[i])
	}
	Ok(w, listCollectionsResponse{Items: items, Total: total})
}

// CreateCollection handles POST /api/v1/collections. Local collections
// must name a bound agent; remote ones a connector.
func (h *CollectionHandler) CreateCollection(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	var req collectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Location == "" {
		ErrBadRequest(w, "name and location are required")
		return
	}

	col := &db.Collection{
		TeamID:   teamID,
		Name:     req.Name,
		Type:     req.Type,
		Location: req.Location,
		State:    req.State,
	}
	if col.State == "" {
		col.State = string(types.CollectionStateLive)
	}

	switch types.CollectionType(col.Type) {
	case types.CollectionTypeLocal:
		if req.BoundAgentGUID == "" {
			ErrUnprocessable(w, "local collections require bound_agent_guid")
			return
		}
		id, err := uuid.Parse(req.BoundAgentGUID)
		if err != nil {
			ErrBadRequest(w, "invalid bound_agent_guid")
			return
		}
		col.BoundAgentID = &id
	case types.CollectionTypeS3, types.CollectionTypeGCS, types.CollectionTypeSMB:
		if req.ConnectorGUID == "" {
			ErrUnprocessable(w, "remote collections require connector_guid")
			return
		}
		id, err := uuid.Parse(req.ConnectorGUID)
		if err != nil {
			ErrBadRequest(w, "invalid connector_guid")
			return
		}
		col.ConnectorID = &id
	default:
		ErrUnprocessable(w, "unknown collection type: "+col.Type)
		return
	}

	if req.PipelineGUID != "" {
		id, err := uuid.Parse(req.PipelineGUID)
		if err != nil {
			ErrBadRequest(w, "invalid pipeline_guid")
			return
		}
		pipe, err := h.repos.Pipelines.GetByID(r.Context(), id)
		if err != nil {
			ErrUnprocessable(w, "pipeline not found")
			return
		}
		col.PipelineID = &pipe.ID
		col.PipelineVersion = pipe.Version
	}

	if err := h.repos.Collections.Create(r.Context(), col); err != nil {
		h.logger.Error("failed to create collection", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, collectionToResponse(col))
}

// GetCollection handles GET /api/v1/collections/{guid}.
func (h *CollectionHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	col, ok := h.ownedCollection(w, r)
	if !ok {
		return
	}
	Ok(w, collectionToResponse(col))
}

// UpdateCollection handles PATCH /api/v1/collections/{guid}. Type and
// location are immutable after creation; binding, state and pipeline may
// change.
func (h *CollectionHandler) UpdateCollection(w http.ResponseWriter, r *http.Request) {
	col, ok := h.ownedCollection(w, r)
	if !ok {
		return
	}

	var req collectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name != "" {
		col.Name = req.Name
	}
	if req.State != "" {
		col.State = req.State
	}
	if req.BoundAgentGUID != "" {
		id, err := uuid.Parse(req.BoundAgentGUID)
		if err != nil {
			ErrBadRequest(w, "invalid bound_agent_guid")
			return
		}
		col.BoundAgentID = &id
	}
	if req.PipelineGUID != "" {
		id, err := uuid.Parse(req.PipelineGUID)
		if err != nil {
			ErrBadRequest(w, "invalid pipeline_guid")
			return
		}
		pipe, err := h.repos.Pipelines.GetByID(r.Context(), id)
		if err != nil {
			ErrUnprocessable(w, "pipeline not found")
			return
		}
		col.PipelineID = &pipe.ID
		col.PipelineVersion = pipe.Version
	}

	if err := h.repos.Collections.Update(r.Context(), col); err != nil {
		h.logger.Error("failed to update collection", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, collectionToResponse(col))
}

// DeleteCollection handles DELETE /api/v1/collections/{guid}. Soft
// delete; results referencing the collection stay queryable.
func (h *CollectionHandler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	col, ok := h.ownedCollection(w, r)
	if !ok {
		return
	}
	if err := h.repos.Collections.Delete(r.Context(), col.ID); err != nil {
		h.logger.Error("failed to delete collection", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

func (h *CollectionHandler) ownedCollection(w http.ResponseWriter, r *http.Request) (*db.Collection, bool) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return nil, false
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return nil, false
	}

	col, err := h.repos.Collections.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to get collection", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	if col.TeamID != teamID {
		ErrNotFound(w)
		return nil, false
	}
	return col, true
}

// -----------------------------------------------------------------------------
// Connectors
// -----------------------------------------------------------------------------

type connectorResponse struct {
	GUID               string `json:"guid"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	CredentialLocation string `json:"credential_location"`
	ValidationStatus   string `json:"validation_status"`
	CreatedAt          string `json:"created_at"`
}

func connectorToResponse(c *db.Connector) connectorResponse {
	return connectorResponse{
		GUID:               c.ID.String(),
		Name:               c.Name,
		Type:               c.Type,
		CredentialLocation: c.CredentialLocation,
		ValidationStatus:   c.ValidationStatus,
		CreatedAt:          c.CreatedAt.UTC().Format(timeFormat),
	}
}

type connectorRequest struct {
	Name               string            `json:"name"`
	Type               string            `json:"type"`
	CredentialLocation string            `json:"credential_location"`
	Credentials        map[string]string `json:"credentials"`
	InventoryConfig    json.RawMessage   `json:"inventory_config"`
}

// ListConnectors handles GET /api/v1/connectors. Credentials never
// appear in responses.
func (h *CollectionHandler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	conns, total, err := h.repos.Connectors.List(r.Context(), teamID, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list connectors", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]connectorResponse, len(conns))
	for i := range conns {
		items[i] = connectorToResponse(&conns[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// CreateConnector handles POST /api/v1/connectors. Server-held
// credentials are encrypted at rest; agent-held connectors store none.
func (h *CollectionHandler) CreateConnector(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}

	var req connectorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	switch types.ConnectorType(req.Type) {
	case types.ConnectorTypeS3, types.ConnectorTypeGCS, types.ConnectorTypeSMB:
	default:
		ErrUnprocessable(w, "unknown connector type: "+req.Type)
		return
	}

	conn := &db.Connector{
		TeamID:             teamID,
		Name:               req.Name,
		Type:               req.Type,
		CredentialLocation: req.CredentialLocation,
	}
	if conn.CredentialLocation == "" {
		conn.CredentialLocation = string(types.CredentialLocationPending)
	}
	if conn.CredentialLocation == string(types.CredentialLocationServer) {
		if len(req.Credentials) == 0 {
			ErrUnprocessable(w, "server-held connectors require credentials")
			return
		}
		raw, err := json.Marshal(req.Credentials)
		if err != nil {
			ErrInternal(w)
			return
		}
		conn.Credentials = db.EncryptedString(raw)
	}
	if len(req.InventoryConfig) > 0 {
		conn.InventoryConfig = string(req.InventoryConfig)
	}

	if err := h.repos.Connectors.Create(r.Context(), conn); err != nil {
		h.logger.Error("failed to create connector", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, connectorToResponse(conn))
}

// DeleteConnector handles DELETE /api/v1/connectors/{guid}.
func (h *CollectionHandler) DeleteConnector(w http.ResponseWriter, r *http.Request) {
	teamID, ok := teamFromClaims(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	conn, err := h.repos.Connectors.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get connector", zap.Error(err))
		ErrInternal(w)
		return
	}
	if conn.TeamID != teamID {
		ErrNotFound(w)
		return
	}

	if err := h.repos.Connectors.Delete(r.Context(), id); err != nil {
		h.logger.Error("failed to delete connector", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
