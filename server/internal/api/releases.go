package api

import (
	"errors"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// checksumPattern matches a 64-hex-character SHA-256 digest.
var checksumPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ReleaseHandler serves release manifest management. Manifests gate
// which agent binaries may register and complete jobs, so writes are
// admin-only.
type ReleaseHandler struct {
	repos  *repositories.Repositories
	logger *zap.Logger
}

// NewReleaseHandler creates a ReleaseHandler.
func NewReleaseHandler(repos *repositories.Repositories, logger *zap.Logger) *ReleaseHandler {
	return &ReleaseHandler{
		repos:  repos,
		logger: logger.Named("release_handler"),
	}
}

type artifactResponse struct {
	Platform string `json:"platform"`
	Filename string `json:"filename"`
	Checksum string `json:"checksum"`
	FileSize int64  `json:"file_size"`
}

type manifestResponse struct {
	GUID      string `json:"guid"`
	Version   string `json:"version"`
	Active    bool   `json:"active"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at"`
}

func manifestToResponse(m *db.ReleaseManifest) manifestResponse {
	return manifestResponse{
		GUID:      m.ID.String(),
		Version:   m.Version,
		Active:    m.Active,
		Notes:     m.Notes,
		CreatedAt: m.CreatedAt.UTC().Format(timeFormat),
	}
}

type createManifestRequest struct {
	Version string `json:"version"`
	Notes   string `json:"notes"`
}

type addArtifactRequest struct {
	Platform    string `json:"platform"`
	Filename    string `json:"filename"`
	Checksum    string `json:"checksum"`
	FileSize    int64  `json:"file_size"`
	StoragePath string `json:"storage_path"`
}

// List handles GET /api/v1/releases.
func (h *ReleaseHandler) List(w http.ResponseWriter, r *http.Request) {
	manifests, total, err := h.repos.Releases.ListManifests(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list release manifests", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]manifestResponse, len(manifests))
	for i := range manifests {
		items[i] = manifestToResponse(&manifests[i])
	}
	Ok(w, envelope{"items": items, "total": total})
}

// Create handles POST /api/v1/releases. Manifests start inactive so all
// platform artifacts can be attached before any agent attests against
// the version.
func (h *ReleaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createManifestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Version == "" {
		ErrBadRequest(w, "version is required")
		return
	}

	m := &db.ReleaseManifest{Version: req.Version, Notes: req.Notes}
	if err := h.repos.Releases.CreateManifest(r.Context(), m); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "version already exists")
			return
		}
		h.logger.Error("failed to create release manifest", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, manifestToResponse(m))
}

// AddArtifact handles POST /api/v1/releases/{guid}/artifacts.
func (h *ReleaseHandler) AddArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "guid")
	if !ok {
		return
	}

	var req addArtifactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch types.Platform(req.Platform) {
	case types.PlatformLinux, types.PlatformDarwin, types.PlatformWindows:
	default:
		ErrUnprocessable(w, "unknown platform: "+req.Platform)
		return
	}
	if !checksumPattern.MatchString(req.Checksum) {
		ErrUnprocessable(w, "checksum must be 64 lowercase hex characters")
		return
	}
	if req.Filename == "" || req.StoragePath == "" {
		ErrBadRequest(w, "filename and storage_path are required")
		return
	}

	manifest, err := h.repos.Releases.GetManifestByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	artifact := &db.ReleaseArtifact{
		ManifestID:  manifest.ID,
		Platform:    req.Platform,
		Filename:    req.Filename,
		Checksum:    req.Checksum,
		FileSize:    req.FileSize,
		StoragePath: req.StoragePath,
	}
	if err := h.repos.Releases.CreateArtifact(r.Context(), artifact); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "artifact for this platform already exists")
			return
		}
		h.logger.Error("failed to add release artifact", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, artifactResponse{
		Platform: artifact.Platform,
		Filename: artifact.Filename,
		Checksum: artifact.Checksum,
		FileSize: artifact.FileSize,
	})
}

// SetActive handles POST /api/v1/releases/{guid}/activate and .../deactivate.
func (h *ReleaseHandler) SetActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseUUID(w, r, "guid")
		if !ok {
			return
		}

		if err := h.repos.Releases.SetManifestActive(r.Context(), id, active); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				ErrNotFound(w)
				return
			}
			h.logger.Error("failed to toggle release manifest", zap.Error(err))
			ErrInternal(w)
			return
		}

		m, err := h.repos.Releases.GetManifestByID(r.Context(), id)
		if err != nil {
			ErrInternal(w)
			return
		}
		Ok(w, manifestToResponse(m))
	}
}
