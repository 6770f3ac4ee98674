package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
)

// AuthHandler serves operator login and identity endpoints.
type AuthHandler struct {
	service *auth.Service
	users   repositories.UserRepository
	logger  *zap.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(service *auth.Service, users repositories.UserRepository, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		service: service,
		users:   users,
		logger:  logger.Named("auth_handler"),
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	UserGUID  string `json:"user_guid"`
	TeamGUID  string `json:"team_guid"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		ErrBadRequest(w, "email and password are required")
		return
	}

	session, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserDisabled):
			ErrUnauthorized(w)
		default:
			h.logger.Error("login failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	Ok(w, loginResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt.UTC().Format(timeFormat),
		UserGUID:  session.User.ID.String(),
		TeamGUID:  session.User.TeamID.String(),
		Email:     session.User.Email,
		Role:      session.User.Role,
	})
}

type meResponse struct {
	UserGUID    string `json:"user_guid"`
	TeamGUID    string `json:"team_guid"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Me handles GET /api/v1/auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	id, err := parseUUIDString(claims.UserID)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("failed to load current user", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, meResponse{
		UserGUID:    user.ID.String(),
		TeamGUID:    user.TeamID.String(),
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	})
}
