package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/db"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/metrics"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/registry"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyUser holds the authenticated operator's *auth.Claims.
	contextKeyUser contextKey = iota

	// contextKeyAgent holds the authenticated *db.Agent on agent routes.
	contextKeyAgent
)

// Authenticate validates the JWT Bearer token in the Authorization header
// and stores the parsed claims in the request context for claimsFromCtx.
// On failure it writes a 401 and stops the chain.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				ErrUnauthorized(w)
				return
			}

			claims, err := authService.Validate(token)
			if err != nil {
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyUser, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateAgent validates the per-agent API key in the Authorization
// header and stores the agent row in the request context. Revoked agents
// get the dedicated 403 so they can self-disable; unknown keys get 401.
func AuthenticateAgent(reg *registry.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := bearerToken(r)
			if !ok {
				ErrUnauthorized(w)
				return
			}

			agent, err := reg.AuthenticateKey(r.Context(), key)
			if err != nil {
				if errors.Is(err, registry.ErrKeyInvalid) {
					ErrUnauthorized(w)
					return
				}
				ErrInternal(w)
				return
			}
			if agent.Status == string(types.AgentStatusRevoked) {
				ErrAgentRevoked(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyAgent, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole allows the request to proceed only if the authenticated
// operator has the given role. Must run after Authenticate.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromCtx(r.Context())
			if claims == nil {
				ErrUnauthorized(w)
				return
			}
			if claims.Role != role {
				ErrForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger logs each request with method, path, status and latency,
// and feeds the request duration histogram. Chi's middleware.RequestID is
// expected to run before it.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			metrics.RequestDuration.
				WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
				Observe(elapsed.Seconds())

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// bearerToken extracts the credential from "Authorization: Bearer <x>".
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// claimsFromCtx retrieves the JWT claims stored by Authenticate. Returns
// nil if the request is unauthenticated.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyUser).(*auth.Claims)
	return claims
}

// agentFromCtx retrieves the agent stored by AuthenticateAgent.
func agentFromCtx(ctx context.Context) *db.Agent {
	agent, _ := ctx.Value(contextKeyAgent).(*db.Agent)
	return agent
}
