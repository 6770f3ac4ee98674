package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/dispatch"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/events"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/ingest"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/metrics"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/optimizer"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/registry"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense-sub005/server/internal/schedule"
	"github.com/fabrice-guiot/shuttersense-sub005/shared/types"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized.
type RouterConfig struct {
	AuthService *auth.Service
	Registry    *registry.Service
	Dispatcher  *dispatch.Dispatcher
	Ingestor    *ingest.Ingestor
	Optimizer   *optimizer.Optimizer
	Schedules   *schedule.Service
	Hub         *events.Hub
	Repos       *repositories.Repositories
	Logger      *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. The
// operator REST API and the agent API both live under /api/v1; /healthz
// and /metrics are unauthenticated.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or
	// X-Real-IP headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.AuthService, cfg.Repos.Users, cfg.Logger)
	agentAPI := NewAgentAPIHandler(cfg.Registry, cfg.Dispatcher, cfg.Ingestor, cfg.Repos, cfg.Logger)
	fleetHandler := NewFleetHandler(cfg.Registry, cfg.Repos, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Dispatcher, cfg.Repos, cfg.Logger)
	collectionHandler := NewCollectionHandler(cfg.Repos, cfg.Logger)
	pipelineHandler := NewPipelineHandler(cfg.Repos, cfg.Logger)
	scheduleHandler := NewScheduleHandler(cfg.Schedules, cfg.Repos, cfg.Logger)
	resultHandler := NewResultHandler(cfg.Repos, cfg.Logger)
	releaseHandler := NewReleaseHandler(cfg.Repos, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Optimizer, cfg.Repos, cfg.Logger)
	eventsHandler := NewEventsHandler(cfg.Hub, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, envelope{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes ---
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/agent/register", agentAPI.Register)
			// Unauthenticated so a revoked or half-updated agent can still
			// fetch the binary it needs to recover; artifacts are public
			// builds, integrity comes from the checksum.
			r.Get("/agent/releases/{version}/{platform}", agentAPI.DownloadRelease)
		})

		// --- Agent API (per-agent API key) ---
		r.Group(func(r chi.Router) {
			r.Use(AuthenticateAgent(cfg.Registry))

			r.Post("/agent/heartbeat", agentAPI.Heartbeat)
			r.Post("/agent/jobs/claim", agentAPI.Claim)
			r.Get("/agent/jobs/{guid}/config", agentAPI.JobConfig)
			r.Post("/agent/jobs/{guid}/progress", agentAPI.Progress)
			r.Post("/agent/jobs/{guid}/input-state", agentAPI.InputState)
			r.Post("/agent/jobs/{guid}/complete", agentAPI.Complete)

			r.Post("/agent/uploads", agentAPI.UploadStart)
			r.Post("/agent/uploads/append", agentAPI.UploadAppend)
			r.Post("/agent/uploads/commit", agentAPI.UploadCommit)
			r.Post("/agent/results/upload", agentAPI.OfflineUpload)

			r.Get("/agent/team/config", agentAPI.TeamConfig)
			r.Get("/agent/collections/bound", agentAPI.BoundCollections)
			r.Post("/agent/cameras/discover", agentAPI.CamerasDiscover)
		})

		// --- Operator API (JWT) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.AuthService))

			r.Get("/auth/me", authHandler.Me)
			r.Get("/events", eventsHandler.Subscribe)

			// Fleet
			r.Get("/agents", fleetHandler.List)
			r.Get("/agents/{guid}", fleetHandler.GetByID)
			r.Post("/agents/{guid}/revoke", fleetHandler.Revoke)
			r.Post("/agents/tokens", fleetHandler.MintToken)

			// Jobs
			r.Get("/jobs", jobHandler.List)
			r.Post("/jobs", jobHandler.Create)
			r.Get("/jobs/{guid}", jobHandler.GetByID)
			r.Post("/jobs/{guid}/cancel", jobHandler.Cancel)

			// Collections & connectors
			r.Get("/collections", collectionHandler.ListCollections)
			r.Post("/collections", collectionHandler.CreateCollection)
			r.Get("/collections/{guid}", collectionHandler.GetCollection)
			r.Patch("/collections/{guid}", collectionHandler.UpdateCollection)
			r.Delete("/collections/{guid}", collectionHandler.DeleteCollection)
			r.Get("/connectors", collectionHandler.ListConnectors)
			r.Post("/connectors", collectionHandler.CreateConnector)
			r.Delete("/connectors/{guid}", collectionHandler.DeleteConnector)

			// Pipelines & cameras
			r.Get("/pipelines", pipelineHandler.ListPipelines)
			r.Post("/pipelines", pipelineHandler.CreatePipeline)
			r.Patch("/pipelines/{guid}", pipelineHandler.UpdatePipeline)
			r.Delete("/pipelines/{guid}", pipelineHandler.DeletePipeline)
			r.Get("/cameras", pipelineHandler.ListCameras)
			r.Post("/cameras", pipelineHandler.CreateCamera)
			r.Post("/cameras/{guid}/confirm", pipelineHandler.ConfirmCamera)
			r.Delete("/cameras/{guid}", pipelineHandler.DeleteCamera)

			// Schedules
			r.Get("/schedules", scheduleHandler.List)
			r.Post("/schedules", scheduleHandler.Create)
			r.Patch("/schedules/{guid}", scheduleHandler.Update)
			r.Delete("/schedules/{guid}", scheduleHandler.Delete)

			// Results
			r.Get("/results", resultHandler.List)
			r.Get("/results/{guid}", resultHandler.GetByID)
			r.Get("/results/{guid}/report", resultHandler.GetReport)

			// Settings
			r.Get("/settings/retention", settingsHandler.GetRetention)
			r.Put("/settings/retention", settingsHandler.UpdateRetention)
			r.Put("/settings/tool-config", settingsHandler.UpsertToolConfig)
			r.Get("/settings/storage-metrics", settingsHandler.GetStorageMetrics)

			// --- Admin-only routes ---
			r.Group(func(r chi.Router) {
				r.Use(RequireRole(string(types.UserRoleAdmin)))

				r.Get("/releases", releaseHandler.List)
				r.Post("/releases", releaseHandler.Create)
				r.Post("/releases/{guid}/artifacts", releaseHandler.AddArtifact)
				r.Post("/releases/{guid}/activate", releaseHandler.SetActive(true))
				r.Post("/releases/{guid}/deactivate", releaseHandler.SetActive(false))
			})
		})
	})

	return r
}
