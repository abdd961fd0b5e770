package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/exportd-io/exportd/internal/auth"
	"github.com/exportd-io/exportd/internal/ratelimit"
)

// RouterConfig carries everything the router mounts.
type RouterConfig struct {
	Auth      *auth.Service
	Dashboard *auth.Dashboard
	Limiter   *ratelimit.Limiter

	Jobs      *JobHandler
	Keys      *KeyHandler
	Schedules *ScheduleHandler
	AuditLogs *AuditLogHandler
	Account   *AccountHandler
	Health    *HealthHandler
	WS        *WSHandler

	Logger *zap.Logger
}

// NewRouter assembles the HTTP surface. /health is the only unauthenticated
// route; everything under /api/v1 passes the key gate, the scope check, and a
// tiered rate limit.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(CorrelationID)
	r.Use(RequestLogger(cfg.Logger.Named("http")))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		Err(w, http.StatusNotFound, "route not found", CodeRouteNotFound, "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		Err(w, http.StatusMethodNotAllowed, "method not allowed", CodeRouteNotFound, "")
	})

	r.Get("/health", cfg.Health.Serve)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Auth, cfg.Dashboard))
		r.Use(RequireScope)

		general := RateLimit(cfg.Limiter, ratelimit.TierGeneral)
		creation := RateLimit(cfg.Limiter, ratelimit.TierExportCreation)
		download := RateLimit(cfg.Limiter, ratelimit.TierDownload)

		r.Route("/jobs", func(r chi.Router) {
			r.With(creation).Post("/", cfg.Jobs.Create)
			r.With(general).Get("/", cfg.Jobs.List)
			r.With(general).Get("/{id}", cfg.Jobs.Get)
			r.With(download).Get("/{id}/download", cfg.Jobs.Download)
		})

		r.Route("/keys", func(r chi.Router) {
			r.Use(general)
			r.Post("/", cfg.Keys.Create)
			r.Get("/", cfg.Keys.List)
			r.Patch("/{id}", cfg.Keys.Update)
			r.Delete("/{id}", cfg.Keys.Revoke)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Use(general)
			r.Post("/", cfg.Schedules.Create)
			r.Get("/", cfg.Schedules.List)
			r.Get("/{id}", cfg.Schedules.Get)
			r.Patch("/{id}", cfg.Schedules.Update)
			r.Delete("/{id}", cfg.Schedules.Delete)
		})

		r.With(general).Get("/audit-logs", cfg.AuditLogs.List)

		r.Route("/account", func(r chi.Router) {
			r.Use(general)
			r.Get("/data-export", cfg.Account.DataExport)
			r.Delete("/", cfg.Account.DeleteAccount)
		})

		r.Get("/ws", cfg.WS.Serve)
	})

	return r
}
