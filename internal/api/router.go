package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/agentforge-io/agentforge/internal/metrics"
	"github.com/agentforge-io/agentforge/internal/orchestrator"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Orchestrator *orchestrator.Service
	Metrics      *metrics.Metrics
	Logger       *zap.Logger

	MaxUploadBytes   int64
	DefaultTenantID  string
	DefaultCreatedBy string
}

// NewRouter builds and returns the fully configured Chi router.
// All resources are registered under /api/v1; /metrics and /healthz sit at
// the root for scrapers and probes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID honors an incoming X-Request-Id, generates one otherwise,
	// and echoes it on the response.
	r.Use(RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	jobHandler := NewJobHandler(cfg.Orchestrator, cfg.MaxUploadBytes, cfg.DefaultTenantID, cfg.DefaultCreatedBy, cfg.Logger)
	eventHandler := NewEventHandler(cfg.Orchestrator, cfg.Metrics, cfg.Logger)
	skillHandler := NewSkillHandler(cfg.Orchestrator, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", jobHandler.Create)
		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.Get)
		r.Post("/jobs/{id}/start", jobHandler.Start)
		r.Post("/jobs/{id}/abort", jobHandler.Abort)
		r.Get("/jobs/{id}/events", eventHandler.Stream)
		r.Get("/jobs/{id}/artifacts", jobHandler.Artifacts)
		r.Get("/jobs/{id}/download", jobHandler.Download)
		r.Get("/jobs/{id}/artifacts/{artifact_id}/download", jobHandler.DownloadArtifact)

		r.Get("/skills", skillHandler.List)
		r.Get("/skills/{code}", skillHandler.Get)
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]string{"status": "ok"})
	})

	return r
}
