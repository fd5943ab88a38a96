package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"querymeta/internal/middleware"
)

// RouterConfig holds the optional pieces of the HTTP stack.
type RouterConfig struct {
	Logger         *slog.Logger
	Metrics        http.Handler            // served at /metrics when set
	RateLimiter    *middleware.RateLimiter // applied to /v1 when set
	Auth           *middleware.HS256Auth   // applied to /v1 when set
	AllowedOrigins []string                // CORS origins; none disables CORS
}

// NewRouter mounts the handler on a chi router.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(logger))
	r.Use(chimw.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Middleware)
		}
		if cfg.Auth != nil {
			r.Use(cfg.Auth.Middleware)
		}
		r.Get("/connections", h.ListConnections)
		r.Route("/connections/{id}", func(r chi.Router) {
			r.Get("/", h.GetConnection)
			r.Get("/statements", h.ListStatements)
			r.Get("/executions", h.ListExecutions)
			r.Get("/transactions", h.ListTransactions)
		})
		r.Get("/history", h.ListHistory)
		r.Get("/history/connections/{id}", h.GetArchivedConnection)
		r.Post("/query", h.ExecuteQuery)
	})
	return r
}
