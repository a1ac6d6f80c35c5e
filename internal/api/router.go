package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"apkscore-lab/internal/api/handlers"
	apimiddleware "apkscore-lab/internal/api/middleware"
	"apkscore-lab/internal/config"
	"apkscore-lab/internal/metrics"
	"apkscore-lab/pkg/logger"
)

// Router holds dependencies for the API router
type Router struct {
	config   config.Config
	handlers *handlers.Handlers
	logger   *logger.Logger
}

// NewRouter creates a new Router instance
func NewRouter(cfg config.Config, h *handlers.Handlers, log *logger.Logger) *Router {
	return &Router{
		config:   cfg,
		handlers: h,
		logger:   log.WithComponent("router"),
	}
}

// Setup sets up the Chi router with all routes and middleware
func (r *Router) Setup() http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(apimiddleware.Logger(r.logger))
	router.Use(middleware.Recoverer)

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   r.config.CORS.AllowedOrigins,
		AllowedMethods:   r.config.CORS.AllowedMethods,
		AllowedHeaders:   r.config.CORS.AllowedHeaders,
		AllowCredentials: r.config.CORS.AllowCredentials,
		MaxAge:           r.config.CORS.MaxAge,
	}))

	router.Get("/health", r.handlers.Health.Check)
	router.Get("/ready", r.handlers.Health.Ready)
	if r.config.MetricsServer.Enabled {
		path := r.config.MetricsServer.Path
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, metrics.Handler())
	}

	router.Route("/api/v1", func(api chi.Router) {
		// The event feed is long-lived and stays outside the request timeout
		api.Get("/events", r.handlers.Events.Stream)

		api.Group(func(api chi.Router) {
			api.Use(middleware.Timeout(r.requestTimeout()))

			api.Post("/score", r.handlers.Score.Score)
			api.Post("/features", r.handlers.Score.Features)
			api.Post("/graph", r.handlers.Score.Graph)

			api.Route("/scores", func(scores chi.Router) {
				scores.Get("/stats", r.handlers.Results.Stats)
				scores.Get("/{name}", r.handlers.Results.Get)
			})
			api.Route("/graphs", func(graphs chi.Router) {
				graphs.Get("/callers", r.handlers.Results.Callers)
				graphs.Get("/{name}", r.handlers.Results.Graph)
				graphs.Delete("/{name}", r.handlers.Results.DeleteGraph)
			})
		})
	})

	return router
}

// requestTimeout bounds one request by the per-package analysis budget
func (r *Router) requestTimeout() time.Duration {
	if t := r.config.Batch.PackageTimeout; t > 0 {
		return t + 5*time.Second
	}
	return 60 * time.Second
}
