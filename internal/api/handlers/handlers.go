package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/internal/domain/services/callgraph"
	"apkscore-lab/internal/grpc/health"
	"apkscore-lab/internal/infrastructure/cache"
	"apkscore-lab/internal/infrastructure/database/repository"
	"apkscore-lab/pkg/logger"
)

// Handlers holds all API handlers
type Handlers struct {
	Health  *HealthHandler
	Score   *ScoreHandler
	Results *ResultsHandler
	Events  *EventsHandler
}

// ScoreStore is the persisted score table
type ScoreStore interface {
	Write(ctx context.Context, r *models.AnalysisResult) error
	GetByName(ctx context.Context, name string) (*models.AnalysisResult, error)
	StatsByLabel(ctx context.Context) ([]repository.LabelStats, error)
}

// GraphStore is the persisted graph store
type GraphStore interface {
	SaveGraph(ctx context.Context, g *callgraph.Graph, r *models.AnalysisResult) error
	LoadGraph(ctx context.Context, name string) (*callgraph.Graph, error)
	PackagesCalling(ctx context.Context, class string, limit int) ([]string, error)
	DeleteGraph(ctx context.Context, name string) error
}

// Dependencies holds dependencies for handlers. Every store is optional.
type Dependencies struct {
	Analyzer        *services.Analyzer
	Cache           *cache.ResultCache
	Events          services.ScoreEvents
	Stream          EventStream
	Scores          ScoreStore
	Graphs          GraphStore
	Checker         *health.Checker
	MaxBodyBytes    int64
	// AnalysisTimeout bounds one shared analysis; zero uses ten minutes
	AnalysisTimeout time.Duration
	Version         string
	Logger          *logger.Logger
}

// NewHandlers creates all handlers
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		Health:  NewHealthHandler(deps.Checker, deps.Version, deps.Logger),
		Score:   NewScoreHandler(deps),
		Results: NewResultsHandler(deps.Scores, deps.Graphs, deps.Logger),
		Events:  NewEventsHandler(deps.Stream, deps.Logger),
	}
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
