package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"apkscore-lab/internal/domain/services/callgraph"
	"apkscore-lab/internal/infrastructure/database/repository"
	"apkscore-lab/internal/infrastructure/graph"
	"apkscore-lab/pkg/logger"
)

// ResultsHandler serves stored scores and graphs
type ResultsHandler struct {
	scores ScoreStore
	graphs GraphStore
	logger *logger.Logger
}

// NewResultsHandler creates a new ResultsHandler; either store may be nil
func NewResultsHandler(scores ScoreStore, graphs GraphStore, log *logger.Logger) *ResultsHandler {
	return &ResultsHandler{
		scores: scores,
		graphs: graphs,
		logger: log.WithComponent("results-handler"),
	}
}

// Get handles GET /api/v1/scores/{name}
func (h *ResultsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.scores == nil {
		respondError(w, http.StatusNotImplemented, "score storage is disabled")
		return
	}
	name := chi.URLParam(r, "name")
	res, err := h.scores.GetByName(r.Context(), name)
	if errors.Is(err, repository.ErrNotFound) {
		respondError(w, http.StatusNotFound, "score not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("package", name).Msg("failed to load score")
		respondError(w, http.StatusInternalServerError, "failed to load score")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Stats handles GET /api/v1/scores/stats
func (h *ResultsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.scores == nil {
		respondError(w, http.StatusNotImplemented, "score storage is disabled")
		return
	}
	stats, err := h.scores.StatsByLabel(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to aggregate scores")
		respondError(w, http.StatusInternalServerError, "failed to aggregate scores")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"labels": stats})
}

// Graph handles GET /api/v1/graphs/{name} and returns the stored graph as GraphML
func (h *ResultsHandler) Graph(w http.ResponseWriter, r *http.Request) {
	if h.graphs == nil {
		respondError(w, http.StatusNotImplemented, "graph storage is disabled")
		return
	}
	name := chi.URLParam(r, "name")
	g, err := h.graphs.LoadGraph(r.Context(), name)
	if errors.Is(err, graph.ErrGraphNotFound) {
		respondError(w, http.StatusNotFound, "graph not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("package", name).Msg("failed to load graph")
		respondError(w, http.StatusInternalServerError, "failed to load graph")
		return
	}

	var buf bytes.Buffer
	if err := callgraph.WriteGraphML(&buf, g, name); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to encode graph")
		return
	}
	w.Header().Set("Content-Type", "application/graphml+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// DeleteGraph handles DELETE /api/v1/graphs/{name}
func (h *ResultsHandler) DeleteGraph(w http.ResponseWriter, r *http.Request) {
	if h.graphs == nil {
		respondError(w, http.StatusNotImplemented, "graph storage is disabled")
		return
	}
	name := chi.URLParam(r, "name")
	err := h.graphs.DeleteGraph(r.Context(), name)
	if errors.Is(err, graph.ErrGraphNotFound) {
		respondError(w, http.StatusNotFound, "graph not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("package", name).Msg("failed to delete graph")
		respondError(w, http.StatusInternalServerError, "failed to delete graph")
		return
	}
	h.logger.Info().Str("package", name).Msg("graph deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Callers handles GET /api/v1/graphs/callers?class=<escaped descriptor>&limit=50
func (h *ResultsHandler) Callers(w http.ResponseWriter, r *http.Request) {
	if h.graphs == nil {
		respondError(w, http.StatusNotImplemented, "graph storage is disabled")
		return
	}
	class := r.URL.Query().Get("class")
	if class == "" {
		respondError(w, http.StatusBadRequest, "class is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	names, err := h.graphs.PackagesCalling(r.Context(), class, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("class", class).Msg("failed to query callers")
		respondError(w, http.StatusInternalServerError, "failed to query callers")
		return
	}
	if names == nil {
		names = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"class": class, "packages": names})
}
