package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/internal/domain/services/callgraph"
	"apkscore-lab/internal/infrastructure/cache"
	"apkscore-lab/internal/metrics"
	"apkscore-lab/pkg/logger"
)

const (
	defaultMaxBodyBytes    = 64 << 20
	defaultAnalysisTimeout = 10 * time.Minute
)

// ScoreHandler scores uploaded bundles
type ScoreHandler struct {
	analyzer *services.Analyzer
	cache    *cache.ResultCache
	events   services.ScoreEvents
	scores   ScoreStore
	graphs   GraphStore
	maxBody  int64
	timeout  time.Duration
	group    singleflight.Group
	logger   *logger.Logger
}

// NewScoreHandler creates a new ScoreHandler
func NewScoreHandler(deps Dependencies) *ScoreHandler {
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	timeout := deps.AnalysisTimeout
	if timeout <= 0 {
		timeout = defaultAnalysisTimeout
	}
	return &ScoreHandler{
		analyzer: deps.Analyzer,
		cache:    deps.Cache,
		events:   deps.Events,
		scores:   deps.Scores,
		graphs:   deps.Graphs,
		maxBody:  maxBody,
		timeout:  timeout,
		logger:   deps.Logger.WithComponent("score-handler"),
	}
}

// FeaturesResponse is the feature vector export of one bundle
type FeaturesResponse struct {
	Package string    `json:"apk_name"`
	Version string    `json:"version"`
	Names   []string  `json:"names"`
	Values  []float64 `json:"values"`
}

// Score handles POST /api/v1/score
func (h *ScoreHandler) Score(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	res, source, err := h.analyze(r.Context(), body)
	if err != nil {
		h.respondAnalysisError(w, err)
		return
	}
	w.Header().Set("X-Cache", source)
	respondJSON(w, http.StatusOK, res)
}

// Features handles POST /api/v1/features
func (h *ScoreHandler) Features(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	res, source, err := h.analyze(r.Context(), body)
	if err != nil {
		h.respondAnalysisError(w, err)
		return
	}
	w.Header().Set("X-Cache", source)
	respondJSON(w, http.StatusOK, FeaturesResponse{
		Package: res.PackageName,
		Version: res.Features.Version,
		Names:   h.analyzer.FeatureNames(),
		Values:  res.Features.Values,
	})
}

// Graph handles POST /api/v1/graph and returns the built graph as GraphML
func (h *ScoreHandler) Graph(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	b, err := services.DecodeBundle(body)
	if err != nil {
		h.respondAnalysisError(w, err)
		return
	}
	g, err := h.analyzer.BuildGraph(b)
	if err != nil {
		h.respondAnalysisError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := callgraph.WriteGraphML(&buf, g, graphID(b.Name)); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode graph")
		respondError(w, http.StatusInternalServerError, "failed to encode graph")
		return
	}
	w.Header().Set("Content-Type", "application/graphml+xml")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *ScoreHandler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, http.StatusRequestEntityTooLarge, "bundle exceeds "+strconv.FormatInt(h.maxBody, 10)+" bytes")
			return nil, false
		}
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		respondError(w, http.StatusBadRequest, "bundle is required")
		return nil, false
	}
	return body, true
}

// analyze scores a bundle body once per digest. Concurrent requests for the
// same body share one analysis, which runs detached from the request that
// started it and is bounded by the analysis timeout. A caller whose request
// ends early stops waiting; the shared analysis keeps going.
func (h *ScoreHandler) analyze(ctx context.Context, body []byte) (*models.AnalysisResult, string, error) {
	digest := cache.Digest(h.analyzer.RuleSet().Version(), body)
	if h.cache != nil {
		if res, ok := h.cache.Get(ctx, digest); ok {
			return res, cacheHit, nil
		}
	}

	ch := h.group.DoChan(digest, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()
		if h.cache != nil {
			if res, ok := h.cache.Get(lctx, digest); ok {
				return res, nil
			}
		}
		return h.score(lctx, body, digest)
	})

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, "", r.Err
		}
		if r.Shared {
			return r.Val.(*models.AnalysisResult), cacheShared, nil
		}
		return r.Val.(*models.AnalysisResult), cacheMiss, nil
	}
}

func (h *ScoreHandler) score(ctx context.Context, body []byte, digest string) (*models.AnalysisResult, error) {
	start := time.Now()
	b, err := services.DecodeBundle(body)
	if err != nil {
		metrics.RecordAnalysis(metrics.OutcomeFailed, time.Since(start), 0)
		return nil, err
	}
	res, err := h.analyzer.Analyze(ctx, b)
	if err != nil {
		metrics.RecordAnalysis(metrics.OutcomeFailed, time.Since(start), 0)
		if h.events != nil {
			if perr := h.events.PublishFailed(ctx, b.Name, services.ClassifyFailure(err), err); perr != nil {
				h.logger.Warn().Err(perr).Msg("failed to publish failure event")
			}
		}
		return nil, err
	}

	outcome := metrics.OutcomeScored
	if res.Degenerate {
		outcome = metrics.OutcomeDegenerate
	}
	metrics.RecordAnalysis(outcome, time.Since(start), res.Score)

	if h.cache != nil {
		h.cache.Put(ctx, digest, res)
	}
	h.persist(ctx, b, res)
	if h.events != nil {
		if err := h.events.PublishScored(ctx, res); err != nil {
			h.logger.Warn().Err(err).Msg("failed to publish score event")
		}
	}
	return res, nil
}

// persist stores the result and its graph; store failures never fail the request
func (h *ScoreHandler) persist(ctx context.Context, b *models.Bundle, res *models.AnalysisResult) {
	if h.scores != nil && res.PackageName != "" {
		if err := h.scores.Write(ctx, res); err != nil {
			h.logger.Warn().Err(err).Str("package", res.PackageName).Msg("failed to store score")
		}
	}
	if h.graphs != nil && res.PackageName != "" && !res.Degenerate {
		g, err := h.analyzer.BuildGraph(b)
		if err == nil {
			err = h.graphs.SaveGraph(ctx, g, res)
		}
		if err != nil {
			h.logger.Warn().Err(err).Str("package", res.PackageName).Msg("failed to store graph")
		}
	}
}

func (h *ScoreHandler) respondAnalysisError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrMalformedBundle):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrGraphTooLarge):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusServiceUnavailable, "analysis timed out")
	default:
		h.logger.Error().Err(err).Msg("analysis failed")
		respondError(w, http.StatusInternalServerError, "analysis failed")
	}
}

// X-Cache values
const (
	cacheHit    = "HIT"
	cacheMiss   = "MISS"
	cacheShared = "SHARED"
)

func graphID(name string) string {
	if name == "" {
		return "G"
	}
	return name
}
