package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/internal/domain/services/callgraph"
	"apkscore-lab/internal/domain/services/rules"
	"apkscore-lab/internal/grpc/health"
	"apkscore-lab/internal/infrastructure/cache"
	"apkscore-lab/internal/infrastructure/database/repository"
	"apkscore-lab/internal/infrastructure/graph"
	"apkscore-lab/pkg/logger"
)

const pairsJSON = `{
	"apk_name": "pairs",
	"apk_size_kb": 500,
	"edges": [
		{"caller": "Lq/n0;", "callee": "Lq/n1;", "weight": 2},
		{"caller": "Lq/n2;", "callee": "Lq/n3;", "weight": 2},
		{"caller": "Lq/n4;", "callee": "Lq/n5;", "weight": 2}
	],
	"permissions": ["android.permission.INTERNET"]
}`

type fakeScores struct {
	mu      sync.Mutex
	written map[string]*models.AnalysisResult
}

func (f *fakeScores) Write(_ context.Context, r *models.AnalysisResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.written == nil {
		f.written = make(map[string]*models.AnalysisResult)
	}
	f.written[r.PackageName] = r
	return nil
}

func (f *fakeScores) GetByName(_ context.Context, name string) (*models.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.written[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("score %s: %w", name, repository.ErrNotFound)
}

func (f *fakeScores) StatsByLabel(context.Context) ([]repository.LabelStats, error) {
	return []repository.LabelStats{{Label: -1, Count: len(f.written)}}, nil
}

type fakeGraphs struct {
	mu    sync.Mutex
	saved map[string]*callgraph.Graph
}

func (f *fakeGraphs) SaveGraph(_ context.Context, g *callgraph.Graph, r *models.AnalysisResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string]*callgraph.Graph)
	}
	f.saved[r.PackageName] = g
	return nil
}

func (f *fakeGraphs) LoadGraph(_ context.Context, name string) (*callgraph.Graph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if g, ok := f.saved[name]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("%s: %w", name, graph.ErrGraphNotFound)
}

func (f *fakeGraphs) DeleteGraph(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.saved[name]; !ok {
		return fmt.Errorf("%s: %w", name, graph.ErrGraphNotFound)
	}
	delete(f.saved, name)
	return nil
}

func (f *fakeGraphs) PackagesCalling(_ context.Context, class string, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name, g := range f.saved {
		for _, e := range g.Edges() {
			if e.Target == class {
				out = append(out, name)
				break
			}
		}
	}
	return out, nil
}

func (c *countingEvents) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scored, len(c.failed)
}

type countingEvents struct {
	mu     sync.Mutex
	scored int
	failed []services.FailureKind
}

func (c *countingEvents) PublishScored(context.Context, *models.AnalysisResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scored++
	return nil
}

func (c *countingEvents) PublishFailed(_ context.Context, _ string, kind services.FailureKind, _ error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, kind)
	return nil
}

type testEnv struct {
	handlers *Handlers
	scores   *fakeScores
	graphs   *fakeGraphs
	events   *countingEvents
	router   http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()
	rc, err := cache.NewResultCache(16, time.Minute, nil, log)
	require.NoError(t, err)

	env := &testEnv{scores: &fakeScores{}, graphs: &fakeGraphs{}, events: &countingEvents{}}
	env.handlers = NewHandlers(Dependencies{
		Analyzer:     services.NewAnalyzer(rules.MustDefault(), services.DefaultAnalyzerOptions(), log),
		Cache:        rc,
		Events:       env.events,
		Scores:       env.scores,
		Graphs:       env.graphs,
		MaxBodyBytes: 4096,
		Version:      "test",
		Logger:       log,
	})

	r := chi.NewRouter()
	r.Post("/score", env.handlers.Score.Score)
	r.Post("/features", env.handlers.Score.Features)
	r.Post("/graph", env.handlers.Score.Graph)
	r.Get("/scores/stats", env.handlers.Results.Stats)
	r.Get("/scores/{name}", env.handlers.Results.Get)
	r.Get("/graphs/callers", env.handlers.Results.Callers)
	r.Get("/graphs/{name}", env.handlers.Results.Graph)
	r.Delete("/graphs/{name}", env.handlers.Results.DeleteGraph)
	r.Get("/ready", env.handlers.Health.Ready)
	env.router = r
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestScore_CachesByBody(t *testing.T) {
	env := newTestEnv(t)

	first := env.do(http.MethodPost, "/score", pairsJSON)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))

	var res models.AnalysisResult
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &res))
	assert.Equal(t, "pairs", res.PackageName)
	assert.Equal(t, 6, res.Metrics.NodeCount)
	assert.Equal(t, 3, res.Metrics.EdgeCount)
	assert.GreaterOrEqual(t, res.Score, 0.0)

	second := env.do(http.MethodPost, "/score", pairsJSON)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))

	assert.Equal(t, 1, env.events.scored)
	assert.Contains(t, env.scores.written, "pairs")
	assert.Contains(t, env.graphs.saved, "pairs")
}

func TestScore_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty body", "  ", http.StatusBadRequest},
		{"not json", "{", http.StatusBadRequest},
		{"missing name", `{"edges": []}`, http.StatusBadRequest},
		{"negative weight", `{"apk_name":"x","edges":[{"caller":"La;","callee":"Lb;","weight":-1}]}`, http.StatusBadRequest},
		{"too big", `{"apk_name":"` + strings.Repeat("a", 5000) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/score", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
	assert.Zero(t, env.events.scored)
}

func TestScore_ConcurrentRequestsShareWork(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = env.do(http.MethodPost, "/score", pairsJSON).Code
		}(i)
	}
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	assert.Equal(t, 1, env.events.scored)
}

func TestScore_CancelledRequestDoesNotAbortSharedAnalysis(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/score", strings.NewReader(pairsJSON)).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Contains(t, []int{http.StatusOK, http.StatusServiceUnavailable}, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool {
		scored, _ := env.events.counts()
		return scored == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, failed := env.events.counts()
	assert.Zero(t, failed)

	again := env.do(http.MethodPost, "/score", pairsJSON)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, "HIT", again.Header().Get("X-Cache"))
	scored, _ := env.events.counts()
	assert.Equal(t, 1, scored)
}

func TestFeatures(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/features", pairsJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out FeaturesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "pairs", out.Package)
	assert.NotEmpty(t, out.Version)
	assert.Len(t, out.Values, len(out.Names))
	assert.Equal(t, rules.MustDefault().Version(), out.Version)
}

func TestGraph_GraphML(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/graph", pairsJSON)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/graphml+xml", rec.Header().Get("Content-Type"))

	g, err := callgraph.ReadGraphML(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 6, g.NodeCount())
	assert.Equal(t, 3, g.EdgeCount())
}

func TestResults(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/scores/pairs", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/graphs/pairs", "").Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/score", pairsJSON).Code)

	rec := env.do(http.MethodGet, "/scores/pairs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"apk_name":"pairs"`)

	rec = env.do(http.MethodGet, "/scores/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = env.do(http.MethodGet, "/graphs/pairs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	g, err := callgraph.ReadGraphML(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 3, g.EdgeCount())

	rec = env.do(http.MethodGet, "/graphs/callers?class="+url.QueryEscape("Lq/n3;"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"class":"Lq/n3;","packages":["pairs"]}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/graphs/callers", "").Code)

	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/graphs/pairs", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/graphs/pairs", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodDelete, "/graphs/pairs", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/scores/pairs", "").Code)
}

func TestResults_StorageDisabled(t *testing.T) {
	h := NewResultsHandler(nil, nil, logger.NewNop())
	r := chi.NewRouter()
	r.Get("/scores/{name}", h.Get)
	r.Get("/graphs/{name}", h.Graph)
	r.Delete("/graphs/{name}", h.DeleteGraph)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/scores/x", nil),
		httptest.NewRequest(http.MethodGet, "/graphs/x", nil),
		httptest.NewRequest(http.MethodDelete, "/graphs/x", nil),
	} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotImplemented, rec.Code, req.Method+" "+req.URL.Path)
	}
}

func TestReady(t *testing.T) {
	down := errors.New("dial tcp: connection refused")
	checker := health.NewChecker(map[string]health.Pinger{
		"postgres": health.PingFunc(func(context.Context) error { return nil }),
		"redis":    health.PingFunc(func(context.Context) error { return down }),
	}, time.Minute, logger.NewNop())
	h := NewHealthHandler(checker, "test", logger.NewNop())

	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["postgres"])
	assert.True(t, strings.HasPrefix(resp.Checks["redis"], "unhealthy"))

	rec = httptest.NewRecorder()
	NewHealthHandler(nil, "test", logger.NewNop()).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
