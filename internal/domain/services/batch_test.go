package services_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/internal/domain/services/rules"
	"apkscore-lab/pkg/logger"
)

type memorySource struct {
	bundles map[string]*models.Bundle
	loadErr map[string]error
}

func (s *memorySource) List(_ context.Context) ([]services.BundleRef, error) {
	var refs []services.BundleRef
	for name := range s.bundles {
		refs = append(refs, services.BundleRef{Name: name, Label: services.LabelUnknown})
	}
	for name := range s.loadErr {
		refs = append(refs, services.BundleRef{Name: name, Label: services.LabelUnknown})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (s *memorySource) Load(_ context.Context, ref services.BundleRef) (*models.Bundle, error) {
	if err, ok := s.loadErr[ref.Name]; ok {
		return nil, err
	}
	return s.bundles[ref.Name], nil
}

type memorySink struct {
	mu      sync.Mutex
	written map[string]float64
	done    map[string]struct{}
	failOn  string
	closed  bool
}

func newMemorySink(done ...string) *memorySink {
	s := &memorySink{written: make(map[string]float64), done: make(map[string]struct{})}
	for _, d := range done {
		s.done[d] = struct{}{}
	}
	return s
}

func (s *memorySink) Write(_ context.Context, r *models.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.PackageName == s.failOn {
		return errors.New("disk full")
	}
	s.written[r.PackageName] = r.Score
	return nil
}

func (s *memorySink) DoneNames(_ context.Context) (map[string]struct{}, error) {
	return s.done, nil
}

func (s *memorySink) Close() error {
	s.closed = true
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	scored []string
	failed map[string]services.FailureKind
}

func (e *recordingEvents) PublishScored(_ context.Context, r *models.AnalysisResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scored = append(e.scored, r.PackageName)
	return nil
}

func (e *recordingEvents) PublishFailed(_ context.Context, name string, kind services.FailureKind, _ error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failed == nil {
		e.failed = make(map[string]services.FailureKind)
	}
	e.failed[name] = kind
	return nil
}

func batchSource() *memorySource {
	src := &memorySource{
		bundles: map[string]*models.Bundle{
			"empty":     {Name: "empty", SizeKB: 100},
			"malformed": {Name: "malformed", SizeKB: -3},
			"huge":      {Name: "huge", SizeKB: 900},
		},
		loadErr: map[string]error{
			"unreadable": errors.New("permission denied"),
		},
	}
	for i := 0; i < 6; i++ {
		b := pairsBundle()
		b.Name = fmt.Sprintf("pairs-%d", i)
		src.bundles[b.Name] = b
	}
	for i := 0; i < 30; i++ {
		src.bundles["huge"].Edges = append(src.bundles["huge"].Edges, models.CallEdge{
			CallerClass: fmt.Sprintf("Lh/a%d;", i), CalleeClass: fmt.Sprintf("Lh/b%d;", i), Weight: 2,
		})
	}
	return src
}

func TestBatchRunner_Run(t *testing.T) {
	opts := services.DefaultAnalyzerOptions()
	opts.Graph.MaxNodes = 20
	analyzer := services.NewAnalyzer(rules.MustDefault(), opts, logger.NewNop())

	sink := newMemorySink("pairs-0", "pairs-1")
	events := &recordingEvents{}
	runner := services.NewBatchRunner(analyzer, batchSource(), sink, events, services.BatchOptions{
		Workers:       3,
		ProgressEvery: 2,
		Resume:        true,
	}, logger.NewNop())

	stats, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 8, stats.Total)
	assert.Equal(t, 5, stats.Scored, "four pairs plus the empty bundle")
	assert.Equal(t, 1, stats.Degenerate)
	assert.Equal(t, 1, stats.Failures[services.FailureMalformed])
	assert.Equal(t, 1, stats.Failures[services.FailureTooLarge])
	assert.Equal(t, 1, stats.Failures[services.FailureLoad])
	assert.Equal(t, 3, stats.Failed())

	assert.NotContains(t, sink.written, "pairs-0", "resumed packages are not rescored")
	assert.NotContains(t, sink.written, "malformed", "failures are never written")
	assert.NotContains(t, sink.written, "huge")
	assert.NotContains(t, sink.written, "unreadable")
	assert.Equal(t, 0.0, sink.written["empty"])
	assert.Greater(t, sink.written["pairs-2"], 0.0)

	assert.Len(t, events.scored, 5)
	assert.Equal(t, services.FailureTooLarge, events.failed["huge"])
	assert.Equal(t, services.FailureLoad, events.failed["unreadable"])
}

func TestBatchRunner_NoResume(t *testing.T) {
	analyzer := services.NewAnalyzer(rules.MustDefault(), services.DefaultAnalyzerOptions(), logger.NewNop())
	sink := newMemorySink("pairs-0")
	runner := services.NewBatchRunner(analyzer, batchSource(), sink, nil, services.BatchOptions{Workers: 2}, logger.NewNop())

	stats, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Skipped)
	assert.Contains(t, sink.written, "pairs-0")
}

func TestBatchRunner_MinSizeAndSinkErrors(t *testing.T) {
	analyzer := services.NewAnalyzer(rules.MustDefault(), services.DefaultAnalyzerOptions(), logger.NewNop())
	sink := newMemorySink()
	sink.failOn = "pairs-3"
	runner := services.NewBatchRunner(analyzer, batchSource(), sink, nil, services.BatchOptions{
		Workers:   4,
		MinSizeKB: 200,
	}, logger.NewNop())

	stats, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped, "empty bundle is 100 KB")
	assert.Equal(t, 1, stats.BelowMinSize)
	assert.Equal(t, 1, stats.Failures[services.FailureSink])
	assert.Equal(t, 1, stats.Failed(), "size skips are not failures")
	assert.NotContains(t, sink.written, "empty")
	assert.NotContains(t, sink.written, "pairs-3")
}

func TestBatchRunner_ResumeByBundleName(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	out := filepath.Join(t.TempDir(), "scores.csv")
	writeBundle(t, root, "a.json", `{"apk_name":"a.apk","apk_size_kb":500,"edges":[{"caller":"Lq/a;","callee":"Lq/b;","weight":3}]}`)

	analyzer := services.NewAnalyzer(rules.MustDefault(), services.DefaultAnalyzerOptions(), logger.NewNop())
	run := func() *services.BatchStats {
		src, err := services.NewDirectorySource(root, services.DirectorySourceOptions{})
		require.NoError(t, err)
		sink, err := services.NewCSVSink(out, nil, true)
		require.NoError(t, err)
		defer sink.Close()
		stats, err := services.NewBatchRunner(analyzer, src, sink, nil, services.BatchOptions{Workers: 1, Resume: true}, logger.NewNop()).Run(ctx)
		require.NoError(t, err)
		return stats
	}

	first := run()
	assert.Equal(t, 1, first.Scored)

	second := run()
	assert.Zero(t, second.Scored)
	assert.Equal(t, 1, second.Skipped)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "a.apk,"), "no duplicate rows")
}

func TestBatchRunner_Cancelled(t *testing.T) {
	analyzer := services.NewAnalyzer(rules.MustDefault(), services.DefaultAnalyzerOptions(), logger.NewNop())
	sink := newMemorySink()
	runner := services.NewBatchRunner(analyzer, batchSource(), sink, nil, services.BatchOptions{Workers: 2}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.written)
}

func TestClassifyFailure(t *testing.T) {
	assert.Equal(t, services.FailureMalformed, services.ClassifyFailure(fmt.Errorf("x: %w", models.ErrMalformedBundle)))
	assert.Equal(t, services.FailureTooLarge, services.ClassifyFailure(fmt.Errorf("x: %w", models.ErrGraphTooLarge)))
	assert.Equal(t, services.FailureTimeout, services.ClassifyFailure(context.DeadlineExceeded))
	assert.Equal(t, services.FailureUnexpected, services.ClassifyFailure(models.ErrAnalysisFailed))
}
