package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"apkscore-lab/internal/config"
	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services/callgraph"
	"apkscore-lab/internal/domain/services/rules"
	"apkscore-lab/pkg/logger"
)

// AnalyzerOptions configure every stage of the pipeline
type AnalyzerOptions struct {
	Graph    callgraph.Options
	Metrics  callgraph.MetricOptions
	Rounding RoundingMode
}

// DefaultAnalyzerOptions returns the standard pipeline settings
func DefaultAnalyzerOptions() AnalyzerOptions {
	return AnalyzerOptions{
		Graph:    callgraph.DefaultOptions(),
		Metrics:  callgraph.DefaultMetricOptions(),
		Rounding: RoundHalfEven,
	}
}

// AnalyzerOptionsFromConfig maps the graph, metrics and scoring sections
func AnalyzerOptionsFromConfig(cfg *config.Config) (AnalyzerOptions, error) {
	rounding, err := ParseRoundingMode(cfg.Scoring.Rounding)
	if err != nil {
		return AnalyzerOptions{}, err
	}
	stop := cfg.Graph.StopClasses
	if len(stop) == 0 {
		stop = callgraph.DefaultStopClasses
	}
	return AnalyzerOptions{
		Graph: callgraph.Options{
			MinWeight:    cfg.Graph.MinWeight,
			FanOutCap:    cfg.Graph.FanOutCap,
			DropIsolated: cfg.Graph.DropIsolated,
			StopClasses:  stop,
			MaxNodes:     cfg.Graph.MaxNodes,
			MaxEdges:     cfg.Graph.MaxEdges,
		},
		Metrics: callgraph.MetricOptions{
			BetweennessCost:   callgraph.CostMode(cfg.Metrics.BetweennessCost),
			PageRankDamping:   cfg.Metrics.PageRankDamping,
			PageRankMaxIter:   cfg.Metrics.PageRankMaxIter,
			PageRankTolerance: cfg.Metrics.PageRankTolerance,
		},
		Rounding: rounding,
	}, nil
}

// Analyzer runs the per-package pipeline: validate, build the graph, match
// categories, count manifest evidence, compute metrics, score. It holds no
// mutable state and is safe for concurrent use.
type Analyzer struct {
	rules    *rules.RuleSet
	builder  *callgraph.Builder
	matcher  *rules.Matcher
	manifest *ManifestCounter
	engine   *ScoringEngine
	metrics  callgraph.MetricOptions
	logger   *logger.Logger
}

// NewAnalyzer creates a new Analyzer
func NewAnalyzer(rs *rules.RuleSet, opts AnalyzerOptions, log *logger.Logger) *Analyzer {
	return &Analyzer{
		rules:    rs,
		builder:  callgraph.NewBuilder(opts.Graph),
		matcher:  rules.NewMatcher(rs),
		manifest: NewManifestCounter(rs, opts.Rounding),
		engine:   NewScoringEngine(rs),
		metrics:  opts.Metrics,
		logger:   log.WithComponent("analyzer"),
	}
}

// NewAnalyzerFromConfig loads the rule tables named by scoring.rules_file,
// or the embedded ones, and applies the graph, metrics and scoring sections.
func NewAnalyzerFromConfig(cfg *config.Config, log *logger.Logger) (*Analyzer, error) {
	opts, err := AnalyzerOptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	var rs *rules.RuleSet
	if cfg.Scoring.RulesFile != "" {
		rs, err = rules.LoadFile(cfg.Scoring.RulesFile)
	} else {
		rs, err = rules.Default()
	}
	if err != nil {
		return nil, err
	}
	return NewAnalyzer(rs, opts, log), nil
}

// RuleSet returns the category tables in use
func (a *Analyzer) RuleSet() *rules.RuleSet {
	return a.rules
}

// FeatureNames returns the feature vector header for this analyzer's rules
func (a *Analyzer) FeatureNames() []string {
	return FeatureNames(a.rules)
}

// BuildGraph validates the bundle and builds its behavioral graph only
func (a *Analyzer) BuildGraph(b *models.Bundle) (*callgraph.Graph, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return a.builder.Build(b.Edges)
}

// Analyze runs the full pipeline on one bundle. Malformed input fails with
// ErrMalformedBundle, oversized graphs with ErrGraphTooLarge, and any other
// fault (including a panic) with ErrAnalysisFailed. An empty graph is not an
// error: the result has score 0 and Degenerate set.
func (a *Analyzer) Analyze(ctx context.Context, b *models.Bundle) (result *models.AnalysisResult, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().
				Str("package", bundleName(b)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("analysis panicked")
			result = nil
			err = fmt.Errorf("%w: %s: panic: %v", models.ErrAnalysisFailed, bundleName(b), r)
		}
	}()

	if err := b.Validate(); err != nil {
		return nil, err
	}
	log := a.logger.WithPackage(b.Name)

	// 1. Graph
	g, err := a.builder.Build(b.Edges)
	if err != nil {
		if errors.Is(err, models.ErrGraphTooLarge) {
			return nil, fmt.Errorf("%s: %w", b.Name, err)
		}
		return nil, fmt.Errorf("%w: %s: failed to build graph: %v", models.ErrAnalysisFailed, b.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrAnalysisFailed, b.Name, err)
	}

	// 2. Graph-side evidence
	graphCounts := a.matcher.CountByCategory(g, b.ExternalCalls, b.Strings)

	// 3. Manifest evidence
	meta := a.metadata(b)
	evidence := a.manifest.Evaluate(meta, graphCounts)

	// 4. Structure
	metrics, failures, err := callgraph.ComputeMetrics(ctx, g, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", models.ErrAnalysisFailed, b.Name, err)
	}
	warnings := make([]string, 0, len(failures))
	for _, f := range failures {
		log.Warn().Str("metric", f.Metric).Err(f.Err).Msg("metric substituted")
		warnings = append(warnings, f.String())
	}

	// 5. Score
	breakdown := a.engine.ScoreDetailed(ScoreInput{
		GraphCounts:    graphCounts,
		ManifestCounts: evidence.Counts,
		Metrics:        metrics,
		SizeKB:         meta.SizeKB,
		SizeClass:      evidence.SizeClass,
		BenignHint:     evidence.BenignHint,
	})

	result = &models.AnalysisResult{
		ID:             uuid.New(),
		PackageName:    b.Name,
		Label:          b.Label,
		Score:          breakdown.Total,
		Degenerate:     g.IsEmpty(),
		Breakdown:      breakdown,
		GraphCounts:    graphCounts,
		ManifestCounts: evidence.Counts,
		Metrics:        metrics,
		BenignRatio:    a.matcher.BenignRatio(g),
		Metadata:       meta,
		MetricWarnings: warnings,
		AnalyzedAt:     start.UTC(),
	}
	result.Features = BuildFeatureVector(a.rules, result)
	result.Duration = time.Since(start).String()

	log.Debug().
		Float64("score", result.Score).
		Int("nodes", metrics.NodeCount).
		Int("edges", metrics.EdgeCount).
		Bool("degenerate", result.Degenerate).
		Msg("package analyzed")

	return result, nil
}

// metadata derives the read-only package description from a bundle
func (a *Analyzer) metadata(b *models.Bundle) models.Metadata {
	dangerous := b.DangerousPermissions
	if len(dangerous) == 0 {
		dangerous = a.manifest.DangerousPermissions(b.Permissions)
	}
	perms := make([]string, len(b.Permissions))
	copy(perms, b.Permissions)
	return models.Metadata{
		SizeKB:               b.SizeKB,
		Permissions:          perms,
		DangerousPermissions: dangerous,
		DangerousHits:        len(dangerous),
		Packed:               b.Packed,
	}
}

func bundleName(b *models.Bundle) string {
	if b == nil {
		return ""
	}
	return b.Name
}
