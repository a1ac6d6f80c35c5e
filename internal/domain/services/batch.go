package services

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"apkscore-lab/internal/config"
	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/metrics"
	"apkscore-lab/pkg/logger"
)

// FailureKind classifies why a package produced no score
type FailureKind string

const (
	FailureLoad       FailureKind = "load_error"
	FailureMalformed  FailureKind = "malformed"
	FailureTooLarge   FailureKind = "too_large"
	FailureTimeout    FailureKind = "timeout"
	FailureUnexpected FailureKind = "unexpected"
	FailureSink       FailureKind = "sink_error"
)

// ClassifyFailure maps a pipeline error to its kind
func ClassifyFailure(err error) FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.Is(err, models.ErrMalformedBundle):
		return FailureMalformed
	case errors.Is(err, models.ErrGraphTooLarge):
		return FailureTooLarge
	default:
		return FailureUnexpected
	}
}

// ScoreEvents receives a notification for every finished package
type ScoreEvents interface {
	PublishScored(ctx context.Context, r *models.AnalysisResult) error
	PublishFailed(ctx context.Context, name string, kind FailureKind, cause error) error
}

// BatchOptions configure a batch run
type BatchOptions struct {
	Workers        int
	PackageTimeout time.Duration
	MinSizeKB      int
	ProgressEvery  int
	Resume         bool
}

// BatchOptionsFromConfig maps the batch config section
func BatchOptionsFromConfig(cfg config.BatchConfig) BatchOptions {
	return BatchOptions{
		Workers:        cfg.Workers,
		PackageTimeout: cfg.PackageTimeout,
		MinSizeKB:      cfg.MinSizeKB,
		ProgressEvery:  cfg.ProgressEvery,
		Resume:         cfg.Resume,
	}
}

// BatchStats summarizes a batch run. Skipped covers packages already in the
// sink and packages below the minimum size; BelowMinSize is the latter share.
type BatchStats struct {
	Total        int                 `json:"total"`
	Skipped      int                 `json:"skipped"`
	BelowMinSize int                 `json:"below_min_size"`
	Scored       int                 `json:"scored"`
	Degenerate   int                 `json:"degenerate"`
	Failures     map[FailureKind]int `json:"failures"`
	Elapsed      time.Duration       `json:"elapsed"`
}

// Failed returns the number of packages that produced no score
func (s BatchStats) Failed() int {
	n := 0
	for _, v := range s.Failures {
		n += v
	}
	return n
}

// BatchRunner scores every bundle of a source with a worker pool and writes
// successful results to a sink. Failed packages are counted, never written.
type BatchRunner struct {
	analyzer *Analyzer
	source   BundleSource
	sink     ResultSink
	events   ScoreEvents
	opts     BatchOptions
	logger   *logger.Logger
}

// NewBatchRunner creates a new BatchRunner. events may be nil.
func NewBatchRunner(analyzer *Analyzer, source BundleSource, sink ResultSink, events ScoreEvents, opts BatchOptions, log *logger.Logger) *BatchRunner {
	if opts.Workers <= 0 {
		opts.Workers = max(runtime.NumCPU()-2, 1)
	}
	return &BatchRunner{
		analyzer: analyzer,
		source:   source,
		sink:     sink,
		events:   events,
		opts:     opts,
		logger:   log.WithComponent("batch"),
	}
}

type skipReason int

const (
	notSkipped skipReason = iota
	skipDone
	skipSmall
)

type batchOutcome struct {
	ref    BundleRef
	result *models.AnalysisResult
	skip   skipReason
	kind   FailureKind
	err    error
	took   time.Duration
}

// Run scores the source. It returns early only when the source cannot be
// listed, the done set cannot be read, or ctx is cancelled.
func (r *BatchRunner) Run(ctx context.Context) (*BatchStats, error) {
	start := time.Now()
	stats := &BatchStats{Failures: make(map[FailureKind]int)}

	refs, err := r.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list bundles: %w", err)
	}

	done := map[string]struct{}{}
	if ds, ok := r.sink.(DoneSet); ok && r.opts.Resume {
		if done, err = ds.DoneNames(ctx); err != nil {
			return nil, fmt.Errorf("failed to read completed packages: %w", err)
		}
	}

	pending := make([]BundleRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := done[ref.Name]; ok {
			stats.Skipped++
			metrics.RecordSkip()
			continue
		}
		pending = append(pending, ref)
	}
	stats.Total = len(pending)

	r.logger.Info().
		Int("listed", len(refs)).
		Int("pending", len(pending)).
		Int("already_done", stats.Skipped).
		Int("workers", r.opts.Workers).
		Msg("starting batch run")

	jobs := make(chan BundleRef, len(pending))
	results := make(chan batchOutcome, r.opts.Workers)

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range jobs {
				if ctx.Err() != nil {
					continue
				}
				metrics.BatchStarted()
				results <- r.process(ctx, ref, done)
				metrics.BatchFinished()
			}
		}()
	}

	// Send jobs
	for _, ref := range pending {
		jobs <- ref
	}
	close(jobs)

	// Wait for workers
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results; the collector is the only writer
	processed := 0
	for out := range results {
		processed++
		r.collect(ctx, out, stats)
		if r.opts.ProgressEvery > 0 && processed%r.opts.ProgressEvery == 0 {
			r.logger.Info().
				Int("processed", processed).
				Int("total", stats.Total).
				Int("scored", stats.Scored).
				Int("failed", stats.Failed()).
				Dur("elapsed", time.Since(start)).
				Msg("batch progress")
		}
	}

	stats.Elapsed = time.Since(start)
	r.logger.Info().
		Int("total", stats.Total).
		Int("scored", stats.Scored).
		Int("degenerate", stats.Degenerate).
		Int("skipped", stats.Skipped).
		Interface("failures", stats.Failures).
		Dur("elapsed", stats.Elapsed).
		Msg("batch run complete")

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}

// process loads and analyzes one bundle under the per-package budget. The
// done set is checked again against the loaded apk_name, which is what the
// sinks record and may differ from the source's file name.
func (r *BatchRunner) process(ctx context.Context, ref BundleRef, done map[string]struct{}) batchOutcome {
	start := time.Now()
	pctx := ctx
	if r.opts.PackageTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, r.opts.PackageTimeout)
		defer cancel()
	}

	b, err := r.source.Load(pctx, ref)
	if err != nil {
		kind := FailureLoad
		if errors.Is(err, models.ErrMalformedBundle) {
			kind = FailureMalformed
		}
		return batchOutcome{ref: ref, kind: kind, err: err, took: time.Since(start)}
	}
	if _, ok := done[b.Name]; ok {
		return batchOutcome{ref: ref, skip: skipDone, took: time.Since(start)}
	}
	if r.opts.MinSizeKB > 0 && b.SizeKB > 0 && b.SizeKB < r.opts.MinSizeKB {
		return batchOutcome{ref: ref, skip: skipSmall, took: time.Since(start)}
	}

	result, err := r.analyzer.Analyze(pctx, b)
	if err != nil {
		kind := ClassifyFailure(err)
		if kind == FailureUnexpected && errors.Is(pctx.Err(), context.DeadlineExceeded) {
			kind = FailureTimeout
		}
		return batchOutcome{ref: ref, kind: kind, err: err, took: time.Since(start)}
	}
	return batchOutcome{ref: ref, result: result, took: time.Since(start)}
}

func (r *BatchRunner) collect(ctx context.Context, out batchOutcome, stats *BatchStats) {
	switch out.skip {
	case skipDone:
		stats.Skipped++
		metrics.RecordSkip()
		r.logger.Debug().Str("package", out.ref.Name).Msg("package already scored")
		return
	case skipSmall:
		stats.Skipped++
		stats.BelowMinSize++
		metrics.RecordSkip()
		r.logger.Debug().Str("package", out.ref.Name).Msg("package below minimum size")
		return
	}
	if out.result == nil {
		r.fail(ctx, out, stats)
		return
	}

	if err := r.sink.Write(ctx, out.result); err != nil {
		out.kind, out.err = FailureSink, err
		r.fail(ctx, out, stats)
		return
	}

	outcome := metrics.OutcomeScored
	if out.result.Degenerate {
		outcome = metrics.OutcomeDegenerate
		stats.Degenerate++
	}
	stats.Scored++
	metrics.RecordAnalysis(outcome, out.took, out.result.Score)

	if r.events != nil {
		if err := r.events.PublishScored(ctx, out.result); err != nil {
			r.logger.Warn().Err(err).Str("package", out.ref.Name).Msg("failed to publish score event")
		}
	}
}

func (r *BatchRunner) fail(ctx context.Context, out batchOutcome, stats *BatchStats) {
	stats.Failures[out.kind]++

	metrics.RecordAnalysis(metrics.OutcomeFailed, out.took, 0)
	r.logger.Error().
		Err(out.err).
		Str("package", out.ref.Name).
		Str("kind", string(out.kind)).
		Msg("package failed")

	if r.events != nil {
		if err := r.events.PublishFailed(ctx, out.ref.Name, out.kind, out.err); err != nil {
			r.logger.Warn().Err(err).Str("package", out.ref.Name).Msg("failed to publish failure event")
		}
	}
}
