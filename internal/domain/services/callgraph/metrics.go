package callgraph

import (
	"context"
	"fmt"

	"apkscore-lab/internal/domain/models"
)

// MetricOptions tune the structural metric algorithms
type MetricOptions struct {
	BetweennessCost   CostMode
	PageRankDamping   float64
	PageRankMaxIter   int
	PageRankTolerance float64
}

// DefaultMetricOptions returns the standard settings
func DefaultMetricOptions() MetricOptions {
	return MetricOptions{
		BetweennessCost:   CostInverse,
		PageRankDamping:   DefaultDamping,
		PageRankMaxIter:   DefaultMaxIter,
		PageRankTolerance: DefaultTolerance,
	}
}

// MetricFailure records a metric that could not be computed and was substituted
type MetricFailure struct {
	Metric string
	Err    error
}

func (f MetricFailure) String() string {
	return fmt.Sprintf("%s: %v", f.Metric, f.Err)
}

// ComputeMetrics computes every structural metric of g. A failing metric
// (error or panic) never aborts the others: it is replaced by 0.0, or by the
// uniform value 1/N for pagerank, and reported in the returned failures.
// The empty graph yields all-zero metrics and no failures. Cancellation of
// ctx is not a metric failure: it aborts the computation with ctx.Err().
func ComputeMetrics(ctx context.Context, g *Graph, opts MetricOptions) (models.GraphMetrics, []MetricFailure, error) {
	n, e := g.NodeCount(), g.EdgeCount()
	m := models.GraphMetrics{NodeCount: n, EdgeCount: e}
	if n == 0 {
		return m, nil, nil
	}
	if opts.PageRankMaxIter <= 0 {
		opts.PageRankMaxIter = DefaultMaxIter
	}
	if opts.PageRankTolerance <= 0 {
		opts.PageRankTolerance = DefaultTolerance
	}
	if opts.PageRankDamping <= 0 || opts.PageRankDamping >= 1 {
		opts.PageRankDamping = DefaultDamping
	}

	var failures []MetricFailure
	record := func(name string, err error) {
		failures = append(failures, MetricFailure{Metric: name, Err: err})
	}

	m.Density = Density(n, e)
	m.AvgInDegree = float64(e) / float64(n)
	m.AvgOutDegree = float64(e) / float64(n)
	m.MaxOutDegree = g.MaxOutDegree()

	var cancelled error
	v, err := guard(func() (float64, error) {
		cb, err := g.Betweenness(ctx, opts.BetweennessCost)
		if err != nil {
			cancelled = err
			return 0, nil
		}
		return mean(cb), nil
	})
	if cancelled != nil {
		return m, failures, cancelled
	}
	if err != nil {
		record("avg_betweenness", err)
	} else {
		m.AvgBetweenness = v
	}
	if err := ctx.Err(); err != nil {
		return m, failures, err
	}

	if v, err := guard(func() (float64, error) { return mean(g.Clustering()), nil }); err != nil {
		record("avg_clustering", err)
	} else {
		m.AvgClustering = v
	}

	v, err = guard(func() (float64, error) {
		pr, err := g.PageRank(opts.PageRankDamping, opts.PageRankMaxIter, opts.PageRankTolerance)
		if err != nil {
			return 0, err
		}
		return maxOf(pr), nil
	})
	if err != nil {
		record("pagerank_max", err)
		v = 1.0 / float64(n)
	}
	m.PageRankMax = v

	return m, failures, nil
}

// Density returns E/(N(N-1)) for N >= 2 and 0 otherwise
func Density(n, e int) float64 {
	if n < 2 {
		return 0
	}
	return float64(e) / float64(n*(n-1))
}

// guard runs fn and converts a panic into an error.
func guard(fn func() (float64, error)) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = 0
			err = fmt.Errorf("recovered: %v", r)
		}
	}()
	return fn()
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func maxOf(xs []float64) float64 {
	var max float64
	for i, x := range xs {
		if i == 0 || x > max {
			max = x
		}
	}
	return max
}
