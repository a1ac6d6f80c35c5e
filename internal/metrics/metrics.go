// Package metrics exposes Prometheus collectors for the scoring pipeline and
// the HTTP layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packagesAnalyzedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apkscore_packages_analyzed_total",
		Help: "Total packages analyzed by outcome.",
	}, []string{"outcome"})

	analysisDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apkscore_analysis_duration_seconds",
		Help:    "Per-package pipeline duration in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"outcome"})

	malwareScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "apkscore_malware_score",
		Help:    "Distribution of heuristic malware scores.",
		Buckets: []float64{0, 5, 10, 20, 40, 60, 80, 100, 130},
	})

	metricFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apkscore_metric_failures_total",
		Help: "Structural metrics substituted after a local failure.",
	}, []string{"metric"})

	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apkscore_cache_lookups_total",
		Help: "Result cache lookups by layer and result.",
	}, []string{"layer", "result"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apkscore_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apkscore_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	batchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "apkscore_batch_in_flight",
		Help: "Packages currently being analyzed by batch workers.",
	})
)

// Outcome labels
const (
	OutcomeScored     = "scored"
	OutcomeDegenerate = "degenerate"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAnalysis records one pipeline run. score is ignored unless the
// outcome is scored or degenerate.
func RecordAnalysis(outcome string, d time.Duration, score float64) {
	packagesAnalyzedTotal.WithLabelValues(outcome).Inc()
	analysisDuration.WithLabelValues(outcome).Observe(d.Seconds())
	if outcome == OutcomeScored || outcome == OutcomeDegenerate {
		malwareScore.Observe(score)
	}
}

// RecordSkip records a package skipped before analysis
func RecordSkip() {
	packagesAnalyzedTotal.WithLabelValues(OutcomeSkipped).Inc()
}

// RecordMetricFailure records a substituted structural metric
func RecordMetricFailure(metric string) {
	metricFailuresTotal.WithLabelValues(metric).Inc()
}

// RecordCacheLookup records a cache hit or miss on a layer ("lru", "redis")
func RecordCacheLookup(layer string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(layer, result).Inc()
}

// RecordRequest records one HTTP request
func RecordRequest(method, path, status string, d time.Duration) {
	requestsTotal.WithLabelValues(method, path, status).Inc()
	requestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// BatchStarted and BatchFinished track in-flight batch work
func BatchStarted()  { batchInFlight.Inc() }
func BatchFinished() { batchInFlight.Dec() }
