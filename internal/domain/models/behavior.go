package models

import (
	"time"

	"github.com/google/uuid"
)

// Category is a named behavioral category such as messaging_abuse.
type Category string

// Behavioral categories known to the default rule tables
const (
	CategoryMessagingAbuse        Category = "messaging_abuse"
	CategoryTelephony             Category = "telephony"
	CategoryNetwork               Category = "network"
	CategoryCrypto                Category = "crypto"
	CategoryReflection            Category = "reflection"
	CategoryDynamicCodeLoading    Category = "dynamic_code_loading"
	CategoryDangerousPermissions  Category = "dangerous_permissions"
	CategoryFileOperations        Category = "file_operations"
	CategoryDeviceFingerprinting  Category = "device_fingerprinting"
	CategoryLocation              Category = "location"
	CategoryMediaCapture          Category = "media_capture"
	CategoryRootDetection         Category = "root_detection"
	CategoryAdministrativeControl Category = "administrative_control"
	CategoryObfuscation           Category = "obfuscation"
	CategoryBackgroundPersistence Category = "background_persistence"
	CategoryBankingTargets        Category = "banking_targets"
	CategoryNativeCode            Category = "native_code"
	CategoryAntiAnalysis          Category = "anti_analysis"
	CategoryModernLibs            Category = "modern_libs"
	CategoryPrivilegedOps         Category = "privileged_ops"
)

// CategoryCounts maps a category to a non-negative hit count.
type CategoryCounts map[Category]int

// Get returns the count for c, zero when absent.
func (c CategoryCounts) Get(cat Category) int {
	return c[cat]
}

// Total returns the sum of all counts.
func (c CategoryCounts) Total() int {
	total := 0
	for _, v := range c {
		total += v
	}
	return total
}

// Clone returns an independent copy.
func (c CategoryCounts) Clone() CategoryCounts {
	out := make(CategoryCounts, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// GraphMetrics are the structural metrics of one behavioral graph
type GraphMetrics struct {
	NodeCount      int     `json:"node_count"`
	EdgeCount      int     `json:"edge_count"`
	Density        float64 `json:"density"`
	AvgBetweenness float64 `json:"avg_betweenness"`
	AvgClustering  float64 `json:"avg_clustering"`
	PageRankMax    float64 `json:"pagerank_max"`
	AvgInDegree    float64 `json:"avg_in_degree"`
	AvgOutDegree   float64 `json:"avg_out_degree"`
	MaxOutDegree   int     `json:"max_out_degree"`
}

// ScoreBreakdown exposes every intermediate term of the heuristic score
type ScoreBreakdown struct {
	SemanticGraph    float64   `json:"sem_graph"`
	SemanticManifest float64   `json:"sem_manifest"`
	Beta             float64   `json:"beta"`
	SemanticRaw      float64   `json:"sem_raw"`
	Norm             float64   `json:"norm"`
	SemanticNormed   float64   `json:"sem_normed"`
	Semantic         float64   `json:"sem"`
	Structural       float64   `json:"structural"`
	Bonus            float64   `json:"bonus"`
	SizeMultiplier   float64   `json:"size_multiplier"`
	SizeClass        SizeClass `json:"size_class"`
	BenignHint       bool      `json:"benign_hint"`
	Total            float64   `json:"total"`
}

// AnalysisResult is the outcome of running the full pipeline on one bundle
type AnalysisResult struct {
	ID             uuid.UUID      `json:"id"`
	PackageName    string         `json:"apk_name"`
	Label          int            `json:"label"`
	Score          float64        `json:"malware_score"`
	Degenerate     bool           `json:"degenerate"`
	Breakdown      ScoreBreakdown `json:"breakdown"`
	GraphCounts    CategoryCounts `json:"graph_counts"`
	ManifestCounts CategoryCounts `json:"manifest_counts"`
	Metrics        GraphMetrics   `json:"metrics"`
	BenignRatio    float64        `json:"benign_ratio"`
	Metadata       Metadata       `json:"metadata"`
	Features       FeatureVector  `json:"features"`
	// MetricWarnings lists metrics that were substituted after a local failure
	MetricWarnings []string  `json:"metric_warnings,omitempty"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
	Duration       string    `json:"duration"`
}

// FeatureVector is the fixed-order numeric export consumed by model training
type FeatureVector struct {
	Version string    `json:"version"`
	Values  []float64 `json:"values"`
}
