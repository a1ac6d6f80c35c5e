package services

import (
	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/domain/services/rules"
)

// FeatureVectorVersion changes whenever the field order or count changes
const FeatureVectorVersion = "v1"

var leadingFeatures = []string{
	"apk_size_kb",
	"node_count",
	"edge_count",
	"is_packed",
	"density",
	"avg_betweenness",
	"avg_clustering",
	"pagerank_max",
	"avg_in_degree",
	"avg_out_degree",
}

var trailingFeatures = []string{
	"benign_ratio",
	"dangerous_perm_count",
	"malware_score",
}

// FeatureNames returns the feature header: the structural fields, one
// g_<category> and one m_<category> column per rule category, then the
// trailing summary fields.
func FeatureNames(rs *rules.RuleSet) []string {
	ids := rs.CategoryIDs()
	names := make([]string, 0, len(leadingFeatures)+2*len(ids)+len(trailingFeatures))
	names = append(names, leadingFeatures...)
	for _, id := range ids {
		names = append(names, "g_"+string(id))
	}
	for _, id := range ids {
		names = append(names, "m_"+string(id))
	}
	return append(names, trailingFeatures...)
}

// BuildFeatureVector lays out an analysis result in FeatureNames order
func BuildFeatureVector(rs *rules.RuleSet, r *models.AnalysisResult) models.FeatureVector {
	ids := rs.CategoryIDs()
	values := make([]float64, 0, len(leadingFeatures)+2*len(ids)+len(trailingFeatures))

	packed := 0.0
	if r.Metadata.Packed {
		packed = 1.0
	}
	m := r.Metrics
	values = append(values,
		float64(r.Metadata.SizeKB),
		float64(m.NodeCount),
		float64(m.EdgeCount),
		packed,
		m.Density,
		m.AvgBetweenness,
		m.AvgClustering,
		m.PageRankMax,
		m.AvgInDegree,
		m.AvgOutDegree,
	)
	for _, id := range ids {
		values = append(values, float64(r.GraphCounts.Get(id)))
	}
	for _, id := range ids {
		values = append(values, float64(r.ManifestCounts.Get(id)))
	}
	values = append(values,
		r.BenignRatio,
		float64(r.Metadata.DangerousHits),
		r.Score,
	)

	return models.FeatureVector{Version: FeatureVectorVersion, Values: values}
}
