package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"apkscore-lab/internal/domain/models"
	"apkscore-lab/internal/infrastructure/database"
)

// ErrNotFound is returned when no row matches
var ErrNotFound = errors.New("not found")

// ScoreSchema creates the score table
const ScoreSchema = `
CREATE TABLE IF NOT EXISTS package_scores (
	apk_name         TEXT PRIMARY KEY,
	id               UUID NOT NULL,
	label            SMALLINT NOT NULL,
	malware_score    DOUBLE PRECISION NOT NULL,
	degenerate       BOOLEAN NOT NULL DEFAULT FALSE,
	node_count       INTEGER NOT NULL,
	edge_count       INTEGER NOT NULL,
	apk_size_kb      INTEGER NOT NULL,
	feature_version  TEXT NOT NULL,
	features         DOUBLE PRECISION[] NOT NULL,
	breakdown        JSONB NOT NULL,
	graph_counts     JSONB NOT NULL,
	manifest_counts  JSONB NOT NULL,
	metrics          JSONB NOT NULL,
	metric_warnings  TEXT[] NOT NULL DEFAULT '{}',
	analyzed_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_package_scores_label ON package_scores (label);
CREATE INDEX IF NOT EXISTS idx_package_scores_score ON package_scores (malware_score DESC);`

// ScoreRepository persists analysis results. It implements the batch result
// sink and its resume set.
type ScoreRepository struct {
	db database.DBTX
}

// NewScoreRepository creates a new score repository
func NewScoreRepository(db database.DBTX) *ScoreRepository {
	return &ScoreRepository{db: db}
}

// EnsureSchema creates the table when missing
func (r *ScoreRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, ScoreSchema); err != nil {
		return fmt.Errorf("failed to create score schema: %w", err)
	}
	return nil
}

// EnsureScoreSchema creates the score table and its indexes in one transaction
func EnsureScoreSchema(ctx context.Context, db *database.PostgresDB) error {
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		return NewScoreRepository(tx).EnsureSchema(ctx)
	})
}

// scoreRow is the column form of an analysis result
type scoreRow struct {
	Name           string
	Result         *models.AnalysisResult
	Breakdown      []byte
	GraphCounts    []byte
	ManifestCounts []byte
	Metrics        []byte
	Warnings       []string
}

func toRow(res *models.AnalysisResult) (*scoreRow, error) {
	row := &scoreRow{Name: res.PackageName, Result: res, Warnings: res.MetricWarnings}
	if row.Warnings == nil {
		row.Warnings = []string{}
	}
	var err error
	if row.Breakdown, err = json.Marshal(res.Breakdown); err != nil {
		return nil, fmt.Errorf("failed to encode breakdown: %w", err)
	}
	if row.GraphCounts, err = json.Marshal(nonNilCounts(res.GraphCounts)); err != nil {
		return nil, fmt.Errorf("failed to encode graph counts: %w", err)
	}
	if row.ManifestCounts, err = json.Marshal(nonNilCounts(res.ManifestCounts)); err != nil {
		return nil, fmt.Errorf("failed to encode manifest counts: %w", err)
	}
	if row.Metrics, err = json.Marshal(res.Metrics); err != nil {
		return nil, fmt.Errorf("failed to encode metrics: %w", err)
	}
	return row, nil
}

func nonNilCounts(c models.CategoryCounts) models.CategoryCounts {
	if c == nil {
		return models.CategoryCounts{}
	}
	return c
}

// Write upserts one result keyed by package name
func (r *ScoreRepository) Write(ctx context.Context, res *models.AnalysisResult) error {
	row, err := toRow(res)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO package_scores (
			apk_name, id, label, malware_score, degenerate, node_count, edge_count, apk_size_kb,
			feature_version, features, breakdown, graph_counts, manifest_counts, metrics,
			metric_warnings, analyzed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
		ON CONFLICT (apk_name) DO UPDATE SET
			id = EXCLUDED.id,
			label = EXCLUDED.label,
			malware_score = EXCLUDED.malware_score,
			degenerate = EXCLUDED.degenerate,
			node_count = EXCLUDED.node_count,
			edge_count = EXCLUDED.edge_count,
			apk_size_kb = EXCLUDED.apk_size_kb,
			feature_version = EXCLUDED.feature_version,
			features = EXCLUDED.features,
			breakdown = EXCLUDED.breakdown,
			graph_counts = EXCLUDED.graph_counts,
			manifest_counts = EXCLUDED.manifest_counts,
			metrics = EXCLUDED.metrics,
			metric_warnings = EXCLUDED.metric_warnings,
			analyzed_at = EXCLUDED.analyzed_at`

	_, err = r.db.Exec(ctx, query,
		row.Name, res.ID, res.Label, res.Score, res.Degenerate,
		res.Metrics.NodeCount, res.Metrics.EdgeCount, res.Metadata.SizeKB,
		res.Features.Version, res.Features.Values,
		row.Breakdown, row.GraphCounts, row.ManifestCounts, row.Metrics,
		row.Warnings, res.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store score for %s: %w", res.PackageName, err)
	}
	return nil
}

// DoneNames returns every package already stored
func (r *ScoreRepository) DoneNames(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.Query(ctx, `SELECT apk_name FROM package_scores`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stored packages: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan stored packages: %w", err)
	}
	done := make(map[string]struct{}, len(names))
	for _, n := range names {
		done[n] = struct{}{}
	}
	return done, nil
}

// GetByName retrieves a stored result
func (r *ScoreRepository) GetByName(ctx context.Context, name string) (*models.AnalysisResult, error) {
	query := `
		SELECT apk_name, id, label, malware_score, degenerate, apk_size_kb,
			   feature_version, features, breakdown, graph_counts, manifest_counts, metrics,
			   metric_warnings, analyzed_at
		FROM package_scores
		WHERE apk_name = $1`

	var (
		res                                   models.AnalysisResult
		breakdown, graph, manifest, metricsJS []byte
	)
	err := r.db.QueryRow(ctx, query, name).Scan(
		&res.PackageName, &res.ID, &res.Label, &res.Score, &res.Degenerate, &res.Metadata.SizeKB,
		&res.Features.Version, &res.Features.Values, &breakdown, &graph, &manifest, &metricsJS,
		&res.MetricWarnings, &res.AnalyzedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("score %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get score %s: %w", name, err)
	}
	if err := decodeJSONColumns(&res, breakdown, graph, manifest, metricsJS); err != nil {
		return nil, err
	}
	return &res, nil
}

func decodeJSONColumns(res *models.AnalysisResult, breakdown, graph, manifest, metricsJS []byte) error {
	if err := json.Unmarshal(breakdown, &res.Breakdown); err != nil {
		return fmt.Errorf("failed to decode breakdown: %w", err)
	}
	if err := json.Unmarshal(graph, &res.GraphCounts); err != nil {
		return fmt.Errorf("failed to decode graph counts: %w", err)
	}
	if err := json.Unmarshal(manifest, &res.ManifestCounts); err != nil {
		return fmt.Errorf("failed to decode manifest counts: %w", err)
	}
	if err := json.Unmarshal(metricsJS, &res.Metrics); err != nil {
		return fmt.Errorf("failed to decode metrics: %w", err)
	}
	return nil
}

// LabelStats summarizes stored scores for one label
type LabelStats struct {
	Label     int     `json:"label"`
	Count     int     `json:"count"`
	MeanScore float64 `json:"mean_score"`
	MaxScore  float64 `json:"max_score"`
}

// StatsByLabel aggregates stored scores per label
func (r *ScoreRepository) StatsByLabel(ctx context.Context) ([]LabelStats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT label, COUNT(*), COALESCE(AVG(malware_score), 0), COALESCE(MAX(malware_score), 0)
		FROM package_scores
		GROUP BY label
		ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate scores: %w", err)
	}
	defer rows.Close()

	var out []LabelStats
	for rows.Next() {
		var s LabelStats
		if err := rows.Scan(&s.Label, &s.Count, &s.MeanScore, &s.MaxScore); err != nil {
			return nil, fmt.Errorf("failed to scan score stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close is a no-op; the pool is owned by the caller
func (r *ScoreRepository) Close() error {
	return nil
}
