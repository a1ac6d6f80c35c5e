package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	var cfg *Config
	require.NotPanics(t, func() { cfg = Default() })

	assert.Equal(t, 2, cfg.Graph.MinWeight)
	assert.Equal(t, 50, cfg.Graph.FanOutCap)
	assert.True(t, cfg.Graph.DropIsolated)
	assert.Equal(t, 10000, cfg.Graph.MaxNodes)
	assert.Equal(t, 100000, cfg.Graph.MaxEdges)
	assert.Equal(t, "inverse", cfg.Metrics.BetweennessCost)
	assert.Equal(t, 0.85, cfg.Metrics.PageRankDamping)
	assert.Equal(t, 100, cfg.Metrics.PageRankMaxIter)
	assert.Equal(t, 1e-6, cfg.Metrics.PageRankTolerance)
	assert.Equal(t, "half_even", cfg.Scoring.Rounding)
	assert.Equal(t, 50, cfg.Batch.ProgressEvery)
	assert.Equal(t, 10*time.Minute, cfg.Batch.PackageTimeout)
	assert.GreaterOrEqual(t, cfg.Batch.Workers, 1)
	assert.Contains(t, cfg.CORS.AllowedMethods, "DELETE")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
graph:
  min_weight: 3
  fan_out_cap: 20
metrics:
  betweenness_cost: weight
scoring:
  rounding: truncate
batch:
  workers: 4
  sink: both
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("APKSCORE_BATCH_WORKERS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Graph.MinWeight)
	assert.Equal(t, 20, cfg.Graph.FanOutCap)
	assert.True(t, cfg.Graph.DropIsolated, "unset keys keep their defaults")
	assert.Equal(t, "weight", cfg.Metrics.BetweennessCost)
	assert.Equal(t, "truncate", cfg.Scoring.Rounding)
	assert.Equal(t, "both", cfg.Batch.Sink)
	assert.Equal(t, 7, cfg.Batch.Workers)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadWithFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("batch:\n  workers: 3\n  output: from-file.csv\n"), 0o600))

	flags := pflag.NewFlagSet("scorer", pflag.ContinueOnError)
	flags.Int("workers", 1, "")
	flags.String("output", "unused.csv", "")
	flags.Int("min-size-kb", 0, "")
	require.NoError(t, flags.Parse([]string{"--workers", "9"}))

	cfg, err := LoadWithFlags(path, flags, map[string]string{
		"batch.workers":     "workers",
		"batch.output":      "output",
		"batch.min_size_kb": "min-size-kb",
	})
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Batch.Workers)
	assert.Equal(t, "from-file.csv", cfg.Batch.Output)
	assert.Equal(t, 0, cfg.Batch.MinSizeKB)

	_, err = LoadWithFlags(path, flags, map[string]string{"batch.sink": "sink"})
	assert.Error(t, err)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("graph:\n  fan_out_cap: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fan_out_cap")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"min weight", func(c *Config) { c.Graph.MinWeight = 0 }, "min_weight"},
		{"negative ceiling", func(c *Config) { c.Graph.MaxEdges = -1 }, "max_edges"},
		{"cost mode", func(c *Config) { c.Metrics.BetweennessCost = "capacity" }, "betweenness_cost"},
		{"damping", func(c *Config) { c.Metrics.PageRankDamping = 1 }, "pagerank_damping"},
		{"iterations", func(c *Config) { c.Metrics.PageRankMaxIter = 0 }, "pagerank_max_iter"},
		{"tolerance", func(c *Config) { c.Metrics.PageRankTolerance = 0 }, "pagerank_tolerance"},
		{"rounding", func(c *Config) { c.Scoring.Rounding = "ceil" }, "rounding"},
		{"workers", func(c *Config) { c.Batch.Workers = 0 }, "workers"},
		{"sink", func(c *Config) { c.Batch.Sink = "s3" }, "sink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestConnectionStrings(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr())
	assert.Equal(t, "postgres://apkscore:@localhost:5432/apkscore?sslmode=disable&search_path=public", cfg.Database.DSN())
}
