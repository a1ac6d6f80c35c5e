package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"apkscore-lab/internal/config"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/internal/infrastructure/cache"
	"apkscore-lab/internal/infrastructure/database"
	"apkscore-lab/internal/infrastructure/database/repository"
	"apkscore-lab/internal/streaming"
	"apkscore-lab/pkg/logger"
)

// Sink selections for batch.sink
const (
	sinkCSV      = "csv"
	sinkPostgres = "postgres"
	sinkBoth     = "both"
)

var (
	batchSubset string
	batchLimit  int
)

var batchCmd = &cobra.Command{
	Use:   "batch <dataset-dir>",
	Short: "Score every bundle of a dataset directory",
	Long: `batch scores every *.json bundle under a dataset directory with a worker pool.

A directory holding benign/ and malware/ subdirectories is read as a labeled
dataset; any other directory is read flat with unknown labels. Results go to a
CSV file, PostgreSQL, or both. Packages already present in the sink are
skipped unless --resume=false.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

// batchBindings maps config keys to batch flags
var batchBindings = map[string]string{
	"batch.workers":         "workers",
	"batch.package_timeout": "timeout",
	"batch.min_size_kb":     "min-size-kb",
	"batch.progress_every":  "progress-every",
	"batch.resume":          "resume",
	"batch.output":          "output",
	"batch.features":        "features",
	"batch.sink":            "sink",
}

func init() {
	f := batchCmd.Flags()
	f.Int("workers", 0, "worker goroutines (default NumCPU-2, at least 1)")
	f.Duration("timeout", 0, "wall-clock budget per package (e.g. 10m)")
	f.Int("min-size-kb", 0, "skip packages smaller than this; 0 disables")
	f.Int("progress-every", 50, "log progress every N packages")
	f.Bool("resume", true, "skip packages already present in the sink")
	f.StringP("output", "o", "scores.csv", "CSV output path")
	f.Bool("features", false, "write the full feature vector instead of scores")
	f.String("sink", sinkCSV, "result sink: csv, postgres or both")
	f.StringVar(&batchSubset, "subset", "", "restrict a labeled dataset to benign or malware")
	f.IntVar(&batchLimit, "limit", 0, "score at most N packages; 0 means all")
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, analyzer, log, err := newAnalyzer(cmd, batchBindings)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := services.NewDirectorySource(args[0], services.DirectorySourceOptions{
		Subset: batchSubset,
		Limit:  batchLimit,
	})
	if err != nil {
		return err
	}

	if cfg.Redis.Enabled {
		release, err := acquireBatchLock(ctx, cfg, args[0], log)
		if err != nil {
			return err
		}
		defer release()
	}

	sink, closeStores, err := openSink(ctx, cfg, analyzer, log)
	if err != nil {
		return err
	}
	defer closeStores()

	var events services.ScoreEvents
	if cfg.NATS.Enabled {
		publisher, err := streaming.NewNATSPublisher(ctx, cfg.NATS, log)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to NATS, continuing without score events")
		} else {
			bus := streaming.NewEventBus(publisher, log)
			defer bus.Close()
			events = bus
		}
	}

	runner := services.NewBatchRunner(analyzer, source, sink, events, services.BatchOptionsFromConfig(cfg.Batch), log)
	stats, runErr := runner.Run(ctx)
	if err := sink.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close sink")
	}
	if stats != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(stats); err != nil {
			return err
		}
	}
	return runErr
}

// openSink builds the configured result sink; the returned func closes the
// stores behind it. The database is opened first so a connection failure
// leaves no output file behind.
func openSink(ctx context.Context, cfg *config.Config, analyzer *services.Analyzer, log *logger.Logger) (services.ResultSink, func(), error) {
	var sinks []services.ResultSink
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Batch.Sink {
	case sinkCSV, sinkPostgres, sinkBoth:
	default:
		return nil, nil, fmt.Errorf("unknown sink %q", cfg.Batch.Sink)
	}

	if cfg.Batch.Sink == sinkPostgres || cfg.Batch.Sink == sinkBoth {
		db, err := database.NewPostgres(ctx, cfg.Database, log)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, db.Close)
		if err := repository.EnsureScoreSchema(ctx, db); err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, repository.NewScoreRepository(db.Pool()))
		log.Info().Str("database", cfg.Database.DBName).Msg("writing PostgreSQL")
	}

	if cfg.Batch.Sink == sinkCSV || cfg.Batch.Sink == sinkBoth {
		var featureNames []string
		if cfg.Batch.Features {
			featureNames = analyzer.FeatureNames()
		}
		if dir := filepath.Dir(cfg.Batch.Output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
			}
		}
		csvSink, err := services.NewCSVSink(cfg.Batch.Output, featureNames, cfg.Batch.Resume)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, csvSink)
		log.Info().Str("path", cfg.Batch.Output).Bool("features", cfg.Batch.Features).Msg("writing CSV")
	}

	if len(sinks) == 1 {
		return sinks[0], closeAll, nil
	}
	return services.NewMultiSink(sinks...), closeAll, nil
}

var errBatchLocked = errors.New("another batch is already scoring this dataset")

// acquireBatchLock takes a Redis lock keyed by the dataset path so two runs
// never append to the same outputs
func acquireBatchLock(ctx context.Context, cfg *config.Config, dataset string, log *logger.Logger) (func(), error) {
	rc, err := cache.NewRedis(ctx, cfg.Redis, log)
	if err != nil {
		return nil, err
	}

	key := lockKey(dataset, cfg.Batch.Output)
	owner := uuid.New().String()
	ok, err := rc.AcquireLock(ctx, key, owner, cfg.Batch.LockTTL)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to acquire batch lock: %w", err)
	}
	if !ok {
		rc.Close()
		return nil, errBatchLocked
	}
	log.Debug().Str("lock", key).Str("owner", owner).Msg("batch lock acquired")

	return func() {
		if err := rc.ReleaseLock(context.Background(), key); err != nil {
			log.Warn().Err(err).Msg("failed to release batch lock")
		}
		rc.Close()
	}, nil
}

func lockKey(dataset, output string) string {
	abs, err := filepath.Abs(dataset)
	if err != nil {
		abs = dataset
	}
	sum := sha256.Sum256([]byte(abs + "\x00" + output))
	return hex.EncodeToString(sum[:8])
}
