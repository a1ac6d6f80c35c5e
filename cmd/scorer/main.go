package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"apkscore-lab/internal/config"
	"apkscore-lab/internal/domain/services"
	"apkscore-lab/pkg/logger"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scorer",
	Short: "Behavioral call-graph scoring for disassembled Android packages",
	Long: `scorer builds a weighted class-level call graph from an extracted bundle,
maps it onto behavioral categories and produces a heuristic malware score.

Score a labeled dataset (benign/ and malware/ subdirectories) into a CSV:

  scorer batch ./dataset --output scores.csv

Inspect a single bundle:

  scorer explain app.json
  scorer graphml app.json -o app.graphml

Follow score events published to NATS:

  scorer watch --types package_scored`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml or /etc/apkscore/config.yaml)")
	rootCmd.PersistentFlags().String("rules", "", "rule tables TOML replacing the embedded ones")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(explainCmd)
	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(graphmlCmd)
}

// globalBindings maps config keys to persistent flags
var globalBindings = map[string]string{
	"scoring.rules_file": "rules",
	"logger.level":       "log-level",
}

// loadConfig reads the config file and environment with cmd's flags on top
func loadConfig(cmd *cobra.Command, extra map[string]string) (*config.Config, error) {
	bindings := make(map[string]string, len(globalBindings)+len(extra))
	for k, v := range globalBindings {
		bindings[k] = v
	}
	for k, v := range extra {
		bindings[k] = v
	}
	cfg, err := config.LoadWithFlags(cfgFile, cmd.Flags(), bindings)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger logs to stderr so stdout stays clean for command output
func newLogger(cfg *config.Config) *logger.Logger {
	log := logger.New(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		TimeFormat: cfg.Logger.TimeFormat,
		Output:     os.Stderr,
	})
	return log
}

func newAnalyzer(cmd *cobra.Command, extra map[string]string) (*config.Config, *services.Analyzer, *logger.Logger, error) {
	cfg, err := loadConfig(cmd, extra)
	if err != nil {
		return nil, nil, nil, err
	}
	log := newLogger(cfg)
	analyzer, err := services.NewAnalyzerFromConfig(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, analyzer, log, nil
}
