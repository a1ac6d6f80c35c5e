package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"apkscore-lab/internal/streaming"
)

var (
	watchTypes    string
	watchMinScore string
	watchCount    int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print score events from NATS as JSON lines",
	Long: `watch follows the score event stream published by batch runs and the API
and prints each matching event as one JSON line. It reads only events
published after it starts.

  scorer watch --types package_scored --min-score 40`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchTypes, "types", "", "comma separated event types: package_scored, package_failed")
	f.StringVar(&watchMinScore, "min-score", "", "drop scored events below this score")
	f.IntVar(&watchCount, "count", 0, "exit after N events; 0 runs until interrupted")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	sub, err := streaming.ParseSubscription(watchTypes, watchMinScore)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := streaming.NewNATSPublisher(ctx, cfg.NATS, log)
	if err != nil {
		return err
	}
	defer publisher.Close()

	events, err := publisher.Subscribe(ctx, sub)
	if err != nil {
		return err
	}
	log.Info().Str("url", cfg.NATS.URL).Msg("watching score events")

	enc := json.NewEncoder(cmd.OutOrStdout())
	seen := 0
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		seen++
		if watchCount > 0 && seen >= watchCount {
			return nil
		}
	}
	return nil
}
