package main

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cellar/internal/daemon"
)

var (
	watchInterval    time.Duration
	watchMetricsHost string
	watchMetricsPort int
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-synthesize on an interval",
	Long: `Run synth on an interval so newly tagged resources are picked up and
every change becomes a revision. Metrics are served on /metrics and
health on /health, /-/healthy and /-/ready. Stops on SIGTERM/SIGINT.`,
	Example: `  cellar watch                          # Every 10 minutes, metrics on :2112
  cellar watch --interval 1m
  cellar watch --metrics-port 9090`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 10*time.Minute, "Synthesis interval")
	watchCmd.Flags().StringVar(&watchMetricsHost, "metrics-host", "", "Metrics HTTP server host")
	watchCmd.Flags().IntVar(&watchMetricsPort, "metrics-port", 2112, "Metrics HTTP server port")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	p, tp, cleanup, err := newPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	d, err := daemon.NewDaemon(daemon.Config{
		Interval:    watchInterval,
		MetricsHost: watchMetricsHost,
		MetricsPort: watchMetricsPort,
		Gatherer:    tp.Registry(),
		Meter:       tp.Meter(),
	}, p)
	if err != nil {
		return err
	}

	log.Info().
		Str("cluster", cfg.ClusterName).
		Dur("interval", watchInterval).
		Msg("Watching topology")
	return d.Start(ctx)
}
