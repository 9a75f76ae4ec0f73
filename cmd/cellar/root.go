package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cellar/config"
	"github.com/yairfalse/cellar/internal/synth"
	"github.com/yairfalse/cellar/internal/telemetry"
)

var (
	version    = "0.1.0"
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "cellar",
		Short: "Multi-region failover topology compiler",
		Long: `Cellar - multi-region failover topology compiler

Cellar turns a list of regional resources grouped into cells into the
Route 53 Application Recovery Controller topology that watches and
switches them: readiness cells, resource sets and checks, a recovery
group, routing controls and the health checks DNS failover follows.

Every synthesis is journaled and stored as a revision, so changes to the
failover topology can be reviewed, diffed and replayed.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogging(debug)
		},
	}
)

// discovererFactory builds the discoverers synth and discover use.
var discovererFactory = synth.AWSDiscoverers

// Execute runs the root command
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// init sets up the root command
func init() {
	rootCmd.SetVersionTemplate(`Cellar {{.Version}} - Multi-region failover topology compiler
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cellar.yaml", "Topology config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadConfig reads the config file. Its log level applies unless --debug is set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if !debug {
		zerolog.SetGlobalLevel(telemetry.ParseLevel(cfg.Log.Level))
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *telemetry.Logger {
	return telemetry.NewLoggerTo(zerolog.ConsoleWriter{Out: os.Stderr}, cfg.OTEL.ServiceName)
}

// newPipeline builds a pipeline with telemetry. The returned func shuts
// both down.
func newPipeline(ctx context.Context, cfg *config.Config) (*synth.Pipeline, *telemetry.Provider, func(), error) {
	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	p := synth.New(cfg,
		synth.WithTelemetry(tp),
		synth.WithLogger(newLogger(cfg)),
		synth.WithDiscoverer(discovererFactory(cfg.Discovery)),
	)

	cleanup := func() {
		_ = p.Close()
		_ = tp.Shutdown(context.Background())
	}
	return p, tp, cleanup, nil
}
