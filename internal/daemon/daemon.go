// Package daemon re-synthesizes the topology on an interval and serves
// metrics and health endpoints while it does.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/cellar/internal/synth"
)

// Runner performs one synthesis.
type Runner interface {
	Run(ctx context.Context) (*synth.Outcome, error)
}

// Config holds daemon configuration
type Config struct {
	Interval    time.Duration
	MetricsHost string
	MetricsPort int // 0 picks a free port
	Gatherer    promclient.Gatherer
	Meter       metric.Meter
}

// Daemon manages continuous synthesis
type Daemon struct {
	interval time.Duration
	runner   Runner
	metrics  *DaemonMetrics
	gatherer promclient.Gatherer

	addr     string
	listener net.Listener
	server   *http.Server

	startTime time.Time
	runCount  atomic.Int64

	mu      sync.RWMutex
	lastRun *runStatus
	ready   bool
}

type runStatus struct {
	At       time.Time `json:"at"`
	Revision int64     `json:"revision,omitempty"`
	Digest   string    `json:"digest,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, runner Runner) (*Daemon, error) {
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	meter := config.Meter
	if meter == nil {
		meter = otel.Meter("cellar.daemon")
	}
	metrics, err := NewDaemonMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon metrics: %w", err)
	}

	gatherer := config.Gatherer
	if gatherer == nil {
		gatherer = promclient.DefaultGatherer
	}

	return &Daemon{
		interval:  config.Interval,
		runner:    runner,
		metrics:   metrics,
		gatherer:  gatherer,
		addr:      fmt.Sprintf("%s:%d", config.MetricsHost, config.MetricsPort),
		startTime: time.Now(),
	}, nil
}

// Start serves the HTTP endpoints, synthesizes once and then on every tick
// until ctx is cancelled. A failed run is logged and retried on the next tick.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.listen(); err != nil {
		return err
	}

	log.Info().
		Dur("interval", d.interval).
		Int("metrics_port", d.MetricsPort()).
		Msg("Daemon started")

	d.runSynthesis(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("runs", d.RunCount()).Msg("Daemon stopping")
			return d.Close()
		case <-ticker.C:
			d.runSynthesis(ctx)
		}
	}
}

func (d *Daemon) listen() error {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/-/ready", d.handleReady)

	d.mu.Lock()
	d.listener = ln
	d.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	server := d.server
	d.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return nil
}

func (d *Daemon) runSynthesis(ctx context.Context) {
	d.runCount.Add(1)
	start := time.Now()

	out, err := d.runner.Run(ctx)
	status := &runStatus{At: start}

	if err != nil {
		status.Error = err.Error()
		d.metrics.RecordRun(ctx, "error", time.Since(start))
		log.Error().Err(err).Msg("Synthesis failed")
	} else {
		status.Revision = out.Revision
		status.Digest = out.Digest
		result := "changed"
		if out.Unchanged {
			result = "unchanged"
		}
		d.metrics.RecordRun(ctx, result, time.Since(start))
		d.metrics.RecordArtifacts(ctx, out.Topology)
		for _, diff := range out.Diffs {
			d.metrics.RecordChangeEvent(ctx, string(diff.Type), string(diff.Kind))
		}
	}

	d.mu.Lock()
	d.lastRun = status
	if err == nil {
		d.ready = true
	}
	d.mu.Unlock()
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(d.Health())
}

func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	d.mu.RLock()
	ready := d.ready
	d.mu.RUnlock()

	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status:  "healthy",
		Uptime:  int64(time.Since(d.startTime).Seconds()),
		Runs:    d.runCount.Load(),
		LastRun: d.lastRun,
	}
	if d.lastRun != nil && d.lastRun.Error != "" {
		h.Status = "degraded"
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status  string     `json:"status"`
	Uptime  int64      `json:"uptime_seconds"`
	Runs    int64      `json:"runs"`
	LastRun *runStatus `json:"last_run,omitempty"`
}

// RunCount returns total synthesis runs
func (d *Daemon) RunCount() int64 {
	return d.runCount.Load()
}

// MetricsPort returns the port the HTTP server listens on, or 0 before Start.
func (d *Daemon) MetricsPort() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener == nil {
		return 0
	}
	return d.listener.Addr().(*net.TCPAddr).Port
}

// Close stops the HTTP server.
func (d *Daemon) Close() error {
	d.mu.Lock()
	server := d.server
	d.server = nil
	d.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
