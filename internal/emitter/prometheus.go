package emitter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/cellar/pkg/topology"
	"github.com/yairfalse/cellar/policy"
)

// PrometheusEmitter exposes the synthesized topology as metrics via OTEL.
// When a textfile path is set, the gathered registry is written there in
// node-exporter textfile format after every emit.
type PrometheusEmitter struct {
	meter    metric.Meter
	gatherer promclient.Gatherer
	textfile string

	// Metrics
	artifactInfo  metric.Int64ObservableGauge
	cellsGauge    metric.Int64ObservableGauge
	changesTotal  metric.Int64Counter
	findingsTotal metric.Int64Counter
	revisionGauge metric.Int64Gauge
	registration  metric.Registration

	// State for observable gauges
	mu       sync.RWMutex
	topology *topology.Topology
}

// NewPrometheusEmitter creates a Prometheus emitter.
func NewPrometheusEmitter(meter metric.Meter, gatherer promclient.Gatherer, textfile string) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		meter:    meter,
		gatherer: gatherer,
		textfile: textfile,
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	e.artifactInfo, err = e.meter.Int64ObservableGauge(
		"cellar_artifact_info",
		metric.WithDescription("Artifacts of the last synthesized topology"),
	)
	if err != nil {
		return fmt.Errorf("create artifact_info gauge: %w", err)
	}

	e.cellsGauge, err = e.meter.Int64ObservableGauge(
		"cellar_cells",
		metric.WithDescription("Cells in the last synthesized topology"),
	)
	if err != nil {
		return fmt.Errorf("create cells gauge: %w", err)
	}

	e.registration, err = e.meter.RegisterCallback(e.observe, e.artifactInfo, e.cellsGauge)
	if err != nil {
		return fmt.Errorf("register callback: %w", err)
	}

	e.changesTotal, err = e.meter.Int64Counter(
		"cellar_emitted_changes_total",
		metric.WithDescription("Artifact changes published"),
	)
	if err != nil {
		return fmt.Errorf("create changes counter: %w", err)
	}

	e.findingsTotal, err = e.meter.Int64Counter(
		"cellar_emitted_findings_total",
		metric.WithDescription("Policy findings published"),
	)
	if err != nil {
		return fmt.Errorf("create findings counter: %w", err)
	}

	e.revisionGauge, err = e.meter.Int64Gauge(
		"cellar_emitted_revision",
		metric.WithDescription("Revision of the last published topology"),
	)
	if err != nil {
		return fmt.Errorf("create revision gauge: %w", err)
	}

	return nil
}

// Emit records the result as metrics.
func (e *PrometheusEmitter) Emit(ctx context.Context, result Result) error {
	if result.Topology == nil {
		return fmt.Errorf("prometheus emitter: result has no topology")
	}
	cluster := attribute.String("cluster", result.Topology.Cluster.Name)

	e.revisionGauge.Record(ctx, result.Revision, metric.WithAttributes(cluster))

	for _, d := range result.Diffs {
		e.changesTotal.Add(ctx, 1, metric.WithAttributes(
			cluster,
			attribute.String("kind", string(d.Kind)),
			attribute.String("change_type", string(d.Type)),
		))

		logEvent := log.Info().
			Str("logical_id", d.LogicalID).
			Str("kind", string(d.Kind)).
			Str("change", string(d.Type))
		if d.Type == topology.DiffModified {
			for field, change := range d.Changes {
				logEvent = logEvent.
					Str(field+".from", change.Previous).
					Str(field+".to", change.Current)
			}
		}
		logEvent.Msg("artifact changed")
	}

	if result.Decision != nil {
		for _, sev := range []policy.Severity{policy.SeverityDeny, policy.SeverityWarn} {
			n := 0
			for _, f := range result.Decision.Findings {
				if f.Severity == sev {
					n++
				}
			}
			if n > 0 {
				e.findingsTotal.Add(ctx, int64(n), metric.WithAttributes(cluster, attribute.String("severity", string(sev))))
			}
		}
	}

	e.mu.Lock()
	e.topology = result.Topology
	e.mu.Unlock()

	if e.textfile != "" {
		if err := e.writeTextfile(); err != nil {
			return err
		}
	}
	return nil
}

// observe is the callback for the observable gauges.
func (e *PrometheusEmitter) observe(_ context.Context, o metric.Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.topology == nil {
		return nil
	}
	cluster := attribute.String("cluster", e.topology.Cluster.Name)

	o.ObserveInt64(e.cellsGauge, int64(len(e.topology.Cells)), metric.WithAttributes(cluster))
	for _, a := range e.topology.Artifacts() {
		o.ObserveInt64(e.artifactInfo, 1, metric.WithAttributes(
			cluster,
			attribute.String("logical_id", a.LogicalID),
			attribute.String("kind", string(a.Kind)),
			attribute.String("name", a.Name),
		))
	}
	return nil
}

func (e *PrometheusEmitter) writeTextfile() error {
	if err := os.MkdirAll(filepath.Dir(e.textfile), 0o750); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	if err := promclient.WriteToTextfile(e.textfile, e.gatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	log.Debug().Str("path", e.textfile).Msg("metrics textfile written")
	return nil
}

// Close unregisters the gauge callback.
func (e *PrometheusEmitter) Close() error {
	if e.registration != nil {
		return e.registration.Unregister()
	}
	return nil
}
