package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/cellar/pkg/topology"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	runs         metric.Int64Counter
	runDuration  metric.Float64Histogram
	artifacts    metric.Int64Gauge
	changeEvents metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on meter.
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	runs, err := meter.Int64Counter(
		"cellar.daemon.runs",
		metric.WithDescription("Number of synthesis runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"cellar.daemon.run.duration",
		metric.WithDescription("Duration of synthesis runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	artifacts, err := meter.Int64Gauge(
		"cellar.artifacts",
		metric.WithDescription("Number of artifacts in the synthesized topology"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return nil, err
	}

	changeEvents, err := meter.Int64Counter(
		"cellar.change_events",
		metric.WithDescription("Number of artifact changes between revisions"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		runs:         runs,
		runDuration:  runDuration,
		artifacts:    artifacts,
		changeEvents: changeEvents,
	}, nil
}

// RecordRun records a run with its result: changed, unchanged or error.
func (m *DaemonMetrics) RecordRun(ctx context.Context, result string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("result", result))
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordArtifacts records the artifact count of t per kind.
func (m *DaemonMetrics) RecordArtifacts(ctx context.Context, t *topology.Topology) {
	if t == nil {
		return
	}
	counts := make(map[topology.Kind]int64)
	for _, a := range t.Artifacts() {
		counts[a.Kind]++
	}
	for kind, n := range counts {
		m.artifacts.Record(ctx, n, metric.WithAttributes(
			attribute.String("cluster", t.Cluster.Name),
			attribute.String("kind", string(kind)),
		))
	}
}

// RecordChangeEvent records a change event
func (m *DaemonMetrics) RecordChangeEvent(ctx context.Context, changeType, kind string) {
	m.changeEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("change.type", changeType),
			attribute.String("kind", kind),
		),
	)
}
