// Package telemetry provides OpenTelemetry instrumentation for cellar.
package telemetry

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yairfalse/cellar/config"
)

const instrumentationName = "github.com/yairfalse/cellar"

// Provider wraps OTEL tracer and meter providers. Metrics are always
// readable from a Prometheus registry; OTLP export is added when an
// endpoint is configured.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *promclient.Registry
	tracer         trace.Tracer
	meter          metric.Meter

	// Metrics
	stageDuration    metric.Float64Histogram
	registrations    metric.Int64Counter
	discoveryErrors  metric.Int64Counter
	policyFindings   metric.Int64Counter
	artifactChanges  metric.Int64Counter
	topologyRevision metric.Int64Gauge
}

// NewProvider creates a new telemetry provider.
func NewProvider(ctx context.Context, cfg config.OTELConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "cellar"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))
		opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)), sdktrace.WithSampler(sampler))
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	return nil
}

// setupMetrics wires a Prometheus reader into a private registry and, when
// enabled, a periodic OTLP reader.
func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	p.registry = promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(p.registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.stageDuration, err = p.meter.Float64Histogram(
		"cellar_stage_duration_seconds",
		metric.WithDescription("Duration of synthesis stages"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create stage_duration: %w", err)
	}

	p.registrations, err = p.meter.Int64Counter(
		"cellar_registrations_total",
		metric.WithDescription("Resources registered into a topology"),
	)
	if err != nil {
		return fmt.Errorf("create registrations: %w", err)
	}

	p.discoveryErrors, err = p.meter.Int64Counter(
		"cellar_discovery_errors_total",
		metric.WithDescription("Failed discovery calls"),
	)
	if err != nil {
		return fmt.Errorf("create discovery_errors: %w", err)
	}

	p.policyFindings, err = p.meter.Int64Counter(
		"cellar_policy_findings_total",
		metric.WithDescription("Policy findings by severity"),
	)
	if err != nil {
		return fmt.Errorf("create policy_findings: %w", err)
	}

	p.artifactChanges, err = p.meter.Int64Counter(
		"cellar_artifact_changes_total",
		metric.WithDescription("Artifacts added, modified or deleted since the previous revision"),
	)
	if err != nil {
		return fmt.Errorf("create artifact_changes: %w", err)
	}

	p.topologyRevision, err = p.meter.Int64Gauge(
		"cellar_topology_revision",
		metric.WithDescription("Revision of the last stored topology"),
	)
	if err != nil {
		return fmt.Errorf("create topology_revision: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// Registry returns the Prometheus registry holding every cellar metric.
func (p *Provider) Registry() *promclient.Registry {
	return p.registry
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordStage records how long a synthesis stage took.
func (p *Provider) RecordStage(ctx context.Context, stage string, d time.Duration, err error) {
	p.stageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("error", err != nil),
	))
}

// RecordRegistrations counts registrations by source ("config" or "discovery").
func (p *Provider) RecordRegistrations(ctx context.Context, source, cell string, count int) {
	p.registrations.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("cell", cell),
	))
}

// RecordDiscoveryError records a failed discovery for a cell.
func (p *Provider) RecordDiscoveryError(ctx context.Context, region, cell string) {
	p.discoveryErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("region", region),
		attribute.String("cell", cell),
	))
}

// RecordFindings records policy findings of one severity.
func (p *Provider) RecordFindings(ctx context.Context, severity string, count int) {
	p.policyFindings.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("severity", severity),
	))
}

// RecordChange records an artifact change against the previous revision.
func (p *Provider) RecordChange(ctx context.Context, change, kind string) {
	p.artifactChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("change", change),
		attribute.String("kind", kind),
	))
}

// RecordRevision records the revision of the stored topology.
func (p *Provider) RecordRevision(ctx context.Context, cluster string, rev int64) {
	p.topologyRevision.Record(ctx, rev, metric.WithAttributes(
		attribute.String("cluster", cluster),
	))
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
