package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
)

// Telemetry holds all telemetry instruments and providers.
// A zero or nil Telemetry is valid and records nothing.
type Telemetry struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	meter          metric.Meter
	registry       *promclient.Registry

	catalogOperationsTotal metric.Int64Counter
	catalogErrors          metric.Int64Counter
	fetchesTotal           metric.Int64Counter
	fetchesActive          metric.Int64UpDownCounter
	fetchDuration          metric.Float64Histogram
	persistsTotal          metric.Int64Counter
	persistDuration        metric.Float64Histogram
	bytesWritten           metric.Int64Counter
	runsTotal              metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Exporter       string
	OTLPEndpoint   string
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	var (
		reader   sdkmetric.Reader
		registry *promclient.Registry
	)

	switch cfg.Exporter {
	case ExporterPrometheus, "":
		registry = promclient.NewRegistry()

		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		reader = exporter
	case ExporterOTLP:
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}

		exporter, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		reader = sdkmetric.NewPeriodicReader(exporter)
	default:
		return nil, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	otel.SetMeterProvider(meterProvider)
	otel.SetTracerProvider(tracerProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	t, err := newTelemetry(tracerProvider, meterProvider, cfg.ServiceName)
	if err != nil {
		return nil, err
	}

	t.registry = registry

	return t, nil
}

func newTelemetry(tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider, name string) (*Telemetry, error) {
	t := &Telemetry{
		meterProvider:  mp,
		tracerProvider: tp,
		tracer:         tp.Tracer(name),
		meter:          mp.Meter(name),
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

// TracerProvider returns the provider used for HTTP client instrumentation,
// or nil when telemetry is disabled.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t == nil || t.tracerProvider == nil {
		return nil
	}

	return t.tracerProvider
}

// MeterProvider returns the provider used for HTTP client instrumentation,
// or nil when telemetry is disabled.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	if t == nil || t.meterProvider == nil {
		return nil
	}

	return t.meterProvider
}

// RecordCatalogOperation records a list or fetch call against the content server.
func (t *Telemetry) RecordCatalogOperation(ctx context.Context, operation, status string) {
	if t == nil || t.catalogOperationsTotal == nil {
		return
	}

	t.catalogOperationsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)

	if status == "error" {
		t.catalogErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
	}
}

// RecordFetch records a finished book fetch.
func (t *Telemetry) RecordFetch(ctx context.Context, status string, duration time.Duration) {
	if t == nil || t.fetchesTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))
	t.fetchesTotal.Add(ctx, 1, attrs)
	t.fetchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPersist records a finished write to the destination directory.
func (t *Telemetry) RecordPersist(ctx context.Context, status string, bytes int64, duration time.Duration) {
	if t == nil || t.persistsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))
	t.persistsTotal.Add(ctx, 1, attrs)
	t.persistDuration.Record(ctx, duration.Seconds(), attrs)

	if status == "success" {
		t.bytesWritten.Add(ctx, bytes)
	}
}

// RecordRun records the outcome of a synchronization run.
func (t *Telemetry) RecordRun(ctx context.Context, status string) {
	if t == nil || t.runsTotal == nil {
		return
	}

	t.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (t *Telemetry) incrementActiveFetches(ctx context.Context) {
	if t.fetchesActive != nil {
		t.fetchesActive.Add(ctx, 1)
	}
}

func (t *Telemetry) decrementActiveFetches(ctx context.Context) {
	if t.fetchesActive != nil {
		t.fetchesActive.Add(ctx, -1)
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.registry == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending metrics and spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}

	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.catalogOperationsTotal, err = t.meter.Int64Counter(
		"catalog_operations_total",
		metric.WithDescription("Total number of content server operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create catalog_operations_total counter: %w", err)
	}

	t.catalogErrors, err = t.meter.Int64Counter(
		"catalog_errors_total",
		metric.WithDescription("Total number of failed content server operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create catalog_errors_total counter: %w", err)
	}

	t.fetchesTotal, err = t.meter.Int64Counter(
		"fetches_total",
		metric.WithDescription("Total number of book fetches"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetches_total counter: %w", err)
	}

	t.fetchesActive, err = t.meter.Int64UpDownCounter(
		"fetches_active",
		metric.WithDescription("Number of book fetches in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetches_active counter: %w", err)
	}

	t.fetchDuration, err = t.meter.Float64Histogram(
		"fetch_duration_seconds",
		metric.WithDescription("Book fetch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create fetch_duration histogram: %w", err)
	}

	t.persistsTotal, err = t.meter.Int64Counter(
		"persists_total",
		metric.WithDescription("Total number of book writes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create persists_total counter: %w", err)
	}

	t.persistDuration, err = t.meter.Float64Histogram(
		"persist_duration_seconds",
		metric.WithDescription("Book write duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create persist_duration histogram: %w", err)
	}

	t.bytesWritten, err = t.meter.Int64Counter(
		"bytes_written_total",
		metric.WithDescription("Total number of bytes written to the destination"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bytes_written_total counter: %w", err)
	}

	t.runsTotal, err = t.meter.Int64Counter(
		"sync_runs_total",
		metric.WithDescription("Total number of synchronization runs"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sync_runs_total counter: %w", err)
	}

	return nil
}
