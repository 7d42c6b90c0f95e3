// Package telemetry wires OpenTelemetry metrics behind a Prometheus
// endpoint. All recording helpers are nil-safe so a disabled configuration
// costs nothing at call sites.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// Telemetry holds the meter provider and the pipeline's instruments.
type Telemetry struct {
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	downloadsTotal   metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadBytes    metric.Int64Counter
	downloadDuration metric.Float64Histogram
	structureFetches metric.Int64Counter
}

// New creates a telemetry instance. A disabled config yields a no-op value.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(meterProvider)

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	t := &Telemetry{
		meterProvider: meterProvider,
		meter:         otel.Meter(cfg.ServiceName),
	}

	if err := t.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return t, nil
}

func (t *Telemetry) initInstruments() error {
	var err error

	if t.downloadsTotal, err = t.meter.Int64Counter("coursepull_downloads_total",
		metric.WithDescription("Terminal download outcomes by status")); err != nil {
		return err
	}

	if t.downloadsActive, err = t.meter.Int64UpDownCounter("coursepull_downloads_active",
		metric.WithDescription("Downloads currently in flight")); err != nil {
		return err
	}

	if t.downloadBytes, err = t.meter.Int64Counter("coursepull_download_bytes_total",
		metric.WithDescription("Bytes written to completed outputs"),
		metric.WithUnit("By")); err != nil {
		return err
	}

	if t.downloadDuration, err = t.meter.Float64Histogram("coursepull_download_duration_seconds",
		metric.WithDescription("Wall time per download task"),
		metric.WithUnit("s")); err != nil {
		return err
	}

	if t.structureFetches, err = t.meter.Int64Counter("coursepull_structure_fetches_total",
		metric.WithDescription("Course structure fetches by outcome")); err != nil {
		return err
	}

	return nil
}

// TaskStarted marks one download entering flight.
func (t *Telemetry) TaskStarted(ctx context.Context) {
	if t.downloadsActive != nil {
		t.downloadsActive.Add(ctx, 1)
	}
}

// TaskFinished records a terminal download outcome.
func (t *Telemetry) TaskFinished(ctx context.Context, status string, bytes int64, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))

	if t.downloadsActive != nil {
		t.downloadsActive.Add(ctx, -1)
	}

	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(ctx, 1, attrs)
	}

	if t.downloadBytes != nil && bytes > 0 {
		t.downloadBytes.Add(ctx, bytes, attrs)
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(ctx, seconds, attrs)
	}
}

// RecordStructureFetch records one course structure fetch.
func (t *Telemetry) RecordStructureFetch(ctx context.Context, outcome string) {
	if t.structureFetches != nil {
		t.structureFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Handler serves the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown flushes the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.meterProvider == nil {
		return nil
	}

	return t.meterProvider.Shutdown(ctx)
}
