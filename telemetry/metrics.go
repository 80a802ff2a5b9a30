// Package telemetry provides OpenTelemetry metric instruments for the
// media client and an instrumented HTTP transport. Metrics are exported
// via OTLP gRPC when an endpoint is configured; without one, recording is
// a no-op against the default global provider.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/pukkeconnect/mediakit"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	retriesTotal     metric.Int64Counter
	lookupsTotal     metric.Int64Counter
	previewBatches   metric.Int64Counter
	transferDuration metric.Float64Histogram
	transferBytes    metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mediakit"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	var provider *sdkmetric.MeterProvider

	if cfg.OTLPEndpoint != "" {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
			),
		)
		if err != nil {
			return fmt.Errorf("building resource: %w", err)
		}

		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("creating OTLP exporter: %w", err)
		}

		provider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
				sdkmetric.WithInterval(cfg.FlushInterval),
			)),
		)
		otel.SetMeterProvider(provider)
	}

	m, err := newMetrics(otel.GetMeterProvider().Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = provider
	globalMetrics = m
	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter("mediakit_api_requests_total",
		metric.WithDescription("Terminal API request outcomes"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram("mediakit_api_request_duration_seconds",
		metric.WithDescription("API request duration including retries"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.retriesTotal, err = meter.Int64Counter("mediakit_api_retries_total",
		metric.WithDescription("Automatic retry attempts"),
	); err != nil {
		return nil, err
	}

	if m.lookupsTotal, err = meter.Int64Counter("mediakit_signedurl_lookups_total",
		metric.WithDescription("Signed URL cache lookups by result"),
	); err != nil {
		return nil, err
	}

	if m.previewBatches, err = meter.Int64Counter("mediakit_preview_batches_total",
		metric.WithDescription("Preview resolution batches by outcome"),
	); err != nil {
		return nil, err
	}

	if m.transferDuration, err = meter.Float64Histogram("mediakit_transfer_duration_seconds",
		metric.WithDescription("Presigned object transfer duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.transferBytes, err = meter.Int64Counter("mediakit_transfer_bytes_total",
		metric.WithDescription("Bytes moved through presigned transfers"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil || globalMetrics.meterProvider == nil {
		return nil
	}
	return globalMetrics.meterProvider.Shutdown(ctx)
}

// RecordRequest records a terminal API request outcome.
func RecordRequest(ctx context.Context, method, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRetry records one automatic retry attempt.
func RecordRetry(ctx context.Context, method, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.retriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("reason", reason),
	))
}

// RecordLookup records a signed URL cache lookup result (hit, miss, primed).
func RecordLookup(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordPreviewBatch records a preview batch outcome (committed, discarded).
func RecordPreviewBatch(ctx context.Context, outcome string, items int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.previewBatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("items", items),
	))
}

// RecordTransfer records a presigned object transfer.
func RecordTransfer(ctx context.Context, direction string, duration time.Duration, bytes int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	)
	globalMetrics.transferDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.transferBytes.Add(ctx, bytes, attrs)
}
