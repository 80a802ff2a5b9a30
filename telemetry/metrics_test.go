package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

func TestRecordRequest(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordRequest(ctx, "GET", "success", 120*time.Millisecond)
	RecordRequest(ctx, "GET", "success", 80*time.Millisecond)
	RecordRequest(ctx, "POST", "error", 30*time.Millisecond)

	rm := collectMetrics(t, reader)

	points := findCounter(rm, "mediakit_api_requests_total")
	require.Len(t, points, 2)

	var total int64
	for _, p := range points {
		total += p.Value
	}
	require.Equal(t, int64(3), total)

	hist := findHistogram(rm, "mediakit_api_request_duration_seconds")
	require.NotEmpty(t, hist)
}

func TestRecordRetryAndLookup(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordRetry(ctx, "GET", "status")
	RecordRetry(ctx, "GET", "network")
	RecordLookup(ctx, "hit")
	RecordLookup(ctx, "miss")
	RecordLookup(ctx, "hit")

	rm := collectMetrics(t, reader)

	retries := findCounter(rm, "mediakit_api_retries_total")
	require.Len(t, retries, 2)

	lookups := findCounter(rm, "mediakit_signedurl_lookups_total")
	var total int64
	for _, p := range lookups {
		total += p.Value
	}
	require.Equal(t, int64(3), total)
}

func TestRecordWithoutInitIsNoop(t *testing.T) {
	globalMetrics = nil

	// Must not panic when metrics were never initialized.
	RecordRequest(context.Background(), "GET", "success", time.Millisecond)
	RecordRetry(context.Background(), "GET", "status")
	RecordLookup(context.Background(), "hit")
	RecordPreviewBatch(context.Background(), "committed", 3)
	RecordTransfer(context.Background(), "upload", time.Millisecond, 10, "success")
}
