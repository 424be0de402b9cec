package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
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

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordOperation(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordOperation(ctx, "content_download", "success", "auto", 2*time.Second)
	RecordOperation(ctx, "content_download", "failed", "manual", time.Second)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "issue_cache_operations_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.EqualValues(t, 1, dp.Value)
		require.True(t, hasAttr(dp.Attributes, "kind", "content_download"))
	}

	hist := findHistogram(rm, "issue_cache_operation_duration_seconds")
	require.Len(t, hist, 2)
}

func TestActiveOperationsGauge(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	AddActiveOperations(ctx, "metadata_download", 1)
	AddActiveOperations(ctx, "metadata_download", 1)
	AddActiveOperations(ctx, "metadata_download", -1)

	dps := findCounter(collectMetrics(t, reader), "issue_cache_active_operations")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
}

func TestRecordFileDownload_BytesOnlyOnPositive(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordFileDownload(ctx, "success", 2048)
	RecordFileDownload(ctx, "checksum_mismatch", 0)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "issue_cache_file_downloads_total"), 2)

	bytes := findCounter(rm, "issue_cache_download_bytes_total")
	require.Len(t, bytes, 1)
	require.EqualValues(t, 2048, bytes[0].Value)
}

func TestRecordProbeAndWaiters(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordProbe(ctx, "unreachable")
	RecordProbe(ctx, "unreachable")
	RecordProbe(ctx, "reachable")
	AddConnectivityWaiters(ctx, 3)
	AddConnectivityWaiters(ctx, -3)
	RecordRetryExhausted(ctx)

	rm := collectMetrics(t, reader)
	probes := findCounter(rm, "issue_cache_connectivity_probes_total")
	require.Len(t, probes, 2)
	for _, dp := range probes {
		if hasAttr(dp.Attributes, "outcome", "unreachable") {
			require.EqualValues(t, 2, dp.Value)
		}
	}

	waiters := findCounter(rm, "issue_cache_connectivity_waiters")
	require.Len(t, waiters, 1)
	require.EqualValues(t, 0, waiters[0].Value)
}

func TestRecordFunctions_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	require.NotPanics(t, func() {
		RecordOperation(ctx, "k", "success", "manual", time.Second)
		RecordOperationDeduplicated(ctx, "k")
		AddActiveOperations(ctx, "k", 1)
		RecordFileDownload(ctx, "success", 1)
		RecordProbe(ctx, "reachable")
		AddConnectivityWaiters(ctx, 1)
		RecordRetryExhausted(ctx)
		RecordSchedulerRun(ctx, "poll", "success")
		RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 10)
		RecordUpstreamFetch(ctx, "files", time.Millisecond, 10, "success")
	})
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
