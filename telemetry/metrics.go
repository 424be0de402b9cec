// Package telemetry records OpenTelemetry metrics for cache operations,
// connectivity probing, scheduled work, storage and upstream API traffic.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/issue-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	operationsTotal     metric.Int64Counter
	operationDuration   metric.Float64Histogram
	operationsDeduped   metric.Int64Counter
	activeOperations    metric.Int64UpDownCounter
	fileDownloadsTotal  metric.Int64Counter
	downloadBytesTotal  metric.Int64Counter
	probesTotal         metric.Int64Counter
	connectivityWaiters metric.Int64UpDownCounter
	retriesRejected     metric.Int64Counter
	schedulerRunsTotal  metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
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

// Meter returns the meter of the initialised provider, or the global otel
// meter when metrics were not initialised.
func Meter() metric.Meter {
	if globalMetrics != nil {
		return globalMetrics.meterProvider.Meter(meterName)
	}
	return otel.Meter(meterName)
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "issue-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.operationsTotal, err = meter.Int64Counter(
		"issue_cache_operations_total",
		metric.WithDescription("Total number of finished cache operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.operationDuration, err = meter.Float64Histogram(
		"issue_cache_operation_duration_seconds",
		metric.WithDescription("Duration of cache operations from start to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	); err != nil {
		return nil, err
	}

	if m.operationsDeduped, err = meter.Int64Counter(
		"issue_cache_operations_deduplicated_total",
		metric.WithDescription("Prepare calls answered with an already active operation"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.activeOperations, err = meter.Int64UpDownCounter(
		"issue_cache_active_operations",
		metric.WithDescription("Operations currently registered"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.fileDownloadsTotal, err = meter.Int64Counter(
		"issue_cache_file_downloads_total",
		metric.WithDescription("Total number of content file downloads"),
		metric.WithUnit("{file}"),
	); err != nil {
		return nil, err
	}

	if m.downloadBytesTotal, err = meter.Int64Counter(
		"issue_cache_download_bytes_total",
		metric.WithDescription("Total verified bytes written to storage"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.probesTotal, err = meter.Int64Counter(
		"issue_cache_connectivity_probes_total",
		metric.WithDescription("Total connectivity probes"),
		metric.WithUnit("{probe}"),
	); err != nil {
		return nil, err
	}

	if m.connectivityWaiters, err = meter.Int64UpDownCounter(
		"issue_cache_connectivity_waiters",
		metric.WithDescription("Callers waiting for connectivity to return"),
		metric.WithUnit("{waiter}"),
	); err != nil {
		return nil, err
	}

	if m.retriesRejected, err = meter.Int64Counter(
		"issue_cache_connectivity_retries_exhausted_total",
		metric.WithDescription("Waiters released because their retry budget ran out"),
		metric.WithUnit("{waiter}"),
	); err != nil {
		return nil, err
	}

	if m.schedulerRunsTotal, err = meter.Int64Counter(
		"issue_cache_scheduler_runs_total",
		metric.WithDescription("Total scheduled work executions"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"issue_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"issue_cache_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"issue_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"issue_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream API requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"issue_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream API requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"issue_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the upstream API"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordOperation records a cache operation reaching a terminal state.
func RecordOperation(ctx context.Context, kind, outcome, trigger string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
		attribute.String("trigger", trigger),
	)
	globalMetrics.operationsTotal.Add(ctx, 1, attrs)
	globalMetrics.operationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordOperationDeduplicated records a Prepare call that joined an active operation.
func RecordOperationDeduplicated(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.operationsDeduped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// AddActiveOperations adjusts the registered operation gauge.
func AddActiveOperations(ctx context.Context, kind string, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.activeOperations.Add(ctx, delta, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFileDownload records one content file download attempt.
func RecordFileDownload(ctx context.Context, outcome string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.fileDownloadsTotal.Add(ctx, 1, attrs)
	if bytes > 0 {
		globalMetrics.downloadBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordProbe records a connectivity probe outcome ("reachable", "unreachable", "error").
func RecordProbe(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.probesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AddConnectivityWaiters adjusts the connectivity wait queue gauge.
func AddConnectivityWaiters(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.connectivityWaiters.Add(ctx, delta)
}

// RecordRetryExhausted records a waiter released with an exhausted budget.
func RecordRetryExhausted(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.retriesRejected.Add(ctx, 1)
}

// RecordSchedulerRun records one execution of scheduled work.
func RecordSchedulerRun(ctx context.Context, worker, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.schedulerRunsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("outcome", outcome),
	))
}

// RecordBackendOp records a storage backend operation.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records a request to the upstream API.
func RecordUpstreamFetch(ctx context.Context, endpoint string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// PrometheusHandler returns the /metrics handler, or 404 when Prometheus
// export is disabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
