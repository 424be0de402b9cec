package retention

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds retention OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal          metric.Int64Counter
	runDuration        metric.Float64Histogram
	issuesEvicted      metric.Int64Counter
	orphanFilesDeleted metric.Int64Counter
	bytesReclaimed     metric.Int64Counter
	errorsTotal        metric.Int64Counter
	lastRunTimestamp   metric.Float64Gauge
	lastRunSuccess     metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"issue_cache_retention_runs_total",
		metric.WithDescription("Total number of retention runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"issue_cache_retention_run_duration_seconds",
		metric.WithDescription("Retention run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	issuesEvicted, err := meter.Int64Counter(
		"issue_cache_retention_issues_evicted_total",
		metric.WithDescription("Total number of issues whose content was evicted"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		return nil, err
	}

	orphanFilesDeleted, err := meter.Int64Counter(
		"issue_cache_retention_orphan_files_deleted_total",
		metric.WithDescription("Total number of stored files deleted without a file entry"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"issue_cache_retention_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by retention"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"issue_cache_retention_errors_total",
		metric.WithDescription("Total number of retention errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"issue_cache_retention_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last retention run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"issue_cache_retention_last_run_success",
		metric.WithDescription("Whether last retention run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:          runsTotal,
		runDuration:        runDuration,
		issuesEvicted:      issuesEvicted,
		orphanFilesDeleted: orphanFilesDeleted,
		bytesReclaimed:     bytesReclaimed,
		errorsTotal:        errorsTotal,
		lastRunTimestamp:   lastRunTimestamp,
		lastRunSuccess:     lastRunSuccess,
	}, nil
}
