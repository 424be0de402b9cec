// Package retention bounds the storage used by downloaded issues. It
// periodically deletes the content of the oldest issues beyond a keep limit or
// a byte quota, and removes stored files no metadata knows about.
package retention

import (
	"context"
	"log/slog"
	"sync"
	"time"

	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/backend"
	"github.com/wolfeidau/issue-cache/store/metadb"
	"go.opentelemetry.io/otel/metric"
)

// Config configures the retention manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 6h)
	StartupDelay time.Duration // Delay before first run (default: 1m)
	KeepIssues   func() int    // Downloaded issues to keep, 0 keeps all (default: 20)
	MaxBytes     int64         // Storage quota for issue files, 0 disables it
	BatchSize    int           // Max orphan files deleted per run (default: 1000)
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     6 * time.Hour,
		StartupDelay: 1 * time.Minute,
		KeepIssues:   func() int { return 20 },
		MaxBytes:     0,
		BatchSize:    1000,
	}
}

// Result contains the results of a retention run.
type Result struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	IssuesEvicted      int           `json:"issues_evicted"`
	QuotaEvicted       int           `json:"quota_evicted"`
	OrphanFilesDeleted int           `json:"orphan_files_deleted"`
	BytesReclaimed     int64         `json:"bytes_reclaimed"`
	Errors             []string      `json:"errors,omitempty"`
}

// Issues lists and deletes downloaded issues.
type Issues interface {
	ListDownloaded(ctx context.Context) ([]metadb.DownloadedIssue, error)
	DeleteIssueContent(ctx context.Context, key issuecache.IssueKey) error
}

// FileIndex resolves stored files to their metadata and lists issues with
// persisted metadata.
type FileIndex interface {
	GetFileEntry(ctx context.Context, storageKey string) (*issuecache.FileEntry, error)
	ListIssues(ctx context.Context) ([]issuecache.IssueKey, error)
}

// Manager runs retention in the background.
type Manager struct {
	issues  Issues
	files   FileIndex
	backend backend.Backend
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	busy    func() bool

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) Option {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create retention metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// WithBusy sets a function reporting whether cache operations are in flight.
// While it returns true the orphan phase is skipped and partially downloaded
// issues are left alone, since a download may still be writing them.
func WithBusy(busy func() bool) Option {
	return func(m *Manager) {
		m.busy = busy
	}
}

// New creates a new retention manager.
func New(issues Issues, files FileIndex, b backend.Backend, config Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.KeepIssues == nil {
		config.KeepIssues = def.KeepIssues
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}

	m := &Manager{
		issues:  issues,
		files:   files,
		backend: b,
		config:  config,
		logger:  slog.Default(),
		busy:    func() bool { return false },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "retention")
	return m
}

// Start starts the background retention goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the retention manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate retention run.
func (m *Manager) RunNow(ctx context.Context) *Result {
	return m.runRetention(ctx)
}

// Status returns the last run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("retention manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"max_bytes", m.config.MaxBytes,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("retention manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("retention manager context cancelled during startup delay")
		return
	}

	m.runRetention(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runRetention(ctx)
		case <-m.stopCh:
			m.logger.Info("retention manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("retention manager context cancelled")
			return
		}
	}
}

func (m *Manager) runRetention(ctx context.Context) *Result {
	result := &Result{
		StartedAt: time.Now(),
	}

	m.logger.Info("starting retention run")

	// Phase 1: Keep the newest issues
	m.phaseKeepNewest(ctx, result)

	// Phase 2: Evict oldest issues while over quota
	m.phaseQuota(ctx, result)

	// Phase 3: Delete files no metadata knows about
	m.phaseDeleteOrphans(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	m.logger.Info("retention run completed",
		"duration", result.Duration,
		"issues_evicted", result.IssuesEvicted,
		"quota_evicted", result.QuotaEvicted,
		"orphan_files_deleted", result.OrphanFilesDeleted,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.issuesEvicted.Add(ctx, int64(result.IssuesEvicted+result.QuotaEvicted))
	m.metrics.orphanFilesDeleted.Add(ctx, int64(result.OrphanFilesDeleted))
	m.metrics.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
