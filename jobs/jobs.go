// Package jobs implements the scheduler workers that keep the newest issue of
// the configured feed downloaded.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/cacheop"
	"github.com/wolfeidau/issue-cache/connectivity"
	"github.com/wolfeidau/issue-cache/scheduler"
	"github.com/wolfeidau/issue-cache/settings"
)

const newestPrefix = "newest/"

// NewestIssueTag returns the unique work tag of newest-issue downloads of feed.
func NewestIssueTag(feed string) string {
	return newestPrefix + feed
}

// LatestIssues looks up the newest issue of a feed.
type LatestIssues interface {
	LatestIssue(ctx context.Context, feed string) (issuecache.IssueKey, error)
}

// Content downloads issues into the cache.
type Content interface {
	CacheState(ctx context.Context, d issuecache.Downloadable) (cacheop.CacheStateUpdate, error)
	DownloadToCacheIfNotPresent(ctx context.Context, d issuecache.Downloadable, priority cacheop.Priority, isAutomatic bool) error
}

// Scheduler enqueues newest-issue downloads.
type Scheduler interface {
	ScheduleNewestIssueDownload(ctx context.Context, tag string, delay time.Duration) error
}

// Registrar registers workers by name.
type Registrar interface {
	Register(name string, w scheduler.Worker)
}

// Workers holds the newest-issue and poll workers.
type Workers struct {
	latest     LatestIssues
	content    Content
	scheduler  Scheduler
	prefs      func() settings.Preferences
	helper     *connectivity.Helper
	maxRetries int
	logger     *slog.Logger
}

// Option configures Workers.
type Option func(*Workers)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workers) {
		w.logger = logger
	}
}

// WithRetry routes newest-issue lookups through the connectivity helper with
// the given probe budget.
func WithRetry(h *connectivity.Helper, maxRetries int) Option {
	return func(w *Workers) {
		w.helper = h
		w.maxRetries = maxRetries
	}
}

// New creates the workers. prefs is read on every run.
func New(latest LatestIssues, content Content, sched Scheduler, prefs func() settings.Preferences, opts ...Option) *Workers {
	w := &Workers{
		latest:    latest,
		content:   content,
		scheduler: sched,
		prefs:     prefs,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "jobs")
	return w
}

// Register registers both workers with r.
func (w *Workers) Register(r Registrar) {
	r.Register(scheduler.WorkerNewestIssue, scheduler.WorkerFunc(w.DownloadNewest))
	r.Register(scheduler.WorkerPoll, scheduler.WorkerFunc(w.Poll))
}

// DownloadNewest downloads the newest issue of the feed named by the job tag,
// or of the configured feed when the tag names none.
func (w *Workers) DownloadNewest(ctx context.Context, job scheduler.Job) error {
	feed := strings.TrimPrefix(job.Tag, newestPrefix)
	if feed == "" || feed == job.Tag {
		feed = w.prefs().Feed
	}

	key, err := w.latestIssue(ctx, feed)
	if err != nil {
		return err
	}

	w.logger.Info("downloading newest issue", "issue", key, "job", job.ID)
	if err := w.content.DownloadToCacheIfNotPresent(ctx, key, cacheop.PriorityNormal, true); err != nil {
		return fmt.Errorf("downloading newest issue %s: %w", key, err)
	}
	return nil
}

// Poll checks for a new issue of the configured feed and schedules its
// download when automatic downloads are enabled.
func (w *Workers) Poll(ctx context.Context, _ scheduler.Job) error {
	prefs := w.prefs()
	if !prefs.AutoDownload {
		w.logger.Debug("automatic downloads disabled, skipping poll")
		return nil
	}

	key, err := w.latestIssue(ctx, prefs.Feed)
	if err != nil {
		return err
	}

	state, err := w.content.CacheState(ctx, key)
	if err != nil {
		return fmt.Errorf("checking cache state of %s: %w", key, err)
	}
	if state.State == cacheop.StatePresent {
		w.logger.Debug("newest issue already downloaded", "issue", key)
		return nil
	}

	w.logger.Info("new issue available", "issue", key)
	return w.scheduler.ScheduleNewestIssueDownload(ctx, NewestIssueTag(prefs.Feed), 0)
}

func (w *Workers) latestIssue(ctx context.Context, feed string) (issuecache.IssueKey, error) {
	lookup := func(ctx context.Context) (issuecache.IssueKey, error) {
		return w.latest.LatestIssue(ctx, feed)
	}

	var (
		key issuecache.IssueKey
		err error
	)
	if w.helper != nil {
		key, err = connectivity.Retry(ctx, w.helper, nil, w.maxRetries, lookup)
	} else {
		key, err = lookup(ctx)
	}
	if err != nil {
		return issuecache.IssueKey{}, fmt.Errorf("looking up newest issue of %s: %w", feed, err)
	}
	return key, nil
}
