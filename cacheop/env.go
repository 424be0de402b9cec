package cacheop

import (
	"context"
	"io"
	"log/slog"
	"time"

	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/connectivity"
	"github.com/wolfeidau/issue-cache/download"
	"github.com/wolfeidau/issue-cache/store"
)

// Repository is the metadata store used by operations.
type Repository interface {
	GetIssue(ctx context.Context, key issuecache.IssueKey) (*issuecache.Issue, error)
	PutIssue(ctx context.Context, issue *issuecache.Issue) error
	DeleteIssue(ctx context.Context, key issuecache.IssueKey) error
	SetIssueDownloaded(ctx context.Context, key issuecache.IssueKey, at *time.Time) error
	IssueDownloadedAt(ctx context.Context, key issuecache.IssueKey) (*time.Time, error)

	GetFileEntry(ctx context.Context, storageKey string) (*issuecache.FileEntry, error)
	PutFileEntries(ctx context.Context, files ...issuecache.FileEntry) error
	SetFileDownloaded(ctx context.Context, storageKey string, at *time.Time) error

	RetainFiles(ctx context.Context, owner string, storageKeys []string) error
	ReleaseFiles(ctx context.Context, owner string, storageKeys []string) ([]string, error)
}

// API is the remote API used by operations.
type API interface {
	FetchIssue(ctx context.Context, key issuecache.IssueKey) (*issuecache.Issue, error)
	FetchFile(ctx context.Context, baseURL string, entry issuecache.FileEntry) (io.ReadCloser, error)
}

// folderPruner is implemented by stores that can drop empty folders.
type folderPruner interface {
	PruneFolder(ctx context.Context, folder string) error
}

// Env carries the collaborators of the concrete operation kinds.
type Env struct {
	Registry   *Registry
	Repo       Repository
	API        API
	Store      store.Store
	Helper     *connectivity.Helper
	Downloader *download.Downloader
	Queue      *download.Queue

	// MaxRetries is the connectivity probe budget of network calls.
	// connectivity.Unlimited waits for connectivity forever.
	MaxRetries int

	Logger *slog.Logger
	Now    func() time.Time
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// onConnectivityFailure logs a failure that is about to be retried.
func (e *Env) onConnectivityFailure(tag string) func(error) {
	return func(err error) {
		e.logger().Info("waiting for connectivity", "tag", tag, "error", err)
	}
}
