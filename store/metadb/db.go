// Package metadb persists issue metadata, file entries, download markers and
// scheduled work in a bbolt database.
package metadb

import (
	"context"
	"errors"
	"time"

	issuecache "github.com/wolfeidau/issue-cache"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// MetaDB is the metadata repository of the issue cache.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Issue metadata
	GetIssue(ctx context.Context, key issuecache.IssueKey) (*issuecache.Issue, error)
	PutIssue(ctx context.Context, issue *issuecache.Issue) error
	DeleteIssue(ctx context.Context, key issuecache.IssueKey) error
	ListIssues(ctx context.Context) ([]issuecache.IssueKey, error)

	// Download markers
	SetIssueDownloaded(ctx context.Context, key issuecache.IssueKey, at *time.Time) error
	IssueDownloadedAt(ctx context.Context, key issuecache.IssueKey) (*time.Time, error)
	ListDownloadedIssues(ctx context.Context) ([]DownloadedIssue, error)

	// File entries
	GetFileEntry(ctx context.Context, storageKey string) (*issuecache.FileEntry, error)
	PutFileEntries(ctx context.Context, files ...issuecache.FileEntry) error
	SetFileDownloaded(ctx context.Context, storageKey string, at *time.Time) error

	// File references
	RetainFiles(ctx context.Context, owner string, storageKeys []string) error
	ReleaseFiles(ctx context.Context, owner string, storageKeys []string) ([]string, error)
	FileOwners(ctx context.Context, storageKey string) ([]string, error)

	// Scheduled work
	GetWork(ctx context.Context, tag string) ([]byte, error)
	PutWork(ctx context.Context, tag string, data []byte) error
	DeleteWork(ctx context.Context, tag string) error
	ListWork(ctx context.Context) (map[string][]byte, error)
}

// DownloadedIssue is an issue with a download marker set.
type DownloadedIssue struct {
	Key          issuecache.IssueKey `json:"key"`
	DownloadedAt time.Time           `json:"downloaded_at"`
}

// New creates a new MetaDB backed by bbolt.
func New() MetaDB {
	return NewBoltDB()
}
