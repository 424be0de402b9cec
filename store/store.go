// Package store writes issue files to a backend after verifying them against
// the checksum announced in their file entry.
package store

import (
	"context"
	"io"

	issuecache "github.com/wolfeidau/issue-cache"
)

// Store is the storage service used by cache operations.
type Store interface {
	// Put streams r to the entry's storage key. The content is verified
	// against entry.Checksum before it becomes visible; on mismatch nothing is
	// written and an error wrapping issuecache.ErrChecksumMismatch is returned.
	Put(ctx context.Context, entry issuecache.FileEntry, r io.Reader) (*PutResult, error)

	// Get opens the stored content of an entry.
	// Returns backend.ErrNotFound if it is not stored.
	Get(ctx context.Context, entry issuecache.FileEntry) (io.ReadCloser, error)

	// Has reports whether the entry's content is stored.
	Has(ctx context.Context, entry issuecache.FileEntry) (bool, error)

	// Delete removes the entry's content. Deleting absent content is not an error.
	Delete(ctx context.Context, entry issuecache.FileEntry) error
}

// PutResult contains information about a Put operation.
type PutResult struct {
	Key  string
	Size int64
	Sum  string // hex digest computed with the entry's checksum algorithm
}
