package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/backend"
)

// Files implements Store on a backend, keyed by FileEntry.StorageKey.
type Files struct {
	backend backend.Backend
	tempDir string
}

// FilesOption configures a Files instance.
type FilesOption func(*Files)

// WithTempDir sets the directory used to stage downloads before verification.
func WithTempDir(dir string) FilesOption {
	return func(f *Files) {
		f.tempDir = dir
	}
}

// NewFiles creates a new file store on b.
func NewFiles(b backend.Backend, opts ...FilesOption) *Files {
	f := &Files{backend: b}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Put verifies and stores content.
// Uses a temp file so unverified content never reaches the backend.
func (f *Files) Put(ctx context.Context, entry issuecache.FileEntry, r io.Reader) (*PutResult, error) {
	key := entry.StorageKey()

	tmpFile, err := os.CreateTemp(f.tempDir, "issue-file-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	vr := issuecache.NewVerifyingReader(r, entry.Checksum)
	if _, err := io.Copy(tmpFile, vr); err != nil {
		return nil, fmt.Errorf("reading content for %s: %w", key, err)
	}
	if err := vr.Verify(); err != nil {
		return nil, fmt.Errorf("verifying %s: %w", key, err)
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}
	if err := f.backend.Write(ctx, key, tmpFile); err != nil {
		return nil, fmt.Errorf("writing %s: %w", key, err)
	}

	return &PutResult{Key: key, Size: vr.BytesRead(), Sum: vr.Sum()}, nil
}

// Get retrieves stored content.
func (f *Files) Get(ctx context.Context, entry issuecache.FileEntry) (io.ReadCloser, error) {
	rc, err := f.backend.Read(ctx, entry.StorageKey())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, backend.ErrNotFound
		}
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return rc, nil
}

// Has checks whether content is stored.
func (f *Files) Has(ctx context.Context, entry issuecache.FileEntry) (bool, error) {
	return f.backend.Exists(ctx, entry.StorageKey())
}

// Delete removes stored content.
func (f *Files) Delete(ctx context.Context, entry issuecache.FileEntry) error {
	return f.backend.Delete(ctx, entry.StorageKey())
}

// Verify re-reads stored content and checks it against the entry checksum.
func (f *Files) Verify(ctx context.Context, entry issuecache.FileEntry) error {
	rc, err := f.Get(ctx, entry)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	vr := issuecache.NewVerifyingReader(rc, entry.Checksum)
	if _, err := io.Copy(io.Discard, vr); err != nil {
		return fmt.Errorf("reading content: %w", err)
	}
	return vr.Verify()
}

// Size returns the stored size of an entry.
func (f *Files) Size(ctx context.Context, entry issuecache.FileEntry) (int64, error) {
	key := entry.StorageKey()

	if sb, ok := f.backend.(backend.SizeAwareBackend); ok {
		size, err := sb.Size(ctx, key)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				return 0, backend.ErrNotFound
			}
			return 0, fmt.Errorf("getting size: %w", err)
		}
		return size, nil
	}

	rc, err := f.Get(ctx, entry)
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	size, err := io.Copy(io.Discard, rc)
	if err != nil {
		return 0, fmt.Errorf("reading content for size: %w", err)
	}
	return size, nil
}

// PruneFolder drops empty directories left below folder after deletions.
// It is a no-op for backends without pruning support.
func (f *Files) PruneFolder(ctx context.Context, folder string) error {
	if pb, ok := f.backend.(backend.PruningBackend); ok {
		return pb.Prune(ctx, folder)
	}
	return nil
}

// List returns the storage keys below folder.
func (f *Files) List(ctx context.Context, folder string) ([]string, error) {
	keys, err := f.backend.List(ctx, folder)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", folder, err)
	}
	return keys, nil
}

// Compile-time interface checks
var _ Store = (*Files)(nil)
