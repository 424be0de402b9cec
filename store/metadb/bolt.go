package metadb

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/goccy/go-json"
	issuecache "github.com/wolfeidau/issue-cache"
	"go.etcd.io/bbolt"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating record codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// GetIssue returns the persisted issue with its own and its files' download
// timestamps filled in.
func (b *BoltDB) GetIssue(_ context.Context, key issuecache.IssueKey) (*issuecache.Issue, error) {
	var issue issuecache.Issue
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketIssues).Get([]byte(key.DownloadTag()))
		if val == nil {
			return ErrNotFound
		}
		data, err := b.codec.Decode(val)
		if err != nil {
			return fmt.Errorf("decoding issue %s: %w", key, err)
		}
		if err := json.Unmarshal(data, &issue); err != nil {
			return fmt.Errorf("unmarshaling issue %s: %w", key, err)
		}

		if ts := tx.Bucket(bucketIssueDownloads).Get([]byte(key.DownloadTag())); ts != nil {
			t := decodeTimestamp(ts)
			issue.DateDownload = &t
		} else {
			issue.DateDownload = nil
		}

		files := tx.Bucket(bucketFiles)
		stamp := func(c *issuecache.Collection) {
			for i := range c.Files {
				c.Files[i].DateDownload = nil
				if entry, err := getFileEntry(files, c.Files[i].StorageKey()); err == nil {
					c.Files[i].DateDownload = entry.DateDownload
				}
			}
		}
		stamp(&issue.Moment)
		for _, list := range [][]issuecache.Collection{issue.Sections, issue.Articles, issue.Pages} {
			for i := range list {
				stamp(&list[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

// PutIssue stores issue metadata and registers its file entries. Download
// timestamps of files whose checksum did not change are kept.
func (b *BoltDB) PutIssue(_ context.Context, issue *issuecache.Issue) error {
	if err := issue.Key.Validate(); err != nil {
		return err
	}

	stored := *issue
	stored.DateDownload = nil
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshaling issue: %w", err)
	}
	record, err := b.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("encoding issue %s: %w", issue.Key, err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketIssues).Put([]byte(issue.Key.DownloadTag()), record); err != nil {
			return fmt.Errorf("putting issue: %w", err)
		}
		return putFileEntries(tx.Bucket(bucketFiles), issue.AllFiles())
	})
}

// DeleteIssue removes the issue record and its download marker.
// File entries are left for ReleaseFiles to clean up.
func (b *BoltDB) DeleteIssue(_ context.Context, key issuecache.IssueKey) error {
	tag := []byte(key.DownloadTag())
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketIssueDownloads).Delete(tag); err != nil {
			return fmt.Errorf("deleting issue marker: %w", err)
		}
		return tx.Bucket(bucketIssues).Delete(tag)
	})
}

// ListIssues returns the keys of all persisted issues.
func (b *BoltDB) ListIssues(_ context.Context) ([]issuecache.IssueKey, error) {
	var keys []issuecache.IssueKey
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIssues).ForEach(func(k, _ []byte) error {
			key, err := issuecache.ParseIssueKey(string(k))
			if err != nil {
				b.logger.Warn("skipping malformed issue key", "key", string(k), "error", err)
				return nil
			}
			keys = append(keys, key)
			return nil
		})
	})
	return keys, err
}

// SetIssueDownloaded sets the issue download marker, or clears it when at is nil.
func (b *BoltDB) SetIssueDownloaded(_ context.Context, key issuecache.IssueKey, at *time.Time) error {
	tag := []byte(key.DownloadTag())
	return b.db.Update(func(tx *bbolt.Tx) error {
		markers := tx.Bucket(bucketIssueDownloads)
		if at == nil {
			return markers.Delete(tag)
		}
		if tx.Bucket(bucketIssues).Get(tag) == nil {
			return fmt.Errorf("marking issue %s downloaded: %w", key, ErrNotFound)
		}
		return markers.Put(tag, encodeTimestamp(*at))
	})
}

// IssueDownloadedAt returns the issue download marker, or nil if unset.
func (b *BoltDB) IssueDownloadedAt(_ context.Context, key issuecache.IssueKey) (*time.Time, error) {
	var at *time.Time
	err := b.db.View(func(tx *bbolt.Tx) error {
		if ts := tx.Bucket(bucketIssueDownloads).Get([]byte(key.DownloadTag())); ts != nil {
			t := decodeTimestamp(ts)
			at = &t
		}
		return nil
	})
	return at, err
}

// ListDownloadedIssues returns issues with a download marker, newest issue
// date first.
func (b *BoltDB) ListDownloadedIssues(_ context.Context) ([]DownloadedIssue, error) {
	var out []DownloadedIssue
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIssueDownloads).ForEach(func(k, v []byte) error {
			key, err := issuecache.ParseIssueKey(string(k))
			if err != nil {
				return nil
			}
			out = append(out, DownloadedIssue{Key: key, DownloadedAt: decodeTimestamp(v)})
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key.Date != out[j].Key.Date {
			return out[i].Key.Date > out[j].Key.Date
		}
		return out[i].Key.DownloadTag() < out[j].Key.DownloadTag()
	})
	return out, err
}

// GetFileEntry returns a registered file entry.
func (b *BoltDB) GetFileEntry(_ context.Context, storageKey string) (*issuecache.FileEntry, error) {
	var entry *issuecache.FileEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, err = getFileEntry(tx.Bucket(bucketFiles), storageKey)
		return err
	})
	return entry, err
}

// PutFileEntries registers file entries, keeping the download timestamp of
// entries whose checksum is unchanged.
func (b *BoltDB) PutFileEntries(_ context.Context, files ...issuecache.FileEntry) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putFileEntries(tx.Bucket(bucketFiles), files)
	})
}

// SetFileDownloaded sets a file's download timestamp, or clears it when at is nil.
func (b *BoltDB) SetFileDownloaded(_ context.Context, storageKey string, at *time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketFiles)
		entry, err := getFileEntry(bucket, storageKey)
		if err != nil {
			if at == nil {
				return nil
			}
			return fmt.Errorf("marking file %s downloaded: %w", storageKey, err)
		}
		entry.DateDownload = at
		return putJSON(bucket, storageKey, entry)
	})
}

// RetainFiles records owner as a holder of each file.
func (b *BoltDB) RetainFiles(_ context.Context, owner string, storageKeys []string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		refs := tx.Bucket(bucketFileRefs)
		for _, key := range storageKeys {
			owners := getOwners(refs, key)
			if slices.Contains(owners, owner) {
				continue
			}
			owners = append(owners, owner)
			slices.Sort(owners)
			if err := putJSON(refs, key, owners); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseFiles drops owner from each file and returns the files left without
// any owner. Their reference records are removed and their download
// timestamps cleared in the same transaction.
func (b *BoltDB) ReleaseFiles(_ context.Context, owner string, storageKeys []string) ([]string, error) {
	var orphaned []string
	err := b.db.Update(func(tx *bbolt.Tx) error {
		refs := tx.Bucket(bucketFileRefs)
		files := tx.Bucket(bucketFiles)
		for _, key := range storageKeys {
			owners := slices.DeleteFunc(getOwners(refs, key), func(o string) bool { return o == owner })
			if len(owners) > 0 {
				if err := putJSON(refs, key, owners); err != nil {
					return err
				}
				continue
			}

			if err := refs.Delete([]byte(key)); err != nil {
				return fmt.Errorf("deleting refs for %s: %w", key, err)
			}
			if entry, err := getFileEntry(files, key); err == nil && entry.DateDownload != nil {
				entry.DateDownload = nil
				if err := putJSON(files, key, entry); err != nil {
					return err
				}
			}
			orphaned = append(orphaned, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphaned, nil
}

// FileOwners returns the owners currently holding a file.
func (b *BoltDB) FileOwners(_ context.Context, storageKey string) ([]string, error) {
	var owners []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		owners = getOwners(tx.Bucket(bucketFileRefs), storageKey)
		return nil
	})
	return owners, err
}

// GetWork returns the scheduler payload stored under tag.
func (b *BoltDB) GetWork(_ context.Context, tag string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketWork).Get([]byte(tag))
		if val == nil {
			return ErrNotFound
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// PutWork stores a scheduler payload under tag.
func (b *BoltDB) PutWork(_ context.Context, tag string, data []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWork).Put([]byte(tag), data)
	})
}

// DeleteWork removes the scheduler payload stored under tag.
func (b *BoltDB) DeleteWork(_ context.Context, tag string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWork).Delete([]byte(tag))
	})
}

// ListWork returns every stored scheduler payload by tag.
func (b *BoltDB) ListWork(_ context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWork).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return out, err
}

func getFileEntry(bucket *bbolt.Bucket, storageKey string) (*issuecache.FileEntry, error) {
	val := bucket.Get([]byte(storageKey))
	if val == nil {
		return nil, ErrNotFound
	}
	var entry issuecache.FileEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling file entry %s: %w", storageKey, err)
	}
	return &entry, nil
}

func putFileEntries(bucket *bbolt.Bucket, files []issuecache.FileEntry) error {
	for _, f := range files {
		key := f.StorageKey()
		if existing, err := getFileEntry(bucket, key); err == nil && f.DateDownload == nil && existing.Checksum == f.Checksum {
			f.DateDownload = existing.DateDownload
		}
		if err := putJSON(bucket, key, f); err != nil {
			return err
		}
	}
	return nil
}

func getOwners(bucket *bbolt.Bucket, storageKey string) []string {
	val := bucket.Get([]byte(storageKey))
	if val == nil {
		return nil
	}
	var owners []string
	if err := json.Unmarshal(val, &owners); err != nil {
		return nil
	}
	return owners
}

func putJSON(bucket *bbolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	if err := bucket.Put([]byte(key), data); err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}
