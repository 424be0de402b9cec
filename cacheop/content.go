package cacheop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/connectivity"
	"github.com/wolfeidau/issue-cache/download"
	"github.com/wolfeidau/issue-cache/store/metadb"
	"github.com/wolfeidau/issue-cache/telemetry"
)

// ContentResult summarises a content download.
type ContentResult struct {
	Files      int
	Downloaded int
	Skipped    int
	Bytes      int64
}

// fileJob is one file to fetch together with the URL it is served below.
type fileJob struct {
	entry   issuecache.FileEntry
	baseURL string
}

// PrepareContentDownload prepares downloading every file of d under its bare
// tag. An IssueKey needs persisted metadata; collections and single files
// carry their own file list.
func PrepareContentDownload(ctx context.Context, env *Env, d issuecache.Downloadable, priority Priority, trigger Trigger) (*Operation[*ContentResult], error) {
	tag := d.DownloadTag()
	spec := Spec{Tag: tag, Kind: KindContentDownload, Trigger: trigger}

	return Prepare(ctx, env.Registry, spec, priority, func(ctx context.Context, r Reporter) (*ContentResult, error) {
		jobs, err := resolveFiles(ctx, env, d, true)
		if err != nil {
			return nil, err
		}
		if err := env.Repo.RetainFiles(ctx, tag, storageKeys(jobs)); err != nil {
			return nil, fmt.Errorf("retaining files: %w", err)
		}

		res, err := downloadFiles(ctx, env, tag, jobs, r)
		if err != nil {
			return nil, err
		}

		if key, ok := d.(issuecache.IssueKey); ok {
			now := env.now()
			if err := env.Repo.SetIssueDownloaded(ctx, key, &now); err != nil {
				return nil, fmt.Errorf("marking issue downloaded: %w", err)
			}
		}
		env.logger().Info("content downloaded", "tag", tag,
			"files", res.Files, "downloaded", res.Downloaded, "skipped", res.Skipped, "bytes", res.Bytes)
		return res, nil
	})
}

// resolveFiles returns the files of d. For collections and single files the
// entries are upserted into the repository when persist is set.
func resolveFiles(ctx context.Context, env *Env, d issuecache.Downloadable, persist bool) ([]fileJob, error) {
	switch v := d.(type) {
	case issuecache.IssueKey:
		issue, err := env.Repo.GetIssue(ctx, v)
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMissingMetadata, v.DownloadTag())
		}
		if err != nil {
			return nil, fmt.Errorf("loading metadata: %w", err)
		}
		seen := make(map[string]struct{})
		var jobs []fileJob
		for _, c := range issue.Collections() {
			base := c.BaseURL
			if base == "" {
				base = issue.BaseURL
			}
			for _, f := range c.Files {
				if _, ok := seen[f.StorageKey()]; ok {
					continue
				}
				seen[f.StorageKey()] = struct{}{}
				jobs = append(jobs, fileJob{entry: f, baseURL: base})
			}
		}
		return jobs, nil

	case issuecache.Collection:
		jobs := make([]fileJob, 0, len(v.Files))
		for _, f := range v.Files {
			jobs = append(jobs, fileJob{entry: f, baseURL: v.BaseURL})
		}
		if persist && len(v.Files) > 0 {
			if err := env.Repo.PutFileEntries(ctx, v.Files...); err != nil {
				return nil, fmt.Errorf("persisting file entries: %w", err)
			}
		}
		return jobs, nil

	case issuecache.SingleFile:
		if persist {
			if err := env.Repo.PutFileEntries(ctx, v.File); err != nil {
				return nil, fmt.Errorf("persisting file entry: %w", err)
			}
		}
		return []fileJob{{entry: v.File, baseURL: v.BaseURL}}, nil
	}
	return nil, fmt.Errorf("unsupported downloadable %T", d)
}

func storageKeys(jobs []fileJob) []string {
	keys := make([]string, len(jobs))
	for i, j := range jobs {
		keys[i] = j.entry.StorageKey()
	}
	return keys
}

// downloadFiles fetches all jobs concurrently. The first failure cancels the
// remaining fetches of this operation.
func downloadFiles(ctx context.Context, env *Env, tag string, jobs []fileJob, r Reporter) (*ContentResult, error) {
	var total int64
	for _, j := range jobs {
		total += j.entry.Size
	}

	var (
		done       atomic.Int64
		downloaded atomic.Int64
		skipped    atomic.Int64
		written    atomic.Int64
	)
	r.Report(0, total)

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			fetched, n, err := downloadFile(gctx, env, tag, job, r)
			if err != nil {
				return err
			}
			if fetched {
				downloaded.Add(1)
				written.Add(n)
			} else {
				skipped.Add(1)
			}
			r.Report(done.Add(job.entry.Size), total)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &ContentResult{
		Files:      len(jobs),
		Downloaded: int(downloaded.Load()),
		Skipped:    int(skipped.Load()),
		Bytes:      written.Load(),
	}, nil
}

// downloadFile fetches one file unless it is already stamped with the same
// checksum and present in storage. It reports whether it fetched and how many
// bytes were written.
func downloadFile(ctx context.Context, env *Env, tag string, job fileJob, r Reporter) (bool, int64, error) {
	key := job.entry.StorageKey()

	present, err := isFilePresent(ctx, env, job.entry)
	if err != nil {
		return false, 0, err
	}
	if present {
		return false, 0, nil
	}

	release, err := env.Queue.Acquire(ctx, r.PriorityFunc())
	if err != nil {
		return false, 0, err
	}
	defer release()

	res, shared, err := env.Downloader.Do(ctx, key, func(ctx context.Context) (*download.Result, error) {
		return connectivity.Retry(ctx, env.Helper, env.onConnectivityFailure(tag), env.MaxRetries,
			func(ctx context.Context) (*download.Result, error) {
				return fetchAndStore(ctx, env, job)
			})
	})
	if err != nil {
		env.Downloader.ForgetOnError(key, err)
		telemetry.RecordFileDownload(ctx, "failed", 0)
		return false, 0, fmt.Errorf("downloading %s: %w", key, err)
	}

	now := env.now()
	if err := env.Repo.SetFileDownloaded(ctx, key, &now); err != nil {
		return false, 0, fmt.Errorf("marking %s downloaded: %w", key, err)
	}

	if shared {
		telemetry.RecordFileDownload(ctx, "shared", 0)
		return true, 0, nil
	}
	telemetry.RecordFileDownload(ctx, "success", res.Size)
	return true, res.Size, nil
}

func isFilePresent(ctx context.Context, env *Env, entry issuecache.FileEntry) (bool, error) {
	stored, err := env.Repo.GetFileEntry(ctx, entry.StorageKey())
	if errors.Is(err, metadb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading file entry: %w", err)
	}
	if !stored.Downloaded() || stored.Checksum != entry.Checksum {
		return false, nil
	}
	return env.Store.Has(ctx, entry)
}

func fetchAndStore(ctx context.Context, env *Env, job fileJob) (*download.Result, error) {
	body, err := env.API.FetchFile(ctx, job.baseURL, job.entry)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	put, err := env.Store.Put(ctx, job.entry, &recoverableReader{r: body})
	if err != nil {
		if errors.Is(err, issuecache.ErrChecksumMismatch) {
			return nil, connectivity.Unrecoverable(err)
		}
		return nil, err
	}
	return &download.Result{Key: put.Key, Size: put.Size, Sum: put.Sum}, nil
}

// recoverableReader marks errors from a response body as recoverable, so an
// interrupted transfer waits for connectivity and starts over.
type recoverableReader struct {
	r io.Reader
}

func (rr *recoverableReader) Read(p []byte) (int, error) {
	n, err := rr.r.Read(p)
	if err != nil && err != io.EOF {
		err = connectivity.Recoverable(err)
	}
	return n, err
}
