// Package download deduplicates concurrent fetches of the same content file
// and limits how many files are fetched at once.
//
// Downloader collapses concurrent requests for one storage key into a single
// fetch. Queue hands out a fixed number of fetch slots, highest priority
// first.
package download

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of a file download.
type Result struct {
	Key  string
	Size int64
	Sum  string
}

// DownloadFunc fetches a file, verifies its checksum and stores it.
// The context passed to DownloadFunc is detached from any single caller so
// that one caller giving up does not cancel the download for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// flight tracks the callers waiting on one key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Downloader deduplicates concurrent downloads for the same storage key
// using singleflight. It uses DoChan so each caller can respect its own
// context without cancelling the in-flight download for others. The download
// is cancelled once every caller has left.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger:  slog.Default(),
		flights: make(map[string]*flight),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent downloads for the same storage key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context ends before the download completes, Do returns the
// context error; the download continues while other callers still wait.
func (d *Downloader) Do(ctx context.Context, key string, fn DownloadFunc) (*Result, bool, error) {
	f := d.join(ctx, key)

	ch := d.group.DoChan(key, func() (any, error) {
		defer d.finish(key, f)
		return fn(f.ctx)
	})

	select {
	case res := <-ch:
		d.leave(key, f, false)
		if res.Err != nil {
			d.logger.Debug("file download failed", "key", key, "shared", res.Shared, "error", res.Err)
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		d.leave(key, f, true)
		return nil, false, ctx.Err()
	}
}

func (d *Downloader) join(ctx context.Context, key string) *flight {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		d.flights[key] = f
	}
	f.waiters++
	return f
}

func (d *Downloader) leave(key string, f *flight, abandoned bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if abandoned {
		d.logger.Debug("all callers left, cancelling file download", "key", key)
		f.cancel()
	}
	if d.flights[key] == f {
		delete(d.flights, key)
	}
}

func (d *Downloader) finish(key string, f *flight) {
	d.mu.Lock()
	if d.flights[key] == f {
		delete(d.flights, key)
	}
	d.mu.Unlock()
	f.cancel()
}

// ForgetOnError forgets key after a failed download so the next caller starts
// a fresh fetch. Context errors of a single caller are ignored because the
// shared fetch may still be running for others.
func (d *Downloader) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.group.Forget(key)
}
