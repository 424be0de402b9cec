// Package content is the entry point for reading and changing what is cached
// locally. Service derives tags from entities, deduplicates concurrent
// requests through the cacheop registry and reports cache state.
package content

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/cacheop"
	"github.com/wolfeidau/issue-cache/store/metadb"
)

// ErrNotFound is returned when deleting an entity that has no persisted
// metadata.
var ErrNotFound = errors.New("no metadata for entity")

// Repository is the metadata store read by the service.
type Repository interface {
	cacheop.Repository
	ListDownloadedIssues(ctx context.Context) ([]metadb.DownloadedIssue, error)
}

// Service is the cache facade used by the CLI and background jobs.
type Service struct {
	env    *cacheop.Env
	repo   Repository
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a Service running its operations with env. env.Repo must also
// implement Repository.
func New(env *cacheop.Env, opts ...Option) (*Service, error) {
	repo, ok := env.Repo.(Repository)
	if !ok {
		return nil, fmt.Errorf("repository %T cannot list downloaded issues", env.Repo)
	}
	s := &Service{
		env:    env,
		repo:   repo,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "content")
	return s, nil
}

// Registry returns the registry operations are tracked in.
func (s *Service) Registry() *cacheop.Registry {
	return s.env.Registry
}

// StatusFlow streams cache state updates for entities. Before any live update
// it sends one snapshot per entity: the update of the operation active under
// the entity's parent tag, else of one active under its bare tag, else the
// persisted CacheState. The channel is closed when ctx ends.
func (s *Service) StatusFlow(ctx context.Context, entities ...issuecache.Downloadable) (<-chan cacheop.Status, error) {
	if len(entities) == 0 {
		return nil, errors.New("status flow needs at least one entity")
	}

	tags := make([]string, 0, 2*len(entities))
	for _, d := range entities {
		tags = append(tags, d.DownloadTag(), issuecache.ParentTag(d.DownloadTag()))
	}

	// Subscribe before taking snapshots so no transition is missed in between.
	live, cancel := s.env.Registry.Subscribe(tags...)

	snapshots := make([]cacheop.Status, 0, len(entities))
	for _, d := range entities {
		snap, err := s.snapshot(ctx, d)
		if err != nil {
			cancel()
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}

	out := make(chan cacheop.Status)
	go func() {
		defer close(out)
		defer cancel()

		for _, snap := range snapshots {
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case st, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- st:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Service) snapshot(ctx context.Context, d issuecache.Downloadable) (cacheop.Status, error) {
	tag := d.DownloadTag()
	for _, t := range []string{issuecache.ParentTag(tag), tag} {
		if info, ok := s.env.Registry.Lookup(t); ok {
			u := info.Update
			u.Type = cacheop.UpdateInitial
			return cacheop.Status{Tag: t, Update: u}, nil
		}
	}

	u, err := s.CacheState(ctx, d)
	if err != nil {
		return cacheop.Status{}, err
	}
	return cacheop.Status{Tag: tag, Update: u}, nil
}

// CacheState reports whether d is fully present on local storage.
func (s *Service) CacheState(ctx context.Context, d issuecache.Downloadable) (cacheop.CacheStateUpdate, error) {
	present, err := s.isDownloaded(ctx, d)
	if err != nil {
		return cacheop.CacheStateUpdate{}, err
	}
	state := cacheop.StateAbsent
	if present {
		state = cacheop.StatePresent
	}
	return cacheop.CacheStateUpdate{Type: cacheop.UpdateInitial, State: state}, nil
}

func (s *Service) isDownloaded(ctx context.Context, d issuecache.Downloadable) (bool, error) {
	switch v := d.(type) {
	case issuecache.IssueKey:
		at, err := s.repo.IssueDownloadedAt(ctx, v)
		if err != nil {
			return false, fmt.Errorf("reading download marker: %w", err)
		}
		return at != nil, nil
	case issuecache.Collection:
		if len(v.Files) == 0 {
			return false, nil
		}
		for _, f := range v.Files {
			ok, err := s.isFileDownloaded(ctx, f)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case issuecache.SingleFile:
		return s.isFileDownloaded(ctx, v.File)
	}
	return false, fmt.Errorf("unsupported downloadable %T", d)
}

func (s *Service) isFileDownloaded(ctx context.Context, f issuecache.FileEntry) (bool, error) {
	stored, err := s.repo.GetFileEntry(ctx, f.StorageKey())
	if errors.Is(err, metadb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading file entry: %w", err)
	}
	return stored.Downloaded(), nil
}

// DownloadToCacheIfNotPresent downloads d unless it is already present.
func (s *Service) DownloadToCacheIfNotPresent(ctx context.Context, d issuecache.Downloadable, priority cacheop.Priority, isAutomatic bool) error {
	present, err := s.isDownloaded(ctx, d)
	if err != nil {
		return err
	}
	if present {
		s.logger.Debug("already present", "tag", d.DownloadTag())
		return nil
	}
	_, err = s.DownloadToCache(ctx, d, priority, isAutomatic)
	return err
}

// DownloadToCache downloads metadata and content of d as one operation under
// its parent tag.
func (s *Service) DownloadToCache(ctx context.Context, d issuecache.Downloadable, priority cacheop.Priority, isAutomatic bool) (*cacheop.WrappedResult, error) {
	trigger := cacheop.TriggerFor(isAutomatic)
	s.logger.Info("download requested", "tag", d.DownloadTag(), "priority", priority, "trigger", trigger)

	op, err := cacheop.PrepareWrappedDownload(ctx, s.env, d, priority, trigger)
	if err != nil {
		return nil, err
	}
	return op.Execute(ctx)
}

// DownloadMetadataIfNotPresent returns the persisted metadata of key, fetching
// it first when missing. It waits for a content download of key in progress
// to finish first.
func (s *Service) DownloadMetadataIfNotPresent(ctx context.Context, key issuecache.IssueKey) (*issuecache.Issue, error) {
	op, err := cacheop.PrepareMetadataDownload(ctx, s.env, key, cacheop.PriorityNormal, true, cacheop.TriggerManual)
	if err != nil {
		return nil, err
	}
	return op.Execute(ctx)
}

// DownloadSingleFile downloads one file served below baseURL.
func (s *Service) DownloadSingleFile(ctx context.Context, entry issuecache.FileEntry, baseURL string, priority cacheop.Priority) error {
	sf := issuecache.SingleFile{File: entry, BaseURL: baseURL}
	op, err := cacheop.PrepareContentDownload(ctx, s.env, sf, priority, cacheop.TriggerManual)
	if err != nil {
		return err
	}
	_, err = op.Execute(ctx)
	return err
}

// DownloadSingleFileIfNotDownloaded downloads one file unless it carries a
// download timestamp.
func (s *Service) DownloadSingleFileIfNotDownloaded(ctx context.Context, entry issuecache.FileEntry, baseURL string, priority cacheop.Priority) error {
	ok, err := s.isFileDownloaded(ctx, entry)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.DownloadSingleFile(ctx, entry, baseURL, priority)
}

// DownloadCollectionContentIfNotPresent downloads the files of c unless all of
// them are present.
func (s *Service) DownloadCollectionContentIfNotPresent(ctx context.Context, c issuecache.Collection, priority cacheop.Priority) error {
	present, err := s.isDownloaded(ctx, c)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	op, err := cacheop.PrepareContentDownload(ctx, s.env, c, priority, cacheop.TriggerManual)
	if err != nil {
		return err
	}
	_, err = op.Execute(ctx)
	return err
}

// DeleteIssueContent deletes the downloaded files of an issue and keeps its
// metadata. It returns ErrNotFound if the issue has no persisted metadata.
func (s *Service) DeleteIssueContent(ctx context.Context, key issuecache.IssueKey) error {
	if err := s.requireIssue(ctx, key); err != nil {
		return err
	}
	op, err := cacheop.PrepareContentDeletion(ctx, s.env, key, cacheop.PriorityNormal, cacheop.TriggerManual)
	if err != nil {
		return err
	}
	_, err = op.Execute(ctx)
	return err
}

// DeleteCollectionContent deletes the downloaded files of a collection. It
// returns ErrNotFound if none of its files is known.
func (s *Service) DeleteCollectionContent(ctx context.Context, c issuecache.Collection) error {
	known := false
	for _, f := range c.Files {
		_, err := s.repo.GetFileEntry(ctx, f.StorageKey())
		if err == nil {
			known = true
			break
		}
		if !errors.Is(err, metadb.ErrNotFound) {
			return fmt.Errorf("loading file entry: %w", err)
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrNotFound, c.DownloadTag())
	}

	op, err := cacheop.PrepareContentDeletion(ctx, s.env, c, cacheop.PriorityNormal, cacheop.TriggerManual)
	if err != nil {
		return err
	}
	_, err = op.Execute(ctx)
	return err
}

// DeleteIssue deletes the downloaded files and the metadata of an issue.
func (s *Service) DeleteIssue(ctx context.Context, key issuecache.IssueKey, isAutomatic bool) error {
	if err := s.requireIssue(ctx, key); err != nil {
		return err
	}
	op, err := cacheop.PrepareIssueDeletion(ctx, s.env, key, cacheop.PriorityNormal, cacheop.TriggerFor(isAutomatic))
	if err != nil {
		return err
	}
	_, err = op.Execute(ctx)
	return err
}

func (s *Service) requireIssue(ctx context.Context, key issuecache.IssueKey) error {
	_, err := s.repo.GetIssue(ctx, key)
	if errors.Is(err, metadb.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("loading metadata: %w", err)
	}
	return nil
}

// ListDownloaded returns the downloaded issues, newest download first.
func (s *Service) ListDownloaded(ctx context.Context) ([]metadb.DownloadedIssue, error) {
	return s.repo.ListDownloadedIssues(ctx)
}
