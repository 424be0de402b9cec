package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wolfeidau/issue-cache/backend"
	"github.com/wolfeidau/issue-cache/content"
	"github.com/wolfeidau/issue-cache/store/metadb"
)

type usageBackend interface {
	Usage(ctx context.Context, prefix string) (int64, error)
}

// newestFirst returns the issues holding content, ordered by issue date,
// newest first. Issues of the same date are ordered by download time.
//
// Besides downloaded issues this includes partial issues: metadata persisted,
// no download marker, files in storage. A failed content download leaves
// those behind. They carry a zero DownloadedAt and are only listed while no
// cache operation is in flight.
func (m *Manager) newestFirst(ctx context.Context) ([]metadb.DownloadedIssue, error) {
	issues, err := m.issues.ListDownloaded(ctx)
	if err != nil {
		return nil, err
	}

	partial, err := m.partialIssues(ctx, issues)
	if err != nil {
		return nil, err
	}
	issues = append(issues, partial...)

	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Key.Date != issues[j].Key.Date {
			return issues[i].Key.Date > issues[j].Key.Date
		}
		return issues[i].DownloadedAt.After(issues[j].DownloadedAt)
	})
	return issues, nil
}

func (m *Manager) partialIssues(ctx context.Context, downloaded []metadb.DownloadedIssue) ([]metadb.DownloadedIssue, error) {
	if m.busy() {
		return nil, nil
	}

	keys, err := m.files.ListIssues(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(downloaded))
	for _, d := range downloaded {
		seen[d.Key.DownloadTag()] = struct{}{}
	}

	var partial []metadb.DownloadedIssue
	for _, key := range keys {
		if _, ok := seen[key.DownloadTag()]; ok {
			continue
		}
		stored, err := m.backend.List(ctx, key.Folder())
		if err != nil {
			return nil, err
		}
		if len(stored) == 0 {
			continue
		}
		m.logger.Debug("found partially downloaded issue", "issue", key, "files", len(stored))
		partial = append(partial, metadb.DownloadedIssue{Key: key})
	}
	return partial, nil
}

// phaseKeepNewest deletes the content of every issue beyond the keep limit.
func (m *Manager) phaseKeepNewest(ctx context.Context, result *Result) {
	keep := m.config.KeepIssues()
	if keep <= 0 {
		return
	}

	m.logger.Debug("phase: keep newest issues", "keep", keep)

	issues, err := m.newestFirst(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list downloaded issues: %v", err))
		m.logger.Error("failed to list downloaded issues", "error", err)
		return
	}
	if len(issues) <= keep {
		return
	}

	for _, issue := range issues[keep:] {
		select {
		case <-ctx.Done():
			return
		default:
		}

		size, err := m.evict(ctx, issue)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("evict issue %s: %v", issue.Key, err))
			continue
		}
		result.IssuesEvicted++
		result.BytesReclaimed += size
	}
}

// phaseQuota evicts the oldest issues while storage is over quota. The newest
// issue is never evicted.
func (m *Manager) phaseQuota(ctx context.Context, result *Result) {
	if m.config.MaxBytes <= 0 {
		return
	}

	m.logger.Debug("phase: quota")

	total, err := m.usage(ctx, "")
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("get storage usage: %v", err))
		m.logger.Error("failed to get storage usage", "error", err)
		return
	}
	if total <= m.config.MaxBytes {
		m.logger.Debug("storage within quota", "total_size", total, "max_size", m.config.MaxBytes)
		return
	}

	issues, err := m.newestFirst(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list downloaded issues: %v", err))
		m.logger.Error("failed to list downloaded issues", "error", err)
		return
	}

	m.logger.Info("storage over quota, evicting oldest issues",
		"total_size", total,
		"max_size", m.config.MaxBytes,
		"bytes_to_free", total-m.config.MaxBytes,
	)

	for i := len(issues) - 1; i > 0 && total > m.config.MaxBytes; i-- {
		select {
		case <-ctx.Done():
			return
		default:
		}

		size, err := m.evict(ctx, issues[i])
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("evict issue %s: %v", issues[i].Key, err))
			continue
		}
		result.QuotaEvicted++
		result.BytesReclaimed += size

		if total, err = m.usage(ctx, ""); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("get storage usage: %v", err))
			return
		}
	}
}

// phaseDeleteOrphans deletes stored files that have no file entry.
func (m *Manager) phaseDeleteOrphans(ctx context.Context, result *Result) {
	if m.busy() {
		m.logger.Debug("skipping orphan phase, operations in flight")
		return
	}

	m.logger.Debug("phase: delete orphan files")

	keys, err := m.backend.List(ctx, "")
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("list backend files: %v", err))
		m.logger.Error("failed to list backend files", "error", err)
		return
	}

	processed := 0
	for _, key := range keys {
		if processed >= m.config.BatchSize {
			break
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		_, err := m.files.GetFileEntry(ctx, key)
		if err == nil {
			continue
		}
		if !errors.Is(err, metadb.ErrNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("check file %s: %v", key, err))
			continue
		}

		var size int64
		if sizeBackend, ok := m.backend.(backend.SizeAwareBackend); ok {
			size, _ = sizeBackend.Size(ctx, key)
		}

		if err := m.backend.Delete(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete orphan file %s: %v", key, err))
			m.logger.Error("failed to delete orphan file", "key", key, "error", err)
			continue
		}

		result.OrphanFilesDeleted++
		result.BytesReclaimed += size
		processed++

		m.logger.Debug("deleted orphan file", "key", key, "size", size)
	}
}

// evict deletes the content of one issue and returns the bytes its folder held.
func (m *Manager) evict(ctx context.Context, issue metadb.DownloadedIssue) (int64, error) {
	size, err := m.usage(ctx, issue.Key.Folder())
	if err != nil {
		m.logger.Warn("failed to size issue folder", "issue", issue.Key, "error", err)
	}

	if err := m.issues.DeleteIssueContent(ctx, issue.Key); err != nil && !errors.Is(err, content.ErrNotFound) {
		m.logger.Error("failed to evict issue", "issue", issue.Key, "error", err)
		return 0, err
	}

	m.logger.Info("evicted issue", "issue", issue.Key, "downloaded_at", issue.DownloadedAt, "size", size)
	return size, nil
}

// usage returns the bytes stored below prefix.
func (m *Manager) usage(ctx context.Context, prefix string) (int64, error) {
	b := m.backend
	for {
		if ub, ok := b.(usageBackend); ok {
			return ub.Usage(ctx, prefix)
		}
		unwrapper, ok := b.(interface{ Unwrap() backend.Backend })
		if !ok {
			break
		}
		b = unwrapper.Unwrap()
	}

	sizeBackend, ok := m.backend.(backend.SizeAwareBackend)
	if !ok {
		return 0, errors.New("backend cannot report sizes")
	}
	keys, err := m.backend.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, key := range keys {
		n, err := sizeBackend.Size(ctx, key)
		if err != nil && !errors.Is(err, backend.ErrNotFound) {
			return 0, err
		}
		total += n
	}
	return total, nil
}
