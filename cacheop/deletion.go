package cacheop

import (
	"context"
	"errors"
	"fmt"
	"path"

	issuecache "github.com/wolfeidau/issue-cache"
)

// DeletionResult summarises a deletion.
type DeletionResult struct {
	Released int
	Deleted  int
}

// PrepareContentDeletion prepares removing the content of d. Files still
// referenced by another downloaded entity are kept. Deleting content that is
// not there succeeds.
func PrepareContentDeletion(ctx context.Context, env *Env, d issuecache.Downloadable, priority Priority, trigger Trigger) (*Operation[*DeletionResult], error) {
	spec := Spec{Tag: d.DownloadTag(), Kind: KindContentDeletion, Trigger: trigger}
	return Prepare(ctx, env.Registry, spec, priority, func(ctx context.Context, _ Reporter) (*DeletionResult, error) {
		return deleteContent(ctx, env, d)
	})
}

// PrepareIssueDeletion prepares removing the content and the metadata of an
// issue.
func PrepareIssueDeletion(ctx context.Context, env *Env, key issuecache.IssueKey, priority Priority, trigger Trigger) (*Operation[*DeletionResult], error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	spec := Spec{Tag: key.DownloadTag(), Kind: KindIssueDeletion, Trigger: trigger}
	return Prepare(ctx, env.Registry, spec, priority, func(ctx context.Context, _ Reporter) (*DeletionResult, error) {
		res, err := deleteContent(ctx, env, key)
		if err != nil {
			return nil, err
		}
		if err := env.Repo.DeleteIssue(ctx, key); err != nil {
			return nil, fmt.Errorf("deleting metadata: %w", err)
		}
		return res, nil
	})
}

func deleteContent(ctx context.Context, env *Env, d issuecache.Downloadable) (*DeletionResult, error) {
	tag := d.DownloadTag()

	jobs, err := resolveFiles(ctx, env, d, false)
	if errors.Is(err, ErrMissingMetadata) {
		env.logger().Debug("nothing to delete", "tag", tag)
		return &DeletionResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	if key, ok := d.(issuecache.IssueKey); ok {
		// Clear the marker first so a partial deletion never looks complete.
		if err := env.Repo.SetIssueDownloaded(ctx, key, nil); err != nil {
			return nil, fmt.Errorf("clearing issue marker: %w", err)
		}
	}

	orphaned, err := env.Repo.ReleaseFiles(ctx, tag, storageKeys(jobs))
	if err != nil {
		return nil, fmt.Errorf("releasing files: %w", err)
	}

	byKey := make(map[string]issuecache.FileEntry, len(jobs))
	for _, j := range jobs {
		byKey[j.entry.StorageKey()] = j.entry
	}

	folders := make(map[string]struct{})
	for _, key := range orphaned {
		entry := byKey[key]
		if err := env.Store.Delete(ctx, entry); err != nil {
			return nil, fmt.Errorf("deleting %s: %w", key, err)
		}
		folders[path.Dir(key)] = struct{}{}
	}

	if pruner, ok := env.Store.(folderPruner); ok {
		for folder := range folders {
			if err := pruner.PruneFolder(ctx, folder); err != nil {
				env.logger().Warn("pruning folder failed", "folder", folder, "error", err)
			}
		}
	}

	env.logger().Info("content deleted", "tag", tag, "released", len(jobs), "deleted", len(orphaned))
	return &DeletionResult{Released: len(jobs), Deleted: len(orphaned)}, nil
}
