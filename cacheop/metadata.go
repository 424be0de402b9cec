package cacheop

import (
	"context"
	"errors"
	"fmt"

	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/connectivity"
	"github.com/wolfeidau/issue-cache/store/metadb"
)

// PrepareMetadataDownload prepares fetching the metadata of an issue under its
// bare tag. With allowCache a persisted issue is returned without a remote
// call.
//
// Like any Prepare, it waits for an operation of another kind active on the
// bare tag. With a ContentDownload running that means waiting for the whole
// download, even when the metadata is already persisted.
func PrepareMetadataDownload(ctx context.Context, env *Env, key issuecache.IssueKey, priority Priority, allowCache bool, trigger Trigger) (*Operation[*issuecache.Issue], error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	tag := key.DownloadTag()

	spec := Spec{Tag: tag, Kind: KindMetadataDownload, Trigger: trigger}
	return Prepare(ctx, env.Registry, spec, priority, func(ctx context.Context, _ Reporter) (*issuecache.Issue, error) {
		if allowCache {
			issue, err := env.Repo.GetIssue(ctx, key)
			if err == nil {
				return issue, nil
			}
			if !errors.Is(err, metadb.ErrNotFound) {
				return nil, err
			}
		}

		fetched, err := connectivity.Retry(ctx, env.Helper, env.onConnectivityFailure(tag), env.MaxRetries,
			func(ctx context.Context) (*issuecache.Issue, error) {
				return env.API.FetchIssue(ctx, key)
			})
		if err != nil {
			return nil, fmt.Errorf("fetching metadata: %w", err)
		}

		if err := env.Repo.PutIssue(ctx, fetched); err != nil {
			return nil, fmt.Errorf("persisting metadata: %w", err)
		}
		return env.Repo.GetIssue(ctx, key)
	})
}
