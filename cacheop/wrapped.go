package cacheop

import (
	"context"
	"fmt"

	issuecache "github.com/wolfeidau/issue-cache"
)

// WrappedResult is the outcome of a wrapped download. Issue is nil for
// collections and single files; Content is nil when the content was already
// present.
type WrappedResult struct {
	Issue   *issuecache.Issue
	Content *ContentResult
}

// PrepareWrappedDownload prepares downloading metadata and content of d under
// its parent tag. The metadata and content sub-operations run under the bare
// tag and forward their progress to the parent tag.
func PrepareWrappedDownload(ctx context.Context, env *Env, d issuecache.Downloadable, priority Priority, trigger Trigger) (*Operation[*WrappedResult], error) {
	parent := issuecache.ParentTag(d.DownloadTag())
	spec := Spec{Tag: parent, Kind: KindWrappedDownload, Trigger: trigger}

	return Prepare(ctx, env.Registry, spec, priority, func(ctx context.Context, r Reporter) (*WrappedResult, error) {
		res := &WrappedResult{}

		if key, ok := d.(issuecache.IssueKey); ok {
			meta, err := PrepareMetadataDownload(ctx, env, key, r.Priority(), true, trigger)
			if err != nil {
				return nil, err
			}
			meta.AttachParent(parent)
			if res.Issue, err = meta.Execute(ctx); err != nil {
				return nil, err
			}

			at, err := env.Repo.IssueDownloadedAt(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("reading download marker: %w", err)
			}
			if at != nil {
				env.logger().Debug("content already present", "tag", key.DownloadTag())
				return res, nil
			}
		}

		content, err := PrepareContentDownload(ctx, env, d, r.Priority(), trigger)
		if err != nil {
			return nil, err
		}
		content.AttachParent(parent)
		if res.Content, err = content.Execute(ctx); err != nil {
			return nil, err
		}
		return res, nil
	})
}
