package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/backend"
	"github.com/wolfeidau/issue-cache/cacheop"
	"github.com/wolfeidau/issue-cache/content"
	"github.com/wolfeidau/issue-cache/settings"
)

// IssueArgs identify an issue on the command line.
type IssueArgs struct {
	Feed        string `arg:"" help:"Feed name."`
	Date        string `arg:"" help:"Issue date (YYYY-MM-DD)."`
	IssueStatus string `name:"status" help:"Access level of the issue." enum:"public,demo,regular" default:"regular"`
}

func (a IssueArgs) key() (issuecache.IssueKey, error) {
	key := issuecache.IssueKey{Feed: a.Feed, Date: a.Date, Status: issuecache.IssueStatus(a.IssueStatus)}
	return key, key.Validate()
}

// DownloadCmd downloads one issue.
type DownloadCmd struct {
	IssueArgs `embed:""`

	Priority     string `help:"Download priority." enum:"low,normal,high,urgent" default:"high"`
	MetadataOnly bool   `help:"Only download the issue metadata."`
	Force        bool   `help:"Download even when the issue is already present."`
}

func (c *DownloadCmd) Run(a *app, rc runContext) error {
	key, err := c.key()
	if err != nil {
		return err
	}
	priority, err := cacheop.ParsePriority(c.Priority)
	if err != nil {
		return err
	}

	if c.MetadataOnly {
		issue, err := a.service.DownloadMetadataIfNotPresent(rc, key)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d pages, %d articles\n", key, len(issue.Pages), len(issue.Articles))
		return nil
	}

	if !c.Force {
		state, err := a.service.CacheState(rc, key)
		if err != nil {
			return err
		}
		if state.State == cacheop.StatePresent {
			fmt.Printf("%s: already downloaded\n", key)
			return nil
		}
	}

	start := time.Now()
	result, err := a.service.DownloadToCache(rc, key, priority, false)
	if err != nil {
		return err
	}
	if result.Content == nil {
		fmt.Printf("%s: already downloaded\n", key)
		return nil
	}
	fmt.Printf("%s: %d files, %d downloaded, %d present, %s in %s\n",
		key,
		result.Content.Files,
		result.Content.Downloaded,
		result.Content.Skipped,
		humanize.Bytes(uint64(result.Content.Bytes)),
		time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// DeleteCmd deletes an issue's content, or everything known about it.
type DeleteCmd struct {
	IssueArgs `embed:""`

	All bool `help:"Also delete the issue metadata."`
}

func (c *DeleteCmd) Run(a *app, rc runContext) error {
	key, err := c.key()
	if err != nil {
		return err
	}

	if c.All {
		err = a.service.DeleteIssue(rc, key, false)
	} else {
		err = a.service.DeleteIssueContent(rc, key)
	}
	if errors.Is(err, content.ErrNotFound) {
		return fmt.Errorf("%s: no metadata, nothing to delete", key)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: deleted\n", key)
	return nil
}

// StatusCmd prints the cache state of an issue.
type StatusCmd struct {
	IssueArgs `embed:""`

	Watch bool `help:"Follow state changes until interrupted."`
}

func (c *StatusCmd) Run(a *app, rc runContext) error {
	key, err := c.key()
	if err != nil {
		return err
	}

	if !c.Watch {
		state, err := a.service.CacheState(rc, key)
		if err != nil {
			return err
		}
		printStatus(cacheop.Status{Tag: key.DownloadTag(), Update: state})
		return nil
	}

	events, err := a.service.StatusFlow(rc, key)
	if err != nil {
		return err
	}
	for ev := range events {
		printStatus(ev)
	}
	return nil
}

func printStatus(s cacheop.Status) {
	line := fmt.Sprintf("%s\t%s\t%s", s.Tag, s.Update.Type, s.Update.State)
	if s.Update.BytesTotal > 0 {
		line += fmt.Sprintf("\t%s / %s", humanize.Bytes(uint64(s.Update.BytesDone)), humanize.Bytes(uint64(s.Update.BytesTotal)))
	}
	if s.Update.Err != nil {
		line += "\terror: " + s.Update.Err.Error()
	}
	fmt.Println(line)
}

// ListCmd lists downloaded issues with their size on disk.
type ListCmd struct{}

func (c *ListCmd) Run(a *app, rc runContext) error {
	issues, err := a.service.ListDownloaded(rc)
	if err != nil {
		return err
	}

	fs, _ := a.backend.Unwrap().(*backend.Filesystem)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ISSUE\tDOWNLOADED\tSIZE")
	var total int64
	for _, issue := range issues {
		size := "-"
		if fs != nil {
			n, err := fs.Usage(rc, issue.Key.Folder())
			if err != nil {
				return err
			}
			total += n
			size = humanize.Bytes(uint64(n))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", issue.Key, humanize.Time(issue.DownloadedAt), size)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d issues, %s\n", len(issues), humanize.Bytes(uint64(total)))
	return nil
}

// PrefsCmd shows or updates preferences.
type PrefsCmd struct {
	Set map[string]string `help:"Set preferences, e.g. --set wifi_only=false --set keep_issues=10."`
}

func (c *PrefsCmd) Run(a *app) error {
	if len(c.Set) > 0 {
		if err := validatePrefKeys(c.Set); err != nil {
			return err
		}
		if err := a.prefs.Update(func(p *settings.Preferences) {
			applyPrefs(p, c.Set)
		}); err != nil {
			return err
		}
	}

	p := a.prefs.Get()
	fmt.Printf("feed          = %s\n", p.Feed)
	fmt.Printf("wifi_only     = %t\n", p.WifiOnly)
	fmt.Printf("auto_download = %t\n", p.AutoDownload)
	fmt.Printf("keep_issues   = %d\n", p.KeepIssues)
	return nil
}

func validatePrefKeys(set map[string]string) error {
	var unknown []string
	for k, v := range set {
		switch k {
		case "feed":
		case "wifi_only", "auto_download":
			if _, err := strconv.ParseBool(v); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		case "keep_issues":
			if _, err := strconv.Atoi(v); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		default:
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown preferences: %v", unknown)
	}
	return nil
}

func applyPrefs(p *settings.Preferences, set map[string]string) {
	for k, v := range set {
		switch k {
		case "feed":
			p.Feed = v
		case "wifi_only":
			p.WifiOnly, _ = strconv.ParseBool(v)
		case "auto_download":
			p.AutoDownload, _ = strconv.ParseBool(v)
		case "keep_issues":
			p.KeepIssues, _ = strconv.Atoi(v)
		}
	}
}
