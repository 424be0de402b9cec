// Package issuecache holds the shared domain model of the offline issue cache:
// issue keys, file entries, downloadable collections and content checksums.
package issuecache

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const parentTagPrefix = "parent/"

// ParentTag scopes a composite (metadata + content) operation away from its
// sub-operations, which run under the bare tag.
func ParentTag(tag string) string {
	return parentTagPrefix + tag
}

// IsParentTag reports whether tag was produced by ParentTag.
func IsParentTag(tag string) bool {
	return strings.HasPrefix(tag, parentTagPrefix)
}

// Downloadable is a cacheable entity. The set of implementations is closed:
// IssueKey, Collection and SingleFile.
type Downloadable interface {
	// DownloadTag returns the identity key used for deduplication.
	DownloadTag() string
	downloadable()
}

// IssueStatus distinguishes the access level an issue was published with.
type IssueStatus string

const (
	StatusPublic  IssueStatus = "public"
	StatusDemo    IssueStatus = "demo"
	StatusRegular IssueStatus = "regular"
)

// IssueKey identifies one issue of a feed.
type IssueKey struct {
	Feed   string      `json:"feed"`
	Date   string      `json:"date"`
	Status IssueStatus `json:"status"`
}

// DownloadTag returns "feed/date/status".
func (k IssueKey) DownloadTag() string {
	return k.Feed + "/" + k.Date + "/" + string(k.Status)
}

func (k IssueKey) String() string { return k.DownloadTag() }

// Folder is the storage folder of the issue's own files.
func (k IssueKey) Folder() string {
	return path.Join("issues", k.Feed, k.Date)
}

// Validate checks that all key parts are set.
func (k IssueKey) Validate() error {
	if k.Feed == "" || k.Date == "" {
		return fmt.Errorf("issue key requires feed and date, got %q", k.DownloadTag())
	}
	if strings.Contains(k.Feed, "/") || strings.Contains(k.Date, "/") {
		return fmt.Errorf("issue key parts must not contain '/': %q", k.DownloadTag())
	}
	switch k.Status {
	case StatusPublic, StatusDemo, StatusRegular:
		return nil
	}
	return fmt.Errorf("unknown issue status %q", k.Status)
}

// ParseIssueKey parses a tag produced by IssueKey.DownloadTag.
func ParseIssueKey(tag string) (IssueKey, error) {
	parts := strings.Split(tag, "/")
	if len(parts) != 3 {
		return IssueKey{}, fmt.Errorf("invalid issue tag %q", tag)
	}
	k := IssueKey{Feed: parts[0], Date: parts[1], Status: IssueStatus(parts[2])}
	if err := k.Validate(); err != nil {
		return IssueKey{}, err
	}
	return k, nil
}

func (IssueKey) downloadable() {}

// FileEntry describes one content file of an issue or collection.
type FileEntry struct {
	Name         string     `json:"name"`
	Folder       string     `json:"folder"`
	Checksum     Checksum   `json:"checksum"`
	Size         int64      `json:"size"`
	DateDownload *time.Time `json:"date_download,omitempty"`
}

// StorageKey returns the backend key the file is stored under.
func (f FileEntry) StorageKey() string {
	return path.Join(f.Folder, f.Name)
}

// Downloaded reports whether the file carries a download timestamp.
func (f FileEntry) Downloaded() bool {
	return f.DateDownload != nil
}

// CollectionKind names what a collection represents inside an issue.
type CollectionKind string

const (
	KindSection   CollectionKind = "section"
	KindArticle   CollectionKind = "article"
	KindMoment    CollectionKind = "moment"
	KindPage      CollectionKind = "page"
	KindResources CollectionKind = "resources"
)

// Collection is a named group of files downloaded as a unit (an article with
// its images, a section, the issue moment or a resource bundle).
type Collection struct {
	Kind    CollectionKind `json:"kind"`
	Name    string         `json:"name"`
	BaseURL string         `json:"base_url"`
	Files   []FileEntry    `json:"files"`
}

// DownloadTag returns "kind/name".
func (c Collection) DownloadTag() string {
	return string(c.Kind) + "/" + c.Name
}

// TotalSize sums the announced sizes of all files.
func (c Collection) TotalSize() int64 {
	var n int64
	for _, f := range c.Files {
		n += f.Size
	}
	return n
}

func (Collection) downloadable() {}

// SingleFile is one file fetched on its own, outside of any collection.
type SingleFile struct {
	File    FileEntry `json:"file"`
	BaseURL string    `json:"base_url"`
}

// DownloadTag returns the file's storage key.
func (s SingleFile) DownloadTag() string {
	return s.File.StorageKey()
}

func (SingleFile) downloadable() {}

// Issue is the persisted metadata of one issue.
type Issue struct {
	Key          IssueKey     `json:"key"`
	BaseURL      string       `json:"base_url"`
	Moment       Collection   `json:"moment"`
	Sections     []Collection `json:"sections"`
	Articles     []Collection `json:"articles"`
	Pages        []Collection `json:"pages,omitempty"`
	DateDownload *time.Time   `json:"date_download,omitempty"`
}

// Collections returns every collection of the issue, moment first.
func (i *Issue) Collections() []Collection {
	out := make([]Collection, 0, 1+len(i.Sections)+len(i.Articles)+len(i.Pages))
	if len(i.Moment.Files) > 0 {
		out = append(out, i.Moment)
	}
	out = append(out, i.Sections...)
	out = append(out, i.Articles...)
	out = append(out, i.Pages...)
	return out
}

// AllFiles returns the issue's files, de-duplicated by storage key.
func (i *Issue) AllFiles() []FileEntry {
	seen := make(map[string]struct{})
	var files []FileEntry
	for _, c := range i.Collections() {
		for _, f := range c.Files {
			key := f.StorageKey()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			files = append(files, f)
		}
	}
	return files
}

// AsCollection flattens the issue into one collection of all its files.
func (i *Issue) AsCollection() Collection {
	return Collection{
		Kind:    CollectionKind("issue"),
		Name:    i.Key.DownloadTag(),
		BaseURL: i.BaseURL,
		Files:   i.AllFiles(),
	}
}
