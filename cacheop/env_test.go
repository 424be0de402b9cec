package cacheop

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/api"
	"github.com/wolfeidau/issue-cache/backend"
	"github.com/wolfeidau/issue-cache/connectivity"
	"github.com/wolfeidau/issue-cache/download"
	"github.com/wolfeidau/issue-cache/store"
	"github.com/wolfeidau/issue-cache/store/metadb"
)

// fakeAPI serves issues and file contents from memory and counts calls.
type fakeAPI struct {
	mu          sync.Mutex
	issues      map[string]*issuecache.Issue
	files       map[string][]byte // storage key -> served bytes
	issueCalls  int
	fileCalls   map[string]int
	failIssue   error
	failIssueN  int // remaining FetchIssue calls that return failIssue; 0 fails every call
	blockFiles  chan struct{}
	fileStarted chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		issues:    make(map[string]*issuecache.Issue),
		files:     make(map[string][]byte),
		fileCalls: make(map[string]int),
	}
}

func (f *fakeAPI) FetchIssue(_ context.Context, key issuecache.IssueKey) (*issuecache.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueCalls++
	if f.failIssue != nil {
		err := f.failIssue
		if f.failIssueN > 0 {
			f.failIssueN--
			if f.failIssueN == 0 {
				f.failIssue = nil
			}
		}
		return nil, err
	}
	issue, ok := f.issues[key.DownloadTag()]
	if !ok {
		return nil, connectivity.Unrecoverable(fmt.Errorf("%w: %s", api.ErrNotFound, key))
	}
	cp := *issue
	return &cp, nil
}

func (f *fakeAPI) FetchFile(ctx context.Context, _ string, entry issuecache.FileEntry) (io.ReadCloser, error) {
	key := entry.StorageKey()

	f.mu.Lock()
	f.fileCalls[key]++
	data, ok := f.files[key]
	block, started := f.blockFiles, f.fileStarted
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- key:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, connectivity.Unrecoverable(fmt.Errorf("%w: %s", api.ErrNotFound, key))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeAPI) totalFileCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fileCalls {
		n += c
	}
	return n
}

func (f *fakeAPI) issueCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issueCalls
}

type testEnv struct {
	*Env
	api   *fakeAPI
	db    *metadb.BoltDB
	files *store.Files
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	files := store.NewFiles(fs, store.WithTempDir(t.TempDir()))

	helper := connectivity.New(
		connectivity.ProberFunc(func(context.Context) (bool, error) { return true, nil }),
		connectivity.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	t.Cleanup(helper.Close)

	fake := newFakeAPI()
	return &testEnv{
		Env: &Env{
			Registry:   NewRegistry(),
			Repo:       db,
			API:        fake,
			Store:      files,
			Helper:     helper,
			Downloader: download.New(),
			Queue:      download.NewQueue(download.DefaultSlots),
			MaxRetries: 3,
		},
		api:   fake,
		db:    db,
		files: files,
	}
}

// entry returns a file entry whose checksum matches content.
func entry(folder, name string, content []byte) issuecache.FileEntry {
	return issuecache.FileEntry{
		Name:     name,
		Folder:   folder,
		Checksum: issuecache.NewChecksum(issuecache.HashBytes(content)),
		Size:     int64(len(content)),
	}
}

// serveIssue registers an issue with three files on the fake API.
func (e *testEnv) serveIssue(date string) *issuecache.Issue {
	key := issuecache.IssueKey{Feed: "taz", Date: date, Status: issuecache.StatusRegular}
	folder := key.Folder()

	contents := map[string][]byte{
		"moment.jpg": []byte("moment " + date),
		"art1.html":  []byte("<p>article one " + date + "</p>"),
		"art2.html":  []byte("<p>article two " + date + "</p>"),
	}
	for name, data := range contents {
		e.api.files[folder+"/"+name] = data
	}

	issue := &issuecache.Issue{
		Key:     key,
		BaseURL: "https://cdn.example.com/" + date,
		Moment: issuecache.Collection{
			Kind: issuecache.KindMoment, Name: "moment-" + date,
			Files: []issuecache.FileEntry{entry(folder, "moment.jpg", contents["moment.jpg"])},
		},
		Articles: []issuecache.Collection{{
			Kind: issuecache.KindArticle, Name: "articles-" + date,
			Files: []issuecache.FileEntry{
				entry(folder, "art1.html", contents["art1.html"]),
				entry(folder, "art2.html", contents["art2.html"]),
			},
		}},
	}
	e.api.issues[key.DownloadTag()] = issue
	return issue
}
