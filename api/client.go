// Package api is the client of the remote issue API: issue metadata, the
// newest issue of a feed, content files and the ping endpoint.
//
// Failures are classified for connectivity.Retry: transport errors, timeouts,
// 408, 429 and 5xx responses are recoverable; everything else is not.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/connectivity"
	"github.com/wolfeidau/issue-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for metadata requests.
	DefaultTimeout = 30 * time.Second
)

// ErrNotFound is returned when the API has no such issue, feed or file.
var ErrNotFound = errors.New("not found")

// Client talks to the remote issue API.
type Client struct {
	baseURL    string
	apiHost    string // parsed from baseURL, for auth host-matching
	token      string
	metaClient *http.Client
	fileClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.metaClient = client
		c.fileClient = client
	}
}

// WithBearerToken sets the bearer token sent to the API host.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// New creates a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		metaClient: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "metadata"),
			Timeout:   DefaultTimeout,
		},
		// File downloads are bounded by the caller's context only.
		fileClient: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "files"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if parsed, err := url.Parse(c.baseURL); err == nil {
		c.apiHost = parsed.Hostname()
	}
	return c
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Prober returns a connectivity prober pinging this API.
func (c *Client) Prober() *connectivity.HTTPProber {
	return connectivity.NewHTTPProber(c.baseURL, c.metaClient)
}

// FetchIssue fetches the metadata of one issue. Files without a folder are
// placed in the issue's own folder.
func (c *Client) FetchIssue(ctx context.Context, key issuecache.IssueKey) (*issuecache.Issue, error) {
	u := fmt.Sprintf("%s/issues/%s/%s?status=%s",
		c.baseURL, url.PathEscape(key.Feed), url.PathEscape(key.Date), url.QueryEscape(string(key.Status)))

	var issue issuecache.Issue
	if err := c.getJSON(ctx, u, &issue); err != nil {
		return nil, err
	}

	if issue.Key != key {
		return nil, connectivity.Unrecoverable(fmt.Errorf("requested issue %s, got %s", key, issue.Key))
	}
	if issue.BaseURL == "" {
		return nil, connectivity.Unrecoverable(fmt.Errorf("issue %s has no base url", key))
	}

	folder := key.Folder()
	fill := func(col *issuecache.Collection) {
		if col.BaseURL == "" {
			col.BaseURL = issue.BaseURL
		}
		for i := range col.Files {
			if col.Files[i].Folder == "" {
				col.Files[i].Folder = folder
			}
			col.Files[i].DateDownload = nil
		}
	}
	fill(&issue.Moment)
	for _, list := range [][]issuecache.Collection{issue.Sections, issue.Articles, issue.Pages} {
		for i := range list {
			fill(&list[i])
		}
	}
	issue.DateDownload = nil

	return &issue, nil
}

// LatestIssue returns the key of the newest issue of feed.
func (c *Client) LatestIssue(ctx context.Context, feed string) (issuecache.IssueKey, error) {
	u := fmt.Sprintf("%s/feeds/%s/latest", c.baseURL, url.PathEscape(feed))

	var key issuecache.IssueKey
	if err := c.getJSON(ctx, u, &key); err != nil {
		return issuecache.IssueKey{}, err
	}
	if err := key.Validate(); err != nil {
		return issuecache.IssueKey{}, connectivity.Unrecoverable(fmt.Errorf("latest issue of %s: %w", feed, err))
	}
	return key, nil
}

// FetchFile opens the content of entry below baseURL.
// The caller must close the returned ReadCloser.
func (c *Client) FetchFile(ctx context.Context, baseURL string, entry issuecache.FileEntry) (io.ReadCloser, error) {
	u := strings.TrimSuffix(baseURL, "/") + "/" + url.PathEscape(entry.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, connectivity.Unrecoverable(fmt.Errorf("creating request: %w", err))
	}
	c.setAuth(req)

	resp, err := c.fileClient.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if err := statusError(resp, u); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return connectivity.Unrecoverable(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.metaClient.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp, u); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.EOF) {
			return connectivity.Unrecoverable(fmt.Errorf("decoding %s: %w", u, err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return connectivity.Recoverable(fmt.Errorf("reading %s: %w", u, err))
	}
	return nil
}

// shouldAttachAuth returns true if the auth token should be sent to the given URL.
// Only attaches auth when the target URL's host matches the API host.
func (c *Client) shouldAttachAuth(target *url.URL) bool {
	return c.token != "" && strings.EqualFold(target.Hostname(), c.apiHost)
}

func (c *Client) setAuth(req *http.Request) {
	if c.shouldAttachAuth(req.URL) {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return connectivity.Recoverable(fmt.Errorf("performing request: %w", err))
}

func statusError(resp *http.Response, u string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return connectivity.Unrecoverable(fmt.Errorf("%s: %w", u, ErrNotFound))
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return connectivity.Recoverable(fmt.Errorf("%s: upstream returned %d", u, resp.StatusCode))
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return connectivity.Unrecoverable(fmt.Errorf("%s: upstream returned %d: %s", u, resp.StatusCode, strings.TrimSpace(string(body))))
}
