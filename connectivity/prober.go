package connectivity

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/issue-cache/telemetry"
)

// HTTPProber checks connectivity with a GET request to {baseURL}/ping.
type HTTPProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates a prober for the API at baseURL. A nil client gets an
// instrumented client with a short timeout.
func NewHTTPProber(baseURL string, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "ping"),
			Timeout:   5 * time.Second,
		}
	}
	return &HTTPProber{
		url:    strings.TrimSuffix(baseURL, "/") + "/ping",
		client: client,
	}
}

// CheckConnectivity reports whether the ping endpoint answered with 2xx.
func (p *HTTPProber) CheckConnectivity(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
