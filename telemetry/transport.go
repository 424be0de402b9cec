package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Outcomes recorded for issue API requests. They follow how the API client
// classifies responses so dashboards line up with retry behaviour.
const (
	OutcomeSuccess   = "success"
	OutcomeRetryable = "retryable"
	OutcomeNotFound  = "not_found"
	OutcomeRejected  = "rejected"
	OutcomeError     = "error"
	OutcomeCanceled  = "canceled"
)

// InstrumentedTransport wraps an http.RoundTripper with issue API request
// metrics.
type InstrumentedTransport struct {
	base     http.RoundTripper
	endpoint string
}

// NewInstrumentedTransport creates a transport labelled with endpoint
// ("metadata", "files" or "ping"). A nil base uses http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, endpoint string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, endpoint: endpoint}
}

// ClassifyStatus maps an HTTP status code to a request outcome.
func ClassifyStatus(code int) string {
	switch {
	case code < 400:
		return OutcomeSuccess
	case code == http.StatusNotFound:
		return OutcomeNotFound
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return OutcomeRetryable
	default:
		return OutcomeRejected
	}
}

// RoundTrip implements http.RoundTripper. Bytes are counted as the body is
// read and recorded when it is closed.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := OutcomeError
		if ctx.Err() != nil {
			outcome = OutcomeCanceled
		}
		RecordUpstreamFetch(ctx, t.endpoint, time.Since(start), 0, outcome)
		return nil, err
	}

	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		endpoint:   t.endpoint,
		start:      start,
		outcome:    ClassifyStatus(resp.StatusCode),
	}
	return resp, nil
}

type countingBody struct {
	io.ReadCloser
	ctx      context.Context
	endpoint string
	start    time.Time
	n        int64
	outcome  string
	done     bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	return n, err
}

func (b *countingBody) Close() error {
	if !b.done {
		b.done = true
		RecordUpstreamFetch(b.ctx, b.endpoint, time.Since(b.start), b.n, b.outcome)
	}
	return b.ReadCloser.Close()
}
