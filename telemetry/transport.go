package telemetry

import (
	"net/http"
	"time"
)

// InstrumentedTransport wraps an http.RoundTripper and records upstream
// fetch metrics for every request it carries.
type InstrumentedTransport struct {
	base   http.RoundTripper
	target string
}

// NewInstrumentedTransport wraps base with upstream fetch instrumentation.
// A nil base uses http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, target string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, target: target}
}

// RoundTrip implements http.RoundTripper. Tile responses are small and read
// whole, so the response Content-Length is recorded as the byte count.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordUpstreamFetch(req.Context(), t.target, time.Since(start), 0, outcome)
		return nil, err
	}

	var outcome string
	switch {
	case resp.StatusCode >= 500:
		outcome = "5xx"
	case resp.StatusCode >= 400:
		outcome = "4xx"
	default:
		outcome = "success"
	}

	bytes := resp.ContentLength
	if bytes < 0 {
		bytes = 0
	}
	RecordUpstreamFetch(req.Context(), t.target, time.Since(start), bytes, outcome)

	return resp, nil
}
