// Package fetch downloads tiles from an upstream tile server and
// classifies the responses: "not found" and "no content" are permanent
// absence and must not be retried, anything else that fails is retryable.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	tilecache "github.com/mapsmith/tile-cache"
	"github.com/mapsmith/tile-cache/telemetry"
)

// ErrAbsent marks a tile the upstream legitimately does not have. The
// caller skips the tile; it never writes a placeholder and never retries.
var ErrAbsent = errors.New("tile absent upstream")

// UpstreamError is a retryable non-success response.
type UpstreamError struct {
	URL    string
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.Status)
}

// Result is a successful download.
type Result struct {
	Body   []byte
	Header http.Header
}

// RetryOptions bounds the retry loop for one tile.
type RetryOptions struct {
	MaxTries     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryOptions provides sensible defaults for tile fetches.
var DefaultRetryOptions = RetryOptions{
	MaxTries:     3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Multiplier:   2.0,
}

// Client fetches tiles with a per-request timeout and optional request
// pacing to stay polite towards public tile servers.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client, including its timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLimiter sets a rate limiter applied before every request.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTarget labels upstream fetch metrics with the target name.
func WithTarget(target string) Option {
	return func(c *Client) {
		c.httpClient.Transport = telemetry.NewInstrumentedTransport(c.httpClient.Transport, target)
	}
}

// New creates a Client with a 30 second default timeout.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: "tile-cache/1.0",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch downloads one tile. Returns ErrAbsent for 404/204 responses and
// for empty 200 bodies; other non-2xx statuses return an *UpstreamError.
func (c *Client) Fetch(ctx context.Context, url string) (*Result, error) {
	body, header, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return &Result{Body: body, Header: header}, nil
}

// FetchHash downloads the content hash from the upstream md5 sibling
// endpoint and parses the hex digest.
func (c *Client) FetchHash(ctx context.Context, url string) (tilecache.Hash, error) {
	body, _, err := c.get(ctx, url)
	if err != nil {
		return tilecache.Hash{}, err
	}
	h, err := tilecache.ParseHash(strings.TrimSpace(string(body)))
	if err != nil {
		return tilecache.Hash{}, fmt.Errorf("upstream hash from %s: %w", url, err)
	}
	return h, nil
}

// FetchWithRetry fetches with bounded exponential backoff. ErrAbsent
// aborts the loop immediately without consuming further attempts; any
// other error counts against MaxTries and the last one is returned on
// exhaustion.
func (c *Client) FetchWithRetry(ctx context.Context, url string, opts RetryOptions) (*Result, error) {
	if opts.MaxTries <= 0 {
		opts.MaxTries = DefaultRetryOptions.MaxTries
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultRetryOptions.InitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultRetryOptions.MaxDelay
	}
	if opts.Multiplier <= 1 {
		opts.Multiplier = DefaultRetryOptions.Multiplier
	}

	var lastErr error
	delay := opts.InitialDelay
	for attempt := 1; attempt <= opts.MaxTries; attempt++ {
		if attempt > 1 {
			c.logger.Debug("retrying fetch",
				"url", url, "attempt", attempt, "max_tries", opts.MaxTries, "last_error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
			delay = time.Duration(float64(delay) * opts.Multiplier)
			if delay > opts.MaxDelay {
				delay = opts.MaxDelay
			}
		}

		res, err := c.Fetch(ctx, url)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrAbsent) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", opts.MaxTries, lastErr)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, http.Header, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent:
		return nil, nil, fmt.Errorf("%s: %w", url, ErrAbsent)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, nil, &UpstreamError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading body from %s: %w", url, err)
	}
	if len(body) == 0 {
		return nil, nil, fmt.Errorf("%s: %w", url, ErrAbsent)
	}

	c.logger.Debug("fetched",
		"url", url, "bytes", len(body), "duration", time.Since(start))
	return body, resp.Header, nil
}
