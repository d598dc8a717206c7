// Package restapi is the rate-limited HTTP client for the upstream API:
// GraphQL paginated reads, the subscribe endpoint that mints channel names,
// and full-table snapshots.
package restapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/pnwsync/pnwsync/pkg/config"
	"github.com/pnwsync/pnwsync/pkg/metrics"
	"github.com/pnwsync/pnwsync/pkg/version"
)

// DefaultBaseURL is the upstream API root.
const DefaultBaseURL = "https://api.politicsandwar.com"

// maxThrottleRetries bounds how many consecutive 429 responses one request
// rides out before giving up.
const maxThrottleRetries = 5

// Client issues upstream requests under a shared token bucket. Safe for
// concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	botKey     string
	pageSize   int
	batchSize  int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Options configures a Client beyond what config carries.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient builds a client from the upstream and REST configuration.
func NewClient(upstream config.UpstreamConfig, rest config.RESTConfig, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: time.Duration(rest.TimeoutSeconds) * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	window := time.Duration(rest.RateWindowSeconds) * time.Second
	limiter := rate.NewLimiter(rate.Limit(float64(rest.RateLimit)/window.Seconds()), rest.RateLimit)

	return &Client{
		baseURL:    opts.BaseURL,
		apiKey:     upstream.APIKey,
		botKey:     upstream.BotKey,
		pageSize:   rest.PageSize,
		batchSize:  rest.BatchSize,
		httpClient: opts.HTTPClient,
		limiter:    limiter,
		logger:     opts.Logger,
	}
}

// do sends one request under the rate limiter. A 429 force-fills the
// bucket, so every caller waits out a full window, and the same request is
// retried. Any other response is returned to the caller.
func (c *Client) do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", version.Full())
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.RESTRequests.WithLabelValues("network_error").Inc()
			return nil, err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			_ = resp.Body.Close()
			metrics.RESTThrottled.Inc()
			metrics.RESTRequests.WithLabelValues("throttled").Inc()
			// Drain the bucket so every caller backs off for a full window.
			c.limiter.ReserveN(time.Now(), c.limiter.Burst())
			if attempt >= maxThrottleRetries {
				return nil, fmt.Errorf("still throttled after %d attempts", attempt+1)
			}
			c.logger.Warn("Upstream throttled request, backing off", "url", url, "attempt", attempt+1)
			continue
		}
		metrics.RESTRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		return resp, nil
	}
}

// readBody consumes a response, enforcing a 2xx status.
func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, snippet)
	}
	return body, nil
}
