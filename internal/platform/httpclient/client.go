// Package httpclient is a rate-limited, retrying HTTP client for the
// reference-data pollers.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/time/rate"
)

// maxBody bounds response bodies read by GetJSON.
const maxBody = 1 << 20

// Client wraps an http.Client with a request rate limit and retries.
type Client struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter

	maxRetryTimeout time.Duration
}

// Options configures a Client.
type Options struct {
	Timeout         time.Duration
	RequestsPerSec  float64
	Burst           int
	MaxRetryTimeout time.Duration
}

// New creates a client. Zero options take defaults.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 2
	}
	if opts.Burst == 0 {
		opts.Burst = 1
	}
	if opts.MaxRetryTimeout == 0 {
		opts.MaxRetryTimeout = 30 * time.Second
	}
	return &Client{
		HTTPClient:      &http.Client{Timeout: opts.Timeout},
		Limiter:         rate.NewLimiter(rate.Limit(opts.RequestsPerSec), opts.Burst),
		maxRetryTimeout: opts.MaxRetryTimeout,
	}
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Do performs a GET of url with rate limiting and retries. Client errors
// other than 429 are not retried. The caller closes the body.
func (c *Client) Do(ctx context.Context, url string) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		if err := c.Limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		r, err := c.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			r.Body.Close()
			statusErr := &StatusError{StatusCode: r.StatusCode}
			if r.StatusCode >= 400 && r.StatusCode < 500 && r.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}
		resp = r
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxRetryTimeout
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetJSON fetches url and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	resp, err := c.Do(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	if err := sonnet.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}
