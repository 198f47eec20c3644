// Package httpretry wraps an HTTP client with bounded retries for the
// outbound vendor calls (QStash, Slack, Svix). Transient failures get
// exponential backoff with full jitter; client errors return immediately.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"time"
)

// HTTPDoer executes an HTTP request. *http.Client and *RetryClient both
// satisfy it, so clients can take either.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures on behalf of the wrapped client.
type RetryClient struct {
	inner HTTPDoer
	tries int
	base  time.Duration
	cap   time.Duration
}

// NewRetryClient wraps client with retry handling. A nil client gets a
// default http.Client with a 30s timeout; maxRetries is the number of
// attempts after the first (3 when zero or negative).
func NewRetryClient(client HTTPDoer, maxRetries int) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryClient{inner: client, tries: maxRetries, base: time.Second, cap: 30 * time.Second}
}

// Do sends the request, retrying network errors and retryable statuses
// (429, 500, 502, 503, 504). Context cancellation and client errors are
// never retried. The response from the final attempt comes back as-is so
// the caller can read the status and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= rc.tries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: rewind request body: %w", err)
				}
				req.Body = body
			}
			if err := rc.backoff(req, attempt); err != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, err
			}
		}

		resp, err := rc.inner.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, err
			}
			lastErr = err
			continue
		}

		if !retryable(resp.StatusCode) || attempt == rc.tries {
			return resp, nil
		}

		// Drain so the underlying connection can be reused.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: status %d from %s", resp.StatusCode, req.URL.Host)
	}

	return nil, lastErr
}

// backoff waits out the delay for the given attempt, giving up early if
// the request context ends first.
func (rc *RetryClient) backoff(req *http.Request, attempt int) error {
	d := rc.delay(attempt)
	log.Printf("[httpretry] retrying %s %s%s in %s (attempt %d/%d)",
		req.Method, req.URL.Host, req.URL.Path, d, attempt, rc.tries)

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-req.Context().Done():
		return req.Context().Err()
	}
}

// delay computes the wait before the given attempt: full jitter over an
// exponential window, capped, and never under 100ms.
func (rc *RetryClient) delay(attempt int) time.Duration {
	window := rc.base
	for i := 1; i < attempt && window < rc.cap; i++ {
		window *= 2
	}
	if window > rc.cap {
		window = rc.cap
	}
	d := time.Duration(rand.Int63n(int64(window)))
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
