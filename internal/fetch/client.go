// Package fetch provides the HTTP client used by API sources and the
// attachment resolver: a fixed number of attempts with a fixed pause
// between them when the upstream answers with a server error.
package fetch

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer and retries requests answered with a
// retryable status code.
type RetryClient struct {
	client   HTTPDoer
	attempts int
	delay    time.Duration
}

// NewClient returns a plain http.Client with the given timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// NewRetryClient creates a RetryClient that wraps the given HTTPDoer.
// If client is nil, a default http.Client with 30s timeout is used.
// attempts counts the initial request (minimum 1). delay may be zero.
func NewRetryClient(client HTTPDoer, attempts int, delay time.Duration) *RetryClient {
	if client == nil {
		client = NewClient(0)
	}
	if attempts <= 0 {
		attempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryClient{
		client:   client,
		attempts: attempts,
		delay:    delay,
	}
}

// Attempts returns the configured number of attempts.
func (rc *RetryClient) Attempts() int {
	return rc.attempts
}

// Do executes the request, retrying on 429 and 5xx responses.
// Transport errors are returned immediately. On the final attempt the
// response is returned as-is so the caller can inspect the status code.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		if err := req.Context().Err(); err != nil {
			return nil, err
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			return nil, err
		}

		if !IsRetryableStatus(resp.StatusCode) || attempt >= rc.attempts {
			return resp, nil
		}

		// Drain body for connection reuse, then retry
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		slog.Debug("retrying request",
			"method", req.Method,
			"url", req.URL.String(),
			"status", resp.StatusCode,
			"attempt", attempt,
			"attempts", rc.attempts,
		)

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("fetch: reset request body: %w", err)
			}
			req.Body = body
		}

		if rc.delay > 0 {
			timer := time.NewTimer(rc.delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				return nil, req.Context().Err()
			}
		}
	}
}

// IsRetryableStatus returns true for status codes that warrant a retry.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
