package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// StatusError is a non-2xx response with its (truncated) body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// MaxErrorBody bounds how much of an error response is kept for logs.
const MaxErrorBody = 512

// ReadErrorBody reads at most MaxErrorBody bytes of resp.Body.
func ReadErrorBody(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBody))
	return string(b)
}

// Retrier re-issues idempotent requests on network failures, 5xx and 429
// with quadratic backoff plus jitter.
type Retrier struct {
	Client   *http.Client
	Attempts int
	// Backoff returns the wait before the given attempt (1-based). Nil uses the default.
	Backoff func(attempt int) time.Duration
	Logger  *slog.Logger
}

func defaultBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

// Do runs buildReq until it gets a non-retryable response. A non-2xx final
// response is returned as *StatusError with the body already closed.
func (r *Retrier) Do(ctx context.Context, buildReq func() (*http.Request, error)) (*http.Response, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := r.Backoff
	if backoff == nil {
		backoff = defaultBackoff
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := backoff(attempt)
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := r.Client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			serr := &StatusError{StatusCode: resp.StatusCode, Body: ReadErrorBody(resp)}
			resp.Body.Close()
			lastErr = serr
			if serr.Retryable() {
				continue
			}
			return nil, serr
		}
		return resp, nil
	}
	return nil, lastErr
}
