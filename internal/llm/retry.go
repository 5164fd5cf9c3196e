package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// shouldRetry determines if a status code is retryable.
func shouldRetry(statusCode int) bool {
	switch statusCode {
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

// retryWithBackoff wraps an HTTP request with exponential backoff. Transport
// errors and retryable status codes are retried up to maxRetries times;
// everything else returns immediately.
func (c *Client) retryWithBackoff(ctx context.Context, reqFunc func() (*http.Response, error)) (*http.Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Second
	policy.MaxInterval = 30 * time.Second

	attempt := 0
	var resp *http.Response

	operation := func() error {
		attempt++

		r, err := reqFunc()
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}

		if shouldRetry(r.StatusCode) {
			r.Body.Close()
			return fmt.Errorf("HTTP %d", r.StatusCode)
		}

		resp = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().
			Int("attempt", attempt).
			Int("max_retries", c.maxRetries).
			Dur("backoff", wait).
			Err(err).
			Msg("LLM request failed, retrying")
	}

	wrapped := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx)
	if err := backoff.RetryNotify(operation, wrapped, notify); err != nil {
		return nil, fmt.Errorf("request failed after %d attempts: %w", attempt, err)
	}
	return resp, nil
}
