package portal

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pfrederiksen/snis-scraper/internal/logger"
)

// retryTransport retries connection-level failures a bounded number of
// times. Each attempt gets its own timeout and the body is read inside it,
// so a connection reset mid-body is retried as well. HTTP status codes are
// passed through untouched.
type retryTransport struct {
	base     http.RoundTripper
	attempts int
	interval time.Duration
	timeout  time.Duration
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Attempts send copies from GetBody; the caller's body is ours to close.
	if req.Body != nil {
		defer req.Body.Close()
	}

	var (
		resp     *http.Response
		attempts int
	)

	op := func() error {
		attempts++
		res, err := t.attempt(req)
		if err != nil {
			if req.Context().Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = res
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.interval), uint64(max(t.attempts-1, 0))),
		req.Context(),
	)
	notify := func(err error, wait time.Duration) {
		logger.IncrCounter("portal.retries")
		logger.Debug("Retrying request", logger.Fields{
			"url":     req.URL.String(),
			"attempt": attempts,
			"wait":    wait.String(),
			"error":   err.Error(),
		})
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, &TransportError{URL: req.URL.String(), Attempts: attempts, Err: err}
	}
	return resp, nil
}

// attempt performs one round trip and buffers the body.
func (t *retryTransport) attempt(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	defer cancel()

	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		r.Body = body
	}

	res, err := t.base.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(data))
	res.ContentLength = int64(len(data))
	return res, nil
}
