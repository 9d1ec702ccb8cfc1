// Package retry is the single backoff policy shared by the api client, the
// scraper downloads and the uploader.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Policy retries an operation up to MaxAttempts times in total, waiting
// BaseDelay * 2^attempt before each retry. BaseDelayFor, when set, picks the
// base delay per error so rate limiting can back off longer than a timeout.
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	BaseDelayFor func(err error) time.Duration
	Retryable    func(err error) bool
}

func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(1<<attempt)
}

func (p Policy) delayFor(err error, attempt int) time.Duration {
	if p.BaseDelayFor != nil {
		return p.BaseDelayFor(err) * time.Duration(1<<attempt)
	}
	return p.Delay(attempt)
}

// Do runs fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. fn receives the zero-based attempt number.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(p.delayFor(err, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// HTTPStatusError is returned by callers when a response came back with an
// unexpected status code.
type HTTPStatusError struct {
	Code int
	URL  string
}

func (e HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d (%s) from %s", e.Code, http.StatusText(e.Code), e.URL)
}

func IsRateLimited(err error) bool {
	var statusErr HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusTooManyRequests
}

// IsTransient reports errors that are likely to go away by waiting: timeouts,
// dropped connections and gateway errors.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr HTTPStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Code {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}
