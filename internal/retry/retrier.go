// Package retry implements the Retrier: an exponential-backoff retry
// wrapper that honors Retry-After and delegates retriable/terminal
// classification to the caller (spec.md §4.4).
package retry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Classifier decides whether an error returned by an attempt should be
// retried.
type Classifier func(err error) bool

// RetryAfterProvider is implemented by adapter errors that carry a
// parsed Retry-After duration, so the Retrier can honor it without
// coupling to any particular HTTP client's error type.
type RetryAfterProvider interface {
	RetryAfter() (time.Duration, bool)
}

// Policy parametrizes a Retrier.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	Classifier    Classifier
	OnRetry       func(attempt int, err error, sleep time.Duration)
}

// AuthRetryPolicy: 3 attempts, fixed 2s, always retriable (spec.md §4.4).
func AuthRetryPolicy() Policy {
	return Policy{
		MaxAttempts:   3,
		InitialDelay:  2 * time.Second,
		BackoffFactor: 1, // fixed delay, not exponential
		MaxDelay:      2 * time.Second,
		Classifier:    func(error) bool { return true },
	}
}

// MarketplaceRetryPolicy: 8 attempts, exponential from 2s. Retriable on
// network failures with no response, 5xx, and 429; terminal on 409
// (already-applied, handled as success by the marketplace adapter) and
// other 4xx (spec.md §4.4).
func MarketplaceRetryPolicy() Policy {
	return Policy{
		MaxAttempts:   8,
		InitialDelay:  2 * time.Second,
		BackoffFactor: 2,
		MaxDelay:      2 * time.Minute,
		Classifier:    ClassifyMarketplaceError,
	}
}

// HTTPStatusError is the minimal shape adapters must satisfy so the
// default classifier and Retry-After extraction work without an import
// cycle on any specific HTTP client package.
type HTTPStatusError struct {
	StatusCode int
	Header     http.Header
	Err        error
}

func (e *HTTPStatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return http.StatusText(e.StatusCode)
}

func (e *HTTPStatusError) Unwrap() error { return e.Err }

func (e *HTTPStatusError) RetryAfter() (time.Duration, bool) {
	if e.Header == nil {
		return 0, false
	}
	raw := e.Header.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(raw); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// ClassifyMarketplaceError implements the marketplace retry policy's
// status rules: network errors with no response and 5xx/429 are
// retriable; 409 and other 4xx are terminal.
func ClassifyMarketplaceError(err error) bool {
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		// No HTTP status attached: treat as a network-level failure
		// with no response, which is retriable.
		return true
	}
	switch {
	case statusErr.StatusCode == http.StatusConflict:
		return false
	case statusErr.StatusCode >= 500:
		return true
	case statusErr.StatusCode == http.StatusTooManyRequests:
		return true
	case statusErr.StatusCode >= 400:
		return false
	default:
		return true
	}
}

// Retrier executes an operation under a Policy.
type Retrier struct {
	policy Policy
}

func New(policy Policy) *Retrier {
	return &Retrier{policy: policy}
}

// Do runs fn, retrying on retriable errors up to MaxAttempts. The sleep
// before each retry honors a Retry-After on the error when present
// (retryAfterSeconds*1000 + 1000ms, per spec.md §4.4), otherwise uses
// the running exponential-backoff delay. The exponential delay
// advances every iteration regardless of which path produced the
// actual sleep.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.policy.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.policy.Classifier(err) {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		sleep := delay
		var rap RetryAfterProvider
		if errors.As(err, &rap) {
			if d, ok := rap.RetryAfter(); ok {
				sleep = d + time.Second
			}
		}

		nextDelay := time.Duration(float64(delay) * r.policy.BackoffFactor)
		if nextDelay > r.policy.MaxDelay {
			nextDelay = r.policy.MaxDelay
		}
		if nextDelay <= 0 {
			nextDelay = delay
		}
		delay = nextDelay

		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, err, sleep)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}

	return lastErr
}

