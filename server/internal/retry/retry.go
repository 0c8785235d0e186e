// Package retry runs outbound calls with exponential backoff on transient
// failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"time"
)

// Policy controls backoff timing and which results are retried.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Multiplier   float64

	// RetryStatus overrides IsRetryableStatus when set.
	RetryStatus func(statusCode int) bool
}

// Default uses an aggressive initial backoff so a runner that is just
// coming up is caught quickly.
var Default = Policy{
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	MaxAttempts:  15,
	Multiplier:   2.0,
}

// IsRetryableError checks if an error is a transient protocol error that should be retried.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF")
}

// IsRetryableStatus checks if an HTTP status code should trigger a retry.
func IsRetryableStatus(statusCode int) bool {
	return statusCode >= 500 && statusCode < 600
}

// Do executes fn with exponential backoff on retryable errors and statuses.
// fn returns its result, the HTTP status it saw (0 if none) and an error.
// When the final attempt still has a retryable status, its result is
// returned with a nil error so the caller can inspect the status.
func Do[T any](ctx context.Context, p Policy, fn func() (T, int, error)) (T, error) {
	var zero T
	retryStatus := p.RetryStatus
	if retryStatus == nil {
		retryStatus = IsRetryableStatus
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		result, statusCode, err := fn()

		if err == nil && !retryStatus(statusCode) {
			return result, nil
		}

		shouldRetry := IsRetryableError(err) || (err == nil && retryStatus(statusCode))
		if !shouldRetry || attempt == attempts {
			if err != nil {
				return zero, err
			}
			return result, nil
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}

		delay = min(time.Duration(float64(delay)*p.Multiplier), p.MaxDelay)
	}

	return zero, fmt.Errorf("max retry attempts exceeded")
}
