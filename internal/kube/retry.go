// ABOUTME: Retry wrapper for individual Kubernetes API calls.
// ABOUTME: Retries transient network failures and rate limiting up to a fixed attempt count.

package kube

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/sirupsen/logrus"
)

const (
	MaxAttempts       = 3
	DefaultRetryDelay = time.Second
	MaxRetryDelay     = 5 * time.Second
)

// sleep is swapped in tests to keep retry loops fast
var sleep = sleepContext

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryDelay classifies err and returns how long to wait before the next attempt
func retryDelay(err error) (time.Duration, bool) {
	switch {
	case apierrors.IsTooManyRequests(err):
		return RetryAfter(err), true
	case IsTransientNetworkError(err):
		return DefaultRetryDelay, true
	default:
		return 0, false
	}
}

// Retry runs call until it succeeds, fails with a non-retryable error or MaxAttempts is reached
func Retry[T any](ctx context.Context, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		result, err := call(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		delay, retryable := retryDelay(err)
		if !retryable || attempt == MaxAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// retriesIndefinitely reports whether a startup read should keep trying after err.
// Server errors count here on top of the Retry classification.
func retriesIndefinitely(err error) bool {
	if _, retryable := retryDelay(err); retryable {
		return true
	}
	return StatusCode(err) >= 500
}

// RetryIndefinitely retries network failures, rate limiting and server errors with exponential
// backoff capped at maxBackoff, until ctx ends. Any other failure is returned immediately.
func RetryIndefinitely[T any](ctx context.Context, maxBackoff time.Duration, logger *logrus.Logger, call func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := call(ctx)
		if err == nil {
			return result, nil
		}
		if !retriesIndefinitely(err) {
			return zero, err
		}

		backoff := maxBackoff
		if attempt < 31 {
			if d := time.Duration(1<<attempt) * time.Second; d < maxBackoff {
				backoff = d
			}
		}
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff,
		}).Warn("Kubernetes API request failed, retrying")

		if err := sleep(ctx, backoff); err != nil {
			return zero, err
		}
	}
}
