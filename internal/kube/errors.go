// ABOUTME: Classification of Kubernetes API failures into retryable and fatal classes.
// ABOUTME: Wraps apimachinery status helpers and syscall level network error checks.

package kube

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilnet "k8s.io/apimachinery/pkg/util/net"
)

// StatusCode returns the HTTP status carried by an API error, or 0 when there is none
func StatusCode(err error) int32 {
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		return status.Status().Code
	}
	return 0
}

// IsConnectionReset reports whether the connection was reset by the peer
func IsConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	return utilnet.IsConnectionReset(err) || errors.Is(err, syscall.ECONNRESET)
}

// IsTransientNetworkError matches refused, timed out and reset connections.
// Context cancellation is never transient.
func IsTransientNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if utilnet.IsConnectionRefused(err) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	if IsConnectionReset(err) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryableWatchError matches the network errors after which a watch is restarted
func IsRetryableWatchError(err error) bool {
	if IsTransientNetworkError(err) {
		return true
	}
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) || utilnet.IsProbableEOF(err)
}

// RetryAfter returns the server suggested delay, falling back to the default and capped at MaxRetryDelay
func RetryAfter(err error) time.Duration {
	delay := DefaultRetryDelay
	if seconds, ok := apierrors.SuggestsClientDelay(err); ok && seconds > 0 {
		delay = time.Duration(seconds) * time.Second
	}
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}
