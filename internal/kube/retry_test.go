// ABOUTME: Unit tests for the Kubernetes API retry wrapper.
// ABOUTME: Covers attempt ceilings, Retry-After handling and fatal error propagation.

package kube

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func stubSleep(t *testing.T) *[]time.Duration {
	t.Helper()
	var calls []time.Duration
	original := sleep
	sleep = func(ctx context.Context, d time.Duration) error {
		calls = append(calls, d)
		return ctx.Err()
	}
	t.Cleanup(func() { sleep = original })
	return &calls
}

func connectionRefused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func TestRetryCeiling(t *testing.T) {
	tests := []struct {
		name             string
		err              error
		expectedAttempts int
		expectedSleeps   []time.Duration
	}{
		{
			name:             "connection refused on every attempt",
			err:              connectionRefused(),
			expectedAttempts: MaxAttempts,
			expectedSleeps:   []time.Duration{time.Second, time.Second},
		},
		{
			name:             "timed out on every attempt",
			err:              &net.OpError{Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ETIMEDOUT)},
			expectedAttempts: MaxAttempts,
			expectedSleeps:   []time.Duration{time.Second, time.Second},
		},
		{
			name:             "rate limited with retry after",
			err:              apierrors.NewTooManyRequests("slow down", 2),
			expectedAttempts: MaxAttempts,
			expectedSleeps:   []time.Duration{2 * time.Second, 2 * time.Second},
		},
		{
			name:             "rate limited with retry after above the cap",
			err:              apierrors.NewTooManyRequests("slow down", 30),
			expectedAttempts: MaxAttempts,
			expectedSleeps:   []time.Duration{MaxRetryDelay, MaxRetryDelay},
		},
		{
			name:             "rate limited without retry after",
			err:              apierrors.NewTooManyRequests("slow down", 0),
			expectedAttempts: MaxAttempts,
			expectedSleeps:   []time.Duration{DefaultRetryDelay, DefaultRetryDelay},
		},
		{
			name:             "not found is fatal",
			err:              apierrors.NewNotFound(schema.GroupResource{Resource: "pods"}, "missing"),
			expectedAttempts: 1,
		},
		{
			name:             "internal error is fatal",
			err:              apierrors.NewInternalError(errors.New("boom")),
			expectedAttempts: 1,
		},
		{
			name:             "unclassified error is fatal",
			err:              errors.New("something odd"),
			expectedAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleeps := stubSleep(t)
			attempts := 0

			_, err := Retry(context.Background(), func(ctx context.Context) (string, error) {
				attempts++
				return "", tt.err
			})

			require.Error(t, err)
			assert.Equal(t, tt.err, err, "the final error is propagated unchanged")
			assert.Equal(t, tt.expectedAttempts, attempts)
			if tt.expectedSleeps == nil {
				assert.Empty(t, *sleeps)
			} else {
				assert.Equal(t, tt.expectedSleeps, *sleeps)
			}
		})
	}
}

func TestRetryRecovers(t *testing.T) {
	stubSleep(t)
	attempts := 0

	result, err := Retry(context.Background(), func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, connectionRefused()
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 2, attempts)
}

func TestRetryIndefinitely(t *testing.T) {
	sleeps := stubSleep(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	attempts := 0

	uid, err := RetryIndefinitely(context.Background(), 4*time.Second, logger, func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 5 {
			return "", apierrors.NewServiceUnavailable("apiserver restarting")
		}
		return "agent-uid", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "agent-uid", uid)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}, *sleeps)
}

func TestRetryIndefinitelyStopsOnCancel(t *testing.T) {
	stubSleep(t)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RetryIndefinitely(ctx, time.Second, logger, func(ctx context.Context) (string, error) {
		return "", connectionRefused()
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryIndefinitelyClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantRetry     bool
		wantNotFound  bool
		wantForbidden bool
	}{
		{name: "connection refused", err: connectionRefused(), wantRetry: true},
		{name: "rate limited", err: apierrors.NewTooManyRequests("slow down", 1), wantRetry: true},
		{name: "internal error", err: apierrors.NewInternalError(errors.New("etcd timeout")), wantRetry: true},
		{name: "service unavailable", err: apierrors.NewServiceUnavailable("restarting"), wantRetry: true},
		{name: "missing deployment", err: apierrors.NewNotFound(schema.GroupResource{Group: "apps", Resource: "deployments"}, "vulnmonitor"), wantNotFound: true},
		{name: "missing RBAC", err: apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, "vulnmonitor", errors.New("no access")), wantForbidden: true},
		{name: "plain error", err: errors.New("bad kubeconfig")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleeps := stubSleep(t)
			logger := logrus.New()
			logger.SetLevel(logrus.ErrorLevel)
			attempts := 0

			uid, err := RetryIndefinitely(context.Background(), time.Second, logger, func(ctx context.Context) (string, error) {
				attempts++
				if attempts == 1 {
					return "", tt.err
				}
				return "agent-uid", nil
			})

			if tt.wantRetry {
				require.NoError(t, err)
				assert.Equal(t, "agent-uid", uid)
				assert.Equal(t, 2, attempts)
				assert.Len(t, *sleeps, 1)
				return
			}
			require.Error(t, err)
			assert.Equal(t, 1, attempts, "fails without retrying")
			assert.Empty(t, *sleeps)
			assert.Equal(t, tt.wantNotFound, apierrors.IsNotFound(err))
			assert.Equal(t, tt.wantForbidden, apierrors.IsForbidden(err))
		})
	}
}

func TestIsTransientNetworkError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{name: "nil", err: nil, expected: false},
		{name: "refused", err: connectionRefused(), expected: true},
		{name: "reset", err: &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, expected: true},
		{name: "context cancelled", err: context.Canceled, expected: false},
		{name: "api error", err: apierrors.NewBadRequest("bad"), expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransientNetworkError(tt.err))
		})
	}
}
