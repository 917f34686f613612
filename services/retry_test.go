package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tandemnet/pairsync/protocol"
)

func newFakeSleepRetry(base time.Duration, max int) (*RetryController, *[]time.Duration) {
	r := NewRetryController(base, max, testLogger())
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestRetryTransientThenSuccess(t *testing.T) {
	r, slept := newFakeSleepRetry(time.Second, 5)

	calls := 0
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return protocol.NewTransientError("send", errors.New("connection refused"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	require.Zero(t, r.Attempts("op"))
}

func TestRetryPermanentErrorNoRetry(t *testing.T) {
	r, slept := newFakeSleepRetry(time.Second, 5)

	calls := 0
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return protocol.ErrAuthentication
	})
	require.ErrorIs(t, err, protocol.ErrAuthentication)
	require.Equal(t, 1, calls)
	require.Empty(t, *slept)
}

func TestRetryExhaustionPropagatesOriginal(t *testing.T) {
	r, slept := newFakeSleepRetry(time.Second, 3)

	failure := protocol.NewTransientError("send", errors.New("timeout"))
	calls := 0
	err := r.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return failure
	})
	require.ErrorIs(t, err, failure)
	require.Equal(t, 4, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
}

func TestRetryPerKeyIsolation(t *testing.T) {
	r, _ := newFakeSleepRetry(time.Second, 2)

	err := r.Do(context.Background(), "a", func(context.Context) error {
		return protocol.NewTransientError("send", errors.New("down"))
	})
	require.Error(t, err)
	require.Equal(t, 3, r.Attempts("a"))
	require.Zero(t, r.Attempts("b"))

	r.Reset("a")
	require.Zero(t, r.Attempts("a"))
}

func TestRetryCancelledContext(t *testing.T) {
	r := NewRetryController(time.Second, 5, testLogger())
	r.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Do(ctx, "op", func(context.Context) error {
		return protocol.NewTransientError("send", errors.New("down"))
	})
	require.ErrorIs(t, err, context.Canceled)
}
