package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("test error"), false},
		{"transient", Transient(errors.New("test error")), true},
		{"refused", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), true},
		{"starting up", errors.New("pq: the database system is starting up"), true},
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{"permanent wins over message", Permanent(errors.New("timeout")), false},
		{"wrapped permanent", fmt.Errorf("ping: %w", Permanent(errors.New("connection refused"))), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
	require.Nil(t, Transient(nil))
	require.Nil(t, Permanent(nil))

	cause := errors.New("password authentication failed")
	require.ErrorIs(t, Permanent(cause), cause)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return Transient(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond*20))
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())
	require.Equal(t, 4, count)
}

func TestRetryZeroMaxRetries(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return Transient(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond*20))
	require.Error(t, err)
	require.Equal(t, "test error", err.Error())
	require.Equal(t, 1, count) // Should still try once even with 0 retries
}

func TestRetryStopsOnSuccessAndPermanentErrors(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		if count < 3 {
			return Transient(errors.New("not yet"))
		}
		return nil
	}, WithBaseWait(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 3, count)

	count = 0
	err = Do(ctx, func() error {
		count++
		return errors.New("bad password")
	}, WithBaseWait(time.Millisecond))
	require.Error(t, err)
	require.Equal(t, 1, count)
}

func TestRetryCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err := Do(ctx, func() error {
		count++
		cancel()
		return Transient(errors.New("busy"))
	}, WithBaseWait(time.Hour))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, count)
}

func TestWait(t *testing.T) {
	o := Options{BaseWait: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond, BackoffRate: 2}
	require.Equal(t, 10*time.Millisecond, o.wait(0))
	require.Equal(t, 40*time.Millisecond, o.wait(2))
	require.Equal(t, 50*time.Millisecond, o.wait(5))

	o.Jitter = true
	for i := 0; i < 20; i++ {
		require.Less(t, o.wait(1), 20*time.Millisecond)
	}
}
