package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIsRecoverable(t *testing.T) {
	t.Run("nil is not recoverable", func(t *testing.T) {
		require.False(t, IsRecoverable(nil))
	})

	t.Run("explicit markers are authoritative", func(t *testing.T) {
		require.True(t, IsRecoverable(NewRecoverableError(errors.New("boom"))))
		require.False(t, IsRecoverable(NewNonRecoverableError(errors.New("rate limit exceeded"))))
	})

	t.Run("context errors", func(t *testing.T) {
		require.True(t, IsRecoverable(context.DeadlineExceeded))
		require.False(t, IsRecoverable(context.Canceled))
	})

	t.Run("transient backend failures match by message", func(t *testing.T) {
		require.True(t, IsRecoverable(errors.New("slack: rate_limited")))
		require.True(t, IsRecoverable(errors.New("dial tcp: connection refused")))
		require.True(t, IsRecoverable(errors.New("503 service unavailable")))
		require.False(t, IsRecoverable(errors.New("slack: invalid_auth")))
	})
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("retries until attempts are exhausted", func(t *testing.T) {
		count := 0
		err := Do(ctx, func() error {
			count++
			return NewRecoverableError(errors.New("boom"))
		}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
		require.Error(t, err)
		require.Equal(t, "boom", err.Error())
		require.Equal(t, 4, count)
	})

	t.Run("zero retries still attempts once", func(t *testing.T) {
		count := 0
		err := Do(ctx, func() error {
			count++
			return NewRecoverableError(errors.New("boom"))
		}, WithMaxRetries(0), WithBaseWait(time.Millisecond))
		require.Error(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("non-recoverable errors return immediately", func(t *testing.T) {
		count := 0
		err := Do(ctx, func() error {
			count++
			return NewNonRecoverableError(errors.New("boom"))
		}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
		require.Error(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("success stops the loop", func(t *testing.T) {
		count := 0
		err := Do(ctx, func() error {
			count++
			if count < 2 {
				return NewRecoverableError(errors.New("boom"))
			}
			return nil
		}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
		require.NoError(t, err)
		require.Equal(t, 2, count)
	})
}
