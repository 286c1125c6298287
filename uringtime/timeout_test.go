//go:build linux

package uringtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAfterReturnsInnerResult(t *testing.T) {
	got, err := After(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

func TestAfterReturnsInnerError(t *testing.T) {
	innerErr := errors.New("boom")
	_, err := After(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 0, innerErr
	})
	require.Equal(t, innerErr, err)
}

func TestAfterTimesOut(t *testing.T) {
	_, err := After(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAfterHonorsParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := After(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Equal(t, context.Canceled, err, "parent cancellation must not be reported as a timeout")
}
