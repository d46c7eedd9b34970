package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewPool(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("runs_all_tasks", func(t *testing.T) {
		var ran atomic.Int64

		p := NewPool(context.Background(), 4)
		for range 16 {
			p.Go(func(ctx context.Context) error {
				ran.Add(1)
				return nil
			})
		}

		require.NoError(t, p.Wait())
		require.Equal(t, int64(16), ran.Load())
	})

	t.Run("first_error_cancels_remaining_tasks", func(t *testing.T) {
		boom := errors.New("boom")

		p := NewPool(context.Background(), 1)
		p.Go(func(ctx context.Context) error {
			return boom
		})
		p.Go(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		require.ErrorIs(t, p.Wait(), boom)
	})
}

func TestTrySend(t *testing.T) {
	t.Run("sends_when_context_is_live", func(t *testing.T) {
		ch := make(chan int, 1)
		require.True(t, TrySend(context.Background(), ch, 42))
		require.Equal(t, 42, <-ch)
	})

	t.Run("refuses_when_context_is_canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		ch := make(chan int, 1)
		require.False(t, TrySend(ctx, ch, 42))
		require.Empty(t, ch)
	})
}
