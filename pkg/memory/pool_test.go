package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPoolAllocate(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("rejects_non_positive_sizes", func(t *testing.T) {
		p := NewPool(64, 4)

		_, err := p.allocate(context.Background(), 0)
		require.Error(t, err)

		_, err = p.allocate(context.Background(), -1)
		require.Error(t, err)
	})

	t.Run("rejects_requests_larger_than_the_pool", func(t *testing.T) {
		p := NewPool(64, 4)

		_, err := p.allocate(context.Background(), 64*4+1)
		require.ErrorIs(t, err, ErrAllocationTooLarge)
	})

	t.Run("splits_requests_across_slabs", func(t *testing.T) {
		p := NewPool(64, 4)

		allocs, err := p.allocate(context.Background(), 150)
		require.NoError(t, err)
		require.Len(t, allocs, 3)

		total := 0
		for _, a := range allocs {
			total += a.Len()
		}
		require.Equal(t, 150, total)
		require.Equal(t, 64, allocs[0].Len())
		require.Equal(t, 64, allocs[1].Len())
		require.Equal(t, 22, allocs[2].Len())

		for _, a := range allocs {
			a.Release()
		}
	})

	t.Run("blocks_when_exhausted_until_a_release", func(t *testing.T) {
		p := NewPool(64, 1)

		first, err := p.allocate(context.Background(), 10)
		require.NoError(t, err)

		done := make(chan []*Allocation)
		go func() {
			second, err := p.allocate(context.Background(), 10)
			require.NoError(t, err)
			done <- second
		}()

		select {
		case <-done:
			t.Fatal("allocation should have blocked on an exhausted pool")
		case <-time.After(50 * time.Millisecond):
		}

		first[0].Release()
		second := <-done
		second[0].Release()
	})

	t.Run("cancellation_interrupts_a_blocked_allocation", func(t *testing.T) {
		p := NewPool(64, 1)

		held, err := p.allocate(context.Background(), 10)
		require.NoError(t, err)
		defer held[0].Release()

		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error)
		go func() {
			_, err := p.allocate(ctx, 10)
			errCh <- err
		}()

		cancel()
		require.ErrorIs(t, <-errCh, context.Canceled)
	})

	t.Run("release_is_idempotent", func(t *testing.T) {
		p := NewPool(64, 1)

		allocs, err := p.allocate(context.Background(), 10)
		require.NoError(t, err)

		a := allocs[0]
		a.Release()
		a.Release()
		require.True(t, a.Released())

		// A double release must not free capacity twice: after taking the
		// single slab back, the pool must be exhausted again.
		again, err := p.allocate(context.Background(), 10)
		require.NoError(t, err)
		defer again[0].Release()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = p.allocate(ctx, 10)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("reuses_released_slabs", func(t *testing.T) {
		p := NewPool(64, 2)

		allocs, err := p.allocate(context.Background(), 100)
		require.NoError(t, err)
		for _, a := range allocs {
			a.Release()
		}

		again, err := p.allocate(context.Background(), 100)
		require.NoError(t, err)
		for _, a := range again {
			a.Release()
		}
	})
}
