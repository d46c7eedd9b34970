package chunk

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loomdb/loom/internal/engine"
	"github.com/loomdb/loom/internal/pipe"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/memory"
)

const testQuery types.QueryID = 0xbeef

func newScope(t *testing.T, slabSize, slabs int) *memory.AllocationContext {
	t.Helper()

	r := memory.NewRegistry(memory.NewPool(slabSize, slabs))
	t.Cleanup(r.ReleaseQueryScope)
	return r.GetOrCreate(memory.OperatorScope(testQuery, 1))
}

func TestSerialize(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	dest := uuid.New()

	t.Run("rejects_missing_arguments_without_draining", func(t *testing.T) {
		s := NewSerializer()
		actx := newScope(t, 64, 8)

		src := pipe.Must[[]types.Solution](4)
		require.True(t, src.Send(batch("a")))

		_, err := s.Serialize(context.Background(), testQuery, uuid.Nil, 1, actx, src)
		require.ErrorIs(t, err, engine.ErrInvalidArgument)

		_, err = s.Serialize(context.Background(), testQuery, dest, 1, nil, src)
		require.ErrorIs(t, err, engine.ErrInvalidArgument)

		_, err = s.Serialize(context.Background(), testQuery, dest, 1, actx, nil)
		require.ErrorIs(t, err, engine.ErrInvalidArgument)

		// The failed calls never touched the buffer: the batch is still
		// there and the pipe is still open.
		var got []types.Solution
		require.True(t, src.Recv(&got))
		require.Equal(t, batch("a"), got)
		require.True(t, src.Send(batch("b")))
		src.Close()
	})

	t.Run("accounts_every_byte_and_handle_in_order", func(t *testing.T) {
		s := NewSerializer()
		actx := newScope(t, 1024, 8)

		batches := [][]types.Solution{
			batch("a", "bb"),
			batch("ccc"),
		}

		var want []byte
		var wantSizes []int
		for _, b := range batches {
			enc := EncodeBatch(nil, b)
			want = append(want, enc...)
			wantSizes = append(wantSizes, len(enc))
		}

		src := pipe.Must[[]types.Solution](4)
		for _, b := range batches {
			require.True(t, src.Send(b))
		}
		src.Close()

		c, err := s.Serialize(context.Background(), testQuery, dest, 7, actx, src)
		require.NoError(t, err)

		require.Equal(t, testQuery, c.QueryID)
		require.Equal(t, dest, c.Destination)
		require.Equal(t, types.OperatorID(7), c.SinkID)

		// One allocation per batch at this slab size, in drain order.
		require.Len(t, c.Allocations, len(batches))
		total := int64(0)
		for i, a := range c.Allocations {
			require.Equal(t, wantSizes[i], a.Len())
			total += int64(a.Len())
		}
		require.Equal(t, total, c.NBytes)
		require.Equal(t, want, c.Payload())

		decoded, err := DecodeAll(c.Payload())
		require.NoError(t, err)
		require.Equal(t, batches, decoded)
	})

	t.Run("spans_batches_across_slabs", func(t *testing.T) {
		s := NewSerializer()
		actx := newScope(t, 8, 32)

		src := pipe.Must[[]types.Solution](4)
		require.True(t, src.Send(batch("0123456789abcdef")))
		src.Close()

		c, err := s.Serialize(context.Background(), testQuery, dest, 7, actx, src)
		require.NoError(t, err)
		require.Greater(t, len(c.Allocations), 1)

		sum := int64(0)
		for _, a := range c.Allocations {
			sum += int64(a.Len())
		}
		require.Equal(t, c.NBytes, sum)

		decoded, err := DecodeAll(c.Payload())
		require.NoError(t, err)
		require.Equal(t, [][]types.Solution{batch("0123456789abcdef")}, decoded)
	})

	t.Run("empty_source_builds_an_empty_chunk", func(t *testing.T) {
		s := NewSerializer()
		actx := newScope(t, 64, 8)

		src := pipe.Must[[]types.Solution](4)
		src.Close()

		c, err := s.Serialize(context.Background(), testQuery, dest, 7, actx, src)
		require.NoError(t, err)
		require.Zero(t, c.NBytes)
		require.Empty(t, c.Allocations)
		require.Empty(t, c.Payload())
	})

	t.Run("skips_zero_length_batches", func(t *testing.T) {
		s := NewSerializer()
		actx := newScope(t, 64, 8)

		src := pipe.Must[[]types.Solution](4)
		require.True(t, src.Send(nil))
		require.True(t, src.Send(batch("a")))
		src.Close()

		c, err := s.Serialize(context.Background(), testQuery, dest, 7, actx, src)
		require.NoError(t, err)
		require.Len(t, c.Allocations, 1)
	})

	t.Run("interrupted_allocation_fails_and_closes_the_source", func(t *testing.T) {
		s := NewSerializer()

		// Hold one of two slabs so the two-slab batch blocks in Allocate
		// until the deadline interrupts it.
		pool := memory.NewPool(8, 2)
		r := memory.NewRegistry(pool)
		t.Cleanup(r.ReleaseQueryScope)
		actx := r.GetOrCreate(memory.OperatorScope(testQuery, 1))

		held, err := actx.Allocate(context.Background(), 8)
		require.NoError(t, err)
		require.Len(t, held, 1)

		src := pipe.Must[[]types.Solution](4)
		require.True(t, src.Send(batch("abc")))
		src.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err = s.Serialize(ctx, testQuery, dest, 7, actx, src)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		// The failed drain still closed the buffer.
		require.False(t, src.Send(batch("late")))
	})

	t.Run("serializing_into_a_released_scope_fails", func(t *testing.T) {
		s := NewSerializer()

		r := memory.NewRegistry(memory.NewPool(64, 8))
		actx := r.GetOrCreate(memory.OperatorScope(testQuery, 1))
		r.ReleaseQueryScope()

		src := pipe.Must[[]types.Solution](4)
		require.True(t, src.Send(batch("a")))
		src.Close()

		_, err := s.Serialize(context.Background(), testQuery, dest, 7, actx, src)
		require.ErrorIs(t, err, memory.ErrReleased)
		require.False(t, src.Send(batch("late")))
	})
}
