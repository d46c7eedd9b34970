package transport

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loomdb/loom/internal/chunk"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/memory"
)

func stageChunk(t *testing.T, actx *memory.AllocationContext, queryID types.QueryID, sinkID types.OperatorID, dest types.NodeID, payload []byte) *chunk.Chunk {
	t.Helper()

	allocs, err := actx.Allocate(context.Background(), len(payload))
	require.NoError(t, err)

	off := 0
	for _, a := range allocs {
		off += copy(a.Bytes(), payload[off:])
	}
	return &chunk.Chunk{
		QueryID:     queryID,
		Destination: dest,
		SinkID:      sinkID,
		NBytes:      int64(len(payload)),
		Allocations: allocs,
	}
}

func TestOutbox(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	dest := uuid.New()

	newScope := func(t *testing.T, queryID types.QueryID) *memory.AllocationContext {
		reg := memory.NewRegistry(memory.NewPool(64, 16))
		actx := reg.GetOrCreate(memory.QueryScope(queryID))
		t.Cleanup(reg.ReleaseQueryScope)
		return actx
	}

	t.Run("serves_each_transfer_in_fifo_order", func(t *testing.T) {
		actx := newScope(t, 1)
		outbox := NewOutbox()

		first := stageChunk(t, actx, 1, 10, dest, []byte("first"))
		second := stageChunk(t, actx, 1, 10, dest, []byte("second"))
		other := stageChunk(t, actx, 1, 11, dest, []byte("other sink"))
		outbox.Put(first)
		outbox.Put(second)
		outbox.Put(other)

		got, err := outbox.Next(1, 10, dest)
		require.NoError(t, err)
		require.Same(t, first, got)

		got, err = outbox.Next(1, 10, dest)
		require.NoError(t, err)
		require.Same(t, second, got)

		_, err = outbox.Next(1, 10, dest)
		require.ErrorIs(t, err, ErrNoChunk)

		got, err = outbox.Next(1, 11, dest)
		require.NoError(t, err)
		require.Same(t, other, got)
	})

	t.Run("destinations_never_see_each_others_chunks", func(t *testing.T) {
		actx := newScope(t, 2)
		outbox := NewOutbox()
		otherDest := uuid.New()

		mine := stageChunk(t, actx, 2, 10, dest, []byte("mine"))
		theirs := stageChunk(t, actx, 2, 10, otherDest, []byte("theirs"))
		outbox.Put(mine)
		outbox.Put(theirs)

		got, err := outbox.Next(2, 10, otherDest)
		require.NoError(t, err)
		require.Same(t, theirs, got)

		got, err = outbox.Next(2, 10, dest)
		require.NoError(t, err)
		require.Same(t, mine, got)
	})

	t.Run("skips_chunks_released_by_teardown", func(t *testing.T) {
		actx := newScope(t, 3)
		outbox := NewOutbox()

		torn := stageChunk(t, actx, 3, 10, dest, []byte("torn down"))
		live := stageChunk(t, actx, 3, 10, dest, []byte("live"))
		outbox.Put(torn)
		outbox.Put(live)

		torn.Release()

		got, err := outbox.Next(3, 10, dest)
		require.NoError(t, err)
		require.Same(t, live, got)
		require.Equal(t, []byte("live"), got.Payload())
	})

	t.Run("restage_serves_the_chunk_before_newer_ones", func(t *testing.T) {
		actx := newScope(t, 4)
		outbox := NewOutbox()

		first := stageChunk(t, actx, 4, 10, dest, []byte("first"))
		second := stageChunk(t, actx, 4, 10, dest, []byte("second"))
		outbox.Put(first)
		outbox.Put(second)

		got, err := outbox.Next(4, 10, dest)
		require.NoError(t, err)
		require.Same(t, first, got)

		outbox.Restage(got)

		got, err = outbox.Next(4, 10, dest)
		require.NoError(t, err)
		require.Same(t, first, got)
	})

	t.Run("restage_drops_a_chunk_released_in_flight", func(t *testing.T) {
		actx := newScope(t, 5)
		outbox := NewOutbox()

		c := stageChunk(t, actx, 5, 10, dest, []byte("released mid-transfer"))
		outbox.Put(c)

		got, err := outbox.Next(5, 10, dest)
		require.NoError(t, err)
		got.Release()

		outbox.Restage(got)
		require.Zero(t, outbox.Len(5, 10, dest))
	})

	t.Run("drop_query_forgets_only_that_query", func(t *testing.T) {
		actx := newScope(t, 6)
		other := newScope(t, 7)
		outbox := NewOutbox()

		outbox.Put(stageChunk(t, actx, 6, 10, dest, []byte("a")))
		outbox.Put(stageChunk(t, actx, 6, 11, dest, []byte("b")))
		kept := stageChunk(t, other, 7, 10, dest, []byte("kept"))
		outbox.Put(kept)

		require.Equal(t, 2, outbox.DropQuery(6))
		require.Zero(t, outbox.Len(6, 10, dest))
		require.Zero(t, outbox.Len(6, 11, dest))

		got, err := outbox.Next(7, 10, dest)
		require.NoError(t, err)
		require.Same(t, kept, got)
	})
}
