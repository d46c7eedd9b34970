package routing

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loomdb/loom/internal/engine"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/memory"
	"github.com/loomdb/loom/pkg/transport"
)

// countingDirectory counts peer resolutions on top of a real directory.
type countingDirectory struct {
	directory.Directory
	resolves atomic.Int32
}

func (d *countingDirectory) Resolve(ctx context.Context, node types.NodeID) (directory.PeerInfo, error) {
	d.resolves.Add(1)
	return d.Directory.Resolve(ctx, node)
}

func TestQueryLifecycle(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("admission_resolves_the_controller_once", func(t *testing.T) {
		var log noticeLog
		dir := &countingDirectory{Directory: clusterDirectory(t)}
		fabric := NewFabric(selfNode, selfAddr, memory.NewPool(64, 64), dir, transport.NewOutbox(),
			WithFabricDialer(log.dial))

		q := admitTestQuery(t, fabric, 1)
		require.EqualValues(t, 1, dir.resolves.Load())

		// Controller routing reuses the cached handle.
		_, err := q.Route(context.Background(), 3, sourceOf([]types.Solution{solution("ant")}))
		require.NoError(t, err)
		require.EqualValues(t, 1, dir.resolves.Load())

		// Shard owners are resolved per notice.
		_, err = q.Route(context.Background(), 2, sourceOf([]types.Solution{solution("ant"), solution("zebra")}))
		require.NoError(t, err)
		require.EqualValues(t, 3, dir.resolves.Load())
	})

	t.Run("admission_fails_for_an_unknown_controller", func(t *testing.T) {
		var log noticeLog
		fabric, _ := newTestFabric(t, &log)

		base, err := engine.NewQuery(context.Background(), 2, uuid.New(), []engine.Operator{
			{ID: 1, Eval: types.EvaluationAny},
		})
		require.NoError(t, err)

		_, err = fabric.AdmitQuery(context.Background(), base)
		require.ErrorIs(t, err, directory.ErrPeerNotFound)
		base.Halt(nil)
	})

	t.Run("operator_teardown_releases_only_its_scopes", func(t *testing.T) {
		var log noticeLog
		fabric, outbox := newTestFabric(t, &log)
		q := admitTestQuery(t, fabric, 3)

		// op-2 leaves two shard scopes, op-3 one operator scope.
		_, err := q.Route(context.Background(), 2, sourceOf([]types.Solution{solution("ant"), solution("zebra")}))
		require.NoError(t, err)
		_, err = q.Route(context.Background(), 3, sourceOf([]types.Solution{solution("mango")}))
		require.NoError(t, err)
		require.Equal(t, 3, q.Registry().Len())

		require.NoError(t, q.TearDownOperator(2))
		require.Equal(t, 1, q.Registry().Len())

		// op-2's staged chunks lost their payload with the scope; op-3's
		// transfer is untouched.
		_, err = outbox.Next(3, 2, nodeA)
		require.ErrorIs(t, err, transport.ErrNoChunk)
		_, err = outbox.Next(3, 2, nodeB)
		require.ErrorIs(t, err, transport.ErrNoChunk)

		c, err := outbox.Next(3, 3, controllerNode)
		require.NoError(t, err)
		require.False(t, c.Released())

		// Repeat teardown is a no-op.
		require.NoError(t, q.TearDownOperator(2))
	})

	t.Run("query_teardown_releases_scopes_and_staged_transfers", func(t *testing.T) {
		var log noticeLog
		fabric, outbox := newTestFabric(t, &log)
		q := admitTestQuery(t, fabric, 4)

		_, err := q.Route(context.Background(), 2, sourceOf([]types.Solution{solution("ant"), solution("zebra")}))
		require.NoError(t, err)
		_, err = q.Route(context.Background(), 3, sourceOf([]types.Solution{solution("mango")}))
		require.NoError(t, err)

		c, err := outbox.Next(4, 3, controllerNode)
		require.NoError(t, err)

		q.Halt(nil)

		require.Zero(t, q.Registry().Len())
		require.True(t, c.Released())
		require.Zero(t, outbox.Len(4, 2, nodeA))
		require.Zero(t, outbox.Len(4, 2, nodeB))

		// Halting twice changes nothing.
		q.Halt(nil)
		require.Zero(t, q.Registry().Len())
	})

	t.Run("local_delivery_end_to_end", func(t *testing.T) {
		var log noticeLog
		fabric, _ := newTestFabric(t, &log)

		eng := engine.NewEngine(selfNode)
		base, err := eng.StartQuery(context.Background(), 5, controllerNode, []engine.Operator{
			{ID: 1, Eval: types.EvaluationAny},
		})
		require.NoError(t, err)

		q, err := fabric.AdmitQuery(context.Background(), base)
		require.NoError(t, err)

		batch := []types.Solution{solution("ant"), solution("apple")}
		delivered, err := q.Route(context.Background(), 1, sourceOf(batch))
		require.NoError(t, err)
		require.Equal(t, 1, delivered)
		require.Equal(t, 1, q.Outstanding())

		buf, ok := q.NextInput(1)
		require.True(t, ok)
		var got []types.Solution
		for b := range buf.Seq() {
			got = append(got, b...)
		}
		require.Equal(t, batch, got)
		require.Zero(t, q.Outstanding())

		require.NoError(t, q.TearDownOperator(1))
		require.True(t, eng.HaltQuery(5, nil))
		require.Zero(t, q.Registry().Len())
		require.True(t, q.Halted())
	})
}
