package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
)

var (
	nodeA = uuid.MustParse("6f861649-01cc-4f71-9c7a-90bbb2ba8075")
	nodeB = uuid.MustParse("87791672-4218-467e-8e9e-ec4a7a756477")
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()

	topo, err := directory.ParseTopology([]byte(`
peers:
  - id: ` + nodeA.String() + `
    addr: 10.0.0.1:8081
  - id: ` + nodeB.String() + `
    addr: 10.0.0.2:8081
indexes:
  - keyOrder: spo
    partitions:
      - shard: 0
        node: ` + nodeA.String() + `
        lowKey: ""
        highKey: m
      - shard: 1
        node: ` + nodeB.String() + `
        lowKey: m
  - keyOrder: pos
    partitions:
      - shard: 0
        node: ` + nodeB.String() + `
        lowKey: g
`))
	require.NoError(t, err)

	return NewFromTopology(topo)
}

func TestLocate(t *testing.T) {
	dir := testDirectory(t)
	ctx := context.Background()

	t.Run("key_in_first_partition", func(t *testing.T) {
		locator, err := dir.Locate(ctx, "spo", []byte("abc"))
		require.NoError(t, err)
		require.Equal(t, types.ShardID(0), locator.Shard)
		require.Equal(t, nodeA, locator.Node)
	})

	t.Run("boundary_key_belongs_to_upper_partition", func(t *testing.T) {
		locator, err := dir.Locate(ctx, "spo", []byte("m"))
		require.NoError(t, err)
		require.Equal(t, types.ShardID(1), locator.Shard)
		require.Equal(t, nodeB, locator.Node)
	})

	t.Run("unbounded_partition_covers_large_keys", func(t *testing.T) {
		locator, err := dir.Locate(ctx, "spo", []byte("zzzzzz"))
		require.NoError(t, err)
		require.Equal(t, types.ShardID(1), locator.Shard)
	})

	t.Run("unknown_key_order", func(t *testing.T) {
		_, err := dir.Locate(ctx, "osp", []byte("abc"))
		require.ErrorIs(t, err, directory.ErrUnknownKeyOrder)
	})

	t.Run("key_below_lowest_partition", func(t *testing.T) {
		_, err := dir.Locate(ctx, "pos", []byte("a"))
		require.ErrorIs(t, err, directory.ErrShardNotFound)
	})

	t.Run("orders_partition_independently", func(t *testing.T) {
		locator, err := dir.Locate(ctx, "pos", []byte("x"))
		require.NoError(t, err)
		require.Equal(t, types.ShardID(0), locator.Shard)
		require.Equal(t, nodeB, locator.Node)
	})
}

func TestResolve(t *testing.T) {
	dir := testDirectory(t)
	ctx := context.Background()

	t.Run("known_peer", func(t *testing.T) {
		info, err := dir.Resolve(ctx, nodeB)
		require.NoError(t, err)
		require.Equal(t, "10.0.0.2:8081", info.Addr)
	})

	t.Run("unknown_peer", func(t *testing.T) {
		_, err := dir.Resolve(ctx, uuid.New())
		require.ErrorIs(t, err, directory.ErrPeerNotFound)
	})
}
