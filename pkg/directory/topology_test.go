package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomdb/loom/internal/types"
)

const (
	nodeA = "6f861649-01cc-4f71-9c7a-90bbb2ba8075"
	nodeB = "87791672-4218-467e-8e9e-ec4a7a756477"
)

func validTopologyDoc() []byte {
	return []byte(`
peers:
  - id: ` + nodeA + `
    addr: 10.0.0.1:8081
  - id: ` + nodeB + `
    addr: 10.0.0.2:8081
indexes:
  - keyOrder: spo
    partitions:
      - shard: 0
        node: ` + nodeA + `
        lowKey: ""
        highKey: m
      - shard: 1
        node: ` + nodeB + `
        lowKey: m
`)
}

func TestParseTopology(t *testing.T) {
	t.Run("valid_document_parses", func(t *testing.T) {
		topo, err := ParseTopology(validTopologyDoc())
		require.NoError(t, err)
		require.Len(t, topo.Peers, 2)
		require.Len(t, topo.Indexes, 1)
	})

	t.Run("rejects_malformed_yaml", func(t *testing.T) {
		_, err := ParseTopology([]byte("peers: ["))
		require.Error(t, err)
	})

	t.Run("rejects_invalid_node_id", func(t *testing.T) {
		_, err := ParseTopology([]byte(`
peers:
  - id: not-a-uuid
    addr: 10.0.0.1:8081
`))
		require.ErrorContains(t, err, "invalid node id")
	})

	t.Run("rejects_peer_without_addr", func(t *testing.T) {
		_, err := ParseTopology([]byte(`
peers:
  - id: ` + nodeA + `
`))
		require.ErrorContains(t, err, "missing addr")
	})

	t.Run("rejects_duplicate_peer", func(t *testing.T) {
		_, err := ParseTopology([]byte(`
peers:
  - id: ` + nodeA + `
    addr: 10.0.0.1:8081
  - id: ` + nodeA + `
    addr: 10.0.0.2:8081
`))
		require.ErrorContains(t, err, "declared twice")
	})

	t.Run("rejects_partition_on_unknown_node", func(t *testing.T) {
		_, err := ParseTopology([]byte(`
peers:
  - id: ` + nodeA + `
    addr: 10.0.0.1:8081
indexes:
  - keyOrder: spo
    partitions:
      - shard: 0
        node: ` + nodeB + `
        lowKey: ""
`))
		require.ErrorContains(t, err, "unknown node")
	})

	t.Run("rejects_overlapping_partitions", func(t *testing.T) {
		_, err := ParseTopology([]byte(`
peers:
  - id: ` + nodeA + `
    addr: 10.0.0.1:8081
indexes:
  - keyOrder: spo
    partitions:
      - shard: 0
        node: ` + nodeA + `
        lowKey: a
        highKey: t
      - shard: 1
        node: ` + nodeA + `
        lowKey: m
`))
		require.ErrorContains(t, err, "overlap")
	})

	t.Run("rejects_empty_range", func(t *testing.T) {
		_, err := ParseTopology([]byte(`
peers:
  - id: ` + nodeA + `
    addr: 10.0.0.1:8081
indexes:
  - keyOrder: spo
    partitions:
      - shard: 0
        node: ` + nodeA + `
        lowKey: m
        highKey: m
`))
		require.ErrorContains(t, err, "empty range")
	})
}

func TestTopologyLocators(t *testing.T) {
	topo, err := ParseTopology(validTopologyDoc())
	require.NoError(t, err)

	locators := topo.Locators()
	require.Len(t, locators, 1)

	spo := locators[types.KeyOrder("spo")]
	require.Len(t, spo, 2)

	require.Equal(t, types.ShardID(0), spo[0].Shard)
	require.Equal(t, []byte{}, spo[0].LowKey)
	require.Equal(t, []byte("m"), spo[0].HighKey)

	require.Equal(t, types.ShardID(1), spo[1].Shard)
	require.Equal(t, []byte("m"), spo[1].LowKey)
	require.Nil(t, spo[1].HighKey)
}

func TestPartitionLocatorCovers(t *testing.T) {
	topo, err := ParseTopology(validTopologyDoc())
	require.NoError(t, err)

	spo := topo.Locators()[types.KeyOrder("spo")]
	low, high := spo[0], spo[1]

	require.True(t, low.Covers("spo", []byte("")))
	require.True(t, low.Covers("spo", []byte("abc")))
	require.False(t, low.Covers("spo", []byte("m")))
	require.False(t, low.Covers("pos", []byte("abc")))

	require.True(t, high.Covers("spo", []byte("m")))
	require.True(t, high.Covers("spo", []byte("zzz")))
	require.False(t, high.Covers("spo", []byte("a")))
}
