package shardmap

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/loomdb/loom/internal/mocks"
	"github.com/loomdb/loom/internal/pipe"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/directory/memory"
)

var (
	nodeA = uuid.MustParse("6f861649-01cc-4f71-9c7a-90bbb2ba8075")
	nodeB = uuid.MustParse("87791672-4218-467e-8e9e-ec4a7a756477")
)

// splitDirectory owns keys below "m" on shard 0 and the rest on shard 1.
func splitDirectory(t *testing.T) *memory.Directory {
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
`))
	require.NoError(t, err)

	return memory.NewFromTopology(topo)
}

func solution(key string) types.Solution {
	return types.Solution{Key: []byte(key), Data: []byte("v:" + key)}
}

func collect(t *testing.T, src pipe.Rx[[]types.Solution]) []types.Solution {
	t.Helper()

	var out []types.Solution
	for batch := range src.Seq() {
		out = append(out, batch...)
	}
	return out
}

func TestMapperAdd(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("routes_keys_to_their_shards", func(t *testing.T) {
		m := NewMapper(splitDirectory(t), "spo")
		ctx := context.Background()

		for _, key := range []string{"apple", "zebra", "fig", "moss"} {
			require.NoError(t, m.Add(ctx, solution(key)))
		}

		shards := m.Shards()
		require.Len(t, shards, 2)

		require.Equal(t, types.ShardID(0), shards[0].Locator.Shard)
		require.Equal(t, nodeA, shards[0].Locator.Node)
		low := collect(t, shards[0].Source)
		require.Equal(t, []types.Solution{solution("apple"), solution("fig")}, low)

		require.Equal(t, types.ShardID(1), shards[1].Locator.Shard)
		require.Equal(t, nodeB, shards[1].Locator.Node)
		high := collect(t, shards[1].Source)
		require.Equal(t, []types.Solution{solution("zebra"), solution("moss")}, high)
	})

	t.Run("propagates_placement_errors", func(t *testing.T) {
		m := NewMapper(splitDirectory(t), "osp")

		err := m.Add(context.Background(), solution("apple"))
		require.ErrorIs(t, err, directory.ErrUnknownKeyOrder)
	})

	t.Run("rolls_batches_at_the_configured_bound", func(t *testing.T) {
		m := NewMapper(splitDirectory(t), "spo", WithBatchSize(2))
		ctx := context.Background()

		for _, key := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, m.Add(ctx, solution(key)))
		}

		shards := m.Shards()
		require.Len(t, shards, 1)

		var sizes []int
		for batch := range shards[0].Source.Seq() {
			sizes = append(sizes, len(batch))
		}
		require.Equal(t, []int{2, 2, 1}, sizes)
	})

	t.Run("shards_resets_the_mapper", func(t *testing.T) {
		m := NewMapper(splitDirectory(t), "spo")
		ctx := context.Background()

		require.NoError(t, m.Add(ctx, solution("apple")))
		require.Len(t, m.Shards(), 1)
		require.Empty(t, m.Shards())
	})
}

func TestMapperDrain(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("stages_every_batch_and_closes_the_source", func(t *testing.T) {
		m := NewMapper(splitDirectory(t), "spo")

		p := pipe.Must[[]types.Solution](4)
		require.True(t, p.Send([]types.Solution{solution("apple"), solution("zebra")}))
		require.True(t, p.Send([]types.Solution{solution("fig")}))
		p.Close()

		require.NoError(t, m.Drain(context.Background(), p))
		require.Len(t, m.Shards(), 2)

		require.False(t, p.Send([]types.Solution{solution("late")}))
	})

	t.Run("stops_on_the_first_placement_error_and_closes_the_source", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		dir := mocks.NewMockShardDirectory(ctrl)

		wantErr := errors.New("placement store down")
		gomock.InOrder(
			dir.EXPECT().
				Locate(gomock.Any(), types.KeyOrder("spo"), []byte("apple")).
				Return(directory.PartitionLocator{}, nil),
			dir.EXPECT().
				Locate(gomock.Any(), types.KeyOrder("spo"), []byte("zebra")).
				Return(directory.PartitionLocator{}, wantErr),
		)

		m := NewMapper(dir, "spo")

		p := pipe.Must[[]types.Solution](4)
		require.True(t, p.Send([]types.Solution{solution("apple"), solution("zebra")}))
		require.True(t, p.Send([]types.Solution{solution("unreached")}))

		err := m.Drain(context.Background(), p)
		require.ErrorIs(t, err, wantErr)

		require.False(t, p.Send([]types.Solution{solution("late")}))
	})
}
