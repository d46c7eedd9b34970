package keys

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"
)

func sum(t *testing.T, keyOrder string, key []byte) uint64 {
	t.Helper()

	hasher := NewCacheKeyHasher(xxhash.New())
	require.NoError(t, NewLocateKeyHasher(keyOrder, key).Append(hasher))

	return hasher.Key().ToUInt64()
}

func TestLocateKeyHasher(t *testing.T) {
	t.Run("same_lookup_hashes_identically", func(t *testing.T) {
		require.Equal(t,
			sum(t, "spo", []byte("s1")),
			sum(t, "spo", []byte("s1")),
		)
	})

	t.Run("distinct_orders_hash_differently", func(t *testing.T) {
		require.NotEqual(t,
			sum(t, "spo", []byte("s1")),
			sum(t, "pos", []byte("s1")),
		)
	})

	t.Run("distinct_keys_hash_differently", func(t *testing.T) {
		require.NotEqual(t,
			sum(t, "spo", []byte("s1")),
			sum(t, "spo", []byte("s2")),
		)
	})

	t.Run("order_and_key_segments_do_not_bleed", func(t *testing.T) {
		require.NotEqual(t,
			sum(t, "spo", []byte("x")),
			sum(t, "spox", nil),
		)
	})
}
