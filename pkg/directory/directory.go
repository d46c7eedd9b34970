//go:generate mockgen -source directory.go -destination ../../internal/mocks/mock_directory.go -package mocks

// Package directory answers the two placement questions routing asks: which
// shard of an index owns a key, and how to reach the node a shard or query
// lives on.
package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/loomdb/loom/internal/types"
)

var (
	// ErrUnknownKeyOrder is returned when no partition layout exists for
	// the requested key order.
	ErrUnknownKeyOrder = errors.New("unknown key order")

	// ErrShardNotFound is returned when a key falls outside every
	// partition of a key order.
	ErrShardNotFound = errors.New("no shard covers key")

	// ErrPeerNotFound is returned when a node identity has no known
	// address.
	ErrPeerNotFound = errors.New("peer not found")
)

// PartitionLocator names one shard of an index: its identity, the node that
// owns it, and the half-open key range [LowKey, HighKey) it covers. A nil
// HighKey means the range is unbounded above.
type PartitionLocator struct {
	KeyOrder types.KeyOrder
	Shard    types.ShardID
	Node     types.NodeID
	LowKey   []byte
	HighKey  []byte
}

// Covers reports whether key falls inside the locator's range.
func (l PartitionLocator) Covers(keyOrder types.KeyOrder, key []byte) bool {
	if l.KeyOrder != keyOrder {
		return false
	}
	if bytes.Compare(key, l.LowKey) < 0 {
		return false
	}
	return l.HighKey == nil || bytes.Compare(key, l.HighKey) < 0
}

func (l PartitionLocator) String() string {
	return fmt.Sprintf("%s/shard-%d@%s", l.KeyOrder, l.Shard, l.Node)
}

// PeerInfo is the reachable identity of a fabric node.
type PeerInfo struct {
	Node types.NodeID
	Addr string
}

// ShardDirectory maps keys to the partitions that own them.
type ShardDirectory interface {
	// Locate returns the partition of keyOrder whose range covers key.
	Locate(ctx context.Context, keyOrder types.KeyOrder, key []byte) (PartitionLocator, error)
}

// PeerDirectory resolves node identities to addresses.
type PeerDirectory interface {
	// Resolve returns the reachable address of a node.
	Resolve(ctx context.Context, node types.NodeID) (PeerInfo, error)
}

// Directory is the full placement datastore a node runs against.
type Directory interface {
	ShardDirectory
	PeerDirectory

	// Close releases the datastore's resources.
	Close()
}
