// Package memory provides an in-process placement directory backed by
// red-black trees, suitable for tests and single-binary deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
)

// Directory keeps one sorted partition map per key order plus a peer table.
// Lookups walk the tree to the greatest low key at or below the probe and
// verify the probe falls inside that partition's range.
type Directory struct {
	mu      sync.RWMutex
	indexes map[types.KeyOrder]*redblacktree.Tree // GUARDED_BY(mu), low key -> PartitionLocator
	peers   map[types.NodeID]directory.PeerInfo   // GUARDED_BY(mu)
}

var _ directory.Directory = (*Directory)(nil)

// New returns an empty directory.
func New() *Directory {
	return &Directory{
		indexes: make(map[types.KeyOrder]*redblacktree.Tree),
		peers:   make(map[types.NodeID]directory.PeerInfo),
	}
}

// NewFromTopology builds a directory from a validated topology document.
func NewFromTopology(topo *directory.Topology) *Directory {
	m := New()
	for _, info := range topo.PeerInfos() {
		m.AddPeer(info)
	}
	for _, locators := range topo.Locators() {
		for _, l := range locators {
			m.AddPartition(l)
		}
	}
	return m
}

// AddPeer registers or replaces a peer address.
func (m *Directory) AddPeer(info directory.PeerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[info.Node] = info
}

// AddPartition registers or replaces the partition starting at the locator's
// low key.
func (m *Directory) AddPartition(l directory.PartitionLocator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tree, ok := m.indexes[l.KeyOrder]
	if !ok {
		tree = redblacktree.NewWithStringComparator()
		m.indexes[l.KeyOrder] = tree
	}
	tree.Put(string(l.LowKey), l)
}

func (m *Directory) Locate(_ context.Context, keyOrder types.KeyOrder, key []byte) (directory.PartitionLocator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tree, ok := m.indexes[keyOrder]
	if !ok {
		return directory.PartitionLocator{}, fmt.Errorf("%w: %q", directory.ErrUnknownKeyOrder, keyOrder)
	}
	node, ok := tree.Floor(string(key))
	if !ok {
		return directory.PartitionLocator{}, fmt.Errorf("%w: %q/%q", directory.ErrShardNotFound, keyOrder, key)
	}
	locator := node.Value.(directory.PartitionLocator)
	if !locator.Covers(keyOrder, key) {
		return directory.PartitionLocator{}, fmt.Errorf("%w: %q/%q", directory.ErrShardNotFound, keyOrder, key)
	}
	return locator, nil
}

func (m *Directory) Resolve(_ context.Context, node types.NodeID) (directory.PeerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.peers[node]
	if !ok {
		return directory.PeerInfo{}, fmt.Errorf("%w: %s", directory.ErrPeerNotFound, node)
	}
	return info, nil
}

// Close is a no-op for the in-process directory.
func (m *Directory) Close() {}
