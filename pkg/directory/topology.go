package directory

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"github.com/loomdb/loom/internal/types"
)

// Topology is the static placement document a cluster can be bootstrapped
// from. Partition ranges are half-open [low, high); an empty high key means
// the partition is unbounded above.
type Topology struct {
	Peers   []PeerSpec  `json:"peers"`
	Indexes []IndexSpec `json:"indexes"`
}

// PeerSpec declares one node of the fabric.
type PeerSpec struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

// IndexSpec declares the partition layout of one key order.
type IndexSpec struct {
	KeyOrder   string          `json:"keyOrder"`
	Partitions []PartitionSpec `json:"partitions"`
}

// PartitionSpec assigns one key range of an index to a shard on a node.
type PartitionSpec struct {
	Shard   uint32 `json:"shard"`
	Node    string `json:"node"`
	LowKey  string `json:"lowKey"`
	HighKey string `json:"highKey,omitempty"`
}

// LoadTopology reads and validates a YAML topology document.
func LoadTopology(path string) (*Topology, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	return ParseTopology(b)
}

// ParseTopology decodes and validates a YAML topology document.
func ParseTopology(b []byte) (*Topology, error) {
	var topo Topology
	if err := yaml.Unmarshal(b, &topo); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Validate checks that peer identities parse, partitions reference declared
// peers, and the ranges of each index are well formed.
func (t *Topology) Validate() error {
	peers := make(map[string]struct{}, len(t.Peers))
	for _, p := range t.Peers {
		if _, err := uuid.Parse(p.ID); err != nil {
			return fmt.Errorf("peer %q: invalid node id: %w", p.ID, err)
		}
		if p.Addr == "" {
			return fmt.Errorf("peer %q: missing addr", p.ID)
		}
		if _, ok := peers[p.ID]; ok {
			return fmt.Errorf("peer %q: declared twice", p.ID)
		}
		peers[p.ID] = struct{}{}
	}
	for _, idx := range t.Indexes {
		if idx.KeyOrder == "" {
			return fmt.Errorf("index with empty key order")
		}
		parts := make([]PartitionSpec, len(idx.Partitions))
		copy(parts, idx.Partitions)
		sort.Slice(parts, func(i, j int) bool {
			return parts[i].LowKey < parts[j].LowKey
		})
		for i, p := range parts {
			if _, ok := peers[p.Node]; !ok {
				return fmt.Errorf("index %q shard %d: unknown node %q", idx.KeyOrder, p.Shard, p.Node)
			}
			if p.HighKey != "" && p.HighKey <= p.LowKey {
				return fmt.Errorf("index %q shard %d: empty range [%q, %q)", idx.KeyOrder, p.Shard, p.LowKey, p.HighKey)
			}
			if i > 0 {
				prev := parts[i-1]
				if prev.HighKey == "" || prev.HighKey > p.LowKey {
					return fmt.Errorf("index %q: shards %d and %d overlap", idx.KeyOrder, prev.Shard, p.Shard)
				}
			}
		}
	}
	return nil
}

// Locators expands the document into per-index partition locators, sorted by
// low key within each index.
func (t *Topology) Locators() map[types.KeyOrder][]PartitionLocator {
	out := make(map[types.KeyOrder][]PartitionLocator, len(t.Indexes))
	for _, idx := range t.Indexes {
		keyOrder := types.KeyOrder(idx.KeyOrder)
		locators := make([]PartitionLocator, 0, len(idx.Partitions))
		for _, p := range idx.Partitions {
			l := PartitionLocator{
				KeyOrder: keyOrder,
				Shard:    types.ShardID(p.Shard),
				Node:     uuid.MustParse(p.Node),
				// Never nil: an empty low key must survive the trip
				// through SQL as an empty blob, not NULL.
				LowKey: append([]byte{}, p.LowKey...),
			}
			if p.HighKey != "" {
				l.HighKey = []byte(p.HighKey)
			}
			locators = append(locators, l)
		}
		sort.Slice(locators, func(i, j int) bool {
			return bytes.Compare(locators[i].LowKey, locators[j].LowKey) < 0
		})
		out[keyOrder] = locators
	}
	return out
}

// PeerInfos expands the document's peer list.
func (t *Topology) PeerInfos() []PeerInfo {
	infos := make([]PeerInfo, 0, len(t.Peers))
	for _, p := range t.Peers {
		infos = append(infos, PeerInfo{Node: uuid.MustParse(p.ID), Addr: p.Addr})
	}
	return infos
}
