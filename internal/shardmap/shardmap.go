// Package shardmap stages solutions into per-shard batches ahead of
// serialization, using the placement directory to route each key.
package shardmap

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/exp/maps"

	"github.com/loomdb/loom/internal/build"
	"github.com/loomdb/loom/internal/pipe"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
)

// defaultBatchSize bounds how many solutions a staged batch may hold before
// the mapper rolls a new one.
const defaultBatchSize = 1024

var stagedSolutionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "shardmap_staged_solutions_total",
	Help:      "The total number of solutions staged for shard transfer, by key order.",
}, []string{"key_order"})

// Shard is one mapper output: the partition the staged solutions belong to
// and a source yielding them in staged batches.
type Shard struct {
	Locator directory.PartitionLocator
	Source  pipe.Rx[[]types.Solution]
}

// Mapper groups solutions by the shard that owns their key under a single
// key order. It is safe for concurrent Add calls; Shards hands the staged
// work over and resets the mapper.
type Mapper struct {
	dir       directory.ShardDirectory
	keyOrder  types.KeyOrder
	batchSize int

	mu     sync.Mutex
	staged map[types.ShardID]*staging // GUARDED_BY(mu)
}

type staging struct {
	locator directory.PartitionLocator
	batches [][]types.Solution
}

// MapperOpt defines an option that can be used to change the behavior of a
// Mapper instance.
type MapperOpt func(*Mapper)

// WithBatchSize overrides the staged batch bound.
func WithBatchSize(n int) MapperOpt {
	return func(m *Mapper) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// NewMapper returns a mapper routing keys of keyOrder through dir.
func NewMapper(dir directory.ShardDirectory, keyOrder types.KeyOrder, opts ...MapperOpt) *Mapper {
	m := &Mapper{
		dir:       dir,
		keyOrder:  keyOrder,
		batchSize: defaultBatchSize,
		staged:    make(map[types.ShardID]*staging),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Add stages one solution with the shard owning its key.
func (m *Mapper) Add(ctx context.Context, sol types.Solution) error {
	locator, err := m.dir.Locate(ctx, m.keyOrder, sol.Key)
	if err != nil {
		return fmt.Errorf("locating shard for key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.staged[locator.Shard]
	if !ok {
		st = &staging{locator: locator}
		m.staged[locator.Shard] = st
	}

	if n := len(st.batches); n == 0 || len(st.batches[n-1]) >= m.batchSize {
		st.batches = append(st.batches, nil)
	}
	last := len(st.batches) - 1
	st.batches[last] = append(st.batches[last], sol)

	stagedSolutionsCounter.WithLabelValues(string(m.keyOrder)).Inc()
	return nil
}

// Drain stages every solution from src. The source is closed when Drain
// returns, whether or not it succeeded.
func (m *Mapper) Drain(ctx context.Context, src pipe.Rx[[]types.Solution]) error {
	for batch := range src.Seq() {
		for _, sol := range batch {
			if err := m.Add(ctx, sol); err != nil {
				return err
			}
		}
	}
	return nil
}

// Shards returns the staged work ordered by shard id and resets the mapper.
func (m *Mapper) Shards() []Shard {
	m.mu.Lock()
	staged := maps.Values(m.staged)
	m.staged = make(map[types.ShardID]*staging)
	m.mu.Unlock()

	sort.Slice(staged, func(i, j int) bool {
		return staged[i].locator.Shard < staged[j].locator.Shard
	})

	shards := make([]Shard, 0, len(staged))
	for _, st := range staged {
		shards = append(shards, Shard{
			Locator: st.locator,
			Source:  pipe.StaticRx(st.batches...),
		})
	}
	return shards
}
