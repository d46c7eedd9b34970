// Package memory manages the pooled buffers that back serialized output
// chunks, and the nested allocation scopes that tie buffer lifetime to the
// lifetime of a query, an operator, or one shard of an operator.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/loomdb/loom/internal/build"
)

const (
	// DefaultSlabSize is the size of one pooled buffer segment.
	DefaultSlabSize = 1 << 20

	// DefaultPoolSlabs bounds how many segments a node hands out at once.
	DefaultPoolSlabs = 256
)

var (
	// ErrReleased is returned by operations against an allocation context
	// that has already been torn down.
	ErrReleased = errors.New("allocation context released")

	// ErrAllocationTooLarge is returned when a single allocation request
	// exceeds the pool's total capacity and so could never be satisfied.
	ErrAllocationTooLarge = errors.New("allocation exceeds pool capacity")
)

var (
	slabsInUseGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "memory_pool_slabs_in_use",
		Help:      "Number of pool segments currently allocated.",
	})

	allocationWaitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "memory_pool_allocations_total",
		Help:      "Total pool allocation requests, including ones that blocked.",
	})
)

// Pool is a node-wide bounded allocator of fixed-size slabs. Allocate blocks
// when the pool is exhausted and unblocks as slabs are released, which is how
// memory pressure turns into pipeline backpressure. A Pool is shared by every
// query on the node; per-scope accounting lives in AllocationContext.
type Pool struct {
	slabSize int
	capacity int64
	sem      *semaphore.Weighted

	mu   sync.Mutex
	free [][]byte // GUARDED_BY(mu).
}

// NewPool constructs a pool of capacity slabs of slabSize bytes each.
func NewPool(slabSize, capacity int) *Pool {
	if slabSize <= 0 {
		slabSize = DefaultSlabSize
	}
	if capacity <= 0 {
		capacity = DefaultPoolSlabs
	}
	return &Pool{
		slabSize: slabSize,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// SlabSize returns the size of one pooled segment.
func (p *Pool) SlabSize() int {
	return p.slabSize
}

// allocate reserves enough slabs to hold nbytes, blocking until capacity is
// available or ctx is done. The returned allocations are ordered and their
// Bytes() lengths sum to exactly nbytes.
func (p *Pool) allocate(ctx context.Context, nbytes int) ([]*Allocation, error) {
	if nbytes <= 0 {
		return nil, fmt.Errorf("allocation size must be positive, got %d", nbytes)
	}

	slabs := int64((nbytes + p.slabSize - 1) / p.slabSize)
	if slabs > p.capacity {
		return nil, fmt.Errorf("%w: %d bytes over %d slab(s) of %d", ErrAllocationTooLarge, nbytes, p.capacity, p.slabSize)
	}

	allocationWaitCounter.Inc()
	if err := p.sem.Acquire(ctx, slabs); err != nil {
		return nil, fmt.Errorf("acquiring %d slab(s): %w", slabs, err)
	}
	slabsInUseGauge.Add(float64(slabs))

	out := make([]*Allocation, 0, slabs)
	remaining := nbytes
	for range slabs {
		n := min(remaining, p.slabSize)
		out = append(out, &Allocation{
			pool: p,
			buf:  p.take(),
			n:    n,
		})
		remaining -= n
	}
	return out, nil
}

func (p *Pool) take() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		buf := p.free[n-1]
		p.free = p.free[:n-1]
		return buf
	}
	return make([]byte, p.slabSize)
}

func (p *Pool) put(buf []byte) {
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()

	p.sem.Release(1)
	slabsInUseGauge.Dec()
}

// Allocation is one pooled segment holding up to SlabSize bytes of chunk
// payload. Release returns the segment to the pool; releasing twice is
// harmless, so transfer completion and scope teardown may both release.
type Allocation struct {
	pool     *Pool
	buf      []byte
	n        int
	released atomic.Bool
}

// Bytes returns the valid portion of the segment. The slice must not be used
// after Release.
func (a *Allocation) Bytes() []byte {
	return a.buf[:a.n]
}

// Len returns the number of valid bytes in the segment.
func (a *Allocation) Len() int {
	return a.n
}

// Release returns the segment to its pool. Only the first call has effect.
func (a *Allocation) Release() {
	if a.released.CompareAndSwap(false, true) {
		a.pool.put(a.buf)
	}
}

// Released reports whether the segment has been returned to the pool.
func (a *Allocation) Released() bool {
	return a.released.Load()
}
