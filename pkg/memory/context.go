package memory

import (
	"context"
	"fmt"
	"sync"
)

// AllocationContext tracks every allocation made under one scope so the whole
// scope can be torn down at once. Individual allocations may also be released
// early (when a transfer completes); the later teardown then finds them
// already returned.
//
// All methods are safe for concurrent use. An Allocate racing a Release
// either completes first or observes the release and fails with ErrReleased;
// slabs acquired during the race are handed straight back to the pool.
type AllocationContext struct {
	key  ScopeKey
	pool *Pool

	mu       sync.Mutex
	released bool          // GUARDED_BY(mu).
	allocs   []*Allocation // GUARDED_BY(mu).
}

func newAllocationContext(key ScopeKey, pool *Pool) *AllocationContext {
	return &AllocationContext{
		key:  key,
		pool: pool,
	}
}

// Key returns the scope this context allocates under.
func (c *AllocationContext) Key() ScopeKey {
	return c.key
}

// Allocate reserves nbytes from the pool under this scope, blocking while
// the pool is exhausted. Cancellation of ctx fails the call; the caller must
// treat that as fatal for the operation in flight rather than retry into a
// torn-down query.
func (c *AllocationContext) Allocate(ctx context.Context, nbytes int) ([]*Allocation, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil, fmt.Errorf("allocate %d bytes under %s: %w", nbytes, c.key, ErrReleased)
	}
	c.mu.Unlock()

	allocs, err := c.pool.allocate(ctx, nbytes)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		for _, a := range allocs {
			a.Release()
		}
		return nil, fmt.Errorf("allocate %d bytes under %s: %w", nbytes, c.key, ErrReleased)
	}
	c.allocs = append(c.allocs, allocs...)
	c.mu.Unlock()

	return allocs, nil
}

// Release returns every live allocation in this scope to the pool. The first
// call wins; later calls are no-ops.
func (c *AllocationContext) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	allocs := c.allocs
	c.allocs = nil
	c.mu.Unlock()

	for _, a := range allocs {
		a.Release()
	}
}

// Released reports whether the scope has been torn down.
func (c *AllocationContext) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}
