package memory

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/loomdb/loom/internal/types"
)

// ScopeKey identifies one allocation scope of a query. The operator and
// shard components are optional: a key may scope a whole query, one operator
// of it, or one shard of one operator. ScopeKey is comparable and is used as
// a map key, so equal scopes always converge on the same context.
type ScopeKey struct {
	query       types.QueryID
	operator    types.OperatorID
	shard       types.ShardID
	hasOperator bool
	hasShard    bool
}

// QueryScope keys allocations owned by the query as a whole.
func QueryScope(q types.QueryID) ScopeKey {
	return ScopeKey{query: q}
}

// OperatorScope keys allocations owned by one operator of a query.
func OperatorScope(q types.QueryID, op types.OperatorID) ScopeKey {
	return ScopeKey{query: q, operator: op, hasOperator: true}
}

// ShardScope keys allocations owned by one shard of one operator.
func ShardScope(q types.QueryID, op types.OperatorID, shard types.ShardID) ScopeKey {
	return ScopeKey{query: q, operator: op, shard: shard, hasOperator: true, hasShard: true}
}

// Query returns the query component of the key.
func (k ScopeKey) Query() types.QueryID {
	return k.query
}

// HasOperatorScope reports whether the key is scoped to the given operator,
// regardless of any shard component. Operator teardown uses this to sweep
// both the operator scope and all of its shard scopes.
func (k ScopeKey) HasOperatorScope(op types.OperatorID) bool {
	return k.hasOperator && k.operator == op
}

func (k ScopeKey) String() string {
	switch {
	case k.hasShard:
		return fmt.Sprintf("%s/op-%d/shard-%d", k.query, k.operator, k.shard)
	case k.hasOperator:
		return fmt.Sprintf("%s/op-%d", k.query, k.operator)
	default:
		return k.query.String()
	}
}

// Registry owns the allocation contexts of one running query. Lookups are
// atomic: concurrent GetOrCreate calls for equal keys observe the same
// context. Releases may race in-flight allocations; see AllocationContext.
type Registry struct {
	pool *Pool

	mu       sync.Mutex
	contexts map[ScopeKey]*AllocationContext // GUARDED_BY(mu).
}

// NewRegistry constructs a registry allocating from pool.
func NewRegistry(pool *Pool) *Registry {
	return &Registry{
		pool:     pool,
		contexts: make(map[ScopeKey]*AllocationContext),
	}
}

// GetOrCreate returns the allocation context for key, creating it if no
// context is registered. The lookup-or-create is a single atomic step.
func (r *Registry) GetOrCreate(key ScopeKey) *AllocationContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.contexts[key]; ok {
		return c
	}
	c := newAllocationContext(key, r.pool)
	r.contexts[key] = c
	return c
}

// ReleaseOperatorScope releases and removes every context scoped to op,
// including its per-shard contexts. Scopes of other operators and the
// query-wide scope are untouched.
func (r *Registry) ReleaseOperatorScope(op types.OperatorID) {
	r.mu.Lock()
	var victims []*AllocationContext
	for key, c := range r.contexts {
		if key.HasOperatorScope(op) {
			victims = append(victims, c)
			delete(r.contexts, key)
		}
	}
	r.mu.Unlock()

	for _, c := range victims {
		c.Release()
	}
}

// ReleaseQueryScope releases and removes every context in the registry.
// Invoking it on an already-empty registry is safe, so teardown paths may
// overlap.
func (r *Registry) ReleaseQueryScope() {
	r.mu.Lock()
	victims := maps.Values(r.contexts)
	r.contexts = make(map[ScopeKey]*AllocationContext)
	r.mu.Unlock()

	for _, c := range victims {
		c.Release()
	}
}

// Len returns the number of live contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
