package routing

import (
	"context"

	"github.com/loomdb/loom/internal/engine"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/logger"
	"github.com/loomdb/loom/pkg/memory"
	"github.com/loomdb/loom/pkg/transport"
)

// Fabric holds the node-wide pieces every distributed query shares: the
// node's identity and data-plane address, the buffer pool, the directories,
// and the outbox.
type Fabric struct {
	self     types.NodeID
	selfAddr string
	pool     *memory.Pool
	dir      directory.Directory
	outbox   *transport.Outbox
	logger   logger.Logger
	dial     Dialer

	fanout    int
	batchSize int
}

// FabricOption configures a Fabric.
type FabricOption func(*Fabric)

// WithLogger overrides the noop logger.
func WithLogger(l logger.Logger) FabricOption {
	return func(f *Fabric) {
		f.logger = l
	}
}

// WithFabricDialer overrides how peer addresses become data-plane handles.
func WithFabricDialer(d Dialer) FabricOption {
	return func(f *Fabric) {
		f.dial = d
	}
}

// WithFabricShardFanout bounds concurrent shard transfers per routed
// buffer.
func WithFabricShardFanout(n int) FabricOption {
	return func(f *Fabric) {
		f.fanout = n
	}
}

// WithFabricShardBatchSize overrides the per-shard staging batch size.
func WithFabricShardBatchSize(n int) FabricOption {
	return func(f *Fabric) {
		f.batchSize = n
	}
}

// NewFabric constructs the distributed-routing wiring for one node.
func NewFabric(self types.NodeID, selfAddr string, pool *memory.Pool, dir directory.Directory, outbox *transport.Outbox, opts ...FabricOption) *Fabric {
	f := &Fabric{
		self:     self,
		selfAddr: selfAddr,
		pool:     pool,
		dir:      dir,
		outbox:   outbox,
		logger:   logger.NewNoopLogger(),
		dial:     dialHTTP,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Query is a running query with the distributed extensions attached: the
// cached controller handle, the per-query allocation scope registry, and
// the router that moves operator output. It implements the engine's
// teardown capability so scope lifetime follows query lifetime.
type Query struct {
	*engine.Query

	registry *memory.Registry
	router   *Router
	outbox   *transport.Outbox
}

var _ engine.TearDownHooks = (*Query)(nil)

// AdmitQuery attaches the distributed extensions to an admitted base query.
// The controller handle is resolved here, once; a controller the peer
// directory cannot name fails the admission.
func (f *Fabric) AdmitQuery(ctx context.Context, base *engine.Query) (*Query, error) {
	notifier, err := NewNotifier(ctx, f.self, f.selfAddr, base.Controller(), f.dir, WithDialer(f.dial))
	if err != nil {
		return nil, err
	}

	q := &Query{
		Query:    base,
		registry: memory.NewRegistry(f.pool),
		outbox:   f.outbox,
	}
	q.router = NewRouter(base, q.registry, f.dir, f.outbox, notifier,
		WithRouterLogger(f.logger),
		WithShardFanout(f.fanout),
		WithShardBatchSize(f.batchSize),
	)

	base.RegisterTearDownHooks(q)
	return q, nil
}

// Route dispatches one operator's output buffer on its sink's evaluation
// context.
func (q *Query) Route(ctx context.Context, sinkID types.OperatorID, buf engine.Buffer) (int, error) {
	return q.router.Route(ctx, sinkID, buf)
}

// Registry returns the query's allocation scope registry.
func (q *Query) Registry() *memory.Registry {
	return q.registry
}

// OnOperatorTearDown releases every allocation scope pinned to the
// operator, per-shard scopes included. Scopes of other operators and the
// query-wide scope stay live.
func (q *Query) OnOperatorTearDown(op types.OperatorID) {
	q.registry.ReleaseOperatorScope(op)
}

// OnQueryTearDown drops the query's staged transfers and releases every
// remaining allocation scope. Both halves are idempotent, so overlapping
// teardown paths are safe.
func (q *Query) OnQueryTearDown() {
	q.outbox.DropQuery(q.ID())
	q.registry.ReleaseQueryScope()
}
