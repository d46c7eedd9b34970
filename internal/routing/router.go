package routing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomdb/loom/internal/chunk"
	"github.com/loomdb/loom/internal/concurrency"
	"github.com/loomdb/loom/internal/engine"
	"github.com/loomdb/loom/internal/shardmap"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/logger"
	"github.com/loomdb/loom/pkg/memory"
	"github.com/loomdb/loom/pkg/telemetry"
	"github.com/loomdb/loom/pkg/transport"
)

// defaultShardFanout bounds how many shard transfers of one buffer run at
// once.
const defaultShardFanout = 4

// Router dispatches operator output on the sink's evaluation context. One
// router serves one running query; operator goroutines invoke Route
// concurrently.
type Router struct {
	query      *engine.Query
	registry   *memory.Registry
	shards     directory.ShardDirectory
	serializer *chunk.Serializer
	outbox     *transport.Outbox
	notifier   *Notifier
	logger     logger.Logger

	fanout    int
	batchSize int
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger overrides the noop logger.
func WithRouterLogger(l logger.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// WithShardFanout bounds concurrent shard transfers per routed buffer.
func WithShardFanout(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.fanout = n
		}
	}
}

// WithShardBatchSize overrides the per-shard staging batch size.
func WithShardBatchSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// NewRouter constructs a Router for the given query.
func NewRouter(q *engine.Query, registry *memory.Registry, shards directory.ShardDirectory, outbox *transport.Outbox, notifier *Notifier, opts ...RouterOption) *Router {
	r := &Router{
		query:    q,
		registry: registry,
		shards:   shards,
		outbox:   outbox,
		notifier: notifier,
		logger:   logger.NewNoopLogger(),
		fanout:   defaultShardFanout,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.serializer = chunk.NewSerializer(chunk.WithLogger(r.logger))
	return r
}

// Route hands one operator's output buffer to its sink. The return value is
// the number of chunks now keeping the query running on this node: local
// deliveries count one, remote hand-offs count zero because the receiving
// node accounts for them when it pulls.
func (r *Router) Route(ctx context.Context, sinkID types.OperatorID, buf engine.Buffer) (int, error) {
	if buf == nil {
		return 0, fmt.Errorf("%w: nil output buffer for sink %d", engine.ErrInvalidArgument, sinkID)
	}
	op, ok := r.query.Operator(sinkID)
	if !ok {
		return 0, fmt.Errorf("%w: unknown sink operator %d in query %s", engine.ErrInvalidArgument, sinkID, r.query.ID())
	}

	ctx, span := tracer.Start(ctx, "routing.Route", trace.WithAttributes(
		attribute.String("query_id", r.query.ID().String()),
		attribute.Int("sink_id", int(sinkID)),
		attribute.String("evaluation_context", op.Eval.String()),
	))
	defer span.End()

	delivered, err := r.dispatch(ctx, op, buf)
	if err != nil {
		telemetry.TraceError(span, err)
		routedBuffersCounter.WithLabelValues(op.Eval.String(), "error").Inc()
		return delivered, err
	}
	routedBuffersCounter.WithLabelValues(op.Eval.String(), "ok").Inc()
	return delivered, nil
}

func (r *Router) dispatch(ctx context.Context, op engine.Operator, buf engine.Buffer) (int, error) {
	switch op.Eval {
	case types.EvaluationAny:
		return r.query.DeliverLocal(op.ID, buf)
	case types.EvaluationHashed:
		return 0, fmt.Errorf("%w: hashed routing for %s", engine.ErrNotImplemented, op)
	case types.EvaluationSharded:
		return 0, r.routeSharded(ctx, op, buf)
	case types.EvaluationController:
		return 0, r.transfer(ctx, op.ID, r.query.Controller(), memory.OperatorScope(r.query.ID(), op.ID), buf)
	default:
		return 0, fmt.Errorf("%w: %s has an unknown evaluation context", engine.ErrInvalidArgument, op)
	}
}

// routeSharded drains the buffer into per-shard staging, then serializes
// and announces each touched shard's share to its owning node, a bounded
// number of transfers at a time. The first transfer error cancels the rest.
func (r *Router) routeSharded(ctx context.Context, op engine.Operator, buf engine.Buffer) error {
	var mopts []shardmap.MapperOpt
	if r.batchSize > 0 {
		mopts = append(mopts, shardmap.WithBatchSize(r.batchSize))
	}
	mapper := shardmap.NewMapper(r.shards, op.KeyOrder, mopts...)

	if err := mapper.Drain(ctx, buf); err != nil {
		return fmt.Errorf("partitioning output for %s: %w", op, err)
	}

	fanout := concurrency.NewPool(ctx, r.fanout)
	for _, shard := range mapper.Shards() {
		fanout.Go(func(ctx context.Context) error {
			scope := memory.ShardScope(r.query.ID(), op.ID, shard.Locator.Shard)
			return r.transfer(ctx, op.ID, shard.Locator.Node, scope, shard.Source)
		})
	}
	return fanout.Wait()
}

// transfer serializes one destination's share under the given allocation
// scope, stages the chunk for pull, and announces it.
func (r *Router) transfer(ctx context.Context, sinkID types.OperatorID, dest types.NodeID, scope memory.ScopeKey, src engine.Buffer) error {
	actx := r.registry.GetOrCreate(scope)

	c, err := r.serializer.Serialize(ctx, r.query.ID(), dest, sinkID, actx, src)
	if err != nil {
		return err
	}

	stats := r.query.Stats()
	stats.RemoteChunks.Add(1)
	stats.RemoteBytes.Add(c.NBytes)

	r.outbox.Put(c)
	if err := r.notifier.Notify(ctx, c); err != nil {
		return fmt.Errorf("announcing %s: %w", c, err)
	}
	return nil
}
