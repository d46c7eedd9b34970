package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/loomdb/loom/internal/pipe"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/logger"
)

// Buffer is the shape of an operator's queued input: a drainable stream of
// solution batches.
type Buffer = pipe.Rx[[]types.Solution]

// TearDownHooks is the capability interface implemented by query extensions
// that pin resources to operator or query lifetime. Hooks run on the
// goroutine that triggers the teardown, after the query state has already
// transitioned.
type TearDownHooks interface {
	OnOperatorTearDown(types.OperatorID)
	OnQueryTearDown()
}

// Stats counts the chunks a query has moved. Counters are cumulative and
// survive halt, so a caller can read them after the query is gone.
type Stats struct {
	// ChunksDelivered counts buffers handed to a local sink wholesale.
	ChunksDelivered atomic.Int64

	// ChunksAccepted counts chunks received from peers.
	ChunksAccepted atomic.Int64

	// RemoteChunks counts chunks handed to remote destinations. These do
	// not keep the query running and are never part of a routing return
	// value.
	RemoteChunks atomic.Int64

	// RemoteBytes counts payload bytes serialized for remote destinations.
	RemoteBytes atomic.Int64
}

// Query is one running query on this node: the operator index fixed at
// admission, the queues of pending input per operator, and the teardown
// machinery the resource scopes hang off.
type Query struct {
	id         types.QueryID
	controller types.NodeID
	operators  map[types.OperatorID]Operator
	logger     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stats Stats

	mu          sync.Mutex
	halted      bool                            // GUARDED_BY(mu).
	cause       error                           // GUARDED_BY(mu).
	pending     map[types.OperatorID][]Buffer   // GUARDED_BY(mu).
	tornDown    map[types.OperatorID]struct{}   // GUARDED_BY(mu).
	hooks       []TearDownHooks                 // GUARDED_BY(mu).
	outstanding int                             // GUARDED_BY(mu).
}

// QueryOption configures a Query at admission.
type QueryOption func(*Query)

// WithQueryLogger overrides the noop logger.
func WithQueryLogger(l logger.Logger) QueryOption {
	return func(q *Query) {
		q.logger = l
	}
}

// NewQuery admits a query plan. The controller identity travels with the
// admission request and never changes afterwards. The returned query is
// bound to a context derived from ctx; cancelling either tears it down.
func NewQuery(ctx context.Context, id types.QueryID, controller types.NodeID, plan []Operator, opts ...QueryOption) (*Query, error) {
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: query %s has an empty plan", ErrInvalidArgument, id)
	}

	operators := make(map[types.OperatorID]Operator, len(plan))
	for _, op := range plan {
		if err := op.validate(); err != nil {
			return nil, err
		}
		if _, ok := operators[op.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate operator %d in query %s", ErrInvalidArgument, op.ID, id)
		}
		operators[op.ID] = op
	}

	qctx, cancel := context.WithCancel(ctx)
	q := &Query{
		id:         id,
		controller: controller,
		operators:  operators,
		logger:     logger.NewNoopLogger(),
		ctx:        qctx,
		cancel:     cancel,
		pending:    make(map[types.OperatorID][]Buffer),
		tornDown:   make(map[types.OperatorID]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// ID returns the query identity.
func (q *Query) ID() types.QueryID {
	return q.id
}

// Controller returns the identity of the node coordinating this query.
func (q *Query) Controller() types.NodeID {
	return q.controller
}

// Context returns the context the query's work runs under. It is cancelled
// when the query halts.
func (q *Query) Context() context.Context {
	return q.ctx
}

// Done reports query teardown.
func (q *Query) Done() <-chan struct{} {
	return q.ctx.Done()
}

// Err returns the halt cause, or nil while running or after a clean halt.
func (q *Query) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cause
}

// Halted reports whether the query has been torn down.
func (q *Query) Halted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.halted
}

// Operator looks up one operator of the plan.
func (q *Query) Operator(id types.OperatorID) (Operator, bool) {
	op, ok := q.operators[id]
	return op, ok
}

// Stats returns the query's chunk counters.
func (q *Query) Stats() *Stats {
	return &q.stats
}

// RegisterTearDownHooks attaches an extension's lifecycle hooks. Hooks
// registered after a halt fire their query teardown immediately.
func (q *Query) RegisterTearDownHooks(h TearDownHooks) {
	q.mu.Lock()
	if q.halted {
		q.mu.Unlock()
		h.OnQueryTearDown()
		return
	}
	q.hooks = append(q.hooks, h)
	q.mu.Unlock()
}

// DeliverLocal hands an output buffer to a sink on this node without
// draining it: the buffer itself becomes one pending input chunk. It returns
// the number of chunks now keeping the query running, which is always 1 on
// success.
func (q *Query) DeliverLocal(sinkID types.OperatorID, src Buffer) (int, error) {
	if src == nil {
		return 0, fmt.Errorf("%w: nil output buffer for sink %d", ErrInvalidArgument, sinkID)
	}
	if _, ok := q.operators[sinkID]; !ok {
		return 0, fmt.Errorf("%w: unknown sink operator %d in query %s", ErrInvalidArgument, sinkID, q.id)
	}

	q.mu.Lock()
	if q.halted {
		q.mu.Unlock()
		return 0, fmt.Errorf("delivering to sink %d: %w", sinkID, ErrQueryHalted)
	}
	q.pending[sinkID] = append(q.pending[sinkID], src)
	q.outstanding++
	q.mu.Unlock()

	q.stats.ChunksDelivered.Add(1)
	return 1, nil
}

// AcceptChunk queues solution batches pulled from a peer as one pending
// input chunk for the sink. Like DeliverLocal it returns the number of
// chunks made runnable.
func (q *Query) AcceptChunk(sinkID types.OperatorID, batches [][]types.Solution) (int, error) {
	if _, ok := q.operators[sinkID]; !ok {
		return 0, fmt.Errorf("%w: unknown sink operator %d in query %s", ErrInvalidArgument, sinkID, q.id)
	}

	q.mu.Lock()
	if q.halted {
		q.mu.Unlock()
		return 0, fmt.Errorf("accepting chunk for sink %d: %w", sinkID, ErrQueryHalted)
	}
	q.pending[sinkID] = append(q.pending[sinkID], pipe.StaticRx(batches...))
	q.outstanding++
	q.mu.Unlock()

	q.stats.ChunksAccepted.Add(1)
	return 1, nil
}

// NextInput pops the oldest pending input chunk for an operator. The caller
// takes over draining it.
func (q *Query) NextInput(op types.OperatorID) (Buffer, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.pending[op]
	if len(queue) == 0 {
		return nil, false
	}
	q.pending[op] = queue[1:]
	q.outstanding--
	return queue[0], true
}

// Outstanding returns the number of pending input chunks across all
// operators.
func (q *Query) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// TearDownOperator fires the operator-scoped lifecycle hooks for op. The
// engine invokes it when the operator's last evaluation pass completes.
// Repeat invocations are no-ops.
func (q *Query) TearDownOperator(op types.OperatorID) error {
	if _, ok := q.operators[op]; !ok {
		return fmt.Errorf("%w: unknown operator %d in query %s", ErrInvalidArgument, op, q.id)
	}

	q.mu.Lock()
	if q.halted {
		q.mu.Unlock()
		return nil
	}
	if _, done := q.tornDown[op]; done {
		q.mu.Unlock()
		return nil
	}
	q.tornDown[op] = struct{}{}
	hooks := append([]TearDownHooks(nil), q.hooks...)
	q.mu.Unlock()

	for _, h := range hooks {
		h.OnOperatorTearDown(op)
	}
	return nil
}

// Halt tears the query down: pending inputs are closed and dropped, the
// query context is cancelled so blocked work fails promptly, and the query
// teardown hooks fire. Only the first call has effect; cause may be nil for
// a clean completion.
func (q *Query) Halt(cause error) {
	q.mu.Lock()
	if q.halted {
		q.mu.Unlock()
		return
	}
	q.halted = true
	q.cause = cause
	pending := q.pending
	q.pending = make(map[types.OperatorID][]Buffer)
	q.outstanding = 0
	hooks := q.hooks
	q.hooks = nil
	q.mu.Unlock()

	q.cancel()

	for _, queue := range pending {
		for _, buf := range queue {
			if c, ok := buf.(io.Closer); ok {
				_ = c.Close()
			}
		}
	}

	for _, h := range hooks {
		h.OnQueryTearDown()
	}

	if cause != nil {
		q.logger.Error("query halted", zap.String("query_id", q.id.String()), zap.Error(cause))
	} else {
		q.logger.Debug("query halted", zap.String("query_id", q.id.String()))
	}
}
