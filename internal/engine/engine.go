// Package engine runs queries on a single node: it admits plans, queues
// operator input, and drives the lifecycle events that resource scopes and
// routing extensions hang off. Moving buffers between nodes is layered on
// top of it and lives elsewhere.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/loomdb/loom/internal/build"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/logger"
)

var (
	activeQueriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "engine_active_queries",
		Help:      "Number of queries currently admitted on this node.",
	})

	haltedQueriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "engine_halted_queries_total",
		Help:      "Total queries torn down, by outcome.",
	}, []string{"outcome"})
)

// Engine hosts the queries running on one node.
type Engine struct {
	self   types.NodeID
	logger logger.Logger

	mu      sync.RWMutex
	queries map[types.QueryID]*Query // GUARDED_BY(mu).
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger overrides the noop logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine constructs an engine for the node identified by self.
func NewEngine(self types.NodeID, opts ...Option) *Engine {
	e := &Engine{
		self:    self,
		logger:  logger.NewNoopLogger(),
		queries: make(map[types.QueryID]*Query),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NodeID returns the identity of the node this engine runs on.
func (e *Engine) NodeID() types.NodeID {
	return e.self
}

// StartQuery admits a plan and registers the running query. The id must not
// collide with a query already running on this node.
func (e *Engine) StartQuery(ctx context.Context, id types.QueryID, controller types.NodeID, plan []Operator) (*Query, error) {
	q, err := NewQuery(ctx, id, controller, plan, WithQueryLogger(e.logger))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, ok := e.queries[id]; ok {
		e.mu.Unlock()
		q.Halt(nil)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateQuery, id)
	}
	e.queries[id] = q
	e.mu.Unlock()

	activeQueriesGauge.Inc()
	e.logger.Debug("query admitted",
		zap.String("query_id", id.String()),
		zap.String("controller", controller.String()),
		zap.Int("operators", len(plan)),
	)
	return q, nil
}

// Query looks up a running query.
func (e *Engine) Query(id types.QueryID) (*Query, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.queries[id]
	return q, ok
}

// TearDownOperator delivers the operator-teardown event for one operator of
// a running query.
func (e *Engine) TearDownOperator(id types.QueryID, op types.OperatorID) error {
	q, ok := e.Query(id)
	if !ok {
		return fmt.Errorf("%w: no query %s", ErrInvalidArgument, id)
	}
	return q.TearDownOperator(op)
}

// HaltQuery delivers the query-teardown event: the query is halted and
// removed from the engine. It reports whether the query was present.
func (e *Engine) HaltQuery(id types.QueryID, cause error) bool {
	e.mu.Lock()
	q, ok := e.queries[id]
	if ok {
		delete(e.queries, id)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}

	q.Halt(cause)
	activeQueriesGauge.Dec()
	if cause != nil {
		haltedQueriesCounter.WithLabelValues("error").Inc()
	} else {
		haltedQueriesCounter.WithLabelValues("ok").Inc()
	}
	return true
}

// ActiveQueries returns how many queries are currently admitted.
func (e *Engine) ActiveQueries() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.queries)
}

// Close halts every remaining query with the given cause. Used on node
// shutdown.
func (e *Engine) Close(cause error) {
	e.mu.Lock()
	queries := e.queries
	e.queries = make(map[types.QueryID]*Query)
	e.mu.Unlock()

	for _, q := range queries {
		q.Halt(cause)
		activeQueriesGauge.Dec()
	}
}
