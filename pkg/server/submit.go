package server

import (
	"context"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomdb/loom/internal/build"
	"github.com/loomdb/loom/internal/engine"
	"github.com/loomdb/loom/internal/routing"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/telemetry"
)

var submittedQueriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "server_submitted_queries_total",
	Help:      "Total query admissions attempted on this node, by outcome.",
}, []string{"outcome"})

// QuerySpec is one query admission request: the fabric-wide query identity,
// the node coordinating the query, and the plan fragment this node runs. A
// zero Controller means the submitting node coordinates.
type QuerySpec struct {
	ID         types.QueryID
	Controller types.NodeID
	Operators  []engine.Operator
}

// Submit admits a query on this node and attaches the distributed routing
// extensions. The returned query is live until it is halted or the node
// closes; its lifetime is not bound to ctx, which only scopes the admission
// work itself.
func (s *Server) Submit(ctx context.Context, spec QuerySpec) (*routing.Query, error) {
	if s.closed.Load() {
		return nil, ErrNodeClosed
	}

	ctx, span := tracer.Start(ctx, "Submit", trace.WithAttributes(
		attribute.String("query_id", spec.ID.String()),
		attribute.Int("operators", len(spec.Operators)),
	))
	defer span.End()

	controller := spec.Controller
	if controller == uuid.Nil {
		controller = s.nodeID
	}

	base, err := s.engine.StartQuery(s.ctx, spec.ID, controller, spec.Operators)
	if err != nil {
		telemetry.TraceError(span, err)
		submittedQueriesCounter.WithLabelValues("rejected").Inc()
		return nil, err
	}

	q, err := s.fabric.AdmitQuery(ctx, base)
	if err != nil {
		s.engine.HaltQuery(spec.ID, err)
		telemetry.TraceError(span, err)
		submittedQueriesCounter.WithLabelValues("error").Inc()
		return nil, err
	}

	submittedQueriesCounter.WithLabelValues("ok").Inc()
	s.logger.Info("query admitted",
		zap.String("query_id", spec.ID.String()),
		zap.String("controller", controller.String()),
		zap.Int("operators", len(spec.Operators)),
	)
	return q, nil
}

// Query looks up a query running on this node.
func (s *Server) Query(id types.QueryID) (*engine.Query, bool) {
	return s.engine.Query(id)
}

// ActiveQueries reports how many queries this node is currently running.
func (s *Server) ActiveQueries() int {
	return s.engine.ActiveQueries()
}

// Halt tears down a running query. It reports whether the query was
// present; cause may be nil for a clean completion.
func (s *Server) Halt(id types.QueryID, cause error) bool {
	return s.engine.HaltQuery(id, cause)
}
