package chunk

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomdb/loom/internal/build"
	"github.com/loomdb/loom/internal/engine"
	"github.com/loomdb/loom/internal/pipe"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/logger"
	"github.com/loomdb/loom/pkg/memory"
	"github.com/loomdb/loom/pkg/telemetry"
)

var tracer = otel.Tracer("internal/chunk")

var (
	chunksSerializedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "chunks_serialized_total",
		Help:      "Total output chunks serialized into pooled allocations.",
	})

	bytesSerializedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "chunk_bytes_serialized_total",
		Help:      "Total payload bytes serialized into pooled allocations.",
	})
)

// Serializer drains result buffers into chunks backed by scoped pool
// allocations.
type Serializer struct {
	logger logger.Logger
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithLogger overrides the noop logger.
func WithLogger(l logger.Logger) SerializerOption {
	return func(s *Serializer) {
		s.logger = l
	}
}

// NewSerializer constructs a Serializer.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serialize drains src completely and builds a chunk for the given
// destination and sink. Every batch is encoded, backed by an allocation of
// exactly its encoded size from actx, and copied in; the chunk records the
// allocations in order and the total byte count.
//
// The source buffer is closed on every path, including mid-drain failures.
// Cancellation while blocked on the pool fails the call; allocations already
// recorded in the chunk remain owned by actx and come back on scope
// teardown, so an aborted serialize leaks nothing.
func (s *Serializer) Serialize(
	ctx context.Context,
	queryID types.QueryID,
	destination types.NodeID,
	sinkID types.OperatorID,
	actx *memory.AllocationContext,
	src pipe.Rx[[]types.Solution],
) (*Chunk, error) {
	if destination == uuid.Nil {
		return nil, fmt.Errorf("%w: chunk needs a destination", engine.ErrInvalidArgument)
	}
	if actx == nil {
		return nil, fmt.Errorf("%w: chunk needs an allocation context", engine.ErrInvalidArgument)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: chunk needs a source buffer", engine.ErrInvalidArgument)
	}

	ctx, span := tracer.Start(ctx, "chunk.Serialize", trace.WithAttributes(
		attribute.String("query_id", queryID.String()),
		attribute.Int("sink_id", int(sinkID)),
	))
	defer span.End()

	out := &Chunk{
		QueryID:     queryID,
		Destination: destination,
		SinkID:      sinkID,
	}

	var scratch []byte
	for batch := range src.Seq() {
		if len(batch) == 0 {
			continue
		}

		scratch = EncodeBatch(scratch[:0], batch)

		allocs, err := actx.Allocate(ctx, len(scratch))
		if err != nil {
			err = fmt.Errorf("allocating %d bytes for %s: %w", len(scratch), out, err)
			telemetry.TraceError(span, err)
			return nil, err
		}

		off := 0
		for _, a := range allocs {
			off += copy(a.Bytes(), scratch[off:])
		}

		out.Allocations = append(out.Allocations, allocs...)
		out.NBytes += int64(len(scratch))
	}

	chunksSerializedCounter.Inc()
	bytesSerializedCounter.Add(float64(out.NBytes))
	span.SetAttributes(attribute.Int64("nbytes", out.NBytes))
	return out, nil
}
