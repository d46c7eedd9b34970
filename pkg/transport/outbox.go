package transport

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/loomdb/loom/internal/build"
	"github.com/loomdb/loom/internal/chunk"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/logger"
)

var (
	stagedChunksGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "outbox_staged_chunks",
		Help:      "Number of chunks staged in the outbox awaiting pull.",
	})

	stagedBytesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "outbox_staged_bytes",
		Help:      "Total payload bytes staged in the outbox awaiting pull.",
	})
)

type outboxKey struct {
	query types.QueryID
	sink  types.OperatorID
	dest  types.NodeID
}

// Outbox holds serialized chunks between the notify that announces them and
// the pull that collects them. Each (query, sink, destination) transfer is
// an independent FIFO: chunks are served to their destination in the order
// they were staged, and destinations sharing a sink never see each other's
// chunks.
//
// The outbox tracks descriptors only. Payload lifetime belongs to the
// allocation scopes, so a query torn down mid-transfer leaves released
// chunks behind; Next discards those instead of serving recycled bytes.
type Outbox struct {
	logger logger.Logger

	mu     sync.Mutex
	queues map[outboxKey][]*chunk.Chunk // GUARDED_BY(mu), FIFO per transfer.
}

// OutboxOption configures an Outbox.
type OutboxOption func(*Outbox)

// WithOutboxLogger overrides the noop logger.
func WithOutboxLogger(l logger.Logger) OutboxOption {
	return func(o *Outbox) {
		o.logger = l
	}
}

// NewOutbox constructs an empty Outbox.
func NewOutbox(opts ...OutboxOption) *Outbox {
	o := &Outbox{
		logger: logger.NewNoopLogger(),
		queues: make(map[outboxKey][]*chunk.Chunk),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Put stages a chunk at the back of its transfer queue.
func (o *Outbox) Put(c *chunk.Chunk) {
	key := outboxKey{query: c.QueryID, sink: c.SinkID, dest: c.Destination}

	o.mu.Lock()
	o.queues[key] = append(o.queues[key], c)
	o.mu.Unlock()

	stagedChunksGauge.Inc()
	stagedBytesGauge.Add(float64(c.NBytes))
}

// Next removes and returns the oldest live chunk staged for the transfer.
// Chunks whose payload was already released by scope teardown are dropped
// along the way. An empty queue returns ErrNoChunk.
func (o *Outbox) Next(queryID types.QueryID, sinkID types.OperatorID, dest types.NodeID) (*chunk.Chunk, error) {
	key := outboxKey{query: queryID, sink: sinkID, dest: dest}

	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		queue := o.queues[key]
		if len(queue) == 0 {
			delete(o.queues, key)
			return nil, fmt.Errorf("%w: %s/op-%d for %s", ErrNoChunk, queryID, sinkID, dest)
		}

		c := queue[0]
		queue[0] = nil
		if len(queue) == 1 {
			delete(o.queues, key)
		} else {
			o.queues[key] = queue[1:]
		}
		stagedChunksGauge.Dec()
		stagedBytesGauge.Sub(float64(c.NBytes))

		if c.Released() {
			o.logger.Debug("discarding released chunk", zap.String("chunk", c.String()))
			continue
		}
		return c, nil
	}
}

// Restage puts a chunk that could not be delivered back at the front of its
// queue, so the next pull retries it before anything staged later. A chunk
// released in the meantime is dropped instead.
func (o *Outbox) Restage(c *chunk.Chunk) {
	if c.Released() {
		o.logger.Debug("dropping released chunk instead of restaging", zap.String("chunk", c.String()))
		return
	}
	key := outboxKey{query: c.QueryID, sink: c.SinkID, dest: c.Destination}

	o.mu.Lock()
	o.queues[key] = append([]*chunk.Chunk{c}, o.queues[key]...)
	o.mu.Unlock()

	stagedChunksGauge.Inc()
	stagedBytesGauge.Add(float64(c.NBytes))
}

// DropQuery forgets every chunk staged for the query and returns how many
// were dropped. It does not release payloads; the query's allocation scopes
// own those and teardown returns them to the pool.
func (o *Outbox) DropQuery(queryID types.QueryID) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var dropped int
	for key, queue := range o.queues {
		if key.query != queryID {
			continue
		}
		dropped += len(queue)
		for _, c := range queue {
			stagedChunksGauge.Dec()
			stagedBytesGauge.Sub(float64(c.NBytes))
		}
		delete(o.queues, key)
	}
	if dropped > 0 {
		o.logger.Debug("dropped staged chunks for finished query",
			zap.String("query_id", queryID.String()),
			zap.Int("chunks", dropped))
	}
	return dropped
}

// Len reports how many chunks are staged for the transfer.
func (o *Outbox) Len(queryID types.QueryID, sinkID types.OperatorID, dest types.NodeID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queues[outboxKey{query: queryID, sink: sinkID, dest: dest}])
}
