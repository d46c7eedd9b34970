package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	"github.com/loomdb/loom/internal/build"
	"github.com/loomdb/loom/internal/chunk"
	"github.com/loomdb/loom/internal/concurrency"
	"github.com/loomdb/loom/internal/engine"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/telemetry"
	"github.com/loomdb/loom/pkg/transport"
)

// noticeEnqueueTimeout is how long a notify request may wait for room in
// the receive queue before the node answers 503 and sheds the transfer.
const noticeEnqueueTimeout = 100 * time.Millisecond

var (
	noticesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "server_chunk_notices_total",
		Help:      "Total chunk-ready notices handled on the data plane, by outcome.",
	}, []string{"outcome"})

	pullsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "server_chunk_pulls_total",
		Help:      "Total pull requests served on the data plane, by outcome.",
	}, []string{"outcome"})

	receivedChunksCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "server_chunks_received_total",
		Help:      "Total chunks pulled from peers and queued for local sinks.",
	})

	receivedBytesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "server_chunk_bytes_received_total",
		Help:      "Total payload bytes pulled from peers.",
	})
)

// Handler returns the node's data plane: the endpoints peers call to
// announce staged chunks and to collect the ones staged here.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.NotifyPath, s.handleNotify)
	mux.HandleFunc(transport.PullPath, s.handlePull)
	return mux
}

// authenticate checks the request's bearer credentials against the node's
// authenticator. The header is re-injected as gRPC metadata so the same
// authenticators serve both planes.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) bool {
	md := metadata.Pairs("authorization", r.Header.Get("Authorization"))
	if _, err := s.authenticator.Authenticate(metadata.NewIncomingContext(r.Context(), md)); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authenticate(w, r) {
		noticesCounter.WithLabelValues("unauthenticated").Inc()
		return
	}

	var notice transport.ChunkReadyNotice
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
		noticesCounter.WithLabelValues("malformed").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if notice.SenderAddr == "" {
		noticesCounter.WithLabelValues("malformed").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if _, ok := s.engine.Query(notice.QueryID); !ok {
		noticesCounter.WithLabelValues("unknown_query").Inc()
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), noticeEnqueueTimeout)
	defer cancel()
	if !concurrency.TrySend(ctx, s.receiveCh, notice) {
		noticesCounter.WithLabelValues("queue_full").Inc()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	noticesCounter.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authenticate(w, r) {
		pullsCounter.WithLabelValues("unauthenticated").Inc()
		return
	}

	params := r.URL.Query()
	queryID, err := strconv.ParseUint(params.Get("query"), 10, 64)
	if err != nil {
		pullsCounter.WithLabelValues("malformed").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sinkID, err := strconv.ParseUint(params.Get("sink"), 10, 32)
	if err != nil {
		pullsCounter.WithLabelValues("malformed").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	dest, err := uuid.Parse(params.Get("node"))
	if err != nil {
		pullsCounter.WithLabelValues("malformed").Inc()
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	c, err := s.outbox.Next(types.QueryID(queryID), types.OperatorID(sinkID), dest)
	if err != nil {
		pullsCounter.WithLabelValues("empty").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	payload := c.Payload()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
	n, werr := w.Write(payload)
	if werr != nil || n < len(payload) {
		// The bytes never made it over; keep the chunk for the retry.
		s.outbox.Restage(c)
		pullsCounter.WithLabelValues("write_failed").Inc()
		return
	}

	c.Release()
	pullsCounter.WithLabelValues("served").Inc()
}

// runPullWorker collects announced chunks until the node closes.
func (s *Server) runPullWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-s.receiveCh:
			s.collect(ctx, notice)
		}
	}
}

// collect drains every chunk the notice's sender has staged for this node's
// share of the transfer and queues the batches for the sink. One notice can
// cover several staged chunks; later notices for the same transfer then
// find nothing left and stop at the first ErrNoChunk. A pull or decode
// failure is fatal for the query: the sender only announces once, so a
// transfer that cannot complete leaves the query missing input forever.
func (s *Server) collect(ctx context.Context, notice transport.ChunkReadyNotice) {
	ctx, span := tracer.Start(ctx, "collect", trace.WithAttributes(
		attribute.String("query_id", notice.QueryID.String()),
		attribute.Int("sink_id", int(notice.SinkID)),
		attribute.String("sender_addr", notice.SenderAddr),
	))
	defer span.End()

	q, ok := s.engine.Query(notice.QueryID)
	if !ok {
		// Torn down between queueing and collection.
		return
	}

	for {
		pullCtx, cancel := context.WithTimeout(ctx, s.pullTimeout)
		payload, err := s.puller.Pull(pullCtx, notice.SenderAddr, notice.QueryID, notice.SinkID)
		cancel()
		if err != nil {
			if errors.Is(err, transport.ErrNoChunk) {
				return
			}
			telemetry.TraceError(span, err)
			s.logger.Error("chunk pull failed",
				zap.String("query_id", notice.QueryID.String()),
				zap.String("sender_addr", notice.SenderAddr),
				zap.Error(err),
			)
			s.engine.HaltQuery(notice.QueryID, err)
			return
		}

		batches, err := chunk.DecodeAll(payload)
		if err != nil {
			err = fmt.Errorf("decoding chunk from %s: %w", notice.Sender, err)
			telemetry.TraceError(span, err)
			s.engine.HaltQuery(notice.QueryID, err)
			return
		}

		if _, err := q.AcceptChunk(notice.SinkID, batches); err != nil {
			if !errors.Is(err, engine.ErrQueryHalted) {
				s.engine.HaltQuery(notice.QueryID, err)
			}
			return
		}
		receivedChunksCounter.Inc()
		receivedBytesCounter.Add(float64(len(payload)))
	}
}
