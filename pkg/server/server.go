// Package server assembles one node of the query fabric: the engine that
// runs admitted queries, the routing layer that moves their output, and the
// data plane peers call to announce and collect chunks.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/loomdb/loom/internal/authn"
	"github.com/loomdb/loom/internal/engine"
	"github.com/loomdb/loom/internal/routing"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/logger"
	"github.com/loomdb/loom/pkg/memory"
	"github.com/loomdb/loom/pkg/transport"
)

var tracer = otel.Tracer("pkg/server")

// ServiceName is the identity the node registers with the gRPC health
// service.
const ServiceName = "loom.v1.Node"

const (
	defaultReceiveQueueLimit  = 1024
	defaultMaxConcurrentPulls = 4
	defaultPullTimeout        = 30 * time.Second
)

// ErrNodeClosed is the halt cause handed to queries still running when the
// node shuts down.
var ErrNodeClosed = errors.New("node closed")

// Server is one loom node. It owns the engine and the transfer machinery,
// and runs the pull workers that collect announced chunks from peers.
type Server struct {
	logger        logger.Logger
	nodeID        types.NodeID
	advertiseAddr string

	pool          *memory.Pool
	dir           directory.Directory
	engine        *engine.Engine
	fabric        *routing.Fabric
	outbox        *transport.Outbox
	puller        *transport.Puller
	authenticator authn.Authenticator

	shardFanout    int
	shardBatchSize int
	notifyTimeout  time.Duration
	peerToken      string

	receiveQueueLimit  int
	maxConcurrentPulls int
	pullTimeout        time.Duration
	receiveCh          chan transport.ChunkReadyNotice

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
}

// LoomServiceV1Option configures a Server.
type LoomServiceV1Option func(s *Server)

// WithLogger overrides the noop logger.
func WithLogger(l logger.Logger) LoomServiceV1Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithNodeID fixes the node's identity. Unset, the node mints a random one
// at construction, which only suits topologies resolved at runtime.
func WithNodeID(id types.NodeID) LoomServiceV1Option {
	return func(s *Server) {
		s.nodeID = id
	}
}

// WithAdvertiseAddr sets the data-plane address peers reach this node at.
// It travels inside every chunk-ready notice, so it must be routable from
// the other nodes of the fabric.
func WithAdvertiseAddr(addr string) LoomServiceV1Option {
	return func(s *Server) {
		s.advertiseAddr = addr
	}
}

// WithDirectory sets the placement directory the node resolves shards and
// peers through.
func WithDirectory(dir directory.Directory) LoomServiceV1Option {
	return func(s *Server) {
		s.dir = dir
	}
}

// WithSegmentPool overrides the node-wide pooled allocator serialized
// chunks are staged in.
func WithSegmentPool(pool *memory.Pool) LoomServiceV1Option {
	return func(s *Server) {
		s.pool = pool
	}
}

// WithShardFanout bounds concurrent shard transfers per routed buffer.
func WithShardFanout(n int) LoomServiceV1Option {
	return func(s *Server) {
		s.shardFanout = n
	}
}

// WithShardBatchSize overrides the per-shard staging batch size.
func WithShardBatchSize(n int) LoomServiceV1Option {
	return func(s *Server) {
		s.shardBatchSize = n
	}
}

// WithNotifyTimeout bounds each chunk-ready notice to a peer.
func WithNotifyTimeout(d time.Duration) LoomServiceV1Option {
	return func(s *Server) {
		s.notifyTimeout = d
	}
}

// WithAuthenticator guards the data plane. Inbound notify and pull requests
// must carry credentials it accepts.
func WithAuthenticator(a authn.Authenticator) LoomServiceV1Option {
	return func(s *Server) {
		s.authenticator = a
	}
}

// WithPeerBearerToken attaches a bearer token to every outbound notify and
// pull, for fabrics whose data plane requires authentication.
func WithPeerBearerToken(token string) LoomServiceV1Option {
	return func(s *Server) {
		s.peerToken = token
	}
}

// WithReceiveQueueLimit bounds how many chunk-ready notices may sit queued
// ahead of the pull workers. A full queue answers notify with 503, which
// the sender surfaces as a routing failure.
func WithReceiveQueueLimit(n int) LoomServiceV1Option {
	return func(s *Server) {
		if n > 0 {
			s.receiveQueueLimit = n
		}
	}
}

// WithMaxConcurrentPulls sets how many pull workers collect announced
// chunks from peers.
func WithMaxConcurrentPulls(n int) LoomServiceV1Option {
	return func(s *Server) {
		if n > 0 {
			s.maxConcurrentPulls = n
		}
	}
}

// WithPullTimeout bounds each pull request against a peer. Pulls retry
// transient failures under the hood, so this caps the whole attempt.
func WithPullTimeout(d time.Duration) LoomServiceV1Option {
	return func(s *Server) {
		if d > 0 {
			s.pullTimeout = d
		}
	}
}

// MustNewServerWithOpts constructs a node and panics on invalid
// configuration.
func MustNewServerWithOpts(opts ...LoomServiceV1Option) *Server {
	s, err := NewServerWithOpts(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to construct the Loom node: %v", err))
	}
	return s
}

// NewServerWithOpts constructs a node and starts its pull workers. The
// caller owns serving the data plane handler and calling Close.
func NewServerWithOpts(opts ...LoomServiceV1Option) (*Server, error) {
	s := &Server{
		logger:             logger.NewNoopLogger(),
		authenticator:      authn.NoopAuthenticator{},
		receiveQueueLimit:  defaultReceiveQueueLimit,
		maxConcurrentPulls: defaultMaxConcurrentPulls,
		pullTimeout:        defaultPullTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.dir == nil {
		return nil, fmt.Errorf("a directory option must be provided")
	}
	if s.advertiseAddr == "" {
		return nil, fmt.Errorf("an advertise address option must be provided")
	}
	if s.nodeID == uuid.Nil {
		s.nodeID = uuid.New()
	}
	if s.pool == nil {
		s.pool = memory.NewPool(memory.DefaultSlabSize, memory.DefaultPoolSlabs)
	}

	s.engine = engine.NewEngine(s.nodeID, engine.WithLogger(s.logger))
	s.outbox = transport.NewOutbox(transport.WithOutboxLogger(s.logger))

	var pullerOpts []transport.PullerOption
	if s.peerToken != "" {
		pullerOpts = append(pullerOpts, transport.WithPullerBearerToken(s.peerToken))
	}
	s.puller = transport.NewPuller(s.nodeID, pullerOpts...)

	dial := func(addr string) transport.Peer {
		var peerOpts []transport.HTTPPeerOption
		if s.notifyTimeout > 0 {
			peerOpts = append(peerOpts, transport.WithNotifyTimeout(s.notifyTimeout))
		}
		if s.peerToken != "" {
			peerOpts = append(peerOpts, transport.WithBearerToken(s.peerToken))
		}
		return transport.NewHTTPPeer(addr, peerOpts...)
	}

	s.fabric = routing.NewFabric(s.nodeID, s.advertiseAddr, s.pool, s.dir, s.outbox,
		routing.WithLogger(s.logger),
		routing.WithFabricDialer(dial),
		routing.WithFabricShardFanout(s.shardFanout),
		routing.WithFabricShardBatchSize(s.shardBatchSize),
	)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.receiveCh = make(chan transport.ChunkReadyNotice, s.receiveQueueLimit)
	for i := 0; i < s.maxConcurrentPulls; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runPullWorker(s.ctx)
		}()
	}

	return s, nil
}

// NodeID returns the node's identity on the fabric.
func (s *Server) NodeID() types.NodeID {
	return s.nodeID
}

// AdvertiseAddr returns the data-plane address the node announces to peers.
func (s *Server) AdvertiseAddr() string {
	return s.advertiseAddr
}

// IsReady reports whether the node can serve: the directory must be
// reachable and must know this node's identity. A directory that answers
// but has no entry for the node means the topology does not include it
// yet, which is not an error, just not ready.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	if s.closed.Load() {
		return false, nil
	}

	_, err := s.dir.Resolve(ctx, s.nodeID)
	if err != nil {
		if errors.Is(err, directory.ErrPeerNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Close stops the pull workers and halts every query still running. The
// directory is the caller's to close, since the caller opened it.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.wg.Wait()
		s.engine.Close(ErrNodeClosed)
	})
}
