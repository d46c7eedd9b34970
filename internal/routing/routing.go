// Package routing moves operator output to where its sink evaluates:
// locally for unconstrained operators, to the owning shard nodes for
// sharded ones, and to the query controller for controller-bound ones. It
// is the distributed layer on top of the engine's local delivery path.
package routing

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/loomdb/loom/internal/build"
	"github.com/loomdb/loom/internal/chunk"
	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/directory"
	"github.com/loomdb/loom/pkg/transport"
)

var tracer = otel.Tracer("internal/routing")

var (
	routedBuffersCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "routing_buffers_total",
		Help:      "Total output buffers routed, by evaluation context and outcome.",
	}, []string{"evaluation_context", "outcome"})

	notifyFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "routing_notify_failures_total",
		Help:      "Total chunk-ready notices that could not be delivered.",
	})
)

// Dialer turns a resolved peer address into a data-plane handle.
type Dialer func(addr string) transport.Peer

func dialHTTP(addr string) transport.Peer {
	return transport.NewHTTPPeer(addr)
}

// Notifier announces staged chunks to their destinations. The controller's
// handle is resolved once at construction and reused for the life of the
// query; every other destination is resolved through the peer directory per
// notice.
type Notifier struct {
	self     types.NodeID
	selfAddr string
	peers    directory.PeerDirectory
	dial     Dialer

	controllerID types.NodeID
	controller   transport.Peer
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithDialer overrides how resolved addresses become peer handles.
func WithDialer(d Dialer) NotifierOption {
	return func(n *Notifier) {
		n.dial = d
	}
}

// NewNotifier constructs a Notifier for one query, resolving and caching
// the controller handle up front.
func NewNotifier(ctx context.Context, self types.NodeID, selfAddr string, controllerID types.NodeID, peers directory.PeerDirectory, opts ...NotifierOption) (*Notifier, error) {
	n := &Notifier{
		self:         self,
		selfAddr:     selfAddr,
		peers:        peers,
		dial:         dialHTTP,
		controllerID: controllerID,
	}
	for _, opt := range opts {
		opt(n)
	}

	info, err := peers.Resolve(ctx, controllerID)
	if err != nil {
		return nil, fmt.Errorf("resolving controller %s: %w", controllerID, err)
	}
	n.controller = n.dial(info.Addr)
	return n, nil
}

// Notify announces c to its destination node. The payload stays staged at
// the sender; the destination pulls it at its own pace. A notice goes out
// at most once, so a failure here is fatal for the delivery.
func (n *Notifier) Notify(ctx context.Context, c *chunk.Chunk) error {
	peer := n.controller
	if c.Destination != n.controllerID {
		info, err := n.peers.Resolve(ctx, c.Destination)
		if err != nil {
			return fmt.Errorf("resolving destination of %s: %w", c, err)
		}
		peer = n.dial(info.Addr)
	}

	notice := transport.ChunkReadyNotice{
		Sender:     n.self,
		SenderAddr: n.selfAddr,
		QueryID:    c.QueryID,
		SinkID:     c.SinkID,
	}
	if err := peer.NotifyChunkReady(ctx, notice); err != nil {
		notifyFailuresCounter.Inc()
		return err
	}
	return nil
}
