// Package transport carries serialized output chunks between fabric nodes:
// a sender stages chunks in its outbox and announces them with a
// ChunkReadyNotice; the receiver pulls the bytes at its own pace.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomdb/loom/internal/types"
)

const (
	// NotifyPath receives chunk-ready notices on the data plane.
	NotifyPath = "/data/v1/notify"

	// PullPath serves staged chunk bytes on the data plane.
	PullPath = "/data/v1/pull"
)

var (
	// ErrCommunication is returned when a peer cannot be reached or
	// answers outside the protocol.
	ErrCommunication = errors.New("peer communication failure")

	// ErrNoChunk is returned when a pull names a transfer with nothing
	// staged.
	ErrNoChunk = errors.New("no chunk staged for transfer")
)

// ChunkReadyNotice announces that serialized output for one sink operator
// of a query is staged at the sender, ready to be pulled.
type ChunkReadyNotice struct {
	Sender     types.NodeID     `json:"sender"`
	SenderAddr string           `json:"senderAddr"`
	QueryID    types.QueryID    `json:"queryId"`
	SinkID     types.OperatorID `json:"sinkId"`
}

func (n ChunkReadyNotice) String() string {
	return fmt.Sprintf("chunk-ready %s/op-%d from %s@%s", n.QueryID, n.SinkID, n.Sender, n.SenderAddr)
}

// Peer is the sending side's handle to another node's data plane.
type Peer interface {
	// NotifyChunkReady delivers one notice. The notice is sent at most
	// once; a failure is the caller's to surface.
	NotifyChunkReady(ctx context.Context, notice ChunkReadyNotice) error
}

// PullURL names the staged chunk bytes for one transfer. The puller
// identifies itself with its node id so the sender serves the chunks
// destined to it and no other node's.
func PullURL(addr string, queryID types.QueryID, sinkID types.OperatorID, puller types.NodeID) string {
	return fmt.Sprintf("http://%s%s?query=%d&sink=%d&node=%s", addr, PullPath, uint64(queryID), uint32(sinkID), puller)
}
