package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/natefinch/wrap"
)

const defaultNotifyTimeout = 5 * time.Second

// HTTPPeer announces staged chunks to another node's data plane.
//
// A notice is sent at most once. Retrying here would re-announce a transfer
// the receiver may already be pulling; recovery from a lost notice belongs
// to whoever owns the query, not to this client.
type HTTPPeer struct {
	addr   string
	client *http.Client
	token  string
}

var _ Peer = (*HTTPPeer)(nil)

// HTTPPeerOption configures an HTTPPeer.
type HTTPPeerOption func(*HTTPPeer)

// WithNotifyTimeout bounds one notify round trip.
func WithNotifyTimeout(d time.Duration) HTTPPeerOption {
	return func(p *HTTPPeer) {
		p.client.Timeout = d
	}
}

// WithHTTPClient replaces the default client, timeout and all.
func WithHTTPClient(c *http.Client) HTTPPeerOption {
	return func(p *HTTPPeer) {
		p.client = c
	}
}

// WithBearerToken attaches a bearer token to every notice, for peers whose
// data plane requires authentication.
func WithBearerToken(token string) HTTPPeerOption {
	return func(p *HTTPPeer) {
		p.token = token
	}
}

// NewHTTPPeer constructs a handle to the data plane at addr (host:port).
func NewHTTPPeer(addr string, opts ...HTTPPeerOption) *HTTPPeer {
	p := &HTTPPeer{
		addr:   addr,
		client: &http.Client{Timeout: defaultNotifyTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Addr returns the data-plane address this handle points at.
func (p *HTTPPeer) Addr() string {
	return p.addr
}

// NotifyChunkReady posts one chunk-ready notice. Failures come back wrapped
// as ErrCommunication with the cause still matchable underneath.
func (p *HTTPPeer) NotifyChunkReady(ctx context.Context, notice ChunkReadyNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", notice, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+p.addr+NotifyPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notify request for %s: %w", p.addr, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return wrap.With(fmt.Errorf("notifying %s: %w", p.addr, err), ErrCommunication)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: %s answered notify with %s", ErrCommunication, p.addr, resp.Status)
	}
	return nil
}
