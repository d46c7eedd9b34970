package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/natefinch/wrap"

	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/httpclient"
)

// Puller collects staged chunk payloads from peers. Unlike notify, a pull
// is safe to retry: the sender keeps the chunk staged until the bytes have
// been handed over, so transient failures are retried under the hood.
type Puller struct {
	self   types.NodeID
	client *httpclient.RetryableHTTPClient
	token  string
}

// PullerOption configures a Puller.
type PullerOption func(*Puller)

// WithPullerBearerToken attaches a bearer token to every pull, for peers
// whose data plane requires authentication.
func WithPullerBearerToken(token string) PullerOption {
	return func(p *Puller) {
		p.token = token
	}
}

// NewPuller constructs a Puller that identifies itself as self.
func NewPuller(self types.NodeID, opts ...PullerOption) *Puller {
	p := &Puller{
		self:   self,
		client: httpclient.NewClient(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pull fetches the oldest staged payload for the transfer from the peer at
// addr. ErrNoChunk means the peer has nothing further staged; callers pull
// in a loop until they see it.
func (p *Puller) Pull(ctx context.Context, addr string, queryID types.QueryID, sinkID types.OperatorID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, PullURL(addr, queryID, sinkID, p.self), nil)
	if err != nil {
		return nil, fmt.Errorf("building pull request for %s: %w", addr, err)
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, wrap.With(fmt.Errorf("pulling from %s: %w", addr, err), ErrCommunication)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, fmt.Errorf("%w: %s/op-%d at %s", ErrNoChunk, queryID, sinkID, addr)
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s answered pull with %s", ErrCommunication, addr, resp.Status)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrap.With(fmt.Errorf("reading pull body from %s: %w", addr, err), ErrCommunication)
	}
	return payload, nil
}
