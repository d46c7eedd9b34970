package chunk

import (
	"fmt"

	"github.com/loomdb/loom/internal/types"
	"github.com/loomdb/loom/pkg/memory"
)

// Chunk describes one serialized unit of output awaiting transfer: which
// query produced it, which node and sink operator it is destined for, and
// the ordered pool allocations holding its payload. The descriptor is
// immutable once built; the payload bytes stay on the producing node until
// the destination pulls them.
type Chunk struct {
	QueryID     types.QueryID
	Destination types.NodeID
	SinkID      types.OperatorID
	NBytes      int64
	Allocations []*memory.Allocation
}

func (c *Chunk) String() string {
	return fmt.Sprintf("chunk{%s sink=%d dest=%s nbytes=%d allocs=%d}",
		c.QueryID, c.SinkID, c.Destination, c.NBytes, len(c.Allocations))
}

// Payload lays the allocation contents head to tail into one slice. It is
// the pull-side view of the chunk; the copy leaves the pooled segments
// untouched.
func (c *Chunk) Payload() []byte {
	out := make([]byte, 0, c.NBytes)
	for _, a := range c.Allocations {
		out = append(out, a.Bytes()...)
	}
	return out
}

// Release returns every allocation backing the chunk to its pool. Transfer
// completion calls this; a later scope teardown finds the segments already
// returned.
func (c *Chunk) Release() {
	for _, a := range c.Allocations {
		a.Release()
	}
}

// Released reports whether the chunk's payload has been returned to the
// pool, by transfer completion or by scope teardown. A released chunk must
// not be served: its segments may already back another query's output.
func (c *Chunk) Released() bool {
	for _, a := range c.Allocations {
		if a.Released() {
			return true
		}
	}
	return false
}
