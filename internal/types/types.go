// Package types holds the identifier and value types shared across the
// pipeline: query and operator identities, evaluation contexts, and the
// solutions that flow between operators.
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// QueryID identifies a running query on the fabric.
type QueryID uint64

func (q QueryID) String() string {
	return fmt.Sprintf("q-%016x", uint64(q))
}

// OperatorID identifies one operator within a query plan.
type OperatorID uint32

// ShardID identifies one partition of a sharded index.
type ShardID uint32

// NodeID identifies a node participating in the fabric.
type NodeID = uuid.UUID

// KeyOrder names the access-path ordering an operator reads or writes, and
// therefore the index whose shard layout routes its output.
type KeyOrder string

// EvaluationContext declares where an operator's input must be evaluated.
// It is fixed when the operator is constructed.
type EvaluationContext int

const (
	// EvaluationAny runs wherever the producing node happens to be.
	EvaluationAny EvaluationContext = iota

	// EvaluationHashed would distribute input by hash partitioning. No
	// hashed operator exists yet; routing to one fails.
	EvaluationHashed

	// EvaluationSharded distributes input to the nodes owning the shards
	// the solutions fall into.
	EvaluationSharded

	// EvaluationController runs on the query controller only.
	EvaluationController
)

func (e EvaluationContext) String() string {
	switch e {
	case EvaluationAny:
		return "ANY"
	case EvaluationHashed:
		return "HASHED"
	case EvaluationSharded:
		return "SHARDED"
	case EvaluationController:
		return "CONTROLLER"
	default:
		return fmt.Sprintf("EVALUATION(%d)", int(e))
	}
}

// Solution is one intermediate result row. Key carries the value the access
// path orders by, which is what shard resolution inspects. Data is the
// encoded remainder of the row and is opaque to routing.
type Solution struct {
	Key  []byte
	Data []byte
}

// Len returns the encoded size of the solution.
func (s Solution) Len() int {
	return len(s.Key) + len(s.Data)
}
