package engine

import (
	"fmt"

	"github.com/loomdb/loom/internal/types"
)

// Operator is one stage of a query plan as the routing layer sees it: an
// identity, the evaluation context that decides where its input must run,
// and, for sharded operators, the key order whose shard layout routes that
// input. Operators are immutable once the plan is admitted.
type Operator struct {
	ID       types.OperatorID
	Eval     types.EvaluationContext
	KeyOrder types.KeyOrder
}

func (o Operator) String() string {
	if o.KeyOrder != "" {
		return fmt.Sprintf("op-%d[%s %s]", o.ID, o.Eval, o.KeyOrder)
	}
	return fmt.Sprintf("op-%d[%s]", o.ID, o.Eval)
}

func (o Operator) validate() error {
	switch o.Eval {
	case types.EvaluationAny, types.EvaluationHashed, types.EvaluationController:
	case types.EvaluationSharded:
		if o.KeyOrder == "" {
			return fmt.Errorf("%w: sharded operator %d needs a key order", ErrInvalidArgument, o.ID)
		}
	default:
		return fmt.Errorf("%w: operator %d has unknown evaluation context %d", ErrInvalidArgument, o.ID, int(o.Eval))
	}
	return nil
}
