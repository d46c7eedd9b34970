package engine

import "errors"

var (
	// ErrInvalidArgument is returned when a routing or delivery operation
	// is handed arguments it cannot act on. The operation has no side
	// effects and must not be retried unmodified.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotImplemented marks a declared extension point with no
	// implementation behind it yet.
	ErrNotImplemented = errors.New("not implemented")

	// ErrQueryHalted is returned when work arrives for a query that has
	// already been torn down.
	ErrQueryHalted = errors.New("query halted")

	// ErrDuplicateQuery is returned when a query id is admitted twice.
	ErrDuplicateQuery = errors.New("query already running")
)
