// Package concurrency has small helpers for context-aware fan-out work.
package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a bounded worker pool whose tasks receive a context that is
// canceled as soon as any task fails. Wait returns the first error.
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}

// TrySend delivers msg on ch unless ctx is done first, and reports whether
// the send happened. The ctx.Err check keeps the outcome deterministic when
// the context is already canceled and ch has free capacity.
func TrySend[T any](ctx context.Context, ch chan<- T, msg T) bool {
	if ctx.Err() != nil {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case ch <- msg:
		return true
	}
}
