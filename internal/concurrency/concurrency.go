// Package concurrency wraps the conc pool with the defaults the hierarchy
// engine relies on: context propagation, cancel-on-error and bounded width.
package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a context pool of at most maxGoroutines workers. The first
// task error cancels the pool's context and is the one reported by Wait().
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}

// TrySendThroughChannel sends msg on ch unless ctx is done first. It reports
// whether the message was delivered.
func TrySendThroughChannel[T any](ctx context.Context, msg T, ch chan<- T) bool {
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
