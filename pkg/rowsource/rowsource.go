// Package rowsource defines the row query execution capability the hierarchy
// building engine consumes. The engine never interprets query text; it
// schedules executions, bounds their concurrency and parses the returned
// rows into hierarchy nodes.
package rowsource

import (
	"context"

	"github.com/itwin/hierarchies/pkg/hierarchy"
)

// UnboundedRowLimit disables the row cap for an execution.
const UnboundedRowLimit int64 = -1

// ExecuteOptions bound a single query execution.
type ExecuteOptions struct {
	// RowLimit is the hard cap on returned rows. Executors must fail the
	// row stream with an error matching hierarchy.ErrRowsLimitExceeded when
	// the result set is larger. UnboundedRowLimit disables the cap; 0 means
	// the executor's default.
	RowLimit int64
}

// Executor executes row queries against the data source. Row streams are
// returned as source node iterators: the executor (or a parser layered on
// it) maps each row's select clause onto node fields.
type Executor interface {
	Execute(ctx context.Context, query hierarchy.Query, opts ExecuteOptions) (hierarchy.SourceNodeIterator, error)
}
