package hierarchy

import (
	"errors"
	"fmt"
)

var (
	// ErrRowsLimitExceeded is reported when a hierarchy level's row count
	// exceeds the configured or requested cap. Use errors.Is against this
	// sentinel; the concrete error is a *RowsLimitError carrying the limit.
	ErrRowsLimitExceeded = errors.New("hierarchy level rows limit exceeded")

	// ErrQueryExecutionFailed wraps failures propagated from the row query
	// executor. The whole in-progress level fails for every sharing
	// subscriber; the engine does not retry.
	ErrQueryExecutionFailed = errors.New("query execution failed")

	// ErrMetadataResolutionFailed wraps schema/class lookup failures.
	ErrMetadataResolutionFailed = errors.New("metadata resolution failed")
)

// RowsLimitError is the concrete rows-limit failure.
type RowsLimitError struct {
	Limit int64
}

func (e *RowsLimitError) Error() string {
	return fmt.Sprintf("hierarchy level rows limit of %d exceeded", e.Limit)
}

func (e *RowsLimitError) Is(target error) bool {
	return target == ErrRowsLimitExceeded
}
