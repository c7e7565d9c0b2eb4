// Package memory provides an in-memory rowsource.Executor backed by seeded
// row tables. It is used by the engine's tests and is suitable for building
// hierarchies over fully materialized data.
package memory

import (
	"context"
	"sync"

	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/rowsource"
)

const defaultRowLimit = 1000

// Executor resolves query text against seeded result sets. Executions
// respect row limits and can be made to fail for specific queries.
type Executor struct {
	mu       sync.RWMutex
	results  map[string][]*hierarchy.SourceNode
	failures map[string]error

	// ExecuteCount tallies executions per query text, for tests asserting
	// on result sharing.
	executeCount map[string]int
}

var _ rowsource.Executor = (*Executor)(nil)

func NewExecutor() *Executor {
	return &Executor{
		results:      map[string][]*hierarchy.SourceNode{},
		failures:     map[string]error{},
		executeCount: map[string]int{},
	}
}

// Seed registers the nodes returned for the given query text.
func (e *Executor) Seed(queryText string, nodes ...*hierarchy.SourceNode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results[queryText] = nodes
}

// FailWith makes every execution of the given query text fail.
func (e *Executor) FailWith(queryText string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[queryText] = err
}

// ExecuteCount returns how many times the given query text was executed.
func (e *Executor) ExecuteCount(queryText string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.executeCount[queryText]
}

func (e *Executor) Execute(ctx context.Context, query hierarchy.Query, opts rowsource.ExecuteOptions) (hierarchy.SourceNodeIterator, error) {
	e.mu.Lock()
	e.executeCount[query.Text]++
	err := e.failures[query.Text]
	rows := e.results[query.Text]
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}

	limit := opts.RowLimit
	if limit == 0 {
		limit = defaultRowLimit
	}
	if limit != rowsource.UnboundedRowLimit && int64(len(rows)) > limit {
		return nil, &hierarchy.RowsLimitError{Limit: limit}
	}

	// Deep-copy the nodes so consumers cannot mutate seeded data, including
	// through the key's shared instance-key array.
	out := make([]*hierarchy.SourceNode, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return hierarchy.NewStaticIterator(out), nil
}
