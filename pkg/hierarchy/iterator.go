package hierarchy

import (
	"context"
	"errors"
)

// ErrIteratorDone is returned by Iterator.Next when the sequence is
// exhausted.
var ErrIteratorDone = errors.New("iterator done")

// Iterator is the pull-based streaming contract used throughout the engine.
// An iterator is closed by explicitly calling Stop() or by calling Next()
// until it returns ErrIteratorDone.
type Iterator[T any] interface {
	// Next returns the next available item. If the context is cancelled it
	// returns the context error.
	Next(ctx context.Context) (T, error)
	// Stop terminates iteration over the underlying sequence.
	Stop()
}

// NodeIterator streams finalized hierarchy nodes.
type NodeIterator = Iterator[*Node]

// SourceNodeIterator streams nodes produced by query execution, before
// processing.
type SourceNodeIterator = Iterator[*SourceNode]

// InstanceKeyIterator streams instance identities.
type InstanceKeyIterator = Iterator[InstanceKey]

type staticIterator[T any] struct {
	items []T
}

func (s *staticIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
	}
	if len(s.items) == 0 {
		return zero, ErrIteratorDone
	}
	next := s.items[0]
	s.items = s.items[1:]
	return next, nil
}

func (s *staticIterator[T]) Stop() {}

// NewStaticIterator returns an iterator over the provided slice.
func NewStaticIterator[T any](items []T) Iterator[T] {
	return &staticIterator[T]{items: items}
}

type errorIterator[T any] struct {
	err error
}

func (e *errorIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	return zero, e.err
}

func (e *errorIterator[T]) Stop() {}

// NewErrorIterator returns an iterator that fails every Next call with the
// given error.
func NewErrorIterator[T any](err error) Iterator[T] {
	return &errorIterator[T]{err: err}
}

// Collect drains an iterator into a slice. The iterator is stopped before
// returning.
func Collect[T any](ctx context.Context, iter Iterator[T]) ([]T, error) {
	defer iter.Stop()
	var items []T
	for {
		item, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return items, nil
			}
			return nil, err
		}
		items = append(items, item)
	}
}
