package provider

import (
	"context"

	"github.com/itwin/hierarchies/internal/concurrency"
	"github.com/itwin/hierarchies/pkg/hierarchy"
)

const instanceKeyBuffer = 16

type instanceKeyResult struct {
	key hierarchy.InstanceKey
	err error
}

// GetNodeInstanceKeys streams the instance identities of the parent's child
// level without materializing grouping. Hidden levels are traversed, nodes
// that are not instance-backed are skipped, and a grouping node parent
// yields its grouped instance keys directly.
func (p *Provider) GetNodeInstanceKeys(ctx context.Context, req GetNodeInstanceKeysRequest) (hierarchy.InstanceKeyIterator, error) {
	if p.ctx.Err() != nil {
		return nil, ErrDisposed
	}
	ctx, span := tracer.Start(ctx, "provider.GetNodeInstanceKeys")

	if req.Parent != nil && hierarchy.IsGroupingKey(req.Parent.Key) {
		span.End()
		return hierarchy.NewStaticIterator(req.Parent.GroupedInstanceKeys), nil
	}

	ctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(p.ctx, cancel)

	out := make(chan instanceKeyResult, instanceKeyBuffer)
	go func() {
		defer close(out)
		defer span.End()
		defer stopAfter()

		pool := concurrency.NewPool(ctx, 1)
		pool.Go(func(ctx context.Context) error {
			level, err := p.sourceLevel(ctx, req.Parent, req.InstanceFilter, UnboundedLevelSize)
			if err != nil {
				return err
			}
			for _, node := range level {
				for _, key := range node.InstanceKeys() {
					if !concurrency.TrySendThroughChannel(ctx, instanceKeyResult{key: key}, out) {
						return ctx.Err()
					}
				}
			}
			return nil
		})
		if err := pool.Wait(); err != nil {
			concurrency.TrySendThroughChannel(ctx, instanceKeyResult{err: err}, out)
		}
	}()

	return &instanceKeyIterator{ch: out, cancel: cancel}, nil
}

type instanceKeyIterator struct {
	ch     <-chan instanceKeyResult
	cancel context.CancelFunc
	done   bool
}

var _ hierarchy.InstanceKeyIterator = (*instanceKeyIterator)(nil)

func (i *instanceKeyIterator) Next(ctx context.Context) (hierarchy.InstanceKey, error) {
	if i.done {
		return hierarchy.InstanceKey{}, hierarchy.ErrIteratorDone
	}
	select {
	case <-ctx.Done():
		return hierarchy.InstanceKey{}, ctx.Err()
	case res, ok := <-i.ch:
		if !ok {
			i.done = true
			return hierarchy.InstanceKey{}, hierarchy.ErrIteratorDone
		}
		if res.err != nil {
			i.done = true
			return hierarchy.InstanceKey{}, res.err
		}
		return res.key, nil
	}
}

func (i *instanceKeyIterator) Stop() {
	i.cancel()
	i.done = true
}
