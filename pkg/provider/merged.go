package provider

import (
	"context"
	"sort"
	"strings"

	"github.com/itwin/hierarchies/internal/concurrency"
	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/logger"
)

// ChildSource is the surface a provider must expose to participate in a
// merged multi-source hierarchy. *Provider implements it.
type ChildSource interface {
	SourceName() string
	GetNodes(ctx context.Context, req GetNodesRequest) (hierarchy.NodeIterator, error)
	GetNodeInstanceKeys(ctx context.Context, req GetNodeInstanceKeysRequest) (hierarchy.InstanceKeyIterator, error)
}

var _ ChildSource = (*Provider)(nil)

// MergedProvider composes hierarchies from multiple data sources into one.
// Nodes with equal identity, compared with source tags ignored, merge into a
// single node: the label comes from the lowest-indexed contributing source,
// children presence is the disjunction over sources, and instance key sets
// are unioned. Child levels are requested only from the sources that
// contributed the parent.
type MergedProvider struct {
	sources []ChildSource
	logger  logger.Logger
}

type MergedOpt func(*MergedProvider)

func WithMergedLogger(l logger.Logger) MergedOpt {
	return func(m *MergedProvider) {
		m.logger = l
	}
}

func NewMergedProvider(sources []ChildSource, opts ...MergedOpt) *MergedProvider {
	m := &MergedProvider{
		sources: sources,
		logger:  logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetNodes requests the child level from every contributing source
// concurrently and merges the results.
func (m *MergedProvider) GetNodes(ctx context.Context, req GetNodesRequest) (hierarchy.NodeIterator, error) {
	return &lazyNodeIterator{
		build: func(ctx context.Context) ([]*hierarchy.Node, error) {
			ctx, span := tracer.Start(ctx, "mergedProvider.GetNodes")
			defer span.End()

			targets := m.contributingSources(req.Parent)
			results := make([][]*hierarchy.Node, len(targets))
			p := concurrency.NewPool(ctx, len(targets))
			for i, src := range targets {
				i, src := i, src
				p.Go(func(ctx context.Context) error {
					iter, err := src.GetNodes(ctx, req)
					if err != nil {
						return err
					}
					nodes, err := hierarchy.Collect(ctx, iter)
					if err != nil {
						return err
					}
					results[i] = nodes
					return nil
				})
			}
			if err := p.Wait(); err != nil {
				return nil, err
			}
			return mergeNodeLists(results), nil
		},
	}, nil
}

// GetNodeInstanceKeys fans the request out to contributing sources and
// concatenates their key streams, deduplicating exact matches.
func (m *MergedProvider) GetNodeInstanceKeys(ctx context.Context, req GetNodeInstanceKeysRequest) (hierarchy.InstanceKeyIterator, error) {
	targets := m.contributingSources(req.Parent)
	results := make([][]hierarchy.InstanceKey, len(targets))
	p := concurrency.NewPool(ctx, len(targets))
	for i, src := range targets {
		i, src := i, src
		p.Go(func(ctx context.Context) error {
			iter, err := src.GetNodeInstanceKeys(ctx, req)
			if err != nil {
				return err
			}
			keys, err := hierarchy.Collect(ctx, iter)
			if err != nil {
				return err
			}
			results[i] = keys
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	var merged []hierarchy.InstanceKey
	for _, keys := range results {
		merged = hierarchy.MergeInstanceKeys(merged, keys)
	}
	return hierarchy.NewStaticIterator(merged), nil
}

// contributingSources resolves which sources can produce children for the
// parent. A root request targets every source; otherwise only the sources
// tagged on the parent's keys.
func (m *MergedProvider) contributingSources(parent *hierarchy.Node) []ChildSource {
	if parent == nil {
		return m.sources
	}
	names := map[string]struct{}{}
	switch key := parent.Key.(type) {
	case hierarchy.GenericNodeKey:
		if key.Source != "" {
			names[key.Source] = struct{}{}
		}
	case hierarchy.InstancesNodeKey:
		for _, ik := range key.InstanceKeys {
			if ik.Source != "" {
				names[ik.Source] = struct{}{}
			}
		}
	default:
		for _, ik := range parent.GroupedInstanceKeys {
			if ik.Source != "" {
				names[ik.Source] = struct{}{}
			}
		}
	}
	if len(names) == 0 {
		return m.sources
	}
	targets := make([]ChildSource, 0, len(names))
	for _, src := range m.sources {
		if _, ok := names[src.SourceName()]; ok {
			targets = append(targets, src)
		}
	}
	return targets
}

// mergeNodeLists merges per-source sorted node lists in source order. The
// first occurrence of an identity wins the label; later occurrences fold
// their instance keys and children presence into it.
func mergeNodeLists(results [][]*hierarchy.Node) []*hierarchy.Node {
	var merged []*hierarchy.Node
	byIdentity := map[string]*hierarchy.Node{}
	for _, nodes := range results {
		for _, node := range nodes {
			id := mergeIdentity(node)
			existing, ok := byIdentity[id]
			if !ok {
				clone := *node
				merged = append(merged, &clone)
				byIdentity[id] = &clone
				continue
			}
			foldNode(existing, node)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return strings.ToLower(merged[i].Label) < strings.ToLower(merged[j].Label)
	})
	return merged
}

func foldNode(dst, src *hierarchy.Node) {
	if key, ok := dst.Key.(hierarchy.InstancesNodeKey); ok {
		srcKey := src.Key.(hierarchy.InstancesNodeKey)
		dst.Key = hierarchy.InstancesNodeKey{
			InstanceKeys: hierarchy.MergeInstanceKeys(key.InstanceKeys, srcKey.InstanceKeys),
		}
	}
	dst.HasChildren = dst.HasChildren || src.HasChildren
	dst.AutoExpand = dst.AutoExpand || src.AutoExpand
	dst.GroupedInstanceKeys = hierarchy.MergeInstanceKeys(dst.GroupedInstanceKeys, src.GroupedInstanceKeys)
}

// mergeIdentity renders a node's identity with source tags stripped, so
// equal nodes from different sources land in the same merge slot.
func mergeIdentity(node *hierarchy.Node) string {
	var sb strings.Builder
	for _, key := range node.ParentKeys {
		sb.WriteString(sourcelessKeyString(key))
		sb.WriteString("|")
	}
	sb.WriteString(sourcelessKeyString(node.Key))
	return sb.String()
}

func sourcelessKeyString(key hierarchy.NodeKey) string {
	switch k := key.(type) {
	case hierarchy.GenericNodeKey:
		return "generic:" + k.ID
	case hierarchy.InstancesNodeKey:
		parts := make([]string, 0, len(k.InstanceKeys))
		for _, ik := range k.InstanceKeys {
			parts = append(parts, ik.ClassName+"/"+ik.InstanceID)
		}
		sort.Strings(parts)
		return "instances:" + strings.Join(parts, ",")
	default:
		return hierarchy.KeyString(key)
	}
}
