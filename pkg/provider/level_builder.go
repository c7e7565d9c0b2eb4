package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/itwin/hierarchies/internal/filtering"
	"github.com/itwin/hierarchies/internal/grouping"
	"github.com/itwin/hierarchies/internal/hierarchycache"
	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/rowsource"
)

// buildLevel produces the fully processed child level of parent. Results are
// cached per (parent path, instance filter, size limit) variation.
func (p *Provider) buildLevel(ctx context.Context, parent *hierarchy.Node, instanceFilter string, sizeLimit int64) ([]*hierarchy.Node, error) {
	levelKey := hierarchycache.LevelKey(parent, instanceFilter, sizeLimit)
	if entry, ok := p.cache.Get(levelKey); ok && entry.Status == hierarchycache.StatusProcessed {
		return entry.Nodes, nil
	}

	var (
		level []*hierarchy.SourceNode
		err   error
	)
	if parent != nil && hierarchy.IsGroupingKey(parent.Key) {
		level, err = p.groupingNodeChildren(ctx, parent, instanceFilter, sizeLimit)
	} else {
		level, err = p.sourceLevel(ctx, parent, instanceFilter, sizeLimit)
		if err != nil {
			return nil, err
		}
		level, err = p.groupLevel(ctx, parent, level)
	}
	if err != nil {
		return nil, err
	}

	probe := p.childrenProbe(instanceFilter, sizeLimit)
	if err := p.pipe.DetermineChildren(ctx, level, probe); err != nil {
		return nil, err
	}

	hook, _ := p.currentDefinition().(hierarchy.PostProcessor)
	level, err = p.pipe.PostProcess(ctx, hook, level)
	if err != nil {
		return nil, err
	}

	p.pipe.Sort(level)
	nodes := p.pipe.Finalize(level)
	p.cache.Set(levelKey, &hierarchycache.Entry{Status: hierarchycache.StatusProcessed, Nodes: nodes})
	return nodes, nil
}

// groupLevel runs the grouping engine over a non-grouped sibling set and
// caches each produced grouping node's pre-processed children so that
// expanding the grouping node does not repeat source level work.
func (p *Provider) groupLevel(ctx context.Context, parent *hierarchy.Node, level []*hierarchy.SourceNode) ([]*hierarchy.SourceNode, error) {
	var levelPath []hierarchy.NodeKey
	if parent != nil {
		levelPath = parent.PathKeys()
	}
	grouper := grouping.New(p.inspector, p.currentFormatter(), p.logger)
	result, err := grouper.GroupSiblings(ctx, parent, levelPath, level)
	if err != nil {
		return nil, err
	}
	for _, node := range result.Nodes {
		children, ok := result.GroupedChildren[hierarchy.KeyString(node.Key)]
		if !ok {
			continue
		}
		cacheKey := hierarchycache.PreProcessedKey(node.Key, levelPath)
		if entry, found := p.cache.Get(cacheKey); found && entry.Status == hierarchycache.StatusPreProcessed {
			// a bucket that absorbed into an already present grouping node
			// carries only the newly absorbed children; keep the earlier ones
			children = mergeSourceNodes(entry.SourceNodes, children)
		}
		filtering.PromoteGroupingAutoExpand(node, children)
		p.cache.Set(cacheKey, &hierarchycache.Entry{
			Status:      hierarchycache.StatusPreProcessed,
			SourceNodes: children,
		})
	}
	return result.Nodes, nil
}

// mergeSourceNodes appends the nodes from add whose keys are not already
// present in base. Both slices belong to one grouping node's child level, so
// the key alone identifies a node.
func mergeSourceNodes(base, add []*hierarchy.SourceNode) []*hierarchy.SourceNode {
	merged := append([]*hierarchy.SourceNode(nil), base...)
	seen := make(map[string]struct{}, len(base))
	for _, n := range base {
		seen[hierarchy.KeyString(n.Key)] = struct{}{}
	}
	for _, n := range add {
		if _, ok := seen[hierarchy.KeyString(n.Key)]; ok {
			continue
		}
		seen[hierarchy.KeyString(n.Key)] = struct{}{}
		merged = append(merged, n)
	}
	return merged
}

// groupingNodeChildren returns the pre-processed children of a grouping
// node, recomputing them from the nearest non-grouping ancestor's level when
// the cached form is gone.
func (p *Provider) groupingNodeChildren(ctx context.Context, parent *hierarchy.Node, instanceFilter string, sizeLimit int64) ([]*hierarchy.SourceNode, error) {
	cacheKey := hierarchycache.PreProcessedKey(parent.Key, parent.ParentKeys)
	if entry, ok := p.cache.Get(cacheKey); ok && entry.Status == hierarchycache.StatusPreProcessed {
		return entry.SourceNodes, nil
	}
	p.logger.Debug("recomputing grouping node children", zap.String("key", hierarchy.KeyString(parent.Key)))

	ancestor := parent.NonGroupingAncestor
	level, err := p.sourceLevel(ctx, ancestor, instanceFilter, sizeLimit)
	if err != nil {
		return nil, err
	}
	var levelPath []hierarchy.NodeKey
	if ancestor != nil {
		levelPath = ancestor.PathKeys()
	}
	grouper := grouping.New(p.inspector, p.currentFormatter(), p.logger)
	result, err := grouper.GroupSiblings(ctx, ancestor, levelPath, level)
	if err != nil {
		return nil, err
	}
	children := result.GroupedChildren[hierarchy.KeyString(parent.Key)]
	p.cache.Set(cacheKey, &hierarchycache.Entry{Status: hierarchycache.StatusPreProcessed, SourceNodes: children})
	return children, nil
}

// sourceLevel evaluates the level definition for parent and runs the
// pre-grouping pipeline stages: label formatting, pre-processing, hidden
// node splicing and hide-if-no-children.
func (p *Provider) sourceLevel(ctx context.Context, parent *hierarchy.Node, instanceFilter string, sizeLimit int64) ([]*hierarchy.SourceNode, error) {
	def := p.currentDefinition()
	entries, err := def.DefineLevel(ctx, &hierarchy.LevelRequest{Parent: parent, InstanceFilter: instanceFilter})
	if err != nil {
		return nil, err
	}

	var parentPath []hierarchy.NodeKey
	if parent != nil {
		parentPath = parent.PathKeys()
	}

	var nodes []*hierarchy.SourceNode
	for _, entry := range entries {
		switch e := entry.(type) {
		case hierarchy.GenericNodeEntry:
			node := e.Node
			if node.ParentKeys == nil {
				node.ParentKeys = parentPath
			}
			nodes = append(nodes, &node)
		case hierarchy.QueryEntry:
			rows, err := p.runQuery(ctx, e, parentPath, sizeLimit)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, rows...)
		}
	}

	if err := p.pipe.FormatLabels(ctx, p.currentFormatter(), nodes); err != nil {
		return nil, err
	}
	preHook, _ := def.(hierarchy.PreProcessor)
	nodes, err = p.pipe.PreProcess(ctx, preHook, nodes)
	if err != nil {
		return nil, err
	}

	loader := func(ctx context.Context, hidden *hierarchy.SourceNode) ([]*hierarchy.SourceNode, error) {
		return p.sourceLevel(ctx, hiddenAsParent(hidden), instanceFilter, sizeLimit)
	}
	nodes, err = p.pipe.ApplyHiding(ctx, nodes, loader)
	if err != nil {
		return nil, err
	}

	probe := p.childrenProbe(instanceFilter, sizeLimit)
	return p.pipe.HideIfNoChildren(ctx, nodes, probe)
}

// runQuery schedules the entry's query and parses its rows into source
// nodes, applying the entry's filter paths and the provider's source tag.
func (p *Provider) runQuery(ctx context.Context, entry hierarchy.QueryEntry, parentPath []hierarchy.NodeKey, sizeLimit int64) ([]*hierarchy.SourceNode, error) {
	iter, err := p.scheduler.Schedule(ctx, entry.Query, rowsource.ExecuteOptions{RowLimit: sizeLimit})
	if err != nil {
		return nil, err
	}
	rows, err := hierarchy.Collect(ctx, iter)
	if err != nil {
		return nil, err
	}

	nodes := make([]*hierarchy.SourceNode, 0, len(rows))
	for _, row := range rows {
		// Rows coming off a shared stream are delivered to every subscriber;
		// deep-copy before stamping so source tags never leak across
		// providers through the shared key array.
		node := row.Clone()
		if node.ParentKeys == nil {
			node.ParentKeys = parentPath
		}
		p.stampSource(node)
		if !filtering.ApplyToInstanceNode(node, entry) {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (p *Provider) stampSource(node *hierarchy.SourceNode) {
	if p.sourceName == "" {
		return
	}
	key, ok := node.Key.(hierarchy.InstancesNodeKey)
	if !ok {
		return
	}
	for i := range key.InstanceKeys {
		if key.InstanceKeys[i].Source == "" {
			key.InstanceKeys[i].Source = p.sourceName
		}
	}
	node.Key = key
}

// childrenProbe builds the has-children probe used by the determine-children
// and hide-if-no-children stages. The pipeline treats a rows limit failure
// from the probe as "has children".
func (p *Provider) childrenProbe(instanceFilter string, sizeLimit int64) func(ctx context.Context, node *hierarchy.SourceNode) (bool, error) {
	return func(ctx context.Context, node *hierarchy.SourceNode) (bool, error) {
		children, err := p.sourceLevel(ctx, hiddenAsParent(node), instanceFilter, sizeLimit)
		if err != nil {
			return false, err
		}
		return len(children) > 0, nil
	}
}

// hiddenAsParent shapes a still-pending source node into the parent form
// expected by level definitions.
func hiddenAsParent(node *hierarchy.SourceNode) *hierarchy.Node {
	return &hierarchy.Node{
		Key:                 node.Key,
		Label:               node.Label,
		ParentKeys:          node.ParentKeys,
		GroupedInstanceKeys: node.GroupedInstanceKeys,
		NonGroupingAncestor: node.NonGroupingAncestor,
		Filtering:           node.Filtering,
	}
}
