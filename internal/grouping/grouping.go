// Package grouping implements the class, base-class, property and label
// grouping operators over a pre-processed sibling set. Grouping kinds apply
// in fixed precedence order: base classes, then class, then property, then
// label; a node consumed by an earlier kind is not grouped again by a later
// one.
package grouping

import (
	"context"
	"fmt"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/logger"
	"github.com/itwin/hierarchies/pkg/metadata"
)

// Result is a grouped sibling set. GroupedChildren maps each grouping node's
// key string to the pre-processed children it summarizes, ready to be cached
// so that requesting the grouping node's children skips query execution and
// pre-processing.
type Result struct {
	Nodes           []*hierarchy.SourceNode
	GroupedChildren map[string][]*hierarchy.SourceNode
}

type Grouper struct {
	inspector metadata.Inspector
	formatter metadata.Formatter
	logger    logger.Logger
}

func New(inspector metadata.Inspector, formatter metadata.Formatter, log logger.Logger) *Grouper {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Grouper{inspector: inspector, formatter: formatter, logger: log}
}

// bucket accumulates the members of one prospective grouping node.
type bucket struct {
	// key is nil for merge-action label buckets, which collapse into a
	// single instances node instead of producing a grouping node.
	key   hierarchy.NodeKey
	merge bool
	label string

	children []*hierarchy.SourceNode

	// existing points at a grouping node that was already present among the
	// siblings; its children absorb the bucket instead of a new node.
	existing *hierarchy.SourceNode
}

func (b *bucket) id() string {
	if b.merge {
		return "merged:" + b.label
	}
	return hierarchy.KeyString(b.key)
}

// GroupSiblings runs the grouping operators over one level's pre-processed
// siblings. levelPath is the parent's full key chain (nil at the root);
// parent is the level's parent node and becomes the grouping nodes'
// non-grouping ancestor.
func (g *Grouper) GroupSiblings(ctx context.Context, parent *hierarchy.Node, levelPath []hierarchy.NodeKey, siblings []*hierarchy.SourceNode) (*Result, error) {
	buckets := linkedhashmap.New() // bucket id -> *bucket
	out := make([]*hierarchy.SourceNode, 0, len(siblings))

	// Pre-register grouping nodes already present among the siblings so a
	// re-run merges into them instead of duplicating (same key, same parent
	// path implies the same node).
	for _, node := range siblings {
		if hierarchy.IsGroupingKey(node.Key) && hierarchy.PathsEqual(node.ParentKeys, levelPath) {
			b := &bucket{key: node.Key, label: node.Label, existing: node}
			buckets.Put(b.id(), b)
		}
	}

	for _, node := range siblings {
		if hierarchy.IsGroupingKey(node.Key) {
			out = append(out, node)
			continue
		}
		params := groupingParams(node)
		if params == nil {
			out = append(out, node)
			continue
		}

		consumed, err := g.groupByBaseClasses(ctx, node, params, buckets)
		if err != nil {
			return nil, err
		}
		if !consumed && params.ByClass {
			if err := g.groupByClass(ctx, node, buckets); err != nil {
				return nil, err
			}
			consumed = true
		}
		if !consumed && params.ByProperties != nil {
			consumed, err = g.groupByProperties(ctx, node, params.ByProperties, buckets)
			if err != nil {
				return nil, err
			}
		}
		if !consumed && params.ByLabel != nil {
			if params.ByLabel.Action == hierarchy.LabelGroupingActionMerge {
				addToBucket(buckets, &bucket{merge: true, label: node.Label + "#" + params.ByLabel.GroupID}, node)
			} else {
				key := hierarchy.LabelGroupingNodeKey{Label: node.Label, GroupID: params.ByLabel.GroupID}
				addToBucket(buckets, &bucket{key: key, label: node.Label}, node)
			}
			consumed = true
		}

		if !consumed {
			out = append(out, node)
		}
	}

	result := &Result{GroupedChildren: map[string][]*hierarchy.SourceNode{}}
	it := buckets.Iterator()
	for it.Next() {
		b := it.Value().(*bucket)
		if b.merge {
			if len(b.children) > 0 {
				out = append(out, buildMergedNode(b))
			}
			continue
		}
		node, children := buildGroupingNode(parent, levelPath, b)
		if len(children) > 0 {
			result.GroupedChildren[hierarchy.KeyString(b.key)] = children
		}
		if node != nil {
			out = append(out, node)
		}
	}

	result.Nodes = out
	return result, nil
}

func groupingParams(node *hierarchy.SourceNode) *hierarchy.GroupingParams {
	if node.Processing == nil || node.Processing.Grouping == nil {
		return nil
	}
	if _, ok := node.Key.(hierarchy.InstancesNodeKey); !ok {
		// only instance nodes participate in grouping
		return nil
	}
	return node.Processing.Grouping
}

func nodeClassName(node *hierarchy.SourceNode) string {
	keys := node.InstanceKeys()
	if len(keys) == 0 {
		return ""
	}
	return keys[0].ClassName
}

func (g *Grouper) groupByClass(ctx context.Context, node *hierarchy.SourceNode, buckets *linkedhashmap.Map) error {
	className := nodeClassName(node)
	label, err := g.inspector.ClassLabel(ctx, className)
	if err != nil {
		return fmt.Errorf("%w: %w", hierarchy.ErrMetadataResolutionFailed, err)
	}
	addToBucket(buckets, &bucket{key: hierarchy.ClassGroupingNodeKey{ClassName: className}, label: label}, node)
	return nil
}

// groupByBaseClasses places the node into every configured base class bucket
// its class derives from. Buckets are independent, not mutually exclusive.
func (g *Grouper) groupByBaseClasses(ctx context.Context, node *hierarchy.SourceNode, params *hierarchy.GroupingParams, buckets *linkedhashmap.Map) (bool, error) {
	if len(params.ByBaseClasses) == 0 {
		return false, nil
	}
	className := nodeClassName(node)
	consumed := false
	for _, base := range params.ByBaseClasses {
		derives, err := g.inspector.ClassDerivesFrom(ctx, className, base)
		if err != nil {
			return false, fmt.Errorf("%w: %w", hierarchy.ErrMetadataResolutionFailed, err)
		}
		if !derives {
			continue
		}
		label, err := g.inspector.ClassLabel(ctx, base)
		if err != nil {
			return false, fmt.Errorf("%w: %w", hierarchy.ErrMetadataResolutionFailed, err)
		}
		addToBucket(buckets, &bucket{key: hierarchy.BaseClassGroupingNodeKey{ClassName: base}, label: label}, node)
		consumed = true
	}
	return consumed, nil
}

func addToBucket(buckets *linkedhashmap.Map, proto *bucket, node *hierarchy.SourceNode) {
	id := proto.id()
	if existing, found := buckets.Get(id); found {
		b := existing.(*bucket)
		b.children = append(b.children, node)
		return
	}
	proto.children = []*hierarchy.SourceNode{node}
	buckets.Put(id, proto)
}

// buildMergedNode collapses a merge-action label bucket into one instances
// node carrying the union of the bucket's instance keys.
func buildMergedNode(b *bucket) *hierarchy.SourceNode {
	base := b.children[0]
	merged := *base
	keys := []hierarchy.InstanceKey{}
	hasChildren := false
	childrenKnown := true
	for _, child := range b.children {
		keys = hierarchy.MergeInstanceKeys(keys, child.InstanceKeys())
		if child.HasChildren == nil {
			childrenKnown = false
		} else if *child.HasChildren {
			hasChildren = true
		}
	}
	merged.Key = hierarchy.InstancesNodeKey{InstanceKeys: keys}
	if childrenKnown || hasChildren {
		known := hasChildren
		merged.HasChildren = &known
	} else {
		merged.HasChildren = nil
	}
	if merged.Processing != nil {
		// the merged node must not re-enter grouping
		params := *merged.Processing
		params.Grouping = nil
		merged.Processing = &params
	}
	merged.Filtering = mergeFilterStates(b.children)
	return &merged
}

func mergeFilterStates(nodes []*hierarchy.SourceNode) *hierarchy.FilterState {
	var merged *hierarchy.FilterState
	for _, node := range nodes {
		if node.Filtering == nil {
			continue
		}
		if merged == nil {
			merged = &hierarchy.FilterState{}
		}
		if node.Filtering.IsFilterTarget {
			merged.IsFilterTarget = true
			merged.TargetOptions = hierarchy.MergeTargetOptions(merged.TargetOptions, node.Filtering.TargetOptions)
		}
		if node.Filtering.HasFilterTargetAncestor {
			merged.HasFilterTargetAncestor = true
		}
		merged.ChildPaths = append(merged.ChildPaths, node.Filtering.ChildPaths...)
	}
	return merged
}

// buildGroupingNode turns a bucket into a grouping node and its reparented
// children. When the bucket absorbs into an existing grouping node, only the
// children are returned.
func buildGroupingNode(parent *hierarchy.Node, levelPath []hierarchy.NodeKey, b *bucket) (*hierarchy.SourceNode, []*hierarchy.SourceNode) {
	childPath := make([]hierarchy.NodeKey, 0, len(levelPath)+1)
	childPath = append(childPath, levelPath...)
	childPath = append(childPath, b.key)

	groupedKeys := []hierarchy.InstanceKey{}
	hasAncestorTarget := false
	children := make([]*hierarchy.SourceNode, 0, len(b.children))
	for _, child := range b.children {
		reparented := *child
		reparented.ParentKeys = childPath
		if reparented.Processing != nil {
			params := *reparented.Processing
			params.Grouping = nil
			reparented.Processing = &params
		}
		children = append(children, &reparented)
		groupedKeys = hierarchy.MergeInstanceKeys(groupedKeys, child.InstanceKeys())
		if child.Filtering != nil && child.Filtering.HasFilterTargetAncestor {
			hasAncestorTarget = true
		}
	}

	if b.existing != nil {
		// merge new members into the already present grouping node
		b.existing.GroupedInstanceKeys = hierarchy.MergeInstanceKeys(b.existing.GroupedInstanceKeys, groupedKeys)
		return nil, children
	}
	if len(children) == 0 {
		return nil, nil
	}

	hasChildren := true
	node := &hierarchy.SourceNode{
		Key:                 b.key,
		Label:               b.label,
		ParentKeys:          levelPath,
		HasChildren:         &hasChildren,
		GroupedInstanceKeys: groupedKeys,
		NonGroupingAncestor: parent,
	}
	if hasAncestorTarget {
		node.Filtering = &hierarchy.FilterState{HasFilterTargetAncestor: true}
	}
	return node, children
}
