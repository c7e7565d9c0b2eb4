// Package filtering narrows a hierarchy to the nodes that lie on a set of
// target identifier paths. It wraps a level definition: entries that cannot
// contain a target are dropped, and matched nodes carry filter state flags
// that the pipeline and callers act on.
package filtering

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/logger"
	"github.com/itwin/hierarchies/pkg/metadata"
)

// Definition wraps a level definition with a set of filter paths.
type Definition struct {
	inner     hierarchy.LevelDefinition
	inspector metadata.Inspector
	paths     []hierarchy.FilterPath
	logger    logger.Logger
}

var (
	_ hierarchy.LevelDefinition = (*Definition)(nil)
	_ hierarchy.PreProcessor    = (*Definition)(nil)
	_ hierarchy.PostProcessor   = (*Definition)(nil)
)

func Wrap(inner hierarchy.LevelDefinition, inspector metadata.Inspector, paths []hierarchy.FilterPath, log logger.Logger) *Definition {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Definition{inner: inner, inspector: inspector, paths: paths, logger: log}
}

// DefineLevel narrows the wrapped definition's entries to those on a filter
// path. Generic entries get their filter state applied directly; query
// entries carry the matched paths so parsed rows can be matched by identity.
func (d *Definition) DefineLevel(ctx context.Context, req *hierarchy.LevelRequest) ([]hierarchy.LevelEntry, error) {
	levelPaths, hasAncestorTarget := d.levelPaths(req.Parent)

	entries, err := d.inner.DefineLevel(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]hierarchy.LevelEntry, 0, len(entries))
	for _, entry := range entries {
		switch e := entry.(type) {
		case hierarchy.GenericNodeEntry:
			matched := matchGenericPaths(levelPaths, e.Node.Key)
			if len(matched) == 0 && !hasAncestorTarget {
				continue
			}
			applyMatches(&e.Node, matched, hasAncestorTarget)
			out = append(out, e)
		case hierarchy.QueryEntry:
			matched, err := d.matchQueryPaths(ctx, levelPaths, e.FullClassName)
			if err != nil {
				return nil, err
			}
			if len(matched) == 0 && !hasAncestorTarget {
				// the level under this entry cannot contain a target
				continue
			}
			e.FilterPaths = matched
			e.HasFilterTargetAncestor = hasAncestorTarget
			out = append(out, e)
		default:
			out = append(out, entry)
		}
	}

	d.logger.Debug("filtered level definition",
		zap.Int("entries", len(entries)),
		zap.Int("matched", len(out)),
	)
	return out, nil
}

// PreProcessNode drops hidden filter targets that have no filtered
// descendants to surface, and otherwise delegates to the wrapped definition.
func (d *Definition) PreProcessNode(ctx context.Context, node *hierarchy.SourceNode) (*hierarchy.SourceNode, error) {
	if node.Filtering != nil && node.Filtering.IsFilterTarget &&
		node.Processing != nil && node.Processing.HideInHierarchy &&
		len(node.Filtering.ChildPaths) == 0 && !node.Filtering.HasFilterTargetAncestor {
		return nil, nil
	}
	if pre, ok := d.inner.(hierarchy.PreProcessor); ok {
		return pre.PreProcessNode(ctx, node)
	}
	return node, nil
}

func (d *Definition) PostProcessNode(ctx context.Context, node *hierarchy.SourceNode) (*hierarchy.SourceNode, error) {
	if post, ok := d.inner.(hierarchy.PostProcessor); ok {
		return post.PostProcessNode(ctx, node)
	}
	return node, nil
}

// levelPaths determines which path suffixes apply to a level: the root paths
// at the top, otherwise the suffixes carried on the parent.
func (d *Definition) levelPaths(parent *hierarchy.Node) ([]hierarchy.FilterPath, bool) {
	if parent == nil {
		return d.paths, false
	}
	if parent.Filtering == nil {
		return nil, false
	}
	return parent.Filtering.ChildPaths, parent.Filtering.IsFilterTarget || parent.Filtering.HasFilterTargetAncestor
}

func matchGenericPaths(paths []hierarchy.FilterPath, key hierarchy.NodeKey) []hierarchy.FilterPath {
	genericKey, ok := key.(hierarchy.GenericNodeKey)
	if !ok {
		return nil
	}
	var matched []hierarchy.FilterPath
	for _, path := range paths {
		if len(path.Identifiers) == 0 {
			continue
		}
		head, ok := path.Identifiers[0].(hierarchy.GenericNodeKey)
		if !ok {
			continue
		}
		if head.ID == genericKey.ID && (head.Source == "" || head.Source == genericKey.Source) {
			matched = append(matched, path)
		}
	}
	return matched
}

// matchQueryPaths keeps the paths whose head identifier could identify an
// instance of the entry's class. The match is polymorphic: it succeeds when
// either class derives from the other.
func (d *Definition) matchQueryPaths(ctx context.Context, paths []hierarchy.FilterPath, fullClassName string) ([]hierarchy.FilterPath, error) {
	var matched []hierarchy.FilterPath
	for _, path := range paths {
		if len(path.Identifiers) == 0 {
			continue
		}
		head, ok := path.Identifiers[0].(hierarchy.InstanceKey)
		if !ok {
			continue
		}
		compatible, err := d.classesCompatible(ctx, head.ClassName, fullClassName)
		if err != nil {
			return nil, err
		}
		if compatible {
			matched = append(matched, path)
		}
	}
	return matched, nil
}

func (d *Definition) classesCompatible(ctx context.Context, a, b string) (bool, error) {
	derives, err := d.inspector.ClassDerivesFrom(ctx, a, b)
	if err != nil {
		return false, fmt.Errorf("%w: %w", hierarchy.ErrMetadataResolutionFailed, err)
	}
	if derives {
		return true, nil
	}
	derives, err = d.inspector.ClassDerivesFrom(ctx, b, a)
	if err != nil {
		return false, fmt.Errorf("%w: %w", hierarchy.ErrMetadataResolutionFailed, err)
	}
	return derives, nil
}

// ApplyToInstanceNode applies a query entry's filter paths to one parsed
// instance node. It returns false when the node matches no path and has no
// filter target ancestor, meaning the node must be dropped.
func ApplyToInstanceNode(node *hierarchy.SourceNode, entry hierarchy.QueryEntry) bool {
	if entry.FilterPaths == nil && !entry.HasFilterTargetAncestor {
		// unfiltered level
		return true
	}
	var matched []hierarchy.FilterPath
	for _, path := range entry.FilterPaths {
		if len(path.Identifiers) == 0 {
			continue
		}
		head, ok := path.Identifiers[0].(hierarchy.InstanceKey)
		if !ok {
			continue
		}
		if instanceMatches(node, head) {
			matched = append(matched, path)
		}
	}
	if len(matched) == 0 && !entry.HasFilterTargetAncestor {
		return false
	}
	applyMatches(node, matched, entry.HasFilterTargetAncestor)
	return true
}

// instanceMatches tests whether the identifier selects the node: the
// instance id must match one of the node's keys. Classes were already
// checked for compatibility when the paths were attached to the entry.
func instanceMatches(node *hierarchy.SourceNode, id hierarchy.InstanceKey) bool {
	for _, key := range node.InstanceKeys() {
		if key.InstanceID != id.InstanceID {
			continue
		}
		if id.Source != "" && id.Source != key.Source {
			continue
		}
		return true
	}
	return false
}

// applyMatches splits matched paths on a node: fully consumed paths mark the
// node a filter target and merge their options; paths with a remaining
// suffix attach it for the node's children and auto-expand the node so the
// target below is revealed.
func applyMatches(node *hierarchy.SourceNode, matched []hierarchy.FilterPath, hasAncestorTarget bool) {
	if node.Filtering == nil {
		node.Filtering = &hierarchy.FilterState{}
	}
	node.Filtering.HasFilterTargetAncestor = node.Filtering.HasFilterTargetAncestor || hasAncestorTarget
	for _, path := range matched {
		if len(path.Identifiers) <= 1 {
			node.Filtering.IsFilterTarget = true
			node.Filtering.TargetOptions = hierarchy.MergeTargetOptions(node.Filtering.TargetOptions, path.Options)
			continue
		}
		node.Filtering.ChildPaths = append(node.Filtering.ChildPaths, hierarchy.FilterPath{
			Identifiers: path.Identifiers[1:],
			Options:     path.Options,
		})
	}
	if len(node.Filtering.ChildPaths) > 0 {
		node.AutoExpand = true
	}
}

// PromoteGroupingAutoExpand auto-expands a grouping node when a grouped
// child is a filter target requiring immediate reveal, or carries a
// remaining path that asks for auto-expansion. The decision is deferred to
// post-processing because children's filter state is only known after rows
// are parsed.
func PromoteGroupingAutoExpand(node *hierarchy.SourceNode, children []*hierarchy.SourceNode) {
	if !hierarchy.IsGroupingKey(node.Key) {
		return
	}
	for _, child := range children {
		if child.Filtering == nil {
			continue
		}
		if child.Filtering.IsFilterTarget && child.Filtering.TargetOptions != nil &&
			(child.Filtering.TargetOptions.Reveal.Kind == hierarchy.RevealAlways || child.Filtering.TargetOptions.AutoExpand) {
			node.AutoExpand = true
			return
		}
		for _, path := range child.Filtering.ChildPaths {
			if path.Options != nil && path.Options.AutoExpand {
				node.AutoExpand = true
				return
			}
		}
	}
}
