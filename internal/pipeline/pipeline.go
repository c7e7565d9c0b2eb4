// Package pipeline implements the ordered node transforms every raw node
// goes through before it is handed to callers: label formatting,
// pre-processing, hide merges, children determination, post-processing,
// sorting and finalization. Grouping runs between hiding and children
// determination and lives in the grouping package.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/logger"
	"github.com/itwin/hierarchies/pkg/metadata"
)

// yieldBatchSize is how many nodes a stage processes between context
// checks, so long synchronous stretches stay cancellable.
const yieldBatchSize = 20

// Probe reports whether a node's own child level contains at least one
// node.
type Probe func(ctx context.Context, node *hierarchy.SourceNode) (bool, error)

// ChildLoader loads the pre-processed child level of a node that is being
// hidden, so its children can be spliced in at its position.
type ChildLoader func(ctx context.Context, hidden *hierarchy.SourceNode) ([]*hierarchy.SourceNode, error)

type Pipeline struct {
	logger logger.Logger
}

func New(log logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return &Pipeline{logger: log}
}

func checkYield(ctx context.Context, processed int) error {
	if processed%yieldBatchSize == 0 {
		return ctx.Err()
	}
	return nil
}

// FormatLabels resolves each node's structured label into a display string.
// Nodes that already carry a formatted label are left alone.
func (p *Pipeline) FormatLabels(ctx context.Context, formatter metadata.Formatter, nodes []*hierarchy.SourceNode) error {
	for i, node := range nodes {
		if err := checkYield(ctx, i); err != nil {
			return err
		}
		if node.Label != "" || len(node.LabelParts) == 0 {
			continue
		}
		var sb strings.Builder
		for _, part := range node.LabelParts {
			formatted, err := formatter.Format(ctx, part.Value)
			if err != nil {
				return err
			}
			sb.WriteString(formatted)
		}
		node.Label = sb.String()
	}
	return nil
}

// PreProcess runs the definition-supplied pre-processing hook. The hook may
// drop a node by returning nil.
func (p *Pipeline) PreProcess(ctx context.Context, hook hierarchy.PreProcessor, nodes []*hierarchy.SourceNode) ([]*hierarchy.SourceNode, error) {
	if hook == nil {
		return nodes, nil
	}
	out := make([]*hierarchy.SourceNode, 0, len(nodes))
	for i, node := range nodes {
		if err := checkYield(ctx, i); err != nil {
			return nil, err
		}
		processed, err := hook.PreProcessNode(ctx, node)
		if err != nil {
			return nil, err
		}
		if processed != nil {
			out = append(out, processed)
		}
	}
	return out, nil
}

// ApplyHiding removes nodes flagged hide-in-hierarchy and splices their
// children in at the hidden node's position, with parent key chains
// rewritten to skip the hidden ancestor. Hidden siblings sharing a node key
// union their children before splicing.
func (p *Pipeline) ApplyHiding(ctx context.Context, nodes []*hierarchy.SourceNode, loader ChildLoader) ([]*hierarchy.SourceNode, error) {
	out := make([]*hierarchy.SourceNode, 0, len(nodes))
	spliced := make([]bool, len(nodes))
	for i, node := range nodes {
		if err := checkYield(ctx, i); err != nil {
			return nil, err
		}
		if spliced[i] {
			continue
		}
		if node.Processing == nil || !node.Processing.HideInHierarchy {
			out = append(out, node)
			continue
		}

		children, err := loader(ctx, node)
		if err != nil {
			return nil, err
		}
		// union children of later hidden siblings with an equal merge key
		for j := i + 1; j < len(nodes); j++ {
			other := nodes[j]
			if spliced[j] || other.Processing == nil || !other.Processing.HideInHierarchy {
				continue
			}
			if !hierarchy.KeysEqual(node.Key, other.Key) {
				continue
			}
			otherChildren, err := loader(ctx, other)
			if err != nil {
				return nil, err
			}
			children = mergeSplicedChildren(children, otherChildren)
			spliced[j] = true
		}

		for _, child := range children {
			reparented := *child
			reparented.ParentKeys = node.ParentKeys
			if node.Filtering != nil && (node.Filtering.IsFilterTarget || node.Filtering.HasFilterTargetAncestor) {
				if reparented.Filtering == nil {
					state := hierarchy.FilterState{}
					reparented.Filtering = &state
				}
				reparented.Filtering.HasFilterTargetAncestor = true
			}
			out = append(out, &reparented)
		}
	}
	return out, nil
}

func mergeSplicedChildren(a, b []*hierarchy.SourceNode) []*hierarchy.SourceNode {
	merged := append([]*hierarchy.SourceNode{}, a...)
	for _, candidate := range b {
		duplicate := false
		for _, existing := range merged {
			if hierarchy.KeysEqual(existing.Key, candidate.Key) {
				duplicate = true
				break
			}
		}
		if !duplicate {
			merged = append(merged, candidate)
		}
	}
	return merged
}

// HideIfNoChildren drops nodes flagged hide-if-no-children whose probe finds
// nothing. A probe failing with a rows limit error keeps the node: its
// children are unknown but there is at least one.
func (p *Pipeline) HideIfNoChildren(ctx context.Context, nodes []*hierarchy.SourceNode, probe Probe) ([]*hierarchy.SourceNode, error) {
	out := make([]*hierarchy.SourceNode, 0, len(nodes))
	for i, node := range nodes {
		if err := checkYield(ctx, i); err != nil {
			return nil, err
		}
		if node.Processing == nil || !node.Processing.HideIfNoChildren {
			out = append(out, node)
			continue
		}
		has, err := p.probeHasChildren(ctx, node, probe)
		if err != nil {
			return nil, err
		}
		if has {
			out = append(out, node)
		}
	}
	return out, nil
}

// DetermineChildren resolves the children flag of every node whose children
// presence is not statically known.
func (p *Pipeline) DetermineChildren(ctx context.Context, nodes []*hierarchy.SourceNode, probe Probe) error {
	for i, node := range nodes {
		if err := checkYield(ctx, i); err != nil {
			return err
		}
		if node.HasChildren != nil {
			continue
		}
		has, err := p.probeHasChildren(ctx, node, probe)
		if err != nil {
			return err
		}
		node.HasChildren = &has
	}
	return nil
}

func (p *Pipeline) probeHasChildren(ctx context.Context, node *hierarchy.SourceNode, probe Probe) (bool, error) {
	has, err := probe(ctx, node)
	if err != nil {
		if errors.Is(err, hierarchy.ErrRowsLimitExceeded) {
			// the probe only needs existence; exceeding the limit proves it
			return true, nil
		}
		return false, err
	}
	return has, nil
}

// PostProcess runs the definition-supplied post-processing hook.
func (p *Pipeline) PostProcess(ctx context.Context, hook hierarchy.PostProcessor, nodes []*hierarchy.SourceNode) ([]*hierarchy.SourceNode, error) {
	if hook == nil {
		return nodes, nil
	}
	out := make([]*hierarchy.SourceNode, 0, len(nodes))
	for i, node := range nodes {
		if err := checkYield(ctx, i); err != nil {
			return nil, err
		}
		processed, err := hook.PostProcessNode(ctx, node)
		if err != nil {
			return nil, err
		}
		if processed != nil {
			out = append(out, processed)
		}
	}
	return out, nil
}

// Sort orders the level by case-insensitive label. The sort is stable, so
// equal labels keep their pipeline order.
func (p *Pipeline) Sort(nodes []*hierarchy.SourceNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return strings.ToLower(nodes[i].Label) < strings.ToLower(nodes[j].Label)
	})
}

// Finalize materializes the children flag and strips the internal-only
// processing params, producing the immutable nodes handed to callers.
func (p *Pipeline) Finalize(nodes []*hierarchy.SourceNode) []*hierarchy.Node {
	out := make([]*hierarchy.Node, 0, len(nodes))
	for _, node := range nodes {
		hasChildren := false
		if node.HasChildren != nil {
			hasChildren = *node.HasChildren
		}
		out = append(out, &hierarchy.Node{
			Key:                 node.Key,
			Label:               node.Label,
			ParentKeys:          node.ParentKeys,
			HasChildren:         hasChildren,
			AutoExpand:          node.AutoExpand,
			GroupedInstanceKeys: node.GroupedInstanceKeys,
			NonGroupingAncestor: node.NonGroupingAncestor,
			Filtering:           node.Filtering,
		})
	}
	return out
}
