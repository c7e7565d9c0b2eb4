package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/metadata"
)

func genericNode(id string, processing *hierarchy.ProcessingParams) *hierarchy.SourceNode {
	return &hierarchy.SourceNode{
		Key:        hierarchy.GenericNodeKey{ID: id},
		Label:      id,
		Processing: processing,
	}
}

func noChildren(ctx context.Context, node *hierarchy.SourceNode) (bool, error) {
	return false, nil
}

func TestFormatLabels(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	nodes := []*hierarchy.SourceNode{
		{
			Key: hierarchy.GenericNodeKey{ID: "a"},
			LabelParts: []hierarchy.LabelPart{
				{Value: metadata.StringValue("Wall [")},
				{Value: metadata.IntValue(42)},
				{Value: metadata.StringValue("]")},
			},
		},
		{
			Key:        hierarchy.GenericNodeKey{ID: "b"},
			Label:      "already formatted",
			LabelParts: []hierarchy.LabelPart{{Value: metadata.StringValue("ignored")}},
		},
	}
	require.NoError(t, p.FormatLabels(ctx, metadata.DefaultFormatter{}, nodes))
	require.Equal(t, "Wall [42]", nodes[0].Label)
	require.Equal(t, "already formatted", nodes[1].Label)
}

type dropPreProcessor struct {
	dropID string
}

func (d *dropPreProcessor) PreProcessNode(ctx context.Context, node *hierarchy.SourceNode) (*hierarchy.SourceNode, error) {
	if key, ok := node.Key.(hierarchy.GenericNodeKey); ok && key.ID == d.dropID {
		return nil, nil
	}
	return node, nil
}

func TestPreProcessDropsNodes(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	nodes := []*hierarchy.SourceNode{genericNode("keep", nil), genericNode("drop", nil)}
	out, err := p.PreProcess(ctx, &dropPreProcessor{dropID: "drop"}, nodes)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, hierarchy.GenericNodeKey{ID: "keep"}, out[0].Key)
}

func TestApplyHidingSplicesChildren(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	hidden := genericNode("hidden", &hierarchy.ProcessingParams{HideInHierarchy: true})
	hidden.ParentKeys = []hierarchy.NodeKey{hierarchy.GenericNodeKey{ID: "root"}}

	loader := func(ctx context.Context, h *hierarchy.SourceNode) ([]*hierarchy.SourceNode, error) {
		child := genericNode("child", nil)
		child.ParentKeys = append(h.ParentKeys, h.Key)
		return []*hierarchy.SourceNode{child}, nil
	}

	out, err := p.ApplyHiding(ctx, []*hierarchy.SourceNode{genericNode("visible", nil), hidden}, loader)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, hierarchy.GenericNodeKey{ID: "visible"}, out[0].Key)
	require.Equal(t, hierarchy.GenericNodeKey{ID: "child"}, out[1].Key)
	require.Equal(t, hidden.ParentKeys, out[1].ParentKeys, "spliced children take the hidden node's parent chain")
}

func TestApplyHidingMergesEqualHiddenSiblings(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	a := genericNode("hidden", &hierarchy.ProcessingParams{HideInHierarchy: true})
	b := genericNode("hidden", &hierarchy.ProcessingParams{HideInHierarchy: true})

	calls := 0
	loader := func(ctx context.Context, h *hierarchy.SourceNode) ([]*hierarchy.SourceNode, error) {
		calls++
		if calls == 1 {
			return []*hierarchy.SourceNode{genericNode("child-a", nil), genericNode("shared", nil)}, nil
		}
		return []*hierarchy.SourceNode{genericNode("shared", nil), genericNode("child-b", nil)}, nil
	}

	out, err := p.ApplyHiding(ctx, []*hierarchy.SourceNode{a, b}, loader)
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	require.Len(t, out, 3, "children with equal keys union, not duplicate")
}

func TestApplyHidingPropagatesFilterAncestor(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	hidden := genericNode("hidden", &hierarchy.ProcessingParams{HideInHierarchy: true})
	hidden.Filtering = &hierarchy.FilterState{IsFilterTarget: true}

	loader := func(ctx context.Context, h *hierarchy.SourceNode) ([]*hierarchy.SourceNode, error) {
		return []*hierarchy.SourceNode{genericNode("child", nil)}, nil
	}

	out, err := p.ApplyHiding(ctx, []*hierarchy.SourceNode{hidden}, loader)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Filtering)
	require.True(t, out[0].Filtering.HasFilterTargetAncestor)
}

func TestHideIfNoChildren(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	flagged := &hierarchy.ProcessingParams{HideIfNoChildren: true}
	withChildren := genericNode("with", flagged)
	without := genericNode("without", flagged)
	plain := genericNode("plain", nil)

	probe := func(ctx context.Context, node *hierarchy.SourceNode) (bool, error) {
		return hierarchy.KeysEqual(node.Key, withChildren.Key), nil
	}

	out, err := p.HideIfNoChildren(ctx, []*hierarchy.SourceNode{withChildren, without, plain}, probe)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, withChildren.Key, out[0].Key)
	require.Equal(t, plain.Key, out[1].Key)
}

func TestHideIfNoChildrenKeepsNodeOnRowsLimit(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	node := genericNode("big", &hierarchy.ProcessingParams{HideIfNoChildren: true})
	probe := func(ctx context.Context, n *hierarchy.SourceNode) (bool, error) {
		return false, &hierarchy.RowsLimitError{Limit: 100}
	}

	out, err := p.HideIfNoChildren(ctx, []*hierarchy.SourceNode{node}, probe)
	require.NoError(t, err)
	require.Len(t, out, 1, "a rows limit failure proves children exist")
}

func TestDetermineChildren(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	known := true
	preset := genericNode("preset", nil)
	preset.HasChildren = &known
	probed := genericNode("probed", nil)

	probeCalls := 0
	probe := func(ctx context.Context, node *hierarchy.SourceNode) (bool, error) {
		probeCalls++
		return false, nil
	}

	require.NoError(t, p.DetermineChildren(ctx, []*hierarchy.SourceNode{preset, probed}, probe))
	require.Equal(t, 1, probeCalls, "statically known nodes are not probed")
	require.NotNil(t, probed.HasChildren)
	require.False(t, *probed.HasChildren)
}

func TestDetermineChildrenRowsLimitMeansTrue(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	node := genericNode("big", nil)
	probe := func(ctx context.Context, n *hierarchy.SourceNode) (bool, error) {
		return false, &hierarchy.RowsLimitError{Limit: 100}
	}
	require.NoError(t, p.DetermineChildren(ctx, []*hierarchy.SourceNode{node}, probe))
	require.NotNil(t, node.HasChildren)
	require.True(t, *node.HasChildren)
}

func TestDetermineChildrenOtherErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	p := New(nil)

	boom := errors.New("boom")
	probe := func(ctx context.Context, n *hierarchy.SourceNode) (bool, error) {
		return false, boom
	}
	err := p.DetermineChildren(ctx, []*hierarchy.SourceNode{genericNode("a", nil)}, probe)
	require.ErrorIs(t, err, boom)
}

func TestSortIsCaseInsensitiveAndStable(t *testing.T) {
	p := New(nil)

	a := genericNode("1", nil)
	a.Label = "beta"
	b := genericNode("2", nil)
	b.Label = "Alpha"
	c := genericNode("3", nil)
	c.Label = "alpha"

	nodes := []*hierarchy.SourceNode{a, b, c}
	p.Sort(nodes)

	require.Equal(t, "Alpha", nodes[0].Label)
	require.Equal(t, "alpha", nodes[1].Label, "equal labels keep their prior order")
	require.Equal(t, "beta", nodes[2].Label)
}

func TestFinalize(t *testing.T) {
	p := New(nil)

	yes := true
	node := &hierarchy.SourceNode{
		Key:         hierarchy.GenericNodeKey{ID: "a"},
		Label:       "A",
		ParentKeys:  []hierarchy.NodeKey{hierarchy.GenericNodeKey{ID: "root"}},
		HasChildren: &yes,
		AutoExpand:  true,
		Processing:  &hierarchy.ProcessingParams{HideIfNoChildren: true},
	}
	unknown := &hierarchy.SourceNode{Key: hierarchy.GenericNodeKey{ID: "b"}, Label: "B"}

	out := p.Finalize([]*hierarchy.SourceNode{node, unknown})
	require.Len(t, out, 2)
	require.True(t, out[0].HasChildren)
	require.True(t, out[0].AutoExpand)
	require.Equal(t, node.ParentKeys, out[0].ParentKeys)
	require.False(t, out[1].HasChildren, "unresolved children flags finalize to false")
}

func TestStagesRespectContextCancellation(t *testing.T) {
	p := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	nodes := make([]*hierarchy.SourceNode, yieldBatchSize+1)
	for i := range nodes {
		nodes[i] = genericNode("n", nil)
	}

	require.ErrorIs(t, p.FormatLabels(ctx, metadata.DefaultFormatter{}, nodes), context.Canceled)
	_, err := p.HideIfNoChildren(ctx, nodes, noChildren)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, p.DetermineChildren(ctx, nodes, noChildren), context.Canceled)
}
