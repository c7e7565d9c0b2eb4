package grouping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/metadata"
)

func testInspector() *metadata.StaticInspector {
	return metadata.NewStaticInspector(
		metadata.ClassInfo{Name: "bis.Element", Label: "Element"},
		metadata.ClassInfo{Name: "bis.PhysicalElement", Label: "Physical Element", BaseClasses: []string{"bis.Element"}},
		metadata.ClassInfo{Name: "bis.Wall", Label: "Wall", BaseClasses: []string{"bis.PhysicalElement"}},
		metadata.ClassInfo{Name: "bis.Door", Label: "Door", BaseClasses: []string{"bis.PhysicalElement"}},
		metadata.ClassInfo{Name: "bis.Annotation", Label: "Annotation"},
	)
}

func newTestGrouper() *Grouper {
	return New(testInspector(), metadata.DefaultFormatter{}, nil)
}

func instanceNode(className, id, label string, grouping *hierarchy.GroupingParams) *hierarchy.SourceNode {
	return &hierarchy.SourceNode{
		Key: hierarchy.InstancesNodeKey{InstanceKeys: []hierarchy.InstanceKey{
			{ClassName: className, InstanceID: id},
		}},
		Label:      label,
		Processing: &hierarchy.ProcessingParams{Grouping: grouping},
	}
}

func groupingNodeByKey(t *testing.T, nodes []*hierarchy.SourceNode, key hierarchy.NodeKey) *hierarchy.SourceNode {
	t.Helper()
	for _, node := range nodes {
		if hierarchy.KeysEqual(node.Key, key) {
			return node
		}
	}
	t.Fatalf("no node with key %s", hierarchy.KeyString(key))
	return nil
}

func TestGroupSiblingsByClass(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	byClass := &hierarchy.GroupingParams{ByClass: true}
	siblings := []*hierarchy.SourceNode{
		instanceNode("bis.Wall", "0x1", "wall a", byClass),
		instanceNode("bis.Door", "0x2", "door a", byClass),
		instanceNode("bis.Wall", "0x3", "wall b", byClass),
		// no grouping params, stays on the level
		instanceNode("bis.Annotation", "0x4", "note", nil),
	}

	result, err := g.GroupSiblings(ctx, nil, nil, siblings)
	require.NoError(t, err)
	require.Len(t, result.Nodes, 3)

	wallGroup := groupingNodeByKey(t, result.Nodes, hierarchy.ClassGroupingNodeKey{ClassName: "bis.Wall"})
	require.Equal(t, "Wall", wallGroup.Label)
	require.NotNil(t, wallGroup.HasChildren)
	require.True(t, *wallGroup.HasChildren)
	require.Equal(t, []hierarchy.InstanceKey{
		{ClassName: "bis.Wall", InstanceID: "0x1"},
		{ClassName: "bis.Wall", InstanceID: "0x3"},
	}, wallGroup.GroupedInstanceKeys)

	wallChildren := result.GroupedChildren[hierarchy.KeyString(wallGroup.Key)]
	require.Len(t, wallChildren, 2)
	for _, child := range wallChildren {
		require.Equal(t, []hierarchy.NodeKey{wallGroup.Key}, child.ParentKeys, "children are reparented under the grouping node")
		require.Nil(t, child.Processing.Grouping, "grouped children must not re-enter grouping")
	}

	doorGroup := groupingNodeByKey(t, result.Nodes, hierarchy.ClassGroupingNodeKey{ClassName: "bis.Door"})
	require.Len(t, result.GroupedChildren[hierarchy.KeyString(doorGroup.Key)], 1)
}

func TestGroupSiblingsByBaseClasses(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	params := &hierarchy.GroupingParams{ByBaseClasses: []string{"bis.PhysicalElement", "bis.Element"}}
	siblings := []*hierarchy.SourceNode{
		instanceNode("bis.Wall", "0x1", "wall a", params),
		instanceNode("bis.Door", "0x2", "door a", params),
	}

	result, err := g.GroupSiblings(ctx, nil, nil, siblings)
	require.NoError(t, err)

	// base class buckets are independent: both nodes land in both
	physical := groupingNodeByKey(t, result.Nodes, hierarchy.BaseClassGroupingNodeKey{ClassName: "bis.PhysicalElement"})
	element := groupingNodeByKey(t, result.Nodes, hierarchy.BaseClassGroupingNodeKey{ClassName: "bis.Element"})
	require.Len(t, result.GroupedChildren[hierarchy.KeyString(physical.Key)], 2)
	require.Len(t, result.GroupedChildren[hierarchy.KeyString(element.Key)], 2)
	require.Equal(t, "Physical Element", physical.Label)
}

func TestGroupSiblingsBaseClassSkipsUnrelated(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	params := &hierarchy.GroupingParams{ByBaseClasses: []string{"bis.PhysicalElement"}}
	siblings := []*hierarchy.SourceNode{
		instanceNode("bis.Annotation", "0x1", "note", params),
	}

	result, err := g.GroupSiblings(ctx, nil, nil, siblings)
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	require.IsType(t, hierarchy.InstancesNodeKey{}, result.Nodes[0].Key, "nodes outside every base class stay ungrouped")
}

func TestGroupSiblingsByLabel(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	group := &hierarchy.GroupingParams{ByLabel: &hierarchy.LabelGroupingParams{Action: hierarchy.LabelGroupingActionGroup}}
	siblings := []*hierarchy.SourceNode{
		instanceNode("bis.Wall", "0x1", "North Wall", group),
		instanceNode("bis.Wall", "0x2", "North Wall", group),
		instanceNode("bis.Wall", "0x3", "South Wall", group),
	}

	result, err := g.GroupSiblings(ctx, nil, nil, siblings)
	require.NoError(t, err)
	require.Len(t, result.Nodes, 2)

	north := groupingNodeByKey(t, result.Nodes, hierarchy.LabelGroupingNodeKey{Label: "North Wall"})
	require.Len(t, result.GroupedChildren[hierarchy.KeyString(north.Key)], 2)
}

func TestGroupSiblingsLabelMerge(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	merge := &hierarchy.GroupingParams{ByLabel: &hierarchy.LabelGroupingParams{Action: hierarchy.LabelGroupingActionMerge}}
	yes := true
	a := instanceNode("bis.Wall", "0x1", "Wall", merge)
	a.HasChildren = &yes
	b := instanceNode("bis.Wall", "0x2", "Wall", merge)
	no := false
	b.HasChildren = &no

	result, err := g.GroupSiblings(ctx, nil, nil, []*hierarchy.SourceNode{a, b})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	require.Empty(t, result.GroupedChildren, "merge produces no grouping node")

	merged := result.Nodes[0]
	key, ok := merged.Key.(hierarchy.InstancesNodeKey)
	require.True(t, ok)
	require.Equal(t, []hierarchy.InstanceKey{
		{ClassName: "bis.Wall", InstanceID: "0x1"},
		{ClassName: "bis.Wall", InstanceID: "0x2"},
	}, key.InstanceKeys)
	require.NotNil(t, merged.HasChildren)
	require.True(t, *merged.HasChildren)
	require.Nil(t, merged.Processing.Grouping)
}

func TestGroupSiblingsLabelMergeSeparatesGroupIDs(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	mergeA := &hierarchy.GroupingParams{ByLabel: &hierarchy.LabelGroupingParams{Action: hierarchy.LabelGroupingActionMerge, GroupID: "a"}}
	mergeB := &hierarchy.GroupingParams{ByLabel: &hierarchy.LabelGroupingParams{Action: hierarchy.LabelGroupingActionMerge, GroupID: "b"}}

	result, err := g.GroupSiblings(ctx, nil, nil, []*hierarchy.SourceNode{
		instanceNode("bis.Wall", "0x1", "Wall", mergeA),
		instanceNode("bis.Wall", "0x2", "Wall", mergeB),
	})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 2, "distinct group ids must not merge together")
}

func TestGroupSiblingsByPropertyValue(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	paint := func(color string) *hierarchy.GroupingParams {
		v := metadata.StringValue(color)
		return &hierarchy.GroupingParams{ByProperties: &hierarchy.PropertyGroupingParams{
			PropertyClassName: "bis.Wall",
			Properties:        []hierarchy.PropertyGroupSpec{{PropertyName: "Color", Value: &v}},
		}}
	}

	result, err := g.GroupSiblings(ctx, nil, nil, []*hierarchy.SourceNode{
		instanceNode("bis.Wall", "0x1", "wall a", paint("Red")),
		instanceNode("bis.Wall", "0x2", "wall b", paint("Red")),
		instanceNode("bis.Wall", "0x3", "wall c", paint("Blue")),
	})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 2)

	red := groupingNodeByKey(t, result.Nodes, hierarchy.PropertyValueGroupingNodeKey{
		PropertyClassName: "bis.Wall", PropertyName: "Color", FormattedValue: "Red",
	})
	require.Equal(t, "Red", red.Label)
	require.Len(t, result.GroupedChildren[hierarchy.KeyString(red.Key)], 2)
}

func TestGroupSiblingsByPropertyRanges(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	length := func(value float64) *hierarchy.GroupingParams {
		v := metadata.FloatValue(value)
		return &hierarchy.GroupingParams{ByProperties: &hierarchy.PropertyGroupingParams{
			PropertyClassName: "bis.Wall",
			Properties: []hierarchy.PropertyGroupSpec{{
				PropertyName: "Length",
				Value:        &v,
				Ranges: []hierarchy.PropertyRange{
					{FromValue: 0, ToValue: 5, Label: "Short"},
					{FromValue: 5.001, ToValue: 100},
				},
				CreateGroupForOtherValues: true,
			}},
		}}
	}

	result, err := g.GroupSiblings(ctx, nil, nil, []*hierarchy.SourceNode{
		instanceNode("bis.Wall", "0x1", "wall a", length(2)),
		instanceNode("bis.Wall", "0x2", "wall b", length(50)),
		instanceNode("bis.Wall", "0x3", "wall c", length(1000)),
	})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 3)

	short := groupingNodeByKey(t, result.Nodes, hierarchy.PropertyRangeGroupingNodeKey{
		PropertyClassName: "bis.Wall", PropertyName: "Length", FromValue: 0, ToValue: 5,
	})
	require.Equal(t, "Short", short.Label)

	long := groupingNodeByKey(t, result.Nodes, hierarchy.PropertyRangeGroupingNodeKey{
		PropertyClassName: "bis.Wall", PropertyName: "Length", FromValue: 5.001, ToValue: 100,
	})
	require.Equal(t, "5.001 - 100", long.Label, "ranges without a label get a default")

	other := groupingNodeByKey(t, result.Nodes, hierarchy.PropertyOtherValuesGroupingNodeKey{
		PropertyClassName: "bis.Wall", PropertyName: "Length",
	})
	require.Equal(t, "Other", other.Label)
	require.Len(t, result.GroupedChildren[hierarchy.KeyString(other.Key)], 1)
}

func TestGroupSiblingsByPropertyUnspecified(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	params := &hierarchy.GroupingParams{ByProperties: &hierarchy.PropertyGroupingParams{
		PropertyClassName:               "bis.Wall",
		Properties:                      []hierarchy.PropertyGroupSpec{{PropertyName: "Color", Value: nil}},
		CreateGroupForUnspecifiedValues: true,
	}}

	result, err := g.GroupSiblings(ctx, nil, nil, []*hierarchy.SourceNode{
		instanceNode("bis.Wall", "0x1", "wall a", params),
	})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	require.Equal(t, "Not specified", result.Nodes[0].Label)
}

func TestGroupSiblingsPrecedence(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	// base class grouping outranks class, property and label grouping
	v := metadata.StringValue("Red")
	all := &hierarchy.GroupingParams{
		ByClass:       true,
		ByBaseClasses: []string{"bis.PhysicalElement"},
		ByLabel:       &hierarchy.LabelGroupingParams{Action: hierarchy.LabelGroupingActionGroup},
		ByProperties: &hierarchy.PropertyGroupingParams{
			PropertyClassName: "bis.Wall",
			Properties:        []hierarchy.PropertyGroupSpec{{PropertyName: "Color", Value: &v}},
		},
	}

	result, err := g.GroupSiblings(ctx, nil, nil, []*hierarchy.SourceNode{
		instanceNode("bis.Wall", "0x1", "wall a", all),
	})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	require.IsType(t, hierarchy.BaseClassGroupingNodeKey{}, result.Nodes[0].Key)
}

func TestGroupSiblingsIdempotence(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	byClass := &hierarchy.GroupingParams{ByClass: true}
	first, err := g.GroupSiblings(ctx, nil, nil, []*hierarchy.SourceNode{
		instanceNode("bis.Wall", "0x1", "wall a", byClass),
	})
	require.NoError(t, err)
	require.Len(t, first.Nodes, 1)

	// re-running over an already grouped level with a straggler merges into
	// the existing grouping node instead of duplicating it
	again := append([]*hierarchy.SourceNode{}, first.Nodes...)
	again = append(again, instanceNode("bis.Wall", "0x2", "wall b", byClass))
	second, err := g.GroupSiblings(ctx, nil, nil, again)
	require.NoError(t, err)
	require.Len(t, second.Nodes, 1)

	group := second.Nodes[0]
	require.IsType(t, hierarchy.ClassGroupingNodeKey{}, group.Key)
	require.Equal(t, []hierarchy.InstanceKey{
		{ClassName: "bis.Wall", InstanceID: "0x1"},
		{ClassName: "bis.Wall", InstanceID: "0x2"},
	}, group.GroupedInstanceKeys)
}

func TestGroupSiblingsUnderParent(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	parent := &hierarchy.Node{Key: hierarchy.GenericNodeKey{ID: "model"}, Label: "Model"}
	levelPath := parent.PathKeys()

	byClass := &hierarchy.GroupingParams{ByClass: true}
	child := instanceNode("bis.Wall", "0x1", "wall a", byClass)
	child.ParentKeys = levelPath

	result, err := g.GroupSiblings(ctx, parent, levelPath, []*hierarchy.SourceNode{child})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)

	group := result.Nodes[0]
	require.Equal(t, levelPath, group.ParentKeys)
	require.Same(t, parent, group.NonGroupingAncestor)

	children := result.GroupedChildren[hierarchy.KeyString(group.Key)]
	require.Len(t, children, 1)
	require.Equal(t, append(levelPath, group.Key), children[0].ParentKeys)
}

func TestGroupSiblingsPropagatesFilterTargetAncestor(t *testing.T) {
	ctx := context.Background()
	g := newTestGrouper()

	byClass := &hierarchy.GroupingParams{ByClass: true}
	child := instanceNode("bis.Wall", "0x1", "wall a", byClass)
	child.Filtering = &hierarchy.FilterState{HasFilterTargetAncestor: true}

	result, err := g.GroupSiblings(ctx, nil, nil, []*hierarchy.SourceNode{child})
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	require.NotNil(t, result.Nodes[0].Filtering)
	require.True(t, result.Nodes[0].Filtering.HasFilterTargetAncestor)
}
