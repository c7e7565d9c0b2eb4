package hierarchy

import "github.com/itwin/hierarchies/pkg/metadata"

// LabelPart is one component of a structured node label. Parts are formatted
// and concatenated in order to produce the display label.
type LabelPart struct {
	Value metadata.TypedValue
}

// StringLabel builds a single-part label from a plain string.
func StringLabel(s string) []LabelPart {
	return []LabelPart{{Value: metadata.StringValue(s)}}
}

// Node is a finalized hierarchy node as handed to callers. Nodes are
// immutable value objects; ParentKeys lists ancestor keys root first and,
// together with Key, defines the node's path identity.
type Node struct {
	Key        NodeKey
	Label      string
	ParentKeys []NodeKey

	// HasChildren reports whether requesting this node's children yields at
	// least one node. A has-children probe that fails with a rows limit
	// error reports true.
	HasChildren bool

	AutoExpand bool

	// GroupedInstanceKeys is the union of the grouped children's instance
	// keys. Only set on grouping nodes.
	GroupedInstanceKeys []InstanceKey

	// NonGroupingAncestor is the nearest non-grouping ancestor of a grouping
	// node. It is used to recompute the grouping node's children when their
	// cached form is no longer available.
	NonGroupingAncestor *Node

	Filtering *FilterState
}

// PathKeys returns the node's full key chain including its own key.
func (n *Node) PathKeys() []NodeKey {
	keys := make([]NodeKey, 0, len(n.ParentKeys)+1)
	keys = append(keys, n.ParentKeys...)
	keys = append(keys, n.Key)
	return keys
}

// SourceNode is a node as produced by level definitions and query row
// parsing, before the processing pipeline has run. The pipeline consumes
// source nodes and emits finalized Nodes.
type SourceNode struct {
	Key        NodeKey
	LabelParts []LabelPart
	Label      string
	ParentKeys []NodeKey

	// HasChildren is nil when children presence must be determined by a
	// probe during processing.
	HasChildren *bool

	AutoExpand bool

	Processing *ProcessingParams
	Filtering  *FilterState

	GroupedInstanceKeys []InstanceKey
	NonGroupingAncestor *Node
}

// Clone returns a copy of n that can be mutated without affecting the
// original: the key's instance keys and the node's slices get their own
// backing arrays. NonGroupingAncestor stays shared; finalized nodes are
// immutable.
func (n *SourceNode) Clone() *SourceNode {
	clone := *n
	clone.Key = CloneKey(n.Key)
	if n.LabelParts != nil {
		clone.LabelParts = append([]LabelPart(nil), n.LabelParts...)
	}
	if n.ParentKeys != nil {
		clone.ParentKeys = append([]NodeKey(nil), n.ParentKeys...)
	}
	if n.GroupedInstanceKeys != nil {
		clone.GroupedInstanceKeys = append([]InstanceKey(nil), n.GroupedInstanceKeys...)
	}
	if n.HasChildren != nil {
		known := *n.HasChildren
		clone.HasChildren = &known
	}
	if n.Processing != nil {
		params := *n.Processing
		clone.Processing = &params
	}
	if n.Filtering != nil {
		state := *n.Filtering
		clone.Filtering = &state
	}
	return &clone
}

// InstanceKeys returns the instance keys backing the node, or nil for nodes
// that are not instance-backed.
func (n *SourceNode) InstanceKeys() []InstanceKey {
	if key, ok := n.Key.(InstancesNodeKey); ok {
		return key.InstanceKeys
	}
	return nil
}

// ProcessingParams carry per-node instructions for the processing pipeline.
// They are stripped from nodes during finalization.
type ProcessingParams struct {
	// HideInHierarchy removes the node from the visible tree, splicing its
	// children in at its position.
	HideInHierarchy bool

	// HideIfNoChildren drops the node when a children probe finds none.
	HideIfNoChildren bool

	Grouping *GroupingParams
}

// GroupingParams opt an instance node into one or more grouping kinds.
type GroupingParams struct {
	ByClass       bool
	ByBaseClasses []string
	ByLabel       *LabelGroupingParams
	ByProperties  *PropertyGroupingParams
}

// LabelGroupingAction selects what label grouping produces.
type LabelGroupingAction string

const (
	// LabelGroupingActionGroup creates a label grouping node over the bucket.
	LabelGroupingActionGroup LabelGroupingAction = "group"
	// LabelGroupingActionMerge collapses the bucket into a single instances
	// node carrying the union of the bucket's instance keys.
	LabelGroupingActionMerge LabelGroupingAction = "merge"
)

type LabelGroupingParams struct {
	Action  LabelGroupingAction
	GroupID string
}

// PropertyGroupingParams group instances by one or more property value
// selectors.
type PropertyGroupingParams struct {
	PropertyClassName string
	Properties        []PropertyGroupSpec

	// CreateGroupForUnspecifiedValues buckets instances whose property value
	// is absent under a dedicated "unspecified" node.
	CreateGroupForUnspecifiedValues bool
	UnspecifiedValuesLabel          string
}

// PropertyGroupSpec selects one property to group by. When Ranges is set the
// grouping buckets by range instead of exact value.
type PropertyGroupSpec struct {
	PropertyName string
	// Value is the instance's value for the property. Property grouping works
	// on values carried with the rows because the engine does not query the
	// data source for additional properties.
	Value  *metadata.TypedValue
	Ranges []PropertyRange

	// CreateGroupForOtherValues buckets values outside every range under a
	// dedicated "other" node instead of leaving the instance ungrouped.
	CreateGroupForOtherValues bool
	OtherValuesLabel          string
}

// PropertyRange is a numeric or date range bucket. Label overrides the
// default "from - to" bucket label.
type PropertyRange struct {
	FromValue float64
	ToValue   float64
	Label     string
}
