// Package hierarchy contains the node model shared by the hierarchy building
// engine: node keys, nodes, labels, level definitions and the iterator
// contract used to stream them.
package hierarchy

import (
	"fmt"
	"strings"
)

// NodeKey identifies a node's origin and identity. It is a closed union:
// generic nodes, instance-backed nodes and the grouping node variants. Two
// nodes with equal keys but different parent key chains are distinct.
type NodeKey interface {
	isNodeKey()
}

// InstanceKey identifies a single instance in the data source. Source tags
// the owning data source when hierarchies from multiple sources are merged;
// it is empty in single-source hierarchies.
type InstanceKey struct {
	ClassName  string
	InstanceID string
	Source     string
}

func (k InstanceKey) Equal(other InstanceKey) bool {
	return k.ClassName == other.ClassName && k.InstanceID == other.InstanceID && k.Source == other.Source
}

func (k InstanceKey) String() string {
	if k.Source == "" {
		return fmt.Sprintf("%s/%s", k.ClassName, k.InstanceID)
	}
	return fmt.Sprintf("%s/%s@%s", k.ClassName, k.InstanceID, k.Source)
}

// GenericNodeKey identifies a node that is not backed by data source
// instances.
type GenericNodeKey struct {
	ID     string
	Source string
}

// InstancesNodeKey identifies a node backed by one or more instances.
// Multiple instances with an equal key set are represented by one node.
type InstancesNodeKey struct {
	InstanceKeys []InstanceKey
}

// ClassGroupingNodeKey identifies a node grouping instances by their exact
// declared class.
type ClassGroupingNodeKey struct {
	ClassName string
}

// BaseClassGroupingNodeKey identifies a node grouping instances whose class
// derives from the given base class.
type BaseClassGroupingNodeKey struct {
	ClassName string
}

// LabelGroupingNodeKey identifies a node grouping instances by display label.
// GroupID separates label groups that share a label but were requested with
// distinct explicit group ids.
type LabelGroupingNodeKey struct {
	Label   string
	GroupID string
}

// PropertyValueGroupingNodeKey identifies a node grouping instances by an
// exact formatted property value.
type PropertyValueGroupingNodeKey struct {
	PropertyClassName string
	PropertyName      string
	FormattedValue    string
}

// PropertyRangeGroupingNodeKey identifies a node grouping instances whose
// property value falls into a configured range.
type PropertyRangeGroupingNodeKey struct {
	PropertyClassName string
	PropertyName      string
	FromValue         float64
	ToValue           float64
}

// PropertyOtherValuesGroupingNodeKey identifies the bucket for values that
// fall outside every configured range.
type PropertyOtherValuesGroupingNodeKey struct {
	PropertyClassName string
	PropertyName      string
}

func (GenericNodeKey) isNodeKey()                     {}
func (InstancesNodeKey) isNodeKey()                   {}
func (ClassGroupingNodeKey) isNodeKey()               {}
func (BaseClassGroupingNodeKey) isNodeKey()           {}
func (LabelGroupingNodeKey) isNodeKey()               {}
func (PropertyValueGroupingNodeKey) isNodeKey()       {}
func (PropertyRangeGroupingNodeKey) isNodeKey()       {}
func (PropertyOtherValuesGroupingNodeKey) isNodeKey() {}

// IsGroupingKey returns true for the grouping node key variants.
func IsGroupingKey(k NodeKey) bool {
	switch k.(type) {
	case ClassGroupingNodeKey, BaseClassGroupingNodeKey, LabelGroupingNodeKey,
		PropertyValueGroupingNodeKey, PropertyRangeGroupingNodeKey, PropertyOtherValuesGroupingNodeKey:
		return true
	}
	return false
}

// KeysEqual compares two node keys of any kind. Instances node keys require
// the same instance keys in the same order.
func KeysEqual(a, b NodeKey) bool {
	switch ak := a.(type) {
	case GenericNodeKey:
		bk, ok := b.(GenericNodeKey)
		return ok && ak == bk
	case InstancesNodeKey:
		bk, ok := b.(InstancesNodeKey)
		if !ok || len(ak.InstanceKeys) != len(bk.InstanceKeys) {
			return false
		}
		for i := range ak.InstanceKeys {
			if !ak.InstanceKeys[i].Equal(bk.InstanceKeys[i]) {
				return false
			}
		}
		return true
	case ClassGroupingNodeKey:
		bk, ok := b.(ClassGroupingNodeKey)
		return ok && ak == bk
	case BaseClassGroupingNodeKey:
		bk, ok := b.(BaseClassGroupingNodeKey)
		return ok && ak == bk
	case LabelGroupingNodeKey:
		bk, ok := b.(LabelGroupingNodeKey)
		return ok && ak == bk
	case PropertyValueGroupingNodeKey:
		bk, ok := b.(PropertyValueGroupingNodeKey)
		return ok && ak == bk
	case PropertyRangeGroupingNodeKey:
		bk, ok := b.(PropertyRangeGroupingNodeKey)
		return ok && ak == bk
	case PropertyOtherValuesGroupingNodeKey:
		bk, ok := b.(PropertyOtherValuesGroupingNodeKey)
		return ok && ak == bk
	}
	return false
}

// KeyString returns a stable string form of a node key, usable for hashing
// and map keys.
func KeyString(k NodeKey) string {
	switch key := k.(type) {
	case GenericNodeKey:
		if key.Source == "" {
			return "generic:" + key.ID
		}
		return "generic:" + key.ID + "@" + key.Source
	case InstancesNodeKey:
		parts := make([]string, 0, len(key.InstanceKeys))
		for _, ik := range key.InstanceKeys {
			parts = append(parts, ik.String())
		}
		return "instances:" + strings.Join(parts, ",")
	case ClassGroupingNodeKey:
		return "class-group:" + key.ClassName
	case BaseClassGroupingNodeKey:
		return "base-class-group:" + key.ClassName
	case LabelGroupingNodeKey:
		return "label-group:" + key.Label + "#" + key.GroupID
	case PropertyValueGroupingNodeKey:
		return fmt.Sprintf("property-group:%s.%s=%s", key.PropertyClassName, key.PropertyName, key.FormattedValue)
	case PropertyRangeGroupingNodeKey:
		return fmt.Sprintf("property-range-group:%s.%s=[%v,%v]", key.PropertyClassName, key.PropertyName, key.FromValue, key.ToValue)
	case PropertyOtherValuesGroupingNodeKey:
		return fmt.Sprintf("property-other-group:%s.%s", key.PropertyClassName, key.PropertyName)
	}
	return ""
}

// CloneKey returns a copy of k that shares no mutable state with the
// original. Only instances node keys carry a slice; the remaining variants
// are plain values.
func CloneKey(k NodeKey) NodeKey {
	if key, ok := k.(InstancesNodeKey); ok {
		return InstancesNodeKey{InstanceKeys: append([]InstanceKey(nil), key.InstanceKeys...)}
	}
	return k
}

// PathsEqual compares two ancestor key chains element-wise.
func PathsEqual(a, b []NodeKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !KeysEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// MergeInstanceKeys unions two instance key slices, preserving the order of
// first appearance.
func MergeInstanceKeys(a, b []InstanceKey) []InstanceKey {
	merged := make([]InstanceKey, 0, len(a)+len(b))
	merged = append(merged, a...)
	for _, k := range b {
		found := false
		for _, existing := range merged {
			if existing.Equal(k) {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, k)
		}
	}
	return merged
}
