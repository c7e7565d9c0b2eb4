package hierarchy

// Identifier is one element of a filter path: either an InstanceKey or a
// GenericNodeKey.
type Identifier interface {
	isIdentifier()
}

func (InstanceKey) isIdentifier()    {}
func (GenericNodeKey) isIdentifier() {}

// FilterPath is a sequence of node identifiers from the root to a target
// node. Options apply to the node the path terminates at.
type FilterPath struct {
	Identifiers []Identifier
	Options     *FilterTargetOptions
}

// RevealKind orders the reveal variants by merge priority.
type RevealKind int

const (
	RevealNone RevealKind = iota
	RevealDepthInHierarchy
	RevealDepthInPath
	RevealAlways
)

// Reveal controls how far the UI should scroll/reveal toward a filter
// target. When multiple paths terminate at one node their reveal options
// merge by priority: always beats depth-in-path, lower depth-in-path beats
// higher, depth-in-path beats depth-in-hierarchy, higher depth-in-hierarchy
// beats lower.
type Reveal struct {
	Kind  RevealKind
	Depth int
}

type FilterTargetOptions struct {
	AutoExpand bool
	Reveal     Reveal
}

// MergeTargetOptions merges options of multiple paths terminating at the
// same node. AutoExpand merges as logical OR.
func MergeTargetOptions(a, b *FilterTargetOptions) *FilterTargetOptions {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return &FilterTargetOptions{
		AutoExpand: a.AutoExpand || b.AutoExpand,
		Reveal:     mergeReveal(a.Reveal, b.Reveal),
	}
}

func mergeReveal(a, b Reveal) Reveal {
	if a.Kind != b.Kind {
		if a.Kind > b.Kind {
			return a
		}
		return b
	}
	switch a.Kind {
	case RevealDepthInPath:
		// closer to the path start wins
		if b.Depth < a.Depth {
			return b
		}
	case RevealDepthInHierarchy:
		// deeper in the hierarchy wins
		if b.Depth > a.Depth {
			return b
		}
	}
	return a
}

// FilterState is attached to nodes while a hierarchy filter is active.
type FilterState struct {
	// IsFilterTarget is true iff some filter path terminates exactly at this
	// node.
	IsFilterTarget bool
	TargetOptions  *FilterTargetOptions

	// HasFilterTargetAncestor is inherited by all descendants of a filter
	// target; once true it stays true down the tree.
	HasFilterTargetAncestor bool

	// ChildPaths are the remaining path suffixes to match against this
	// node's children.
	ChildPaths []FilterPath
}

// HierarchyFilter narrows a hierarchy to the nodes on the given identifier
// paths and their ancestors.
type HierarchyFilter struct {
	Paths []FilterPath
}
