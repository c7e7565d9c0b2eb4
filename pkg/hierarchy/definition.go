package hierarchy

import "context"

// Query is a row query to be executed by the data source's query engine. The
// query text dialect is owned by the executor; the engine only schedules
// execution and consumes rows.
type Query struct {
	Text     string
	Bindings []QueryBinding
}

type QueryBinding struct {
	Name  string
	Value any
}

// LevelRequest describes one hierarchy level to define. Parent is nil for
// the root level. InstanceFilter is an opaque per-level filter the
// definition may fold into its queries; it participates in cache variation
// keys.
type LevelRequest struct {
	Parent         *Node
	InstanceFilter string
}

// LevelEntry is one element of a level definition result: either a
// ready-made node or a query producing instance nodes. A level may mix both.
type LevelEntry interface {
	isLevelEntry()
}

// GenericNodeEntry supplies a ready-made node that is not backed by a query.
type GenericNodeEntry struct {
	Node SourceNode
}

// QueryEntry supplies a query whose rows are parsed into instance nodes of
// the given class.
type QueryEntry struct {
	// FullClassName is the fully qualified class of the instances the query
	// selects. Filtering matches it against filter path identifiers.
	FullClassName string
	Query         Query

	// FilterPaths carries the identifier paths that matched this entry when
	// a filtering definition produced it. Nil when the level is unfiltered.
	FilterPaths []FilterPath

	// HasFilterTargetAncestor is propagated to every node parsed from this
	// entry's rows.
	HasFilterTargetAncestor bool
}

func (GenericNodeEntry) isLevelEntry() {}
func (QueryEntry) isLevelEntry()       {}

// LevelDefinition produces the entries of one hierarchy level for a parent
// node. Implementations are the pluggable heart of a hierarchy: they decide
// what each node type's children are.
type LevelDefinition interface {
	DefineLevel(ctx context.Context, req *LevelRequest) ([]LevelEntry, error)
}

// LevelDefinitionFunc adapts a function to the LevelDefinition interface.
type LevelDefinitionFunc func(ctx context.Context, req *LevelRequest) ([]LevelEntry, error)

func (f LevelDefinitionFunc) DefineLevel(ctx context.Context, req *LevelRequest) ([]LevelEntry, error) {
	return f(ctx, req)
}

// PreProcessor is optionally implemented by level definitions to inspect or
// drop nodes before hiding and grouping run. Returning nil drops the node.
type PreProcessor interface {
	PreProcessNode(ctx context.Context, node *SourceNode) (*SourceNode, error)
}

// PostProcessor is optionally implemented by level definitions to adjust
// nodes after grouping, when children's filter state is known.
type PostProcessor interface {
	PostProcessNode(ctx context.Context, node *SourceNode) (*SourceNode, error)
}
