package hierarchycache

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/itwin/hierarchies/pkg/hierarchy"
)

// LevelKey computes a stable cache key for one hierarchy level request. The
// parent's key and full ancestor chain distinguish parent identity; the
// instance filter and size limit distinguish the request variation, so two
// filtered views of the same parent never collide.
func LevelKey(parent *hierarchy.Node, instanceFilter string, sizeLimit int64) string {
	h := xxhash.New()
	if parent != nil {
		for _, key := range parent.ParentKeys {
			_, _ = h.WriteString(hierarchy.KeyString(key))
			_, _ = h.WriteString("|")
		}
		_, _ = h.WriteString(hierarchy.KeyString(parent.Key))
	}
	// prefix separators avoid overlap between segments
	_, _ = h.WriteString("/filter:")
	_, _ = h.WriteString(instanceFilter)
	_, _ = h.WriteString("/limit:")
	_, _ = h.WriteString(strconv.FormatInt(sizeLimit, 10))
	return strconv.FormatUint(h.Sum64(), 10)
}

// PreProcessedKey computes the cache key a grouping node's pre-processed
// children are stored under.
func PreProcessedKey(groupingKey hierarchy.NodeKey, parentKeys []hierarchy.NodeKey) string {
	h := xxhash.New()
	_, _ = h.WriteString("pre/")
	for _, key := range parentKeys {
		_, _ = h.WriteString(hierarchy.KeyString(key))
		_, _ = h.WriteString("|")
	}
	_, _ = h.WriteString(hierarchy.KeyString(groupingKey))
	return strconv.FormatUint(h.Sum64(), 10)
}
