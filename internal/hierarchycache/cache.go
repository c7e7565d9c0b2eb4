// Package hierarchycache stores produced hierarchy levels keyed by parent
// node identity and request variation, so re-requesting a level skips level
// definition and query execution. Capacity is expressed as the number of
// concurrently cached query variations.
package hierarchycache

import (
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"

	"github.com/itwin/hierarchies/pkg/hierarchy"
)

const defaultTTL = time.Hour

// Status tags how far through the processing pipeline an entry's nodes got.
type Status int

const (
	// StatusProcessed entries hold finalized nodes ready to hand out.
	StatusProcessed Status = iota
	// StatusPreProcessed entries hold a pre-processed sibling set; reuse
	// re-enters the pipeline after the pre-processing stages (a grouping
	// node's children were pre-processed when the grouping node was
	// created).
	StatusPreProcessed
)

// Entry is one cached hierarchy level.
type Entry struct {
	Status Status

	// Nodes is set for StatusProcessed entries.
	Nodes []*hierarchy.Node

	// SourceNodes is set for StatusPreProcessed entries.
	SourceNodes []*hierarchy.SourceNode
}

// Cache is an LRU of hierarchy level entries. A size of 0 disables caching:
// Get always misses and Set is a no-op.
type Cache struct {
	mu     sync.Mutex
	size   int64
	ccache *ccache.Cache[*Entry]
}

func New(size int) *Cache {
	c := &Cache{size: int64(size)}
	if size > 0 {
		c.ccache = ccache.New(ccache.Configure[*Entry]().MaxSize(int64(size)))
	}
	return c
}

// Enabled reports whether the cache stores anything at all.
func (c *Cache) Enabled() bool {
	return c.size > 0
}

func (c *Cache) Get(key string) (*Entry, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.ccache.Get(key)
	if item == nil || item.Expired() {
		return nil, false
	}
	return item.Value(), true
}

func (c *Cache) Set(key string, entry *Entry) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ccache.Set(key, entry, defaultTTL)
}

// Clear drops every entry. It is called when the data source changes, when
// a hierarchy filter is set or reset and when the formatter changes, because
// all three can change which nodes a level would produce.
func (c *Cache) Clear() {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ccache.Clear()
}

// Stop cleans resources.
func (c *Cache) Stop() {
	if c.ccache != nil {
		c.ccache.Stop()
	}
}
