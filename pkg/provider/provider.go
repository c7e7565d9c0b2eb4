// Package provider wires the hierarchy building engine together and exposes
// the public entry points: node streaming, instance key streaming,
// formatter and hierarchy filter mutation and a change notification event.
package provider

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/itwin/hierarchies/internal/filtering"
	"github.com/itwin/hierarchies/internal/hierarchycache"
	"github.com/itwin/hierarchies/internal/pipeline"
	"github.com/itwin/hierarchies/internal/scheduler"
	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/logger"
	"github.com/itwin/hierarchies/pkg/metadata"
	"github.com/itwin/hierarchies/pkg/rowsource"
)

var tracer = otel.Tracer("hierarchies/pkg/provider")

// ErrDisposed is returned by operations on a disposed provider.
var ErrDisposed = errors.New("hierarchy provider is disposed")

const (
	// DefaultLevelSizeLimit caps rows per hierarchy level unless a request
	// overrides it.
	DefaultLevelSizeLimit int64 = 1000

	// UnboundedLevelSize disables the per-level row cap.
	UnboundedLevelSize = rowsource.UnboundedRowLimit

	defaultCacheSize = 50
)

// GetNodesRequest asks for the child level of a parent node. A nil Parent
// requests the root level.
type GetNodesRequest struct {
	Parent         *hierarchy.Node
	InstanceFilter string

	// HierarchyLevelSizeLimit caps the level's row count. 0 applies the
	// provider's default; UnboundedLevelSize disables the cap. Exceeding
	// the cap fails the request with hierarchy.ErrRowsLimitExceeded.
	HierarchyLevelSizeLimit int64
}

// GetNodeInstanceKeysRequest asks for the instance identities of a parent's
// child level, recursing through hidden levels and skipping grouping
// materialization.
type GetNodeInstanceKeysRequest struct {
	Parent         *hierarchy.Node
	InstanceFilter string
}

// Provider materializes a hierarchy from one data source. It owns its
// hierarchy cache and query scheduler exclusively.
type Provider struct {
	executor   rowsource.Executor
	inspector  metadata.Inspector
	definition hierarchy.LevelDefinition
	sourceName string

	logger    logger.Logger
	scheduler *scheduler.Scheduler
	cache     *hierarchycache.Cache
	pipe      *pipeline.Pipeline

	defaultLevelSizeLimit int64
	cacheSize             int
	queryConcurrency      int
	dataEvents            <-chan struct{}

	mu               sync.Mutex
	formatter        metadata.Formatter
	filter           *hierarchy.HierarchyFilter
	activeDefinition hierarchy.LevelDefinition

	listenersMu sync.Mutex
	listeners   map[int]func(ChangeEvent)
	nextListener int

	ctx         context.Context
	cancel      context.CancelFunc
	disposeOnce sync.Once
}

type Opt func(*Provider)

// WithLogger sets the logger for the provider and its engine layers.
func WithLogger(l logger.Logger) Opt {
	return func(p *Provider) {
		p.logger = l
	}
}

// WithCacheSize sets the number of concurrently cached query variations.
// A size of 0 disables caching: every request re-executes its level
// definition and queries.
func WithCacheSize(size int) Opt {
	return func(p *Provider) {
		p.cacheSize = size
	}
}

// WithQueryConcurrencyLimit bounds concurrently executing row queries.
func WithQueryConcurrencyLimit(n int) Opt {
	return func(p *Provider) {
		p.queryConcurrency = n
	}
}

// WithDefaultLevelSizeLimit sets the row cap applied to requests that do
// not carry their own.
func WithDefaultLevelSizeLimit(limit int64) Opt {
	return func(p *Provider) {
		p.defaultLevelSizeLimit = limit
	}
}

// WithFormatter sets the initial value formatter.
func WithFormatter(f metadata.Formatter) Opt {
	return func(p *Provider) {
		p.formatter = f
	}
}

// WithSourceName tags the provider's nodes with the owning data source
// name, for use in merged multi-source hierarchies.
func WithSourceName(name string) Opt {
	return func(p *Provider) {
		p.sourceName = name
	}
}

// WithDataSourceChangeEvents subscribes the provider to a data change
// event source. Every received event invalidates the cache and notifies
// hierarchy change subscribers.
func WithDataSourceChangeEvents(ch <-chan struct{}) Opt {
	return func(p *Provider) {
		p.dataEvents = ch
	}
}

func New(executor rowsource.Executor, inspector metadata.Inspector, definition hierarchy.LevelDefinition, opts ...Opt) *Provider {
	p := &Provider{
		executor:              executor,
		inspector:             inspector,
		definition:            definition,
		logger:                logger.NewNoopLogger(),
		defaultLevelSizeLimit: DefaultLevelSizeLimit,
		cacheSize:             defaultCacheSize,
		queryConcurrency:      scheduler.DefaultConcurrencyLimit,
		formatter:             metadata.DefaultFormatter{},
		listeners:             map[int]func(ChangeEvent){},
	}
	for _, opt := range opts {
		opt(p)
	}

	p.scheduler = scheduler.New(executor,
		scheduler.WithLogger(p.logger),
		scheduler.WithConcurrencyLimit(p.queryConcurrency),
	)
	p.cache = hierarchycache.New(p.cacheSize)
	p.pipe = pipeline.New(p.logger)
	p.activeDefinition = definition
	p.ctx, p.cancel = context.WithCancel(context.Background())

	if p.dataEvents != nil {
		go p.watchDataEvents()
	}
	return p
}

func (p *Provider) watchDataEvents() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case _, ok := <-p.dataEvents:
			if !ok {
				return
			}
			p.NotifyDataSourceChanged()
		}
	}
}

// SourceName returns the data source tag the provider stamps on its nodes.
func (p *Provider) SourceName() string {
	return p.sourceName
}

// GetNodes returns the child level of the requested parent as a finite lazy
// sequence. Every call is an independent traversal; errors, including
// hierarchy.ErrRowsLimitExceeded, surface through the iterator's Next.
func (p *Provider) GetNodes(ctx context.Context, req GetNodesRequest) (hierarchy.NodeIterator, error) {
	if p.ctx.Err() != nil {
		return nil, ErrDisposed
	}
	return &lazyNodeIterator{
		build: func(ctx context.Context) ([]*hierarchy.Node, error) {
			ctx, span := tracer.Start(ctx, "provider.GetNodes")
			defer span.End()
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(p.ctx, cancel)
			defer stop()
			return p.buildLevel(ctx, req.Parent, req.InstanceFilter, p.resolveLimit(req.HierarchyLevelSizeLimit))
		},
	}, nil
}

func (p *Provider) resolveLimit(requested int64) int64 {
	if requested == 0 {
		return p.defaultLevelSizeLimit
	}
	return requested
}

// SetFormatter replaces the value formatter. A nil formatter restores the
// default. The hierarchy cache is invalidated and subscribers are notified
// with a formatter change payload, so they can re-render labels without
// discarding tree state.
func (p *Provider) SetFormatter(f metadata.Formatter) {
	p.mu.Lock()
	if f == nil {
		f = metadata.DefaultFormatter{}
	}
	p.formatter = f
	p.mu.Unlock()

	p.cache.Clear()
	p.notify(ChangeEvent{FormatterChange: &FormatterChangeInfo{}})
}

// SetHierarchyFilter installs or resets the hierarchy filter. The cache is
// invalidated and subscribers are notified with a filter change payload.
func (p *Provider) SetHierarchyFilter(filter *hierarchy.HierarchyFilter) {
	p.mu.Lock()
	p.filter = filter
	if filter == nil {
		p.activeDefinition = p.definition
	} else {
		p.activeDefinition = filtering.Wrap(p.definition, p.inspector, filter.Paths, p.logger)
	}
	p.mu.Unlock()

	p.cache.Clear()
	event := ChangeEvent{FilterChange: &FilterChangeInfo{}}
	if filter != nil {
		event.FilterChange.Paths = filter.Paths
	}
	p.notify(event)
}

// NotifyDataSourceChanged invalidates the cache and notifies subscribers
// with an empty payload.
func (p *Provider) NotifyDataSourceChanged() {
	p.cache.Clear()
	p.notify(ChangeEvent{})
}

func (p *Provider) currentDefinition() hierarchy.LevelDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeDefinition
}

func (p *Provider) currentFormatter() metadata.Formatter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.formatter
}

// Dispose cancels all traversals started through the provider and releases
// its resources. It is idempotent.
func (p *Provider) Dispose() {
	p.disposeOnce.Do(func() {
		p.cancel()
		p.cache.Stop()
		p.logger.Debug("hierarchy provider disposed", zap.String("source", p.sourceName))
	})
}

// lazyNodeIterator materializes its level on the first Next call, making
// GetNodes itself cheap and the sequence lazy.
type lazyNodeIterator struct {
	build  func(ctx context.Context) ([]*hierarchy.Node, error)
	inner  hierarchy.NodeIterator
	failed error
}

var _ hierarchy.NodeIterator = (*lazyNodeIterator)(nil)

func (l *lazyNodeIterator) Next(ctx context.Context) (*hierarchy.Node, error) {
	if l.failed != nil {
		return nil, l.failed
	}
	if l.inner == nil {
		nodes, err := l.build(ctx)
		if err != nil {
			l.failed = err
			return nil, err
		}
		l.inner = hierarchy.NewStaticIterator(nodes)
	}
	return l.inner.Next(ctx)
}

func (l *lazyNodeIterator) Stop() {
	if l.inner != nil {
		l.inner.Stop()
	}
	l.failed = hierarchy.ErrIteratorDone
}
