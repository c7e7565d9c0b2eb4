// Package scheduler bounds concurrent row query executions and shares their
// result streams. Identical queries scheduled while a previous execution is
// alive attach to the same stream: already emitted rows are replayed from a
// buffer and future rows are delivered to every subscriber, so the
// underlying query never runs twice for one scheduled job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/itwin/hierarchies/internal/build"
	"github.com/itwin/hierarchies/pkg/hierarchy"
	"github.com/itwin/hierarchies/pkg/logger"
	"github.com/itwin/hierarchies/pkg/rowsource"
)

var (
	tracer = otel.Tracer("hierarchies/internal/scheduler")

	timeWaitingHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "time_waiting_for_query_slot_ms",
		Help:      "Time (in ms) spent waiting for a concurrent query execution slot.",
		Buckets:   []float64{1, 10, 25, 50, 100, 1000, 5000},
	})

	sharedStreamQueryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "scheduled_queries_total",
		Help:      "Total number of scheduled queries labeled by whether an existing shared stream served them.",
	}, []string{"shared"})

	currentSharedStreamCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "current_shared_stream_count",
		Help:      "The current number of live shared query result streams.",
	})

	errSharedStreamWatchdog = errors.New("shared query stream watchdog timeout")
)

const (
	// DefaultConcurrencyLimit bounds concurrently executing queries.
	DefaultConcurrencyLimit = 10

	defaultStreamStorageLimit = 1000000
	defaultStreamTargetSize   = 1000
	defaultMaxAliveTime       = 5 * time.Minute
)

type streamStorage struct {
	// mu guards the registry. Each sharedStream carries its own mutex; the
	// lock order is registry first, then stream — never take mu while a
	// stream's mutex is held.
	mu      sync.Mutex
	streams map[string]*internalSharedStream // protected by mu
	limit   int
}

type internalSharedStream struct {
	counter uint64 // indirectly protected by the surrounding mutex
	stream  *sharedStream
}

// Scheduler owns the execution slots and the shared stream registry for one
// hierarchy provider.
type Scheduler struct {
	executor     rowsource.Executor
	logger       logger.Logger
	limiter      chan struct{}
	storage      *streamStorage
	maxAliveTime time.Duration
	targetSize   int
}

type Opt func(*Scheduler)

// WithLogger sets the logger for the Scheduler.
func WithLogger(l logger.Logger) Opt {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithConcurrencyLimit bounds concurrently executing queries. Executions
// beyond the limit queue in submission order.
func WithConcurrencyLimit(n int) Opt {
	return func(s *Scheduler) {
		s.limiter = make(chan struct{}, n)
	}
}

// WithMaxAliveTime sets the watchdog timeout after which an unreleased
// shared stream is reclaimed.
func WithMaxAliveTime(d time.Duration) Opt {
	return func(s *Scheduler) {
		s.maxAliveTime = d
	}
}

// WithStreamStorageLimit caps how many shared streams are registered at
// once; schedules beyond the cap bypass sharing.
func WithStreamStorageLimit(limit int) Opt {
	return func(s *Scheduler) {
		s.storage.limit = limit
	}
}

func New(executor rowsource.Executor, opts ...Opt) *Scheduler {
	s := &Scheduler{
		executor: executor,
		logger:   logger.NewNoopLogger(),
		limiter:  make(chan struct{}, DefaultConcurrencyLimit),
		storage: &streamStorage{
			streams: map[string]*internalSharedStream{},
			limit:   defaultStreamStorageLimit,
		},
		maxAliveTime: defaultMaxAliveTime,
		targetSize:   defaultStreamTargetSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule executes the query, or attaches to an equal in-flight execution's
// shared stream. Failures are delivered to every subscriber of the stream;
// nothing is retried.
func (s *Scheduler) Schedule(ctx context.Context, query hierarchy.Query, opts rowsource.ExecuteOptions) (hierarchy.SourceNodeIterator, error) {
	ctx, span := tracer.Start(ctx, "scheduler.Schedule")
	defer span.End()

	key := queryKey(query, opts)
	span.SetAttributes(attribute.String("query_key", key))

	s.storage.mu.Lock()

	keyItem, found := s.storage.streams[key]
	if found {
		keyItem.counter++
		s.storage.mu.Unlock()
		keyItem.stream.mu.Lock()

		span.SetAttributes(attribute.Bool("shared", true))

		// by the time we have access to keyItem.stream.mu, the inner
		// iterator is already set OR initializationErr is set (for which
		// clone fails).
		item, err := keyItem.stream.clone()
		if err != nil {
			// Unlock before re-executing to avoid holding the lock across
			// the expensive operation.
			keyItem.stream.mu.Unlock()
			s.deref(key)
			return s.execute(ctx, query, opts)
		}
		keyItem.stream.mu.Unlock()
		sharedStreamQueryCounter.WithLabelValues("true").Inc()
		return item, nil
	}

	if len(s.storage.streams) >= s.storage.limit {
		s.storage.mu.Unlock()
		span.SetAttributes(attribute.Bool("overlimit", true))
		// we cannot share this stream because we have reached the size limit.
		return s.execute(ctx, query, opts)
	}

	newStream := newSharedStream(s, key, s.maxAliveTime, s.targetSize)
	newStream.mu.Lock()

	s.storage.streams[key] = &internalSharedStream{
		counter: 1,
		stream:  newStream,
	}
	currentSharedStreamCount.Inc()
	s.storage.mu.Unlock()
	span.SetAttributes(attribute.Bool("shared", false))

	actual, err := s.execute(ctx, query, opts)
	if err != nil {
		newStream.initializationErr = err
		newStream.mu.Unlock()
		s.deref(key)
		return nil, err
	}

	// protected by newStream.mu: no clone observes inner until it is set.
	newStream.inner = actual
	newStream.mu.Unlock()

	sharedStreamQueryCounter.WithLabelValues("false").Inc()
	return newStream, nil
}

// execute runs the query through the executor while holding a concurrency
// slot for the duration of the call.
func (s *Scheduler) execute(ctx context.Context, query hierarchy.Query, opts rowsource.ExecuteOptions) (hierarchy.SourceNodeIterator, error) {
	start := time.Now()
	select {
	case s.limiter <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	timeWaitingHistogram.Observe(float64(time.Since(start).Milliseconds()))
	defer func() {
		<-s.limiter
	}()

	iter, err := s.executor.Execute(ctx, query, opts)
	if err != nil {
		if errors.Is(err, hierarchy.ErrRowsLimitExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", hierarchy.ErrQueryExecutionFailed, err)
	}
	return iter, nil
}

// deref decrements the key's reference count and removes the shared stream
// once the last subscriber detached. Removal abandons the underlying
// execution; a later schedule of the same query runs fresh.
func (s *Scheduler) deref(key string) {
	s.storage.mu.Lock()
	item, ok := s.storage.streams[key]
	if !ok {
		s.storage.mu.Unlock()
		s.logger.Error("failed to dereference shared stream key", zap.String("queryKey", key))
		return
	}
	item.counter--
	if item.counter == 0 {
		currentSharedStreamCount.Dec()
		delete(s.storage.streams, key)
		s.storage.mu.Unlock()
		item.stream.cleanup()
		return
	}
	s.storage.mu.Unlock()
}

// watchdogTimeout is called by a sharedStream to clean itself up when it was
// leaked without being stopped.
func (s *Scheduler) watchdogTimeout(key string, streamPtr *sharedStream) {
	s.storage.mu.Lock()
	item, ok := s.storage.streams[key]
	if !ok {
		// the watchdog timer can run after the item was dereferenced.
		s.storage.mu.Unlock()
		s.logger.Debug("shared stream watchdog found no key", zap.String("queryKey", key))
		return
	}
	if item.stream != streamPtr {
		// dereferenced and re-created in the meantime; clean up only the
		// timed-out stream.
		s.storage.mu.Unlock()
		streamPtr.cleanup()
		return
	}
	delete(s.storage.streams, key)
	currentSharedStreamCount.Dec()
	s.storage.mu.Unlock()
	item.stream.cleanup()
}

// queryKey computes a stable identity for a scheduled execution: query text,
// bindings and the row limit all participate, so two differently bounded
// executions of the same text never share a stream.
func queryKey(query hierarchy.Query, opts rowsource.ExecuteOptions) string {
	h := xxhash.New()
	_, _ = h.WriteString(query.Text)
	_, _ = h.WriteString("/")
	for _, b := range query.Bindings {
		_, _ = h.WriteString(b.Name)
		_, _ = h.WriteString("=")
		_, _ = h.WriteString(fmt.Sprintf("%v", b.Value))
		_, _ = h.WriteString(",")
	}
	_, _ = h.WriteString("/limit:")
	_, _ = h.WriteString(strconv.FormatInt(opts.RowLimit, 10))
	return strconv.FormatUint(h.Sum64(), 10)
}
