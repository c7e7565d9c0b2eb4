package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/itwin/hierarchies/pkg/hierarchy"
)

// sharedStream is a result stream shared by multiple subscribers. Every
// subscriber gets its own clone with an independent read head over a common
// row buffer; rows pulled from the underlying iterator by any subscriber are
// buffered and replayed to the others.
type sharedStream struct {
	manager      *Scheduler // non-changing
	key          string     // non-changing
	head         int
	maxAliveTime time.Duration

	mu                 *sync.Mutex
	initializationErr  error                         // shared - protected by mu, only inspected by clone()
	items              *[]*hierarchy.SourceNode      // shared - protected by mu
	inner              hierarchy.SourceNodeIterator  // shared - protected by mu
	sharedErr          *error                        // shared - protected by mu
	watchdogTimeoutErr *error                        // shared - protected by mu
	stopped            bool                          // not shared across clones - but protected by mu
	watchdogTimer      *time.Timer                   /* shared - protected by mu. The watchdog
	protects from leaks when a shared stream is never stopped: every action
	postpones the timeout by maxAliveTime, and on expiry the manager cleans
	the stream up. */
}

var _ hierarchy.SourceNodeIterator = (*sharedStream)(nil)

func newSharedStream(manager *Scheduler, key string, maxAliveTime time.Duration, targetSize int) *sharedStream {
	s := &sharedStream{
		manager:      manager,
		key:          key,
		head:         0,
		maxAliveTime: maxAliveTime,

		mu:                 &sync.Mutex{},
		items:              new([]*hierarchy.SourceNode),
		inner:              nil,
		sharedErr:          new(error),
		watchdogTimeoutErr: new(error),
	}
	*s.items = make([]*hierarchy.SourceNode, 0, targetSize)
	s.watchdogTimer = time.AfterFunc(maxAliveTime, s.watchdogTimeout)
	return s
}

// clone is called with mu held by the parent.
func (s *sharedStream) clone() (*sharedStream, error) {
	if s.initializationErr != nil {
		return nil, s.initializationErr
	}
	newStream := &sharedStream{
		manager:      s.manager,
		key:          s.key,
		head:         0,
		maxAliveTime: s.maxAliveTime,

		mu:                 s.mu,
		items:              s.items,
		inner:              s.inner,
		sharedErr:          s.sharedErr,
		watchdogTimer:      s.watchdogTimer,
		watchdogTimeoutErr: s.watchdogTimeoutErr,
	}
	newStream.watchdogTimer.Reset(s.maxAliveTime)
	return newStream, nil
}

func (s *sharedStream) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner != nil {
		s.inner.Stop()
	}
	if s.watchdogTimer != nil {
		s.watchdogTimer.Stop()
	}
	s.inner = nil
	s.watchdogTimer = nil
}

// watchdogTimeout revokes the stream: further Next calls fail, and the
// manager drops the registry entry.
func (s *sharedStream) watchdogTimeout() {
	s.mu.Lock()
	*s.watchdogTimeoutErr = errSharedStreamWatchdog
	s.mu.Unlock()
	s.manager.watchdogTimeout(s.key, s)
}

func (s *sharedStream) Next(ctx context.Context) (*hierarchy.SourceNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watchdogTimeoutErr != nil && *s.watchdogTimeoutErr != nil {
		return nil, *s.watchdogTimeoutErr
	}

	if s.watchdogTimer != nil {
		s.watchdogTimer.Reset(s.maxAliveTime)
	}

	if s.stopped {
		return nil, hierarchy.ErrIteratorDone
	}
	if s.head < len(*s.items) {
		currentHead := s.head
		s.head++
		return (*s.items)[currentHead], nil
	}
	if s.sharedErr != nil && *s.sharedErr != nil {
		// a previously seen error fails every subscriber; no need to pull
		// more items.
		return nil, *s.sharedErr
	}

	item, err := s.inner.Next(ctx)
	if err != nil {
		*s.sharedErr = err
		return nil, err
	}
	*s.items = append(*s.items, item)
	s.head++
	return item, nil
}

func (s *sharedStream) Stop() {
	s.mu.Lock()
	if s.stopped {
		// stopping more than once is fine, but only the first stop may
		// decrement the reference count.
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if s.watchdogTimer != nil {
		s.watchdogTimer.Reset(s.maxAliveTime)
	}
	s.manager.deref(s.key)
}
