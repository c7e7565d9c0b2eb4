package provider

import "github.com/itwin/hierarchies/pkg/hierarchy"

// ChangeEvent describes why the hierarchy must be re-requested. An event
// with no payload set means the underlying data source changed.
type ChangeEvent struct {
	// FormatterChange is set when the value formatter was replaced. Node
	// identities are unchanged, only labels need re-rendering.
	FormatterChange *FormatterChangeInfo

	// FilterChange is set when the hierarchy filter was replaced or reset.
	FilterChange *FilterChangeInfo
}

type FormatterChangeInfo struct{}

type FilterChangeInfo struct {
	// Paths is the newly applied filter's path set, empty when the filter
	// was reset.
	Paths []hierarchy.FilterPath
}

// OnHierarchyChanged registers a change subscriber and returns its
// unsubscribe function. Subscribers are invoked synchronously from the
// mutating call.
func (p *Provider) OnHierarchyChanged(fn func(ChangeEvent)) func() {
	p.listenersMu.Lock()
	id := p.nextListener
	p.nextListener++
	p.listeners[id] = fn
	p.listenersMu.Unlock()

	return func() {
		p.listenersMu.Lock()
		delete(p.listeners, id)
		p.listenersMu.Unlock()
	}
}

func (p *Provider) notify(event ChangeEvent) {
	p.listenersMu.Lock()
	subscribers := make([]func(ChangeEvent), 0, len(p.listeners))
	for _, fn := range p.listeners {
		subscribers = append(subscribers, fn)
	}
	p.listenersMu.Unlock()

	for _, fn := range subscribers {
		fn(event)
	}
}
