package manager

import "scriptresolver/internal/locator"

type EventKind string

const (
	EventResolving   EventKind = "resolving"
	EventResolved    EventKind = "resolved"
	EventPrefetching EventKind = "prefetching"
	EventLoading     EventKind = "loading"
	EventLoaded      EventKind = "loaded"
	EventInvalidated EventKind = "invalidated"
	EventError       EventKind = "error"
)

type Event struct {
	Kind     EventKind
	ScriptID string
	CallerID string
	// Locator is set for resolved, prefetching, loading and loaded.
	Locator *locator.Locator
	// ScriptIDs is set for invalidated.
	ScriptIDs []string
	Err       error
}

type listener struct {
	id int
	fn func(Event)
}

// Subscribe registers fn for every event and returns a function removing it.
// Listeners run synchronously on the goroutine that produced the event.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.nextListener++
	id := m.nextListener
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	return func() {
		m.listenerMu.Lock()
		defer m.listenerMu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) emit(evt Event) {
	m.listenerMu.RLock()
	listeners := append([]listener(nil), m.listeners...)
	m.listenerMu.RUnlock()
	for _, l := range listeners {
		l.fn(evt)
	}
}
