// ABOUTME: Notification sink composed into every Store: open, close, error and change events
// ABOUTME: Change subscriptions require a change bus; every listener is dropped after close

package kv

import (
	"sync"
)

// EventType names a notification.
type EventType string

const (
	EventOpen   EventType = "open"
	EventClose  EventType = "close"
	EventError  EventType = "error"
	EventAdd    EventType = "add"
	EventSet    EventType = "set"
	EventRemove EventType = "remove"
)

func (t EventType) isChange() bool {
	return t == EventAdd || t == EventSet || t == EventRemove
}

func (t EventType) valid() bool {
	switch t {
	case EventOpen, EventClose, EventError, EventAdd, EventSet, EventRemove:
		return true
	}
	return false
}

// Event is one notification. Change is set for add, set and remove; Err for error.
type Event struct {
	Type   EventType
	Change *ChangeEvent
	Err    error
}

// Handler receives notifications.
type Handler func(Event)

type listener struct {
	fn Handler
}

// Notifier fans notifications out to registered handlers. Handlers are
// invoked synchronously on whichever goroutine raised the event.
type Notifier struct {
	mu        sync.Mutex
	listeners map[EventType][]*listener
	changes   bool
	closed    bool
}

func newNotifier(changes bool) *Notifier {
	return &Notifier{
		listeners: make(map[EventType][]*listener),
		changes:   changes,
	}
}

// On registers fn for events of type t and returns a function that removes it.
func (n *Notifier) On(t EventType, fn Handler) (func(), error) {
	if !t.valid() {
		return nil, invalid("on", "unknown event %q", t)
	}
	if fn == nil {
		return nil, invalid("on", "handler is required")
	}
	if t.isChange() && !n.changes {
		return nil, &UnsupportedFeatureError{Feature: "change notifications"}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	l := &listener{fn: fn}
	n.listeners[t] = append(n.listeners[t], l)

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(t, l) })
	}, nil
}

func (n *Notifier) remove(t EventType, l *listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ls := n.listeners[t]
	for i, x := range ls {
		if x == l {
			n.listeners[t] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (n *Notifier) emit(ev Event) {
	n.mu.Lock()
	ls := append([]*listener(nil), n.listeners[ev.Type]...)
	n.mu.Unlock()
	for _, l := range ls {
		l.fn(ev)
	}
}

// shutdown emits err (when non-nil) and close, then drops every listener.
func (n *Notifier) shutdown(err error) {
	if err != nil {
		n.emit(Event{Type: EventError, Err: err})
	}
	n.emit(Event{Type: EventClose})

	n.mu.Lock()
	n.closed = true
	n.listeners = make(map[EventType][]*listener)
	n.mu.Unlock()
}
