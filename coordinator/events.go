package coordinator

import (
	"github.com/google/uuid"
	"github.com/jrsteele09/go-auth-session/sessions"
)

// EventType names a session transition
type EventType int

const (
	// EventLoaded: a session for a (possibly new) principal became current
	EventLoaded EventType = iota
	// EventCleared: the session was removed by logout, failed renewal or the store
	EventCleared
	// EventRefreshed: same principal, new token material
	EventRefreshed
	// EventRenewalRequired: the session has no refresh material and reached its renewal
	// point. It stays current until ExpiresAt; a silent renew (/silent-renew) must
	// replace it before then or it is cleared.
	EventRenewalRequired
)

func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventCleared:
		return "cleared"
	case EventRefreshed:
		return "refreshed"
	case EventRenewalRequired:
		return "renewal_required"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after every session transition
type Event struct {
	Type    EventType
	Session *sessions.Session // nil for EventCleared
	Err     error             // cause of an EventCleared or EventRenewalRequired
}

// Listener receives events synchronously, in mutation order. Listeners may read the
// coordinator but must not call operations that change the session.
type Listener func(Event)

type subscriber struct {
	id string
	fn Listener
}

// Subscribe registers l and returns a function that removes it
func (c *Coordinator) Subscribe(l Listener) (unsubscribe func()) {
	id := uuid.NewString()

	c.listenersMu.Lock()
	c.listeners = append(c.listeners, subscriber{id: id, fn: l})
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		defer c.listenersMu.Unlock()
		for i, s := range c.listeners {
			if s.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// dispatch must be called with writeMu held so events arrive in mutation order
func (c *Coordinator) dispatch(e Event) {
	c.listenersMu.RLock()
	subs := make([]subscriber, len(c.listeners))
	copy(subs, c.listeners)
	c.listenersMu.RUnlock()

	for _, s := range subs {
		ev := e
		ev.Session = e.Session.Clone()
		s.fn(ev)
	}
}
