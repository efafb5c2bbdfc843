// ABOUTME: Lifecycle events emitted by the manager to registered observers.
// ABOUTME: Observers run synchronously after each transition and must not block.

package services

import "context"

// EventDeleted is the Status of an Event for a removed service.
const EventDeleted = "deleted"

// Event describes one lifecycle transition.
type Event struct {
	ServiceID  string
	Name       string
	Status     string // a store.ServiceStatus value or EventDeleted
	StreamPath string
	Error      string
}

// Observer is notified of lifecycle transitions.
type Observer interface {
	ServiceChanged(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// ServiceChanged calls f.
func (f ObserverFunc) ServiceChanged(ctx context.Context, ev Event) { f(ctx, ev) }

// AddObserver registers o for all later transitions.
func (m *Manager) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) notify(ev Event) {
	m.mu.RLock()
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()
	for _, o := range observers {
		o.ServiceChanged(context.Background(), ev)
	}
}
