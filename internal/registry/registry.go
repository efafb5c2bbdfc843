// ABOUTME: Thread-safe registry of running services and their toolsets.
// ABOUTME: The single source of truth for which services are live right now.

package registry

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps service IDs to the toolsets of running services.
// Writes are serialized; lookups take a read lock.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Toolset
	logger   *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		services: make(map[string]*Toolset),
		logger:   logger.With("component", "registry"),
	}
}

// Register records a running service's toolset.
// Registering a service that is already present keeps the existing entry,
// logs a warning and returns false.
func (r *Registry) Register(serviceID string, ts *Toolset) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.services[serviceID]; exists {
		r.logger.Warn("service already registered, ignoring",
			"service_id", serviceID,
			"module", existing.Module,
		)
		return false
	}

	r.services[serviceID] = ts

	r.logger.Info("=== SERVICE REGISTERED ===",
		"service_id", serviceID,
		"module", ts.Module,
		"tools", ts.Names(),
	)
	return true
}

// Unregister removes a service's toolset.
// Returns false when there was nothing to remove.
func (r *Registry) Unregister(serviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, exists := r.services[serviceID]
	if !exists {
		r.logger.Debug("unregister: nothing to do", "service_id", serviceID)
		return false
	}
	delete(r.services, serviceID)

	r.logger.Info("=== SERVICE UNREGISTERED ===",
		"service_id", serviceID,
		"module", ts.Module,
	)
	return true
}

// Lookup returns the toolset of a running service.
func (r *Registry) Lookup(serviceID string) (*Toolset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts, ok := r.services[serviceID]
	return ts, ok
}

// ListRunning returns the IDs of all registered services, sorted.
func (r *Registry) ListRunning() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether a service is registered.
func (r *Registry) IsRunning(serviceID string) bool {
	_, ok := r.Lookup(serviceID)
	return ok
}
