// ABOUTME: Route mounter mapping exact request paths to per-service endpoints.
// ABOUTME: Mount adds a service's stream and message paths; Unmount removes them and drains the endpoint.

package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
)

// Mounter errors
var (
	// ErrRouteConflict means a path is already mounted by another endpoint.
	ErrRouteConflict = errors.New("route conflict")

	// ErrNotMounted means the service has no mounted routes.
	ErrNotMounted = errors.New("service not mounted")
)

// ConflictError names the path that could not be mounted and its current owner.
type ConflictError struct {
	Path  string
	Owner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("route conflict: %s is mounted by service %s", e.Path, e.Owner)
}

func (e *ConflictError) Unwrap() error { return ErrRouteConflict }

// Endpoint is a mountable per-service handler pair.
type Endpoint interface {
	StreamHandler() http.Handler
	MessageHandler() http.Handler
	Shutdown(ctx context.Context) error
}

// HandlerFactory builds the endpoint for a service being mounted.
type HandlerFactory func(serviceID string) (Endpoint, error)

type route struct {
	serviceID string
	handler   http.Handler
}

type mount struct {
	streamPath  string
	messagePath string
	endpoint    Endpoint
}

// Mounter is an http.Handler that dispatches by exact path to mounted endpoints.
type Mounter struct {
	mu       sync.RWMutex
	routes   map[string]route
	services map[string]*mount
	logger   *slog.Logger
}

// NewMounter creates an empty mounter.
func NewMounter(logger *slog.Logger) *Mounter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mounter{
		routes:   make(map[string]route),
		services: make(map[string]*mount),
		logger:   logger.With("component", "routes"),
	}
}

// Mount adds exact-path entries for the service's stream and message paths.
// A path owned by any endpoint, including the service's own, is a conflict;
// the caller decides whether a same-owner conflict is acceptable.
func (m *Mounter) Mount(serviceID, streamPath, messagePath string, factory HandlerFactory) error {
	if streamPath == messagePath {
		return fmt.Errorf("stream and message paths are both %q", streamPath)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range []string{streamPath, messagePath} {
		if owner, ok := m.routes[p]; ok {
			return &ConflictError{Path: p, Owner: owner.serviceID}
		}
	}

	endpoint, err := factory(serviceID)
	if err != nil {
		return fmt.Errorf("building endpoint for %s: %w", serviceID, err)
	}

	m.routes[streamPath] = route{serviceID: serviceID, handler: endpoint.StreamHandler()}
	m.routes[messagePath] = route{serviceID: serviceID, handler: endpoint.MessageHandler()}
	m.services[serviceID] = &mount{
		streamPath:  streamPath,
		messagePath: messagePath,
		endpoint:    endpoint,
	}

	m.logger.Info("=== ROUTES MOUNTED ===",
		"service_id", serviceID,
		"stream_path", streamPath,
		"message_path", messagePath,
	)
	return nil
}

// Unmount removes the service's two paths, then shuts its endpoint down.
// New requests to those paths get 404 immediately; requests already inside
// the endpoint are allowed to finish within ctx.
func (m *Mounter) Unmount(ctx context.Context, serviceID string) error {
	m.mu.Lock()
	mt, ok := m.services[serviceID]
	if !ok {
		m.mu.Unlock()
		return ErrNotMounted
	}
	for _, p := range []string{mt.streamPath, mt.messagePath} {
		if r, exists := m.routes[p]; exists && r.serviceID == serviceID {
			delete(m.routes, p)
		}
	}
	delete(m.services, serviceID)
	m.mu.Unlock()

	m.logger.Info("=== ROUTES UNMOUNTED ===",
		"service_id", serviceID,
		"stream_path", mt.streamPath,
		"message_path", mt.messagePath,
	)

	if err := mt.endpoint.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down endpoint for %s: %w", serviceID, err)
	}
	return nil
}

// UnmountAll unmounts every service. Errors are logged, not returned.
func (m *Mounter) UnmountAll(ctx context.Context) {
	for _, id := range m.Mounted() {
		if err := m.Unmount(ctx, id); err != nil && !errors.Is(err, ErrNotMounted) {
			m.logger.Warn("unmount failed", "service_id", id, "error", err)
		}
	}
}

// Owner returns the service that owns path, if any.
func (m *Mounter) Owner(path string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[path]
	return r.serviceID, ok
}

// IsMounted reports whether the service currently has routes.
func (m *Mounter) IsMounted(serviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.services[serviceID]
	return ok
}

// Mounted returns the ids of mounted services, sorted.
func (m *Mounter) Mounted() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Entry is one row of the route table.
type Entry struct {
	Path      string `json:"path"`
	ServiceID string `json:"service_id"`
}

// Snapshot returns the route table sorted by path.
func (m *Mounter) Snapshot() []Entry {
	m.mu.RLock()
	out := make([]Entry, 0, len(m.routes))
	for p, r := range m.routes {
		out = append(out, Entry{Path: p, ServiceID: r.serviceID})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ServeHTTP dispatches by exact path. Unknown paths get a JSON 404.
func (m *Mounter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	rt, ok := m.routes[r.URL.Path]
	m.mu.RUnlock()

	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    http.StatusNotFound,
			"message": "Not Found",
		})
		return
	}
	rt.handler.ServeHTTP(w, r)
}
