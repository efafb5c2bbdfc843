// ABOUTME: Lifecycle manager for published services: publish, start, stop, delete, update and reconcile.
// ABOUTME: Keeps the store, registry, route table and authorization table consistent per service.

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/grimoire/internal/authgate"
	"github.com/2389/grimoire/internal/keylock"
	"github.com/2389/grimoire/internal/registry"
	"github.com/2389/grimoire/internal/routes"
	"github.com/2389/grimoire/internal/store"
)

// Manager errors
var (
	// ErrAlreadyRunning means the module's service is already live.
	ErrAlreadyRunning = errors.New("service already running")

	// ErrNoModule means the service has no module source to load.
	ErrNoModule = errors.New("service has no module")
)

// ModuleLoader turns module source into a toolset.
type ModuleLoader interface {
	Load(ctx context.Context, serviceID, moduleName, source string) (*registry.Toolset, error)
	Release(serviceID string) error
}

// RouteMounter owns the live path table.
type RouteMounter interface {
	Mount(serviceID, streamPath, messagePath string, factory routes.HandlerFactory) error
	Unmount(ctx context.Context, serviceID string) error
}

// Resolver receives the set of running services after every change.
type Resolver interface {
	Rebuild(running []*store.Service)
}

// EndpointFactory builds the endpoint that serves a loaded toolset.
type EndpointFactory func(svc *store.Service, ts *registry.Toolset) (routes.Endpoint, error)

// Store is the persistence the manager needs.
type Store interface {
	store.ServiceStore
	store.ModuleStore
	DeactivateServiceSecrets(ctx context.Context, serviceID string) (int64, error)
}

// Config configures a Manager.
type Config struct {
	Store        Store
	Loader       ModuleLoader
	Registry     *registry.Registry
	Mounter      RouteMounter
	Resolver     Resolver // optional
	Endpoints    EndpointFactory
	PathPrefix   string
	DrainTimeout time.Duration // bound on graceful unmount, 0 means no bound
	Logger       *slog.Logger
}

// PublishOptions customize a publish. Zero values keep the existing record's
// settings, or the defaults for a new service.
type PublishOptions struct {
	Name         string
	StreamPath   string
	Protocol     string
	AuthRequired *bool
	Visibility   store.Visibility
	Params       map[string]any
	OwnerID      string
}

// ServiceUpdate changes a service's mutable settings. Nil fields are unchanged.
type ServiceUpdate struct {
	Name         *string
	AuthRequired *bool
	Visibility   *store.Visibility
	Params       map[string]any
}

// ServiceInfo is a service record with its live state.
type ServiceInfo struct {
	*store.Service
	Running     bool
	MessagePath string
	Tools       []string
}

// ReconcileResult summarizes a Reconcile pass.
type ReconcileResult struct {
	Started []string
	Failed  map[string]error
}

// Manager drives service lifecycle transitions.
type Manager struct {
	store     Store
	loader    ModuleLoader
	registry  *registry.Registry
	mounter   RouteMounter
	resolver  Resolver
	endpoints EndpointFactory
	prefix    string
	drain     time.Duration
	logger    *slog.Logger
	locks     keylock.Locker

	mu        sync.RWMutex
	live      map[string]*store.Service
	observers []Observer

	rebuildMu sync.Mutex // orders snapshots delivered to the resolver
}

// NewManager creates a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Loader == nil || cfg.Registry == nil || cfg.Mounter == nil || cfg.Endpoints == nil {
		return nil, errors.New("store, loader, registry, mounter and endpoints are required")
	}
	if cfg.PathPrefix == "" {
		return nil, errors.New("path prefix is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     cfg.Store,
		loader:    cfg.Loader,
		registry:  cfg.Registry,
		mounter:   cfg.Mounter,
		resolver:  cfg.Resolver,
		endpoints: cfg.Endpoints,
		prefix:    cfg.PathPrefix,
		drain:     cfg.DrainTimeout,
		logger:    logger.With("component", "services"),
		live:      make(map[string]*store.Service),
	}, nil
}

// Publish creates or reuses the module's service and starts it.
func (m *Manager) Publish(ctx context.Context, moduleID string, opts PublishOptions) (*store.Service, error) {
	unlockModule := m.locks.Lock("module:" + moduleID)
	defer unlockModule()

	mod, err := m.store.GetModule(ctx, moduleID)
	if err != nil {
		return nil, fmt.Errorf("getting module %s: %w", moduleID, err)
	}

	svc, err := m.store.GetServiceByModule(ctx, moduleID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		svc, err = m.createService(ctx, mod, opts)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("getting service for module %s: %w", moduleID, err)
	}

	unlock := m.locks.Lock(svc.ID)
	defer unlock()

	if m.registry.IsRunning(svc.ID) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, svc.ID)
	}

	if changed, err := m.applyPublishOptions(svc, opts); err != nil {
		return nil, err
	} else if changed {
		if err := m.store.UpdateService(ctx, svc); err != nil {
			return nil, fmt.Errorf("updating service %s: %w", svc.ID, err)
		}
	}

	if err := m.start(ctx, svc, mod); err != nil {
		return svc, err
	}

	m.logger.Info("=== SERVICE PUBLISHED ===",
		"service_id", svc.ID,
		"module_id", moduleID,
		"stream_path", svc.StreamPath,
	)
	return svc, nil
}

func (m *Manager) createService(ctx context.Context, mod *store.Module, opts PublishOptions) (*store.Service, error) {
	id := uuid.New().String()
	streamPath := authgate.CanonicalStreamPath(m.prefix, id)
	if opts.StreamPath != "" {
		if err := ValidateStreamPath(m.prefix, opts.StreamPath); err != nil {
			return nil, err
		}
		streamPath = opts.StreamPath
	}

	protocol := opts.Protocol
	if protocol == "" {
		protocol = store.ProtocolSSE
	}
	if err := validateProtocol(protocol); err != nil {
		return nil, err
	}
	if opts.Visibility != "" {
		if err := validateVisibility(opts.Visibility); err != nil {
			return nil, err
		}
	}
	name := opts.Name
	if name == "" {
		name = mod.Name
	}
	authRequired := true
	if opts.AuthRequired != nil {
		authRequired = *opts.AuthRequired
	}
	owner := opts.OwnerID
	if owner == "" {
		owner = mod.OwnerID
	}

	moduleID := mod.ID
	svc := &store.Service{
		ID:           id,
		ModuleID:     &moduleID,
		Name:         name,
		Status:       store.StatusStopped,
		StreamPath:   streamPath,
		Protocol:     protocol,
		AuthRequired: authRequired,
		OwnerID:      owner,
		Visibility:   opts.Visibility,
		Params:       opts.Params,
	}
	if err := m.store.CreateService(ctx, svc); err != nil {
		return nil, fmt.Errorf("creating service for module %s: %w", mod.ID, err)
	}
	return svc, nil
}

// applyPublishOptions overlays non-zero options on an existing record.
func (m *Manager) applyPublishOptions(svc *store.Service, opts PublishOptions) (bool, error) {
	changed := false
	if opts.StreamPath != "" && opts.StreamPath != svc.StreamPath {
		if err := ValidateStreamPath(m.prefix, opts.StreamPath); err != nil {
			return false, err
		}
		svc.StreamPath = opts.StreamPath
		changed = true
	}
	if opts.Protocol != "" && opts.Protocol != svc.Protocol {
		if err := validateProtocol(opts.Protocol); err != nil {
			return false, err
		}
		svc.Protocol = opts.Protocol
		changed = true
	}
	if opts.Name != "" && opts.Name != svc.Name {
		svc.Name = opts.Name
		changed = true
	}
	if opts.AuthRequired != nil && *opts.AuthRequired != svc.AuthRequired {
		svc.AuthRequired = *opts.AuthRequired
		changed = true
	}
	if opts.Visibility != "" && opts.Visibility != svc.Visibility {
		if err := validateVisibility(opts.Visibility); err != nil {
			return false, err
		}
		svc.Visibility = opts.Visibility
		changed = true
	}
	if opts.Params != nil {
		svc.Params = opts.Params
		changed = true
	}
	return changed, nil
}

// Start loads and mounts a stopped service. Starting a running service is a no-op.
func (m *Manager) Start(ctx context.Context, serviceID string) error {
	unlock := m.locks.Lock(serviceID)
	defer unlock()

	svc, err := m.store.GetService(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("getting service %s: %w", serviceID, err)
	}
	if m.registry.IsRunning(serviceID) {
		return nil
	}
	return m.start(ctx, svc, nil)
}

// start performs load, register, mount and persist. The caller holds the
// service lock. On failure nothing stays registered or mounted.
func (m *Manager) start(ctx context.Context, svc *store.Service, mod *store.Module) error {
	if mod == nil {
		if svc.ModuleID == nil {
			err := fmt.Errorf("%w: %s", ErrNoModule, svc.ID)
			m.markError(ctx, svc, err)
			return err
		}
		var err error
		mod, err = m.store.GetModule(ctx, *svc.ModuleID)
		if err != nil {
			err = fmt.Errorf("getting module %s: %w", *svc.ModuleID, err)
			m.markError(ctx, svc, err)
			return err
		}
	}

	ts, err := m.loader.Load(ctx, svc.ID, mod.Name, mod.Source)
	if err != nil {
		m.markError(ctx, svc, err)
		return err
	}

	m.registry.Register(svc.ID, ts)

	factory := func(serviceID string) (routes.Endpoint, error) {
		return m.endpoints(svc, ts)
	}
	messagePath := authgate.MessagePath(svc.StreamPath)
	if err := m.mounter.Mount(svc.ID, svc.StreamPath, messagePath, factory); err != nil {
		var conflict *routes.ConflictError
		if !errors.As(err, &conflict) || conflict.Owner != svc.ID {
			m.registry.Unregister(svc.ID)
			m.markError(ctx, svc, err)
			return fmt.Errorf("mounting service %s: %w", svc.ID, err)
		}
	}

	if err := m.store.SetServiceStatus(ctx, svc.ID, store.StatusRunning, true, ""); err != nil {
		m.rollback(svc.ID)
		return fmt.Errorf("persisting running status for %s: %w", svc.ID, err)
	}
	svc.Status = store.StatusRunning
	svc.Enabled = true
	svc.LastError = ""

	m.setLive(svc)
	m.notify(Event{ServiceID: svc.ID, Name: svc.Name, Status: string(store.StatusRunning), StreamPath: svc.StreamPath})

	m.logger.Info("=== SERVICE STARTED ===",
		"service_id", svc.ID,
		"name", svc.Name,
		"tools", ts.Len(),
		"stream_path", svc.StreamPath,
	)
	return nil
}

// rollback undoes the in-memory side of a start whose persistence failed.
func (m *Manager) rollback(serviceID string) {
	ctx, cancel := m.drainContext()
	defer cancel()
	if err := m.mounter.Unmount(ctx, serviceID); err != nil && !errors.Is(err, routes.ErrNotMounted) {
		m.logger.Warn("rollback unmount failed", "service_id", serviceID, "error", err)
	}
	m.registry.Unregister(serviceID)
}

// markError records a failed transition. The service stays enabled so the
// next reconcile retries it.
func (m *Manager) markError(ctx context.Context, svc *store.Service, cause error) {
	if err := m.store.SetServiceStatus(ctx, svc.ID, store.StatusError, true, cause.Error()); err != nil {
		m.logger.Error("failed to record service error", "service_id", svc.ID, "error", err)
	} else {
		svc.Status = store.StatusError
		svc.Enabled = true
		svc.LastError = cause.Error()
	}
	m.logger.Error("service failed to start", "service_id", svc.ID, "error", cause)
	m.notify(Event{ServiceID: svc.ID, Name: svc.Name, Status: string(store.StatusError), Error: cause.Error()})
}

// Stop unmounts and unregisters a service and disables it. Stopping a stopped
// service is a no-op.
func (m *Manager) Stop(ctx context.Context, serviceID string) error {
	unlock := m.locks.Lock(serviceID)
	defer unlock()

	svc, err := m.store.GetService(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("getting service %s: %w", serviceID, err)
	}
	return m.stop(ctx, svc)
}

func (m *Manager) stop(ctx context.Context, svc *store.Service) error {
	wasRunning := m.registry.IsRunning(svc.ID)
	if !wasRunning && svc.Status == store.StatusStopped && !svc.Enabled {
		return nil
	}

	if wasRunning {
		drainCtx, cancel := m.drainContext()
		err := m.mounter.Unmount(drainCtx, svc.ID)
		cancel()
		if err != nil && !errors.Is(err, routes.ErrNotMounted) {
			m.logger.Warn("endpoint did not drain cleanly", "service_id", svc.ID, "error", err)
		}
		m.registry.Unregister(svc.ID)
		m.clearLive(svc.ID)
	}

	if err := m.store.SetServiceStatus(ctx, svc.ID, store.StatusStopped, false, ""); err != nil {
		return fmt.Errorf("persisting stopped status for %s: %w", svc.ID, err)
	}
	svc.Status = store.StatusStopped
	svc.Enabled = false
	svc.LastError = ""

	m.notify(Event{ServiceID: svc.ID, Name: svc.Name, Status: string(store.StatusStopped)})
	m.logger.Info("=== SERVICE STOPPED ===", "service_id", svc.ID, "name", svc.Name)
	return nil
}

// Delete stops a service, deactivates its secrets, releases its loader units
// and removes its record.
func (m *Manager) Delete(ctx context.Context, serviceID string) error {
	unlock := m.locks.Lock(serviceID)
	defer unlock()

	svc, err := m.store.GetService(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("getting service %s: %w", serviceID, err)
	}
	if err := m.stop(ctx, svc); err != nil {
		return err
	}

	n, err := m.store.DeactivateServiceSecrets(ctx, serviceID)
	if err != nil {
		return fmt.Errorf("deactivating secrets for %s: %w", serviceID, err)
	}
	if err := m.loader.Release(serviceID); err != nil {
		m.logger.Warn("failed to release loader units", "service_id", serviceID, "error", err)
	}
	if err := m.store.DeleteService(ctx, serviceID); err != nil {
		return fmt.Errorf("deleting service %s: %w", serviceID, err)
	}

	m.notify(Event{ServiceID: serviceID, Name: svc.Name, Status: EventDeleted})
	m.logger.Info("=== SERVICE DELETED ===", "service_id", serviceID, "secrets_deactivated", n)
	return nil
}

// Update changes a service's settings and refreshes the authorization table.
func (m *Manager) Update(ctx context.Context, serviceID string, u ServiceUpdate) (*store.Service, error) {
	unlock := m.locks.Lock(serviceID)
	defer unlock()

	svc, err := m.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("getting service %s: %w", serviceID, err)
	}

	if u.Name != nil {
		svc.Name = *u.Name
	}
	if u.AuthRequired != nil {
		svc.AuthRequired = *u.AuthRequired
	}
	if u.Visibility != nil {
		if err := validateVisibility(*u.Visibility); err != nil {
			return nil, err
		}
		svc.Visibility = *u.Visibility
	}
	if u.Params != nil {
		svc.Params = u.Params
	}

	if err := m.store.UpdateService(ctx, svc); err != nil {
		return nil, fmt.Errorf("updating service %s: %w", serviceID, err)
	}

	if m.registry.IsRunning(serviceID) {
		m.setLive(svc)
	}
	m.logger.Info("service updated", "service_id", serviceID, "auth_required", svc.AuthRequired)
	return svc, nil
}

// Get returns one service with its live state.
func (m *Manager) Get(ctx context.Context, serviceID string) (*ServiceInfo, error) {
	svc, err := m.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("getting service %s: %w", serviceID, err)
	}
	return m.info(svc), nil
}

// List returns services matching the filter with their live state.
func (m *Manager) List(ctx context.Context, f store.ServiceFilter) ([]*ServiceInfo, error) {
	svcs, err := m.store.ListServices(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	out := make([]*ServiceInfo, 0, len(svcs))
	for _, svc := range svcs {
		out = append(out, m.info(svc))
	}
	return out, nil
}

func (m *Manager) info(svc *store.Service) *ServiceInfo {
	info := &ServiceInfo{
		Service:     svc,
		MessagePath: authgate.MessagePath(svc.StreamPath),
	}
	if ts, ok := m.registry.Lookup(svc.ID); ok {
		info.Running = true
		info.Tools = ts.Names()
		svc.Status = store.StatusRunning
	} else if svc.Status == store.StatusRunning {
		// Persisted as running but not live in this process
		svc.Status = store.StatusStopped
	}
	return info
}

// Reconcile starts every enabled service that is not running. Failures are
// recorded on the service and do not stop the pass.
func (m *Manager) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	enabled := true
	svcs, err := m.store.ListServices(ctx, store.ServiceFilter{Enabled: &enabled})
	if err != nil {
		return nil, fmt.Errorf("listing enabled services: %w", err)
	}

	result := &ReconcileResult{Failed: make(map[string]error)}
	for _, svc := range svcs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := m.Start(ctx, svc.ID); err != nil {
			result.Failed[svc.ID] = err
			continue
		}
		result.Started = append(result.Started, svc.ID)
	}

	m.logger.Info("reconcile complete", "started", len(result.Started), "failed", len(result.Failed))
	return result, nil
}

// Shutdown drains and unmounts every running service without changing its
// persisted state, so the next Reconcile brings it back.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, id := range m.registry.ListRunning() {
		unlock := m.locks.Lock(id)
		if err := m.mounter.Unmount(ctx, id); err != nil && !errors.Is(err, routes.ErrNotMounted) {
			m.logger.Warn("unmount during shutdown failed", "service_id", id, "error", err)
		}
		m.registry.Unregister(id)
		m.clearLive(id)
		unlock()
	}
}

func (m *Manager) drainContext() (context.Context, context.CancelFunc) {
	if m.drain <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), m.drain)
}

func (m *Manager) setLive(svc *store.Service) {
	c := *svc
	m.mu.Lock()
	m.live[svc.ID] = &c
	m.mu.Unlock()
	m.rebuild()
}

func (m *Manager) clearLive(serviceID string) {
	m.mu.Lock()
	delete(m.live, serviceID)
	m.mu.Unlock()
	m.rebuild()
}

// rebuild pushes the running set to the resolver.
func (m *Manager) rebuild() {
	if m.resolver == nil {
		return
	}
	m.rebuildMu.Lock()
	defer m.rebuildMu.Unlock()

	m.mu.RLock()
	running := make([]*store.Service, 0, len(m.live))
	for _, svc := range m.live {
		running = append(running, svc)
	}
	m.mu.RUnlock()
	sort.Slice(running, func(i, j int) bool { return running[i].ID < running[j].ID })
	m.resolver.Rebuild(running)
}
