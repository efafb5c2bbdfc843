// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory Store with per-method error injection, so callers can exercise failure paths

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// FailOn makes the named method return the given error until cleared.
type MockStore struct {
	mu       sync.RWMutex
	services map[string]*Service
	modules  map[string]*Module
	secrets  map[string]*Secret
	usage    map[string]*DailyUsage // keyed by secretID + "|" + day
	logs     []AccessLogEntry
	failures map[string]error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		services: make(map[string]*Service),
		modules:  make(map[string]*Module),
		secrets:  make(map[string]*Secret),
		usage:    make(map[string]*DailyUsage),
		failures: make(map[string]error),
	}
}

// FailOn makes method return err. A nil err clears the failure.
func (m *MockStore) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

func (m *MockStore) fail(method string) error {
	return m.failures[method]
}

func copyService(svc *Service) *Service {
	c := *svc
	if svc.Params != nil {
		c.Params = make(map[string]any, len(svc.Params))
		for k, v := range svc.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// CreateService stores a new service.
func (m *MockStore) CreateService(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateService"); err != nil {
		return err
	}

	for _, existing := range m.services {
		if existing.StreamPath == svc.StreamPath {
			return ErrDuplicate
		}
		if svc.ModuleID != nil && existing.ModuleID != nil && *existing.ModuleID == *svc.ModuleID {
			return ErrDuplicate
		}
	}

	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = time.Now().UTC()
	}
	svc.UpdatedAt = svc.CreatedAt
	if svc.Status == "" {
		svc.Status = StatusStopped
	}
	if svc.Protocol == "" {
		svc.Protocol = ProtocolSSE
	}
	if svc.Visibility == "" {
		svc.Visibility = VisibilityPrivate
	}
	m.services[svc.ID] = copyService(svc)
	return nil
}

// GetService retrieves a service by ID.
func (m *MockStore) GetService(ctx context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("GetService"); err != nil {
		return nil, err
	}
	svc, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyService(svc), nil
}

// GetServiceByModule retrieves the service backed by a module.
func (m *MockStore) GetServiceByModule(ctx context.Context, moduleID string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("GetServiceByModule"); err != nil {
		return nil, err
	}
	for _, svc := range m.services {
		if svc.ModuleID != nil && *svc.ModuleID == moduleID {
			return copyService(svc), nil
		}
	}
	return nil, ErrNotFound
}

// UpdateService replaces the mutable fields of a service.
func (m *MockStore) UpdateService(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateService"); err != nil {
		return err
	}
	existing, ok := m.services[svc.ID]
	if !ok {
		return ErrNotFound
	}
	for id, other := range m.services {
		if id != svc.ID && other.StreamPath == svc.StreamPath {
			return ErrDuplicate
		}
	}
	svc.UpdatedAt = time.Now().UTC()
	c := copyService(svc)
	c.ModuleID = existing.ModuleID
	c.CreatedAt = existing.CreatedAt
	m.services[svc.ID] = c
	return nil
}

// SetServiceStatus records a lifecycle transition.
func (m *MockStore) SetServiceStatus(ctx context.Context, id string, status ServiceStatus, enabled bool, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SetServiceStatus"); err != nil {
		return err
	}
	svc, ok := m.services[id]
	if !ok {
		return ErrNotFound
	}
	svc.Status = status
	svc.Enabled = enabled
	svc.LastError = lastError
	svc.UpdatedAt = time.Now().UTC()
	return nil
}

// ListServices returns services matching the filter, oldest first.
func (m *MockStore) ListServices(ctx context.Context, f ServiceFilter) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("ListServices"); err != nil {
		return nil, err
	}
	out := []*Service{}
	for _, svc := range m.services {
		if f.Status != nil && svc.Status != *f.Status {
			continue
		}
		if f.OwnerID != nil && svc.OwnerID != *f.OwnerID {
			continue
		}
		if f.Enabled != nil && svc.Enabled != *f.Enabled {
			continue
		}
		out = append(out, copyService(svc))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteService removes a service.
func (m *MockStore) DeleteService(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeleteService"); err != nil {
		return err
	}
	if _, ok := m.services[id]; !ok {
		return ErrNotFound
	}
	delete(m.services, id)
	return nil
}

// CreateModule stores module source.
func (m *MockStore) CreateModule(ctx context.Context, mod *Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateModule"); err != nil {
		return err
	}
	if mod.ID == "" {
		mod.ID = uuid.New().String()
	}
	if _, exists := m.modules[mod.ID]; exists {
		return ErrDuplicate
	}
	if mod.CreatedAt.IsZero() {
		mod.CreatedAt = time.Now().UTC()
	}
	mod.UpdatedAt = mod.CreatedAt
	c := *mod
	m.modules[mod.ID] = &c
	return nil
}

// GetModule retrieves a module by ID.
func (m *MockStore) GetModule(ctx context.Context, id string) (*Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("GetModule"); err != nil {
		return nil, err
	}
	mod, ok := m.modules[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *mod
	return &c, nil
}

// ListModules returns all modules ordered by name.
func (m *MockStore) ListModules(ctx context.Context) ([]*Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("ListModules"); err != nil {
		return nil, err
	}
	out := make([]*Module, 0, len(m.modules))
	for _, mod := range m.modules {
		c := *mod
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateSecret stores a new secret.
func (m *MockStore) CreateSecret(ctx context.Context, sec *Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateSecret"); err != nil {
		return err
	}
	for _, existing := range m.secrets {
		if existing.Key == sec.Key {
			return ErrDuplicate
		}
	}
	if sec.ID == "" {
		sec.ID = uuid.New().String()
	}
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = time.Now().UTC()
	}
	sec.UpdatedAt = sec.CreatedAt
	c := *sec
	m.secrets[sec.ID] = &c
	return nil
}

// GetSecret retrieves a secret by ID.
func (m *MockStore) GetSecret(ctx context.Context, id string) (*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("GetSecret"); err != nil {
		return nil, err
	}
	sec, ok := m.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sec
	return &c, nil
}

// GetSecretByKey retrieves a secret by its key.
func (m *MockStore) GetSecretByKey(ctx context.Context, key string) (*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("GetSecretByKey"); err != nil {
		return nil, err
	}
	for _, sec := range m.secrets {
		if sec.Key == key {
			c := *sec
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// ListSecrets returns a service's secrets, oldest first.
func (m *MockStore) ListSecrets(ctx context.Context, serviceID string, includeDeleted bool) ([]*Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("ListSecrets"); err != nil {
		return nil, err
	}
	out := []*Secret{}
	for _, sec := range m.secrets {
		if sec.ServiceID != serviceID || (!includeDeleted && sec.DeletedAt != nil) {
			continue
		}
		c := *sec
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateSecret applies the non-nil fields of u.
func (m *MockStore) UpdateSecret(ctx context.Context, id string, u SecretUpdate) (*Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateSecret"); err != nil {
		return nil, err
	}
	sec, ok := m.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.Name != nil {
		sec.Name = *u.Name
	}
	if u.Active != nil {
		sec.Active = *u.Active
	}
	if u.ClearExpiry {
		sec.ExpiresAt = nil
	} else if u.ExpiresAt != nil {
		sec.ExpiresAt = u.ExpiresAt
	}
	if u.LimitCount != nil {
		sec.LimitCount = *u.LimitCount
	}
	sec.UpdatedAt = time.Now().UTC()
	c := *sec
	return &c, nil
}

// DeleteSecret deactivates a secret and stamps deleted_at.
func (m *MockStore) DeleteSecret(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeleteSecret"); err != nil {
		return err
	}
	sec, ok := m.secrets[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	sec.Active = false
	if sec.DeletedAt == nil {
		sec.DeletedAt = &now
	}
	return nil
}

// DeactivateServiceSecrets deactivates every secret of a service.
func (m *MockStore) DeactivateServiceSecrets(ctx context.Context, serviceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("DeactivateServiceSecrets"); err != nil {
		return 0, err
	}
	var n int64
	for _, sec := range m.secrets {
		if sec.ServiceID == serviceID && sec.Active {
			sec.Active = false
			n++
		}
	}
	return n, nil
}

func usageKey(secretID, day string) string {
	return secretID + "|" + day
}

// GetDailyUsage returns the counter for a secret on a day.
func (m *MockStore) GetDailyUsage(ctx context.Context, secretID, day string) (*DailyUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("GetDailyUsage"); err != nil {
		return nil, err
	}
	u, ok := m.usage[usageKey(secretID, day)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

// IncrementDailyUsage counts one access.
func (m *MockStore) IncrementDailyUsage(ctx context.Context, secretID, day string, success bool, at time.Time) (*DailyUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("IncrementDailyUsage"); err != nil {
		return nil, err
	}
	key := usageKey(secretID, day)
	u, ok := m.usage[key]
	if !ok {
		u = &DailyUsage{SecretID: secretID, Day: day}
		m.usage[key] = u
	}
	u.TotalCount++
	if success {
		u.SuccessCount++
	} else {
		u.ErrorCount++
	}
	u.LastAccessAt = at
	c := *u
	return &c, nil
}

// GetUsageSummary aggregates counters over an inclusive day range.
func (m *MockStore) GetUsageSummary(ctx context.Context, secretID, fromDay, toDay string) (*UsageSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("GetUsageSummary"); err != nil {
		return nil, err
	}
	summary := &UsageSummary{SecretID: secretID, From: fromDay, To: toDay, Days: []DailyUsage{}}
	for _, u := range m.usage {
		if u.SecretID != secretID || u.Day < fromDay || u.Day > toDay {
			continue
		}
		summary.Days = append(summary.Days, *u)
		summary.TotalCount += u.TotalCount
		summary.SuccessCount += u.SuccessCount
		summary.ErrorCount += u.ErrorCount
	}
	sort.Slice(summary.Days, func(i, j int) bool { return summary.Days[i].Day < summary.Days[j].Day })
	return summary, nil
}

// AppendAccessLog records one decision.
func (m *MockStore) AppendAccessLog(ctx context.Context, e *AccessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AppendAccessLog"); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.logs = append(m.logs, *e)
	return nil
}

// ListAccessLogs returns matching entries newest first, with the total match count.
func (m *MockStore) ListAccessLogs(ctx context.Context, f AccessLogFilter) ([]AccessLogEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("ListAccessLogs"); err != nil {
		return nil, 0, err
	}
	matched := []AccessLogEntry{}
	for i := len(m.logs) - 1; i >= 0; i-- {
		e := m.logs[i]
		if f.ServiceID != nil && e.ServiceID != *f.ServiceID {
			continue
		}
		if f.SecretID != nil && (e.SecretID == nil || *e.SecretID != *f.SecretID) {
			continue
		}
		if f.Success != nil && e.Success != *f.Success {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !e.CreatedAt.Before(*f.Until) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	limit := normalizeLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Offset >= total {
		return []AccessLogEntry{}, total, nil
	}
	end := f.Offset + limit
	if end > total {
		end = total
	}
	return matched[f.Offset:end], total, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
