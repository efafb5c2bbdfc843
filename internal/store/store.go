// ABOUTME: Store interfaces and data types for grimoire persistence
// ABOUTME: Defines services, module sources, secrets, daily usage counters and access logs

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint rejects a write
var ErrDuplicate = errors.New("already exists")

// ServiceStatus is the persisted lifecycle state of a service.
type ServiceStatus string

const (
	StatusStopped ServiceStatus = "stopped"
	StatusRunning ServiceStatus = "running"
	StatusError   ServiceStatus = "error"
)

// Visibility controls whether a service is listed to non-owners.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Transport protocols a service can be published with.
const (
	ProtocolSSE       = "sse"
	ProtocolWebSocket = "websocket"
)

// Service is the persisted record of a published tool module.
type Service struct {
	ID           string
	ModuleID     *string // nil for third-party services
	Name         string
	Status       ServiceStatus
	StreamPath   string
	Protocol     string
	Enabled      bool
	AuthRequired bool
	OwnerID      string
	Visibility   Visibility
	Params       map[string]any
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ServiceFilter narrows ListServices. Nil fields match everything.
type ServiceFilter struct {
	Status  *ServiceStatus
	OwnerID *string
	Enabled *bool
}

// Module holds the Go source text a service is loaded from.
type Module struct {
	ID          string
	Name        string
	Description string
	Source      string
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Secret is an access key issued for exactly one service.
type Secret struct {
	ID         string
	ServiceID  string
	Key        string
	Name       string
	Active     bool
	ExpiresAt  *time.Time
	LimitCount int64 // daily call ceiling, 0 = unlimited
	CreatorID  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  *time.Time
}

// Usable reports whether the secret is active and not logically deleted.
func (s *Secret) Usable() bool {
	return s.Active && s.DeletedAt == nil
}

// Expired reports whether the secret is past its expiry at the given time.
func (s *Secret) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// SecretUpdate carries the mutable fields of a secret. Nil fields are left unchanged.
type SecretUpdate struct {
	Name        *string
	Active      *bool
	ExpiresAt   *time.Time
	ClearExpiry bool
	LimitCount  *int64
}

// DailyUsage is the per-secret, per-day call counter.
type DailyUsage struct {
	SecretID     string
	Day          string // YYYY-MM-DD in the quota timezone
	TotalCount   int64
	SuccessCount int64
	ErrorCount   int64
	LastAccessAt time.Time
}

// UsageSummary aggregates DailyUsage rows over a day range.
type UsageSummary struct {
	SecretID     string
	From         string
	To           string
	Days         []DailyUsage
	TotalCount   int64
	SuccessCount int64
	ErrorCount   int64
}

// AccessLogEntry records one authorization decision.
type AccessLogEntry struct {
	ID          string
	ServiceID   string
	SecretID    *string // nil when no secret was identified
	ClientAddr  string
	UserAgent   string
	Method      string
	Path        string
	Success     bool
	ErrorCode   int
	ErrorDetail string
	Headers     map[string]string
	CreatedAt   time.Time
}

// AccessLogFilter specifies filtering and paging for ListAccessLogs.
type AccessLogFilter struct {
	ServiceID *string
	SecretID  *string
	Success   *bool
	Since     *time.Time // inclusive
	Until     *time.Time // exclusive
	Limit     int        // page size (default 100, max 1000)
	Offset    int
}

// ServiceStore persists service records.
type ServiceStore interface {
	CreateService(ctx context.Context, svc *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	GetServiceByModule(ctx context.Context, moduleID string) (*Service, error)
	UpdateService(ctx context.Context, svc *Service) error
	SetServiceStatus(ctx context.Context, id string, status ServiceStatus, enabled bool, lastError string) error
	ListServices(ctx context.Context, f ServiceFilter) ([]*Service, error)
	DeleteService(ctx context.Context, id string) error
}

// ModuleStore persists module source text.
type ModuleStore interface {
	CreateModule(ctx context.Context, m *Module) error
	GetModule(ctx context.Context, id string) (*Module, error)
	ListModules(ctx context.Context) ([]*Module, error)
}

// SecretStore persists service secrets.
type SecretStore interface {
	CreateSecret(ctx context.Context, sec *Secret) error
	GetSecret(ctx context.Context, id string) (*Secret, error)
	GetSecretByKey(ctx context.Context, key string) (*Secret, error)
	ListSecrets(ctx context.Context, serviceID string, includeDeleted bool) ([]*Secret, error)
	UpdateSecret(ctx context.Context, id string, u SecretUpdate) (*Secret, error)
	DeleteSecret(ctx context.Context, id string) error
	DeactivateServiceSecrets(ctx context.Context, serviceID string) (int64, error)
}

// UsageStore persists daily usage counters.
type UsageStore interface {
	GetDailyUsage(ctx context.Context, secretID, day string) (*DailyUsage, error)
	IncrementDailyUsage(ctx context.Context, secretID, day string, success bool, at time.Time) (*DailyUsage, error)
	GetUsageSummary(ctx context.Context, secretID, fromDay, toDay string) (*UsageSummary, error)
}

// AccessLogStore persists the append-only access log.
type AccessLogStore interface {
	AppendAccessLog(ctx context.Context, e *AccessLogEntry) error
	ListAccessLogs(ctx context.Context, f AccessLogFilter) ([]AccessLogEntry, int, error)
}

// Store is the full persistence surface used by grimoire.
type Store interface {
	ServiceStore
	ModuleStore
	SecretStore
	UsageStore
	AccessLogStore
	Close() error
}
