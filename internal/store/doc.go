// Package store provides persistent storage for grimoire using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with one interface
// per concern:
//
//   - ServiceStore: published services and their lifecycle status
//   - ModuleStore: Go source text that services are loaded from
//   - SecretStore: per-service access keys
//   - UsageStore: per-secret, per-day call counters
//   - AccessLogStore: append-only record of authorization decisions
//
// SQLiteStore implements all of them, and Store composes them.
//
// # Invariants
//
//   - A secret key is globally unique and never changes once issued.
//     DeleteSecret is logical: the row is deactivated and stamped, never removed.
//   - secret_daily_usage holds exactly one row per (secret_id, day), enforced
//     by a UNIQUE constraint and written through an upsert that only increments.
//   - access_logs is append-only.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads. busy_timeout and
// foreign_keys are set through the DSN so every pooled connection has them.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicate: a uniqueness constraint rejected the write
//
// All methods accept context.Context for cancellation support.
package store
