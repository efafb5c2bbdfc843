// ABOUTME: Secrets store implementation for per-service access keys
// ABOUTME: Keys are unique and immutable; deletion is logical so audit history survives

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const secretColumns = `
	id, service_id, secret_key, name, active, expires_at, limit_count,
	creator_id, created_at, updated_at, deleted_at
`

// CreateSecret inserts a new secret. The caller supplies the generated key.
// Returns ErrDuplicate if the key has already been issued.
func (s *SQLiteStore) CreateSecret(ctx context.Context, sec *Secret) error {
	if sec.Key == "" {
		return fmt.Errorf("secret key is required")
	}
	if sec.LimitCount < 0 {
		return fmt.Errorf("secret limit_count must be >= 0, got %d", sec.LimitCount)
	}
	if sec.ID == "" {
		sec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = now
	}
	sec.UpdatedAt = sec.CreatedAt

	query := `
		INSERT INTO service_secrets (` + secretColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`
	_, err := s.db.ExecContext(ctx, query,
		sec.ID,
		sec.ServiceID,
		sec.Key,
		sec.Name,
		boolToInt(sec.Active),
		nullTime(sec.ExpiresAt),
		sec.LimitCount,
		sec.CreatorID,
		formatTime(sec.CreatedAt),
		formatTime(sec.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("secret key: %w", ErrDuplicate)
		}
		return fmt.Errorf("inserting secret: %w", err)
	}

	s.logger.Debug("created secret", "id", sec.ID, "service_id", sec.ServiceID, "name", sec.Name)
	return nil
}

// GetSecret retrieves a secret by ID.
// Returns ErrNotFound if the secret doesn't exist.
func (s *SQLiteStore) GetSecret(ctx context.Context, id string) (*Secret, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM service_secrets WHERE id = ?`, id)
	sec, err := s.scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying secret: %w", err)
	}
	return sec, nil
}

// GetSecretByKey retrieves a secret by its issued key.
// Returns ErrNotFound if no secret carries that key.
func (s *SQLiteStore) GetSecretByKey(ctx context.Context, key string) (*Secret, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM service_secrets WHERE secret_key = ?`, key)
	sec, err := s.scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying secret by key: %w", err)
	}
	return sec, nil
}

// ListSecrets returns the secrets of a service, oldest first.
// Logically deleted secrets are included only when includeDeleted is set.
func (s *SQLiteStore) ListSecrets(ctx context.Context, serviceID string, includeDeleted bool) ([]*Secret, error) {
	query := `
		SELECT ` + secretColumns + `
		FROM service_secrets
		WHERE service_id = ? AND (? = 1 OR deleted_at IS NULL)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, serviceID, boolToInt(includeDeleted))
	if err != nil {
		return nil, fmt.Errorf("querying secrets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	secrets := []*Secret{}
	for rows.Next() {
		sec, err := s.scanSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning secret row: %w", err)
		}
		secrets = append(secrets, sec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating secret rows: %w", err)
	}
	return secrets, nil
}

// UpdateSecret applies the non-nil fields of u and returns the updated secret.
// The key itself can never be changed.
func (s *SQLiteStore) UpdateSecret(ctx context.Context, id string, u SecretUpdate) (*Secret, error) {
	sec, err := s.GetSecret(ctx, id)
	if err != nil {
		return nil, err
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
		if *u.LimitCount < 0 {
			return nil, fmt.Errorf("secret limit_count must be >= 0, got %d", *u.LimitCount)
		}
		sec.LimitCount = *u.LimitCount
	}
	sec.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE service_secrets
		SET name = ?, active = ?, expires_at = ?, limit_count = ?, updated_at = ?
		WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, query,
		sec.Name,
		boolToInt(sec.Active),
		nullTime(sec.ExpiresAt),
		sec.LimitCount,
		formatTime(sec.UpdatedAt),
		sec.ID,
	); err != nil {
		return nil, fmt.Errorf("updating secret: %w", err)
	}

	s.logger.Debug("updated secret", "id", sec.ID, "active", sec.Active, "limit_count", sec.LimitCount)
	return sec, nil
}

// DeleteSecret deactivates a secret and stamps deleted_at. The row is kept.
// Returns ErrNotFound if the secret doesn't exist.
func (s *SQLiteStore) DeleteSecret(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	query := `
		UPDATE service_secrets
		SET active = 0, deleted_at = COALESCE(deleted_at, ?), updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted secret", "id", id)
	return nil
}

// DeactivateServiceSecrets deactivates every secret of a service.
// Returns the number of secrets that were active.
func (s *SQLiteStore) DeactivateServiceSecrets(ctx context.Context, serviceID string) (int64, error) {
	query := `
		UPDATE service_secrets
		SET active = 0, updated_at = ?
		WHERE service_id = ? AND active = 1
	`
	result, err := s.db.ExecContext(ctx, query, formatTime(time.Now()), serviceID)
	if err != nil {
		return 0, fmt.Errorf("deactivating service secrets: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// scanSecret scans a row into a Secret.
func (s *SQLiteStore) scanSecret(scanner interface{ Scan(dest ...any) error }) (*Secret, error) {
	var sec Secret
	var active int
	var expiresAt, deletedAt sql.NullString
	var createdAt, updatedAt string

	if err := scanner.Scan(
		&sec.ID,
		&sec.ServiceID,
		&sec.Key,
		&sec.Name,
		&active,
		&expiresAt,
		&sec.LimitCount,
		&sec.CreatorID,
		&createdAt,
		&updatedAt,
		&deletedAt,
	); err != nil {
		return nil, err
	}

	sec.Active = active != 0
	sec.ExpiresAt = s.parseNullTime(expiresAt, "expires_at", sec.ID)
	sec.DeletedAt = s.parseNullTime(deletedAt, "deleted_at", sec.ID)
	sec.CreatedAt = s.parseTime(createdAt, "created_at", sec.ID)
	sec.UpdatedAt = s.parseTime(updatedAt, "updated_at", sec.ID)
	return &sec, nil
}

// Ensure SQLiteStore implements SecretStore.
var _ SecretStore = (*SQLiteStore)(nil)
