// ABOUTME: Service record persistence for published tool modules
// ABOUTME: CRUD plus status transitions used by the lifecycle manager

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const serviceColumns = `
	id, module_id, name, status, stream_path, protocol, enabled, auth_required,
	owner_id, visibility, params_json, last_error, created_at, updated_at
`

// CreateService inserts a new service record.
// Generates ID and timestamps if not set. Returns ErrDuplicate when the
// module already has a service or the stream path is taken.
func (s *SQLiteStore) CreateService(ctx context.Context, svc *Service) error {
	if svc.ID == "" {
		svc.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
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

	params, err := marshalParams(svc.Params)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO services (` + serviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		svc.ID,
		nullString(ptrToString(svc.ModuleID)),
		svc.Name,
		string(svc.Status),
		svc.StreamPath,
		svc.Protocol,
		boolToInt(svc.Enabled),
		boolToInt(svc.AuthRequired),
		svc.OwnerID,
		string(svc.Visibility),
		params,
		nullString(svc.LastError),
		formatTime(svc.CreatedAt),
		formatTime(svc.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("service %q: %w", svc.Name, ErrDuplicate)
		}
		return fmt.Errorf("inserting service: %w", err)
	}

	s.logger.Debug("created service", "id", svc.ID, "name", svc.Name, "stream_path", svc.StreamPath)
	return nil
}

// GetService retrieves a service by ID.
// Returns ErrNotFound if the service doesn't exist.
func (s *SQLiteStore) GetService(ctx context.Context, id string) (*Service, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
	svc, err := s.scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service: %w", err)
	}
	return svc, nil
}

// GetServiceByModule retrieves the service backed by a module.
// Returns ErrNotFound if the module has never been published.
func (s *SQLiteStore) GetServiceByModule(ctx context.Context, moduleID string) (*Service, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE module_id = ?`, moduleID)
	svc, err := s.scanService(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying service by module: %w", err)
	}
	return svc, nil
}

// UpdateService writes the mutable attributes of a service.
// The ID, module and creation time are immutable.
func (s *SQLiteStore) UpdateService(ctx context.Context, svc *Service) error {
	svc.UpdatedAt = time.Now().UTC()

	params, err := marshalParams(svc.Params)
	if err != nil {
		return err
	}

	query := `
		UPDATE services
		SET name = ?, status = ?, stream_path = ?, protocol = ?, enabled = ?,
		    auth_required = ?, owner_id = ?, visibility = ?, params_json = ?,
		    last_error = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		svc.Name,
		string(svc.Status),
		svc.StreamPath,
		svc.Protocol,
		boolToInt(svc.Enabled),
		boolToInt(svc.AuthRequired),
		svc.OwnerID,
		string(svc.Visibility),
		params,
		nullString(svc.LastError),
		formatTime(svc.UpdatedAt),
		svc.ID,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("service %q: %w", svc.Name, ErrDuplicate)
		}
		return fmt.Errorf("updating service: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetServiceStatus records a lifecycle transition.
// An empty lastError clears any previously recorded failure.
func (s *SQLiteStore) SetServiceStatus(ctx context.Context, id string, status ServiceStatus, enabled bool, lastError string) error {
	query := `
		UPDATE services
		SET status = ?, enabled = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(status),
		boolToInt(enabled),
		nullString(lastError),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating service status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("service status changed", "id", id, "status", status, "enabled", enabled)
	return nil
}

// ListServices returns services matching the filter, oldest first.
func (s *SQLiteStore) ListServices(ctx context.Context, f ServiceFilter) ([]*Service, error) {
	var status *string
	if f.Status != nil {
		st := string(*f.Status)
		status = &st
	}
	var enabled *int
	if f.Enabled != nil {
		e := boolToInt(*f.Enabled)
		enabled = &e
	}

	query := `
		SELECT ` + serviceColumns + `
		FROM services
		WHERE (? IS NULL OR status = ?)
		  AND (? IS NULL OR owner_id = ?)
		  AND (? IS NULL OR enabled = ?)
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query,
		status, status,
		f.OwnerID, f.OwnerID,
		enabled, enabled,
	)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	services := []*Service{}
	for rows.Next() {
		svc, err := s.scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service row: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating service rows: %w", err)
	}
	return services, nil
}

// DeleteService removes a service record permanently.
// Returns ErrNotFound if the service doesn't exist.
func (s *SQLiteStore) DeleteService(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting service: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted service", "id", id)
	return nil
}

// scanService scans a row into a Service.
func (s *SQLiteStore) scanService(scanner interface{ Scan(dest ...any) error }) (*Service, error) {
	var svc Service
	var moduleID, paramsJSON, lastError sql.NullString
	var status, visibility, createdAt, updatedAt string
	var enabled, authRequired int

	if err := scanner.Scan(
		&svc.ID,
		&moduleID,
		&svc.Name,
		&status,
		&svc.StreamPath,
		&svc.Protocol,
		&enabled,
		&authRequired,
		&svc.OwnerID,
		&visibility,
		&paramsJSON,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	svc.Status = ServiceStatus(status)
	svc.Visibility = Visibility(visibility)
	svc.Enabled = enabled != 0
	svc.AuthRequired = authRequired != 0
	svc.LastError = lastError.String
	svc.CreatedAt = s.parseTime(createdAt, "created_at", svc.ID)
	svc.UpdatedAt = s.parseTime(updatedAt, "updated_at", svc.ID)
	if moduleID.Valid {
		svc.ModuleID = &moduleID.String
	}
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &svc.Params); err != nil {
			s.logger.Warn("failed to parse service params", "id", svc.ID, "error", err)
		}
	}
	return &svc, nil
}

// marshalParams renders the opaque params blob, storing NULL for an empty map.
func marshalParams(params map[string]any) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling service params: %w", err)
	}
	return string(data), nil
}

// Ensure SQLiteStore implements ServiceStore.
var _ ServiceStore = (*SQLiteStore)(nil)
