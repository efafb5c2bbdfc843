// ABOUTME: Module source persistence consumed by the dynamic loader
// ABOUTME: Stores the Go source text each service is materialized from

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateModule stores a module's source text.
func (s *SQLiteStore) CreateModule(ctx context.Context, m *Module) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = m.CreatedAt

	query := `
		INSERT INTO modules (id, name, description, source, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.Name,
		m.Description,
		m.Source,
		m.OwnerID,
		formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("module %q: %w", m.ID, ErrDuplicate)
		}
		return fmt.Errorf("inserting module: %w", err)
	}

	s.logger.Debug("created module", "id", m.ID, "name", m.Name, "bytes", len(m.Source))
	return nil
}

// GetModule retrieves a module by ID.
// Returns ErrNotFound if the module doesn't exist.
func (s *SQLiteStore) GetModule(ctx context.Context, id string) (*Module, error) {
	query := `
		SELECT id, name, description, source, owner_id, created_at, updated_at
		FROM modules
		WHERE id = ?
	`
	m, err := s.scanModule(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying module: %w", err)
	}
	return m, nil
}

// ListModules returns all modules ordered by name.
func (s *SQLiteStore) ListModules(ctx context.Context) ([]*Module, error) {
	query := `
		SELECT id, name, description, source, owner_id, created_at, updated_at
		FROM modules
		ORDER BY name, id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying modules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	modules := []*Module{}
	for rows.Next() {
		m, err := s.scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning module row: %w", err)
		}
		modules = append(modules, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating module rows: %w", err)
	}
	return modules, nil
}

func (s *SQLiteStore) scanModule(scanner interface{ Scan(dest ...any) error }) (*Module, error) {
	var m Module
	var createdAt, updatedAt string
	if err := scanner.Scan(&m.ID, &m.Name, &m.Description, &m.Source, &m.OwnerID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = s.parseTime(createdAt, "created_at", m.ID)
	m.UpdatedAt = s.parseTime(updatedAt, "updated_at", m.ID)
	return &m, nil
}
