// ABOUTME: Access log entity storage, one append-only row per authorization decision
// ABOUTME: Supports filtering by service, secret, outcome and time range with offset paging

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAccessLog appends a new entry to the access log.
// Generates ID and CreatedAt if not set.
func (s *SQLiteStore) AppendAccessLog(ctx context.Context, e *AccessLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var headersJSON *string
	if len(e.Headers) > 0 {
		data, err := json.Marshal(e.Headers)
		if err != nil {
			return fmt.Errorf("marshaling access log headers: %w", err)
		}
		str := string(data)
		headersJSON = &str
	}

	query := `
		INSERT INTO access_logs (
			id, service_id, secret_id, client_addr, user_agent, method, path,
			success, error_code, error_detail, headers_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ServiceID,
		e.SecretID,
		e.ClientAddr,
		e.UserAgent,
		e.Method,
		e.Path,
		boolToInt(e.Success),
		e.ErrorCode,
		nullString(e.ErrorDetail),
		headersJSON,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting access log entry: %w", err)
	}
	return nil
}

// accessLogWhere is shared by the page query and the count query.
const accessLogWhere = `
	WHERE (? IS NULL OR service_id = ?)
	  AND (? IS NULL OR secret_id = ?)
	  AND (? IS NULL OR success = ?)
	  AND (? IS NULL OR created_at >= ?)
	  AND (? IS NULL OR created_at < ?)
`

// ListAccessLogs returns one page of entries matching the filter, newest first,
// along with the total number of matching entries.
func (s *SQLiteStore) ListAccessLogs(ctx context.Context, f AccessLogFilter) ([]AccessLogEntry, int, error) {
	limit := normalizeLimit(f.Limit)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var success *int
	if f.Success != nil {
		v := boolToInt(*f.Success)
		success = &v
	}
	var since, until *string
	if f.Since != nil {
		v := formatTime(*f.Since)
		since = &v
	}
	if f.Until != nil {
		v := formatTime(*f.Until)
		until = &v
	}
	args := []any{
		f.ServiceID, f.ServiceID,
		f.SecretID, f.SecretID,
		success, success,
		since, since,
		until, until,
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_logs`+accessLogWhere, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting access logs: %w", err)
	}

	query := `
		SELECT id, service_id, secret_id, client_addr, user_agent, method, path,
		       success, error_code, error_detail, headers_json, created_at
		FROM access_logs` + accessLogWhere + `
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying access logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AccessLogEntry{}
	for rows.Next() {
		e, err := s.scanAccessLog(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating access log entries: %w", err)
	}
	return entries, total, nil
}

// scanAccessLog scans a row into an AccessLogEntry.
func (s *SQLiteStore) scanAccessLog(scanner interface{ Scan(dest ...any) error }) (AccessLogEntry, error) {
	var e AccessLogEntry
	var secretID, errorDetail, headersJSON sql.NullString
	var success int
	var createdAt string

	if err := scanner.Scan(
		&e.ID,
		&e.ServiceID,
		&secretID,
		&e.ClientAddr,
		&e.UserAgent,
		&e.Method,
		&e.Path,
		&success,
		&e.ErrorCode,
		&errorDetail,
		&headersJSON,
		&createdAt,
	); err != nil {
		return e, fmt.Errorf("scanning access log entry: %w", err)
	}

	e.Success = success != 0
	e.ErrorDetail = errorDetail.String
	e.CreatedAt = s.parseTime(createdAt, "created_at", e.ID)
	if secretID.Valid {
		e.SecretID = &secretID.String
	}
	if headersJSON.Valid {
		if err := json.Unmarshal([]byte(headersJSON.String), &e.Headers); err != nil {
			return e, fmt.Errorf("unmarshaling headers: %w", err)
		}
	}
	return e, nil
}

// Ensure SQLiteStore implements AccessLogStore.
var _ AccessLogStore = (*SQLiteStore)(nil)
