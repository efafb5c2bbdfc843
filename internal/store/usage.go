// ABOUTME: SQLite implementation for per-secret daily usage counters
// ABOUTME: One row per (secret, day), incremented through an upsert that never decrements

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetDailyUsage returns the counter for a secret on a day.
// Returns ErrNotFound if the secret has not been used that day.
func (s *SQLiteStore) GetDailyUsage(ctx context.Context, secretID, day string) (*DailyUsage, error) {
	query := `
		SELECT secret_id, day, total_count, success_count, error_count, last_access_at
		FROM secret_daily_usage
		WHERE secret_id = ? AND day = ?
	`
	u, err := s.scanUsage(s.db.QueryRowContext(ctx, query, secretID, day))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying daily usage: %w", err)
	}
	return u, nil
}

// IncrementDailyUsage counts one access against a secret's day and returns the new totals.
// The row is created on first access of the day.
func (s *SQLiteStore) IncrementDailyUsage(ctx context.Context, secretID, day string, success bool, at time.Time) (*DailyUsage, error) {
	successInc, errorInc := 0, 1
	if success {
		successInc, errorInc = 1, 0
	}

	query := `
		INSERT INTO secret_daily_usage (id, secret_id, day, total_count, success_count, error_count, last_access_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (secret_id, day) DO UPDATE SET
			total_count    = total_count + 1,
			success_count  = success_count + excluded.success_count,
			error_count    = error_count + excluded.error_count,
			last_access_at = excluded.last_access_at
		RETURNING secret_id, day, total_count, success_count, error_count, last_access_at
	`
	u, err := s.scanUsage(s.db.QueryRowContext(ctx, query,
		uuid.New().String(),
		secretID,
		day,
		successInc,
		errorInc,
		formatTime(at),
	))
	if err != nil {
		return nil, fmt.Errorf("incrementing daily usage: %w", err)
	}
	return u, nil
}

// GetUsageSummary returns per-day counters and totals for an inclusive day range.
func (s *SQLiteStore) GetUsageSummary(ctx context.Context, secretID, fromDay, toDay string) (*UsageSummary, error) {
	query := `
		SELECT secret_id, day, total_count, success_count, error_count, last_access_at
		FROM secret_daily_usage
		WHERE secret_id = ? AND day >= ? AND day <= ?
		ORDER BY day ASC
	`
	rows, err := s.db.QueryContext(ctx, query, secretID, fromDay, toDay)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	summary := &UsageSummary{
		SecretID: secretID,
		From:     fromDay,
		To:       toDay,
		Days:     []DailyUsage{},
	}
	for rows.Next() {
		u, err := s.scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		summary.Days = append(summary.Days, *u)
		summary.TotalCount += u.TotalCount
		summary.SuccessCount += u.SuccessCount
		summary.ErrorCount += u.ErrorCount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return summary, nil
}

func (s *SQLiteStore) scanUsage(scanner interface{ Scan(dest ...any) error }) (*DailyUsage, error) {
	var u DailyUsage
	var lastAccess string
	if err := scanner.Scan(&u.SecretID, &u.Day, &u.TotalCount, &u.SuccessCount, &u.ErrorCount, &lastAccess); err != nil {
		return nil, err
	}
	u.LastAccessAt = s.parseTime(lastAccess, "last_access_at", u.SecretID)
	return &u, nil
}

// Ensure SQLiteStore implements UsageStore.
var _ UsageStore = (*SQLiteStore)(nil)
