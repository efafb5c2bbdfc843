// ABOUTME: Single-process accountant serializing each secret behind its own lock.
// ABOUTME: The store's daily counter row is the source of truth.

package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/grimoire/internal/keylock"
	"github.com/2389/grimoire/internal/store"
)

// Local admits calls using the store's counters under a per-secret lock.
type Local struct {
	store counterStore
	loc   *time.Location
	now   Clock
	locks keylock.Locker
}

var _ Accountant = (*Local)(nil)

// NewLocal creates a Local accountant. A nil loc means UTC, a nil clock time.Now.
func NewLocal(s counterStore, loc *time.Location, now Clock) *Local {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Local{store: s, loc: loc, now: now}
}

// Admit implements Accountant.
func (l *Local) Admit(ctx context.Context, secretID string, limit int64) (Decision, error) {
	unlock := l.locks.Lock(secretID)
	defer unlock()

	at := l.now()
	day := DayKey(at, l.loc)

	var used int64
	usage, err := l.store.GetDailyUsage(ctx, secretID, day)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return Decision{}, fmt.Errorf("reading usage for %s: %w", secretID, err)
	default:
		used = usage.SuccessCount
	}

	allowed := underLimit(used, limit)
	usage, err = l.store.IncrementDailyUsage(ctx, secretID, day, allowed, at)
	if err != nil {
		return Decision{}, fmt.Errorf("counting usage for %s: %w", secretID, err)
	}

	return Decision{
		Allowed: allowed,
		Day:     day,
		Used:    usage.SuccessCount,
		Limit:   limit,
	}, nil
}

// RecordAccess implements Accountant.
func (l *Local) RecordAccess(ctx context.Context, secretID string, success bool) error {
	unlock := l.locks.Lock(secretID)
	defer unlock()

	at := l.now()
	if _, err := l.store.IncrementDailyUsage(ctx, secretID, DayKey(at, l.loc), success, at); err != nil {
		return fmt.Errorf("counting usage for %s: %w", secretID, err)
	}
	return nil
}
