// ABOUTME: Per-secret daily quota accounting shared by the authorization gateway.
// ABOUTME: Admit is the atomic check-and-increment; RecordAccess counts denials.

package quota

import (
	"context"
	"time"

	"github.com/2389/grimoire/internal/store"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Day     string // counter day, YYYY-MM-DD in the accountant's timezone
	Used    int64  // successful calls counted today, including this one if allowed
	Limit   int64  // 0 means unlimited
}

// Accountant admits calls against a secret's daily limit.
type Accountant interface {
	// Admit checks the secret's successful calls today against limit and,
	// if below it, counts this call as a success. A refused call is counted
	// as an error. Concurrent Admits for one secret never over-admit.
	Admit(ctx context.Context, secretID string, limit int64) (Decision, error)

	// RecordAccess counts a call without checking any limit. It is used for
	// denials decided before admission, such as an expired key.
	RecordAccess(ctx context.Context, secretID string, success bool) error
}

// Clock returns the current time.
type Clock func() time.Time

// DayKey formats t as the counter day in loc.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(time.DateOnly)
}

// underLimit reports whether one more successful call fits.
func underLimit(used, limit int64) bool {
	return limit <= 0 || used < limit
}

// counterStore is the slice of the store the accountants need.
type counterStore interface {
	GetDailyUsage(ctx context.Context, secretID, day string) (*store.DailyUsage, error)
	IncrementDailyUsage(ctx context.Context, secretID, day string, success bool, at time.Time) (*store.DailyUsage, error)
}
