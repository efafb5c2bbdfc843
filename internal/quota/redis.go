// ABOUTME: Redis-backed accountant for several gateway instances sharing one quota.
// ABOUTME: Admission is a Lua increment-if-below-limit; decisions are mirrored to the store.

package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterTTL keeps a day's key around long enough to cover any timezone offset.
const counterTTL = 48 * time.Hour

// admitScript increments KEYS[1] only while it is below ARGV[1] (0 = no limit).
// Returns {allowed, count}.
var admitScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and n >= limit then
	return {0, n}
end
n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return {1, n}
`)

// Redis admits calls against counters held in Redis.
type Redis struct {
	client redis.Scripter
	mirror counterStore
	loc    *time.Location
	now    Clock
	logger *slog.Logger
}

var _ Accountant = (*Redis)(nil)

// RedisOptions configures a Redis accountant.
type RedisOptions struct {
	Client   redis.Scripter
	Mirror   counterStore // receives every decision for stats; may be nil
	Location *time.Location
	Clock    Clock
	Logger   *slog.Logger
}

// NewRedis creates a Redis accountant.
func NewRedis(opts RedisOptions) *Redis {
	r := &Redis{
		client: opts.Client,
		mirror: opts.Mirror,
		loc:    opts.Location,
		now:    opts.Clock,
		logger: opts.Logger,
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "quota")
	return r
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return client, nil
}

func counterKey(secretID, day string) string {
	return "quota:" + secretID + ":" + day
}

// Admit implements Accountant.
func (r *Redis) Admit(ctx context.Context, secretID string, limit int64) (Decision, error) {
	at := r.now()
	day := DayKey(at, r.loc)

	res, err := admitScript.Run(ctx, r.client,
		[]string{counterKey(secretID, day)},
		limit, int64(counterTTL/time.Second),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("admitting %s: %w", secretID, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("admitting %s: unexpected script reply %v", secretID, res)
	}

	d := Decision{
		Allowed: res[0] == 1,
		Day:     day,
		Used:    res[1],
		Limit:   limit,
	}
	r.mirrorAccess(ctx, secretID, day, d.Allowed, at)
	return d, nil
}

// RecordAccess implements Accountant. Only the store mirror is touched; the
// Redis counter tracks successful calls.
func (r *Redis) RecordAccess(ctx context.Context, secretID string, success bool) error {
	if r.mirror == nil {
		return nil
	}
	at := r.now()
	if _, err := r.mirror.IncrementDailyUsage(ctx, secretID, DayKey(at, r.loc), success, at); err != nil {
		return fmt.Errorf("counting usage for %s: %w", secretID, err)
	}
	return nil
}

func (r *Redis) mirrorAccess(ctx context.Context, secretID, day string, success bool, at time.Time) {
	if r.mirror == nil {
		return
	}
	if _, err := r.mirror.IncrementDailyUsage(ctx, secretID, day, success, at); err != nil {
		// Admission already happened in Redis; stats lag but the decision stands
		r.logger.Warn("failed to mirror usage", "secret_id", secretID, "error", err)
	}
}
