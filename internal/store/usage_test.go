// ABOUTME: Tests for daily usage counter storage
// ABOUTME: Verifies lazy creation, monotonic upserts, concurrency and range summaries

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncrementDailyUsage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.GetDailyUsage(ctx, "sec-1", "2026-03-01")
	assert.ErrorIs(t, err, ErrNotFound, "counter rows are created lazily")

	u, err := s.IncrementDailyUsage(ctx, "sec-1", "2026-03-01", true, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.TotalCount)
	assert.Equal(t, int64(1), u.SuccessCount)
	assert.Equal(t, int64(0), u.ErrorCount)

	u, err = s.IncrementDailyUsage(ctx, "sec-1", "2026-03-01", false, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.TotalCount)
	assert.Equal(t, int64(1), u.SuccessCount)
	assert.Equal(t, int64(1), u.ErrorCount)

	// A new day starts a new row
	u, err = s.IncrementDailyUsage(ctx, "sec-1", "2026-03-02", true, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.TotalCount)

	got, err := s.GetDailyUsage(ctx, "sec-1", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalCount)
}

func TestIncrementDailyUsage_Concurrent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.IncrementDailyUsage(ctx, "sec-c", "2026-03-01", i%2 == 0, time.Now())
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetDailyUsage(ctx, "sec-c", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.TotalCount)
	assert.Equal(t, int64(workers/2), got.SuccessCount)
	assert.Equal(t, int64(workers/2), got.ErrorCount)
}

func TestGetUsageSummary(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, day := range []string{"2026-02-28", "2026-03-01", "2026-03-01", "2026-03-03", "2026-03-09"} {
		_, err := s.IncrementDailyUsage(ctx, "sec-s", day, true, now)
		require.NoError(t, err)
	}
	_, err := s.IncrementDailyUsage(ctx, "sec-other", "2026-03-01", true, now)
	require.NoError(t, err)

	summary, err := s.GetUsageSummary(ctx, "sec-s", "2026-03-01", "2026-03-03")
	require.NoError(t, err)
	require.Len(t, summary.Days, 2)
	assert.Equal(t, "2026-03-01", summary.Days[0].Day)
	assert.Equal(t, "2026-03-03", summary.Days[1].Day)
	assert.Equal(t, int64(3), summary.TotalCount)
	assert.Equal(t, int64(3), summary.SuccessCount)

	empty, err := s.GetUsageSummary(ctx, "sec-none", "2026-01-01", "2026-12-31")
	require.NoError(t, err)
	assert.Empty(t, empty.Days)
	assert.Zero(t, empty.TotalCount)
}
