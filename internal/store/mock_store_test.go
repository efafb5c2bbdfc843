// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on uniqueness rules, logical deletes and error injection

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ServiceUniqueness(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	require.NoError(t, s.CreateService(ctx, &Service{Name: "a", StreamPath: "/a/sse", ModuleID: strPtr("m1")}))

	err := s.CreateService(ctx, &Service{Name: "b", StreamPath: "/a/sse"})
	assert.ErrorIs(t, err, ErrDuplicate, "duplicate stream_path")

	err = s.CreateService(ctx, &Service{Name: "c", StreamPath: "/c/sse", ModuleID: strPtr("m1")})
	assert.ErrorIs(t, err, ErrDuplicate, "second service for one module")

	require.NoError(t, s.CreateService(ctx, &Service{Name: "d", StreamPath: "/d/sse"}))
	require.NoError(t, s.CreateService(ctx, &Service{Name: "e", StreamPath: "/e/sse"}), "nil module ids never collide")
}

func TestMockStore_ReturnsCopies(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	svc := &Service{Name: "a", StreamPath: "/a/sse", Params: map[string]any{"k": "v"}}
	require.NoError(t, s.CreateService(ctx, svc))

	got, err := s.GetService(ctx, svc.ID)
	require.NoError(t, err)
	got.Name = "mutated"
	got.Params["k"] = "mutated"

	again, err := s.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Name)
	assert.Equal(t, "v", again.Params["k"])
}

func TestMockStore_SecretLifecycle(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	sec := &Secret{ServiceID: "svc", Key: "sk-1", Name: "one", Active: true}
	require.NoError(t, s.CreateSecret(ctx, sec))
	assert.ErrorIs(t, s.CreateSecret(ctx, &Secret{ServiceID: "svc", Key: "sk-1"}), ErrDuplicate)

	require.NoError(t, s.DeleteSecret(ctx, sec.ID))
	got, err := s.GetSecretByKey(ctx, "sk-1")
	require.NoError(t, err)
	assert.False(t, got.Usable())
	assert.NotNil(t, got.DeletedAt)

	listed, err := s.ListSecrets(ctx, "svc", false)
	require.NoError(t, err)
	assert.Empty(t, listed)
	listed, err = s.ListSecrets(ctx, "svc", true)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestMockStore_FailOn(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	boom := errors.New("boom")

	s.FailOn("SetServiceStatus", boom)
	assert.ErrorIs(t, s.SetServiceStatus(ctx, "x", StatusRunning, true, ""), boom)

	s.FailOn("SetServiceStatus", nil)
	assert.ErrorIs(t, s.SetServiceStatus(ctx, "x", StatusRunning, true, ""), ErrNotFound)
}

func TestMockStore_AccessLogPaging(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAccessLog(ctx, &AccessLogEntry{
			ServiceID: "svc",
			Success:   i%2 == 0,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, total, err := s.ListAccessLogs(ctx, AccessLogFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, base.Add(3*time.Minute), page[0].CreatedAt)

	failed := false
	_, total, err = s.ListAccessLogs(ctx, AccessLogFilter{Success: &failed})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}
