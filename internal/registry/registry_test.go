// ABOUTME: Tests for the service registry and toolsets.
// ABOUTME: Validates idempotent register/unregister, lookup and concurrent access.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes " + name,
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler: func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(map[string]any{"tool": name, "input": json.RawMessage(input)})
		},
	}
}

func newToolset(t *testing.T, serviceID string, names ...string) *Toolset {
	t.Helper()
	tools := make([]*Tool, 0, len(names))
	for _, n := range names {
		tools = append(tools, echoTool(n))
	}
	ts, err := NewToolset(serviceID, "mod-"+serviceID, tools...)
	require.NoError(t, err)
	return ts
}

func TestNewToolset(t *testing.T) {
	t.Run("orders tools by name", func(t *testing.T) {
		ts := newToolset(t, "svc", "zeta", "alpha", "mid")
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, ts.Names())
		assert.Equal(t, 3, ts.Len())
		assert.Equal(t, "alpha", ts.List()[0].Name)
	})

	t.Run("rejects duplicates", func(t *testing.T) {
		_, err := NewToolset("svc", "mod", echoTool("a"), echoTool("a"))
		assert.ErrorIs(t, err, ErrToolCollision)
	})

	t.Run("rejects missing handler", func(t *testing.T) {
		_, err := NewToolset("svc", "mod", &Tool{Name: "nohandler"})
		assert.Error(t, err)
	})
}

func TestToolsetCall(t *testing.T) {
	ts := newToolset(t, "svc", "ping")

	out, err := ts.Call(context.Background(), "ping", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"tool":"ping","input":{"x":1}}`, string(out))

	_, err = ts.Call(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(slog.Default())
	first := newToolset(t, "svc-1", "a")

	assert.True(t, r.Register("svc-1", first))
	got, ok := r.Lookup("svc-1")
	require.True(t, ok)
	assert.Same(t, first, got)

	t.Run("re-register is a no-op", func(t *testing.T) {
		second := newToolset(t, "svc-1", "b")
		assert.False(t, r.Register("svc-1", second))
		got, ok := r.Lookup("svc-1")
		require.True(t, ok)
		assert.Same(t, first, got, "existing entry kept")
	})
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("svc-1", newToolset(t, "svc-1", "a"))

	assert.True(t, r.Unregister("svc-1"))
	assert.False(t, r.IsRunning("svc-1"))
	assert.False(t, r.Unregister("svc-1"), "second unregister has nothing to do")
	assert.False(t, r.Unregister("never-registered"))
}

func TestRegistryListRunning(t *testing.T) {
	r := NewRegistry(nil)
	assert.Empty(t, r.ListRunning())

	r.Register("svc-b", newToolset(t, "svc-b", "x"))
	r.Register("svc-a", newToolset(t, "svc-a", "x"))
	assert.Equal(t, []string{"svc-a", "svc-b"}, r.ListRunning())

	// Same tool name in two services never collides
	a, _ := r.Lookup("svc-a")
	b, _ := r.Lookup("svc-b")
	assert.NotSame(t, a, b)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("svc-%d", i)
		ts := newToolset(t, id, "tool")
		wg.Add(3)
		go func() {
			defer wg.Done()
			r.Register(id, ts)
		}()
		go func() {
			defer wg.Done()
			r.Lookup(id)
			r.ListRunning()
		}()
		go func() {
			defer wg.Done()
			r.Unregister(id)
		}()
	}
	wg.Wait()

	for _, id := range r.ListRunning() {
		assert.True(t, r.IsRunning(id))
	}
}
