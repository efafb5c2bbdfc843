// ABOUTME: Tests for the route mounter's exact-path table.
// ABOUTME: Covers conflicts, unmount restoring the table, dispatch and endpoint shutdown.

package routes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	name      string
	mu        sync.Mutex
	shutdowns int
	err       error
}

func (f *fakeEndpoint) StreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, f.name+" stream")
	})
}

func (f *fakeEndpoint) MessageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, f.name+" message")
	})
}

func (f *fakeEndpoint) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return f.err
}

func factoryFor(ep *fakeEndpoint) HandlerFactory {
	return func(string) (Endpoint, error) { return ep, nil }
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func TestMountAndDispatch(t *testing.T) {
	m := NewMounter(nil)
	require.NoError(t, m.Mount("a", "/mcp-a/sse", "/mcp-a/messages/", factoryFor(&fakeEndpoint{name: "a"})))
	require.NoError(t, m.Mount("b", "/custom/sse", "/custom/messages/", factoryFor(&fakeEndpoint{name: "b"})))

	tests := []struct {
		path   string
		status int
		body   string
	}{
		{"/mcp-a/sse", http.StatusOK, "a stream"},
		{"/mcp-a/messages/", http.StatusOK, "a message"},
		{"/custom/sse", http.StatusOK, "b stream"},
		{"/custom/messages/", http.StatusOK, "b message"},
		{"/mcp-a/sse/extra", http.StatusNotFound, ""},
		{"/mcp-a/messages", http.StatusNotFound, ""},
		{"/", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := get(t, m, tt.path)
			assert.Equal(t, tt.status, status)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.body, body)
			} else {
				assert.JSONEq(t, `{"code":404,"message":"Not Found"}`, body)
			}
		})
	}

	assert.Equal(t, []string{"a", "b"}, m.Mounted())
	owner, ok := m.Owner("/custom/sse")
	assert.True(t, ok)
	assert.Equal(t, "b", owner)
}

func TestMountConflict(t *testing.T) {
	m := NewMounter(nil)
	require.NoError(t, m.Mount("a", "/x/sse", "/x/messages/", factoryFor(&fakeEndpoint{name: "a"})))
	before := m.Snapshot()

	t.Run("other service", func(t *testing.T) {
		built := false
		err := m.Mount("b", "/x/sse", "/y/messages/", func(string) (Endpoint, error) {
			built = true
			return &fakeEndpoint{}, nil
		})
		require.ErrorIs(t, err, ErrRouteConflict)
		var ce *ConflictError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "/x/sse", ce.Path)
		assert.Equal(t, "a", ce.Owner)
		assert.False(t, built, "factory should not run on conflict")
	})

	t.Run("message path conflict", func(t *testing.T) {
		err := m.Mount("b", "/y/sse", "/x/messages/", factoryFor(&fakeEndpoint{}))
		require.ErrorIs(t, err, ErrRouteConflict)
	})

	t.Run("same service", func(t *testing.T) {
		var ce *ConflictError
		err := m.Mount("a", "/x/sse", "/x/messages/", factoryFor(&fakeEndpoint{}))
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "a", ce.Owner)
	})

	assert.Equal(t, before, m.Snapshot(), "failed mounts must not change the table")
	status, body := get(t, m, "/x/sse")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "a stream", body)
}

func TestMountErrors(t *testing.T) {
	m := NewMounter(nil)
	err := m.Mount("a", "/p", "/p", factoryFor(&fakeEndpoint{}))
	assert.Error(t, err)

	boom := errors.New("boom")
	err = m.Mount("a", "/p/sse", "/p/messages/", func(string) (Endpoint, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Snapshot())
}

func TestUnmountRestoresSnapshot(t *testing.T) {
	m := NewMounter(nil)
	require.NoError(t, m.Mount("a", "/a/sse", "/a/messages/", factoryFor(&fakeEndpoint{name: "a"})))
	before := m.Snapshot()

	ep := &fakeEndpoint{name: "b"}
	require.NoError(t, m.Mount("b", "/b/sse", "/b/messages/", factoryFor(ep)))
	assert.Len(t, m.Snapshot(), 4)

	require.NoError(t, m.Unmount(context.Background(), "b"))
	assert.Equal(t, before, m.Snapshot())
	assert.Equal(t, 1, ep.shutdowns)
	assert.False(t, m.IsMounted("b"))

	status, _ := get(t, m, "/b/sse")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = get(t, m, "/a/sse")
	assert.Equal(t, http.StatusOK, status)

	t.Run("unmount again", func(t *testing.T) {
		assert.ErrorIs(t, m.Unmount(context.Background(), "b"), ErrNotMounted)
		assert.Equal(t, 1, ep.shutdowns)
	})

	t.Run("path reusable after unmount", func(t *testing.T) {
		require.NoError(t, m.Mount("c", "/b/sse", "/b/messages/", factoryFor(&fakeEndpoint{name: "c"})))
		_, body := get(t, m, "/b/sse")
		assert.Equal(t, "c stream", body)
	})
}

func TestUnmountShutdownError(t *testing.T) {
	m := NewMounter(nil)
	ep := &fakeEndpoint{err: context.DeadlineExceeded}
	require.NoError(t, m.Mount("a", "/a/sse", "/a/messages/", factoryFor(ep)))

	err := m.Unmount(context.Background(), "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, m.Snapshot(), "routes are removed even when shutdown fails")
}

func TestUnmountAll(t *testing.T) {
	m := NewMounter(nil)
	eps := []*fakeEndpoint{{name: "a"}, {name: "b"}}
	require.NoError(t, m.Mount("a", "/a/sse", "/a/messages/", factoryFor(eps[0])))
	require.NoError(t, m.Mount("b", "/b/sse", "/b/messages/", factoryFor(eps[1])))

	m.UnmountAll(context.Background())
	assert.Empty(t, m.Snapshot())
	assert.Empty(t, m.Mounted())
	for _, ep := range eps {
		assert.Equal(t, 1, ep.shutdowns)
	}
}

func TestConcurrentMountDispatch(t *testing.T) {
	m := NewMounter(nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			_ = m.Mount(id, "/"+id+"/sse", "/"+id+"/messages/", factoryFor(&fakeEndpoint{name: id}))
		}()
		go func() {
			defer wg.Done()
			get(t, m, "/"+id+"/sse")
		}()
	}
	wg.Wait()
	assert.Len(t, m.Snapshot(), 40)
}
