// ABOUTME: Tests for the per-service MCP server over SSE and WebSocket.
// ABOUTME: Covers the endpoint handshake, tool calls, graceful shutdown and transport failures.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/grimoire/internal/registry"
	"github.com/2389/grimoire/internal/store"
)

func testToolset(t *testing.T) *registry.Toolset {
	t.Helper()
	ts, err := registry.NewToolset("svc-1", "greeter",
		&registry.Tool{
			Name:        "Hello",
			Description: "Hello greets someone.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
			Handler: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				var args struct {
					Name string `json:"name"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return nil, err
				}
				return json.Marshal("hello " + args.Name)
			},
		},
		&registry.Tool{
			Name: "Fail",
			Handler: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
				return nil, errors.New("boom")
			},
		},
	)
	require.NoError(t, err)
	return ts
}

// testServer mounts a Server at /stream and /messages/ on an httptest server.
func testServer(t *testing.T, protocol string) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(Config{
		ServiceID:   "svc-1",
		Name:        "greeter",
		Toolset:     testToolset(t),
		MessagePath: "/messages/",
		Protocol:    protocol,
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/stream", srv.StreamHandler())
	mux.Handle("/messages/", srv.MessageHandler())
	hs := httptest.NewServer(mux)
	t.Cleanup(hs.Close)
	return srv, hs
}

type sseEvent struct {
	name string
	data string
}

// openStream opens an SSE stream and returns a channel of parsed events.
func openStream(t *testing.T, ctx context.Context, url string) (*http.Response, <-chan sseEvent) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	events := make(chan sseEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data += strings.TrimPrefix(line, "data: ")
			case line == "" && ev.name != "":
				events <- ev
				ev = sseEvent{}
			}
		}
	}()
	return resp, events
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, data string) JSONRPCResponse {
	t.Helper()
	var resp JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(data), &resp))
	return resp
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{MessagePath: "/m"})
	assert.Error(t, err)

	_, err = NewServer(Config{Toolset: testToolset(t)})
	assert.Error(t, err)

	srv, err := NewServer(Config{ServiceID: "svc-1", Toolset: testToolset(t), MessagePath: "/m"})
	require.NoError(t, err)
	assert.Equal(t, "svc-1", srv.name)
	assert.Equal(t, store.ProtocolSSE, srv.protocol)
}

func TestSSEEndpointHandshake(t *testing.T) {
	_, hs := testServer(t, store.ProtocolSSE)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, events := openStream(t, ctx, hs.URL+"/stream")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ev := nextEvent(t, events)
	assert.Equal(t, "endpoint", ev.name)
	assert.True(t, strings.HasPrefix(ev.data, "/messages/?session_id="), ev.data)
}

func TestSSEToolRoundTrip(t *testing.T) {
	_, hs := testServer(t, store.ProtocolSSE)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, events := openStream(t, ctx, hs.URL+"/stream")
	endpoint := hs.URL + nextEvent(t, events).data

	t.Run("initialize", func(t *testing.T) {
		resp := post(t, endpoint, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test","version":"1"}}}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)

		msg := decodeResponse(t, nextEvent(t, events).data)
		require.Nil(t, msg.Error)
		result := msg.Result.(map[string]any)
		assert.Equal(t, "2025-03-26", result["protocolVersion"])
		assert.Equal(t, "greeter", result["serverInfo"].(map[string]any)["name"])
	})

	t.Run("unknown protocol version falls back", func(t *testing.T) {
		post(t, endpoint, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01"}}`)
		msg := decodeResponse(t, nextEvent(t, events).data)
		assert.Equal(t, defaultProtocolVersion, msg.Result.(map[string]any)["protocolVersion"])
	})

	t.Run("notification gets no response", func(t *testing.T) {
		resp := post(t, endpoint, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})

	t.Run("tools/list", func(t *testing.T) {
		post(t, endpoint, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
		msg := decodeResponse(t, nextEvent(t, events).data)
		require.Nil(t, msg.Error)
		assert.JSONEq(t, "3", string(msg.ID))

		tools := msg.Result.(map[string]any)["tools"].([]any)
		require.Len(t, tools, 2)
		assert.Equal(t, "Fail", tools[0].(map[string]any)["name"])
		assert.Equal(t, "Hello", tools[1].(map[string]any)["name"])
		assert.Equal(t, map[string]any{"type": "object"}, tools[0].(map[string]any)["inputSchema"])
	})

	t.Run("tools/call success", func(t *testing.T) {
		post(t, endpoint, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"Hello","arguments":{"name":"ada"}}}`)
		msg := decodeResponse(t, nextEvent(t, events).data)
		require.Nil(t, msg.Error)
		content := msg.Result.(map[string]any)["content"].([]any)
		assert.Equal(t, "hello ada", content[0].(map[string]any)["text"])
	})

	t.Run("tools/call tool error", func(t *testing.T) {
		post(t, endpoint, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"Fail"}}`)
		msg := decodeResponse(t, nextEvent(t, events).data)
		require.Nil(t, msg.Error)
		result := msg.Result.(map[string]any)
		assert.Equal(t, true, result["isError"])
		assert.Equal(t, "boom", result["content"].([]any)[0].(map[string]any)["text"])
	})

	t.Run("tools/call unknown tool", func(t *testing.T) {
		post(t, endpoint, `{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"Nope"}}`)
		msg := decodeResponse(t, nextEvent(t, events).data)
		require.NotNil(t, msg.Error)
		assert.Equal(t, JSONRPCInvalidParams, msg.Error.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		post(t, endpoint, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
		msg := decodeResponse(t, nextEvent(t, events).data)
		require.NotNil(t, msg.Error)
		assert.Equal(t, JSONRPCMethodNotFound, msg.Error.Code)
	})
}

func TestMessageErrors(t *testing.T) {
	_, hs := testServer(t, store.ProtocolSSE)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, events := openStream(t, ctx, hs.URL+"/stream")
	endpoint := hs.URL + nextEvent(t, events).data

	tests := []struct {
		name   string
		url    string
		body   string
		status int
	}{
		{"missing session", hs.URL + "/messages/", `{}`, http.StatusBadRequest},
		{"unknown session", hs.URL + "/messages/?session_id=nope", `{}`, http.StatusNotFound},
		{"invalid json", endpoint, `{not json`, http.StatusBadRequest},
		{"body too large", endpoint, strings.Repeat("x", MaxRequestBodySize+1), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, tt.url, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}

	t.Run("wrong method on message path", func(t *testing.T) {
		resp, err := http.Get(endpoint)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestShutdown(t *testing.T) {
	srv, hs := testServer(t, store.ProtocolSSE)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, events := openStream(t, ctx, hs.URL+"/stream")
	endpoint := hs.URL + nextEvent(t, events).data
	require.Eventually(t, func() bool { return srv.SessionCount() == 1 }, time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	require.NoError(t, srv.Shutdown(shutdownCtx))

	t.Run("open stream ends", func(t *testing.T) {
		select {
		case _, ok := <-events:
			assert.False(t, ok)
		case <-time.After(5 * time.Second):
			t.Fatal("stream still open after shutdown")
		}
		assert.Eventually(t, func() bool { return srv.SessionCount() == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("new streams refused", func(t *testing.T) {
		resp, err := http.Get(hs.URL + "/stream")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("new messages refused", func(t *testing.T) {
		resp := post(t, endpoint, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("second shutdown is a no-op", func(t *testing.T) {
		assert.NoError(t, srv.Shutdown(context.Background()))
	})
}

func TestShutdownWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ts, err := registry.NewToolset("svc-1", "slow", &registry.Tool{
		Name: "Slow",
		Handler: func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-release
			return json.Marshal("done")
		},
	})
	require.NoError(t, err)

	srv, err := NewServer(Config{ServiceID: "svc-1", Toolset: ts, MessagePath: "/messages/"})
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.Handle("/stream", srv.StreamHandler())
	mux.Handle("/messages/", srv.MessageHandler())
	hs := httptest.NewServer(mux)
	defer hs.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, events := openStream(t, ctx, hs.URL+"/stream")
	endpoint := hs.URL + nextEvent(t, events).data

	posted := make(chan int, 1)
	go func() {
		resp, err := http.Post(endpoint, "application/json",
			strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"Slow"}}`))
		if err != nil {
			posted <- 0
			return
		}
		resp.Body.Close()
		posted <- resp.StatusCode
	}()
	<-started

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("shutdown returned while a request was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, http.StatusAccepted, <-posted)

	// The in-flight response is flushed before the stream closes
	msg := decodeResponse(t, nextEvent(t, events).data)
	require.Nil(t, msg.Error)
}

func TestShutdownDeadline(t *testing.T) {
	srv, err := NewServer(Config{ServiceID: "svc-1", Toolset: testToolset(t), MessagePath: "/m"})
	require.NoError(t, err)
	require.True(t, srv.begin())
	defer srv.end()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
}

func TestWebSocketTransport(t *testing.T) {
	srv, hs := testServer(t, store.ProtocolWebSocket)
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/stream"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	t.Run("tools/call", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"Hello","arguments":{"name":"bo"}}}`)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg := decodeResponse(t, string(data))
		require.Nil(t, msg.Error)
		assert.Equal(t, "hello bo", msg.Result.(map[string]any)["content"].([]any)[0].(map[string]any)["text"])
	})

	t.Run("invalid json", func(t *testing.T) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`nope`)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		msg := decodeResponse(t, string(data))
		require.NotNil(t, msg.Error)
		assert.Equal(t, JSONRPCParseError, msg.Error.Code)
	})

	t.Run("shutdown sends close frame", func(t *testing.T) {
		require.NoError(t, srv.Shutdown(context.Background()))
		_, _, err := conn.ReadMessage()
		require.Error(t, err)
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	})
}

func TestStreamsRefusedOnceSessionsClosed(t *testing.T) {
	t.Run("sse", func(t *testing.T) {
		srv, hs := testServer(t, store.ProtocolSSE)
		// the server flag is still clear, as in a stream racing Shutdown
		srv.sessions.closeAll()

		resp, err := http.Get(hs.URL + "/stream")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, 0, srv.SessionCount())
	})

	t.Run("websocket", func(t *testing.T) {
		srv, hs := testServer(t, store.ProtocolWebSocket)
		srv.sessions.closeAll()

		wsURL := "ws" + strings.TrimPrefix(hs.URL, "http") + "/stream"
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if conn != nil {
			conn.Close()
		}
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, 0, srv.SessionCount())
	})
}

func TestSessionStoreRefusesAfterClose(t *testing.T) {
	sessions := newSessionStore()
	sess, err := sessions.create()
	require.NoError(t, err)

	assert.Equal(t, 1, sessions.closeAll())
	select {
	case <-sess.closed:
	default:
		t.Fatal("open session not closed")
	}

	_, err = sessions.create()
	assert.ErrorIs(t, err, errServerClosing)
	assert.Equal(t, 1, sessions.count())
}

func TestShutdownRefusesStreamsWhileDraining(t *testing.T) {
	srv, hs := testServer(t, store.ProtocolSSE)
	require.True(t, srv.begin())

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool {
		_, err := srv.sessions.create()
		return errors.Is(err, errServerClosing)
	}, time.Second, 10*time.Millisecond)

	resp, err := http.Get(hs.URL + "/stream")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	srv.end()
	require.NoError(t, <-done)
}

// brokenConn fails every data frame write.
type brokenConn struct {
	closed bool
}

func (c *brokenConn) WriteMessage(int, []byte) error {
	return errors.New("broken pipe")
}

func (c *brokenConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *brokenConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *brokenConn) SetReadDeadline(time.Time) error           { return nil }

func (c *brokenConn) Close() error {
	c.closed = true
	return nil
}

func TestWebSocketWriteFailureEndsSession(t *testing.T) {
	srv, err := NewServer(Config{ServiceID: "svc-1", Toolset: testToolset(t), MessagePath: "/m"})
	require.NoError(t, err)
	sess, err := srv.sessions.create()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn := &brokenConn{}
	done := make(chan struct{})
	go srv.wsWriter(ctx, cancel, conn, sess, done)

	require.NoError(t, sess.send(ctx, []byte(`{}`)))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop after a failed write")
	}

	assert.True(t, conn.closed, "conn closed so the reader stops")
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	// with nobody draining the queue, senders give up instead of blocking
	for len(sess.out) < cap(sess.out) {
		sess.out <- []byte(`{}`)
	}
	assert.ErrorIs(t, sess.send(ctx, []byte(`{}`)), context.Canceled)
	assert.False(t, srv.handleFrame(ctx, sess, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
}

func TestWriteEventMultiline(t *testing.T) {
	var b strings.Builder
	require.NoError(t, writeEvent(&b, "message", []byte("a\nb")))
	assert.Equal(t, "event: message\ndata: a\ndata: b\n\n", b.String())
}
