// ABOUTME: WebSocket transport for services published with protocol "websocket".
// ABOUTME: Each text frame carries one JSON-RPC message; responses share the session queue.

package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Access is gated by secrets, not by Origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the stream endpoint and serves JSON-RPC over frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.create()
	if err != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.delete(sess.id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("websocket session opened", "session_id", sess.id, "remote", r.RemoteAddr)
	defer s.logger.Info("websocket session closed", "session_id", sess.id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, cancel, conn, sess, writerDone)

	conn.SetReadLimit(MaxRequestBodySize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !s.handleFrame(ctx, sess, data) {
			break
		}
	}

	cancel()
	<-writerDone
}

// handleFrame processes one inbound frame. It returns false once the server is closing.
func (s *Server) handleFrame(ctx context.Context, sess *session, data []byte) bool {
	if !s.begin() {
		return false
	}
	defer s.end()

	var req JSONRPCRequest
	var resp *JSONRPCResponse
	if err := json.Unmarshal(data, &req); err != nil {
		resp = errorResponse(nil, JSONRPCParseError, "invalid JSON")
	} else {
		resp = s.dispatch(ctx, &req)
	}
	if resp == nil {
		return true
	}

	out, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding websocket response", "error", err)
		return true
	}
	return sess.send(ctx, out) == nil
}

// frameConn is the part of *websocket.Conn the writer uses.
type frameConn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// wsWriter owns all writes to conn. On session close it flushes queued
// responses and sends a close frame. A failed write cancels the session
// context and closes conn, which ends the read loop and unblocks senders.
func (s *Server) wsWriter(ctx context.Context, cancel context.CancelFunc, conn frameConn, sess *session, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	write := func(msgType int, msg []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(msgType, msg); err != nil {
			s.logger.Debug("websocket write failed", "session_id", sess.id, "error", err)
			cancel()
			_ = conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sess.out:
			if !write(websocket.TextMessage, msg) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		case <-sess.closed:
			for {
				select {
				case msg := <-sess.out:
					if !write(websocket.TextMessage, msg) {
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "service stopped"),
						time.Now().Add(wsWriteWait))
					// Unblock the reader so the handler returns
					_ = conn.SetReadDeadline(time.Now())
					return
				}
			}
		}
	}
}
