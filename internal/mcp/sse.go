// ABOUTME: Server-Sent Events transport: GET opens a stream, POST delivers messages to it.
// ABOUTME: Responses are queued on the session and written to the stream as message events.

package mcp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// handleSSE opens a session and streams responses until the client leaves or
// the server shuts down.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, err := s.sessions.create()
	if err != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	defer s.sessions.delete(sess.id)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("%s?session_id=%s", s.messagePath, sess.id)
	if err := writeEvent(w, "endpoint", []byte(endpoint)); err != nil {
		return
	}
	flusher.Flush()

	s.logger.Info("SSE session opened", "session_id", sess.id, "remote", r.RemoteAddr)
	defer s.logger.Info("SSE session closed", "session_id", sess.id)

	var tick <-chan time.Time
	if s.keepalive > 0 {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-sess.out:
			if err := writeEvent(w, "message", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-tick:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-sess.closed:
			// Flush whatever was queued before shutdown
			for {
				select {
				case msg := <-sess.out:
					if err := writeEvent(w, "message", msg); err != nil {
						return
					}
				default:
					flusher.Flush()
					return
				}
			}
		}
	}
}

// handleMessage accepts a JSON-RPC message for an open session. The response
// is delivered on the session's stream; the POST itself returns 202.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSONRPCHTTPError(w, http.StatusBadRequest, JSONRPCInvalidRequest, "missing session_id")
		return
	}

	if !s.begin() {
		writeJSONRPCHTTPError(w, http.StatusServiceUnavailable, JSONRPCInternalError, "service is shutting down")
		return
	}
	defer s.end()

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		writeJSONRPCHTTPError(w, http.StatusNotFound, JSONRPCInvalidRequest, "unknown session")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		writeJSONRPCHTTPError(w, http.StatusBadRequest, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		writeJSONRPCHTTPError(w, http.StatusRequestEntityTooLarge, JSONRPCInvalidRequest, "request body too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONRPCHTTPError(w, http.StatusBadRequest, JSONRPCParseError, "invalid JSON")
		return
	}

	s.logger.Debug("MCP request", "method", req.Method, "session_id", sessionID)

	if resp := s.dispatch(r.Context(), &req); resp != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			writeJSONRPCHTTPError(w, http.StatusInternalServerError, JSONRPCInternalError, "failed to encode response")
			return
		}
		if err := sess.send(r.Context(), data); err != nil {
			s.logger.Warn("dropping response for closed session", "session_id", sessionID, "error", err)
			writeJSONRPCHTTPError(w, http.StatusGone, JSONRPCInternalError, "session closed")
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
}

// writeEvent writes one SSE event. Multi-line payloads are split across data lines.
func writeEvent(w io.Writer, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	start := 0
	for i, b := range data {
		if b == '\n' {
			if _, err := fmt.Fprintf(w, "data: %s\n", data[start:i]); err != nil {
				return err
			}
			start = i + 1
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data[start:]); err != nil {
		return err
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
