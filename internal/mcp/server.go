// ABOUTME: Per-service MCP server exposing one toolset over a stream and a message endpoint.
// ABOUTME: Tracks sessions and in-flight requests so unmounting can drain gracefully.

package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/grimoire/internal/registry"
	"github.com/2389/grimoire/internal/store"
)

// ErrSessionClosed is returned when sending to a session that has ended.
var ErrSessionClosed = errors.New("session closed")

// errServerClosing is returned when a stream is opened after shutdown began.
var errServerClosing = errors.New("server is shutting down")

// sessionBuffer is how many undelivered responses a session may queue.
const sessionBuffer = 64

// session is one open stream. Responses to posted messages are queued on out
// and written by the stream's handler.
type session struct {
	id        string
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	createdAt time.Time
}

func (s *session) send(ctx context.Context, msg []byte) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// sessionStore manages open sessions (in-memory). Once closeAll has run it
// refuses new sessions.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
	closed   bool
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

func (s *sessionStore) create() (*session, error) {
	sess := &session{
		id:        uuid.New().String(),
		out:       make(chan []byte, sessionBuffer),
		closed:    make(chan struct{}),
		createdAt: time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errServerClosing
	}
	s.sessions[sess.id] = sess
	return sess, nil
}

func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// refuse makes later create calls fail without closing open sessions.
func (s *sessionStore) refuse() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *sessionStore) closeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, sess := range s.sessions {
		sess.close()
	}
	return len(s.sessions)
}

func (s *sessionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Config holds configuration for a service's MCP server.
type Config struct {
	ServiceID   string
	Name        string
	Toolset     *registry.Toolset
	MessagePath string        // advertised to SSE clients in the endpoint event
	Protocol    string        // store.ProtocolSSE or store.ProtocolWebSocket
	Keepalive   time.Duration // SSE comment interval, 0 disables
	Logger      *slog.Logger
}

// Server serves one service's toolset.
type Server struct {
	serviceID   string
	name        string
	toolset     *registry.Toolset
	messagePath string
	protocol    string
	keepalive   time.Duration
	logger      *slog.Logger
	sessions    *sessionStore

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Toolset == nil {
		return nil, errors.New("toolset is required")
	}
	if cfg.MessagePath == "" {
		return nil, errors.New("message path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	protocol := cfg.Protocol
	if protocol == "" {
		protocol = store.ProtocolSSE
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ServiceID
	}

	return &Server{
		serviceID:   cfg.ServiceID,
		name:        name,
		toolset:     cfg.Toolset,
		messagePath: cfg.MessagePath,
		protocol:    protocol,
		keepalive:   cfg.Keepalive,
		logger:      logger.With("component", "mcp", "service_id", cfg.ServiceID),
		sessions:    newSessionStore(),
	}, nil
}

// StreamHandler returns the handler for the long-lived stream endpoint.
func (s *Server) StreamHandler() http.Handler {
	if s.protocol == store.ProtocolWebSocket {
		return http.HandlerFunc(s.handleWebSocket)
	}
	return http.HandlerFunc(s.handleSSE)
}

// MessageHandler returns the handler for posted messages.
func (s *Server) MessageHandler() http.Handler {
	return http.HandlerFunc(s.handleMessage)
}

// SessionCount returns the number of open streams.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// begin registers an in-flight request. It fails once shutdown has started.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) end() {
	s.inflight.Done()
}

// Shutdown stops accepting new streams and messages, waits for in-flight
// messages to finish, then closes every open stream after it has flushed
// its queued responses. It returns ctx.Err() if in-flight work outlives ctx;
// streams are closed either way.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()
	s.sessions.refuse()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("shutdown deadline reached with requests in flight", "error", err)
	}

	closed := s.sessions.closeAll()
	s.logger.Info("MCP server shut down", "sessions_closed", closed)
	return err
}

// writeJSONRPCHTTPError reports a request that never reached a session.
func writeJSONRPCHTTPError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeJSON(w, errorResponse(nil, code, message))
}
