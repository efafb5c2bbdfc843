// ABOUTME: Authorization middleware in front of the route mounter.
// ABOUTME: Resolves the service, checks the presented secret and writes one access log entry per decision.

package authgate

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2389/grimoire/internal/auth"
	"github.com/2389/grimoire/internal/quota"
	"github.com/2389/grimoire/internal/store"
)

// queryCredentialParams are checked in order when no Authorization header is sent.
var queryCredentialParams = []string{"secret", "token", "key", "auth"}

// Store is the persistence the gateway needs.
type Store interface {
	GetSecretByKey(ctx context.Context, key string) (*store.Secret, error)
	AppendAccessLog(ctx context.Context, e *store.AccessLogEntry) error
}

// Config configures a Gateway.
type Config struct {
	PathPrefix string
	Store      Store
	Quota      quota.Accountant
	Next       http.Handler // receives allowed and unresolved requests
	Logger     *slog.Logger
	Clock      quota.Clock
}

// Gateway is the authorization middleware.
type Gateway struct {
	prefix    string
	canonical *regexp.Regexp
	table     atomic.Pointer[table]
	store     Store
	quota     quota.Accountant
	next      http.Handler
	logger    *slog.Logger
	now       quota.Clock
}

// New creates a Gateway with an empty resolution table.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	g := &Gateway{
		prefix:    cfg.PathPrefix,
		canonical: canonicalPattern(cfg.PathPrefix),
		store:     cfg.Store,
		quota:     cfg.Quota,
		next:      cfg.Next,
		logger:    logger.With("component", "authgate"),
		now:       now,
	}
	g.table.Store(emptyTable())
	return g
}

// Rebuild replaces the resolution table with the given running services.
func (g *Gateway) Rebuild(running []*store.Service) {
	t := buildTable(g.prefix, running)
	g.table.Store(t)
	g.logger.Debug("resolution table rebuilt",
		"canonical", len(t.canonical),
		"custom", len(t.exact),
	)
}

// decision is the outcome of authorizing one request.
type decision struct {
	target   Target
	secretID *string
	code     Code
	detail   string
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, res := g.resolve(r.URL.Path)
	switch res {
	case passThrough:
		g.next.ServeHTTP(w, r)
		return
	case notRunning:
		WriteError(w, CodeNotFound)
		return
	}

	credential := ""
	d := decision{target: target}
	if !target.AuthRequired {
		d.code = CodeSuccess
		d.detail = "auth not required"
	} else {
		credential = extractCredential(r)
		d = g.authorize(r.Context(), target, credential)
	}

	g.record(r, d, credential)

	if d.code != CodeSuccess {
		WriteError(w, d.code)
		return
	}
	g.next.ServeHTTP(w, r)
}

// authorize runs the ordered checks: presence, validity, expiry, quota.
func (g *Gateway) authorize(ctx context.Context, target Target, credential string) decision {
	d := decision{target: target}
	if credential == "" {
		d.code = CodeKeyRequired
		return d
	}

	sec, err := g.store.GetSecretByKey(ctx, credential)
	if errors.Is(err, store.ErrNotFound) {
		d.code = CodeKeyInvalid
		d.detail = "unknown key"
		return d
	}
	if err != nil {
		g.logger.Error("secret lookup failed", "service_id", target.ServiceID, "error", err)
		d.code = CodeInternalError
		d.detail = "secret lookup failed"
		return d
	}

	if sec.ServiceID != target.ServiceID {
		// Keys of other services are not attributed to this service's log
		d.code = CodeKeyInvalid
		d.detail = "key belongs to another service"
		return d
	}

	id := sec.ID
	d.secretID = &id

	if !sec.Usable() {
		d.code = CodeKeyInvalid
		d.detail = "key is inactive"
		g.countDenial(ctx, sec.ID)
		return d
	}

	if sec.Expired(g.now()) {
		d.code = CodeKeyExpired
		d.detail = "key expired at " + sec.ExpiresAt.UTC().Format(time.RFC3339)
		g.countDenial(ctx, sec.ID)
		return d
	}

	adm, err := g.quota.Admit(ctx, sec.ID, sec.LimitCount)
	if err != nil {
		g.logger.Error("quota check failed", "secret_id", sec.ID, "error", err)
		d.code = CodeInternalError
		d.detail = "quota check failed"
		return d
	}
	if !adm.Allowed {
		d.code = CodeKeyLimitExceeded
		d.detail = "daily limit reached"
		return d
	}

	d.code = CodeSuccess
	return d
}

// countDenial records a failed call against a known secret.
func (g *Gateway) countDenial(ctx context.Context, secretID string) {
	if err := g.quota.RecordAccess(ctx, secretID, false); err != nil {
		g.logger.Warn("failed to count denied access", "secret_id", secretID, "error", err)
	}
}

// record writes the access log entry for a decision. Failures are logged
// and never change the decision.
func (g *Gateway) record(r *http.Request, d decision, credential string) {
	entry := &store.AccessLogEntry{
		ServiceID:   d.target.ServiceID,
		SecretID:    d.secretID,
		ClientAddr:  clientAddr(r),
		UserAgent:   r.UserAgent(),
		Method:      r.Method,
		Path:        r.URL.Path,
		Success:     d.code == CodeSuccess,
		ErrorCode:   int(d.code),
		ErrorDetail: d.detail,
		Headers:     maskedHeaders(r.Header, credential),
		CreatedAt:   g.now().UTC(),
	}
	if err := g.store.AppendAccessLog(r.Context(), entry); err != nil {
		g.logger.Error("failed to write access log", "service_id", entry.ServiceID, "error", err)
	}

	level := slog.LevelInfo
	if !entry.Success {
		level = slog.LevelWarn
	}
	g.logger.Log(r.Context(), level, "access decision",
		"service_id", entry.ServiceID,
		"code", d.code.String(),
		"method", entry.Method,
		"path", entry.Path,
		"client", entry.ClientAddr,
	)
}

// extractCredential returns the first credential present: a Bearer token,
// a bare Authorization value, then the secret, token, key and auth query parameters.
func extractCredential(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return h
	}
	q := r.URL.Query()
	for _, name := range queryCredentialParams {
		if v := q.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// maskedHeaders flattens request headers for the log with credentials hidden.
func maskedHeaders(h http.Header, credential string) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		v := strings.Join(values, ", ")
		switch http.CanonicalHeaderKey(name) {
		case "Authorization":
			if credential != "" {
				v = strings.Replace(v, credential, auth.MaskKey(credential), 1)
			} else {
				v = auth.MaskKey(v)
			}
		case "Cookie", "Proxy-Authorization":
			v = auth.MaskKey(v)
		}
		out[name] = v
	}
	return out
}
