// ABOUTME: Tests for the admin HTTP API.
// ABOUTME: Runs the chi router over the in-memory store, a real loader and a real lifecycle manager.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/grimoire/internal/auth"
	"github.com/2389/grimoire/internal/authgate"
	"github.com/2389/grimoire/internal/loader"
	"github.com/2389/grimoire/internal/mcp"
	"github.com/2389/grimoire/internal/registry"
	"github.com/2389/grimoire/internal/routes"
	"github.com/2389/grimoire/internal/services"
	"github.com/2389/grimoire/internal/store"
)

const weatherModule = `package weather

// Forecast returns a canned forecast for a city.
func Forecast(city string) string {
	return "sunny in " + city
}
`

const testJWTSecret = "test-secret-that-is-at-least-32-bytes-long"

var apiNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type apiHarness struct {
	handler  http.Handler
	store    *store.MockStore
	manager  *services.Manager
	registry *registry.Registry
	verifier *auth.JWTVerifier
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	s := store.NewMockStore()
	l, err := loader.New(loader.Options{WorkDir: t.TempDir(), Retain: 2, CallTimeout: 2 * time.Second, Logger: testLogger()})
	require.NoError(t, err)
	reg := registry.NewRegistry(testLogger())
	mounter := routes.NewMounter(testLogger())

	mgr, err := services.NewManager(services.Config{
		Store:    s,
		Loader:   l,
		Registry: reg,
		Mounter:  mounter,
		Endpoints: func(svc *store.Service, ts *registry.Toolset) (routes.Endpoint, error) {
			srv, err := mcp.NewServer(mcp.Config{
				ServiceID:   svc.ID,
				Toolset:     ts,
				MessagePath: authgate.MessagePath(svc.StreamPath),
				Protocol:    svc.Protocol,
			})
			if err != nil {
				return nil, err
			}
			return srv, nil
		},
		PathPrefix: "mcp",
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)

	router := newAPIRouter(&api{
		manager: mgr,
		store:   s,
		loc:     time.UTC,
		now:     func() time.Time { return apiNow },
		logger:  testLogger(),
	}, verifier)

	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	return &apiHarness{
		handler:  router,
		store:    s,
		manager:  mgr,
		registry: reg,
		verifier: verifier,
	}
}

func (h *apiHarness) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := h.verifier.Generate(subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request and decodes a JSON response into out when out is non-nil.
func (h *apiHarness) do(t *testing.T, token, method, path string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func (h *apiHarness) importModule(t *testing.T, token string) ModuleResponse {
	t.Helper()
	var mod ModuleResponse
	code := h.do(t, token, http.MethodPost, "/modules", ModuleRequest{Name: "weather", Source: weatherModule}, &mod)
	require.Equal(t, http.StatusCreated, code)
	return mod
}

func (h *apiHarness) publish(t *testing.T, token string, req PublishRequest) ServiceResponse {
	t.Helper()
	var svc ServiceResponse
	code := h.do(t, token, http.MethodPost, "/services", req, &svc)
	require.Equal(t, http.StatusCreated, code)
	return svc
}

func TestAPI_RequiresToken(t *testing.T) {
	h := newAPIHarness(t)
	var body map[string]any
	code := h.do(t, "", http.MethodGet, "/services", nil, &body)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, float64(http.StatusUnauthorized), body["code"])
}

func TestAPI_ImportModule(t *testing.T) {
	h := newAPIHarness(t)
	admin := h.token(t, "ops", auth.RoleAdmin)

	mod := h.importModule(t, admin)
	assert.NotEmpty(t, mod.ID)
	assert.Equal(t, []string{"Forecast"}, mod.Tools)
	assert.Equal(t, "ops", mod.OwnerID)

	var list []ModuleResponse
	assert.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/modules", nil, &list))
	assert.Len(t, list, 1)
}

func TestAPI_ImportModuleRejectsBadSource(t *testing.T) {
	h := newAPIHarness(t)
	admin := h.token(t, "ops", auth.RoleAdmin)

	tests := []struct {
		name string
		req  ModuleRequest
		want int
	}{
		{"missing source", ModuleRequest{Name: "x"}, http.StatusBadRequest},
		{"syntax error", ModuleRequest{Name: "x", Source: "package x\nfunc Broken( {"}, http.StatusUnprocessableEntity},
		{"no exported functions", ModuleRequest{Name: "x", Source: "package x\nfunc hidden() {}"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.do(t, admin, http.MethodPost, "/modules", tt.req, nil))
		})
	}
}

func TestAPI_PublishAndLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	admin := h.token(t, "ops", auth.RoleAdmin)
	mod := h.importModule(t, admin)

	svc := h.publish(t, admin, PublishRequest{ModuleID: mod.ID})
	assert.True(t, svc.Running)
	assert.Equal(t, "running", svc.Status)
	assert.Equal(t, authgate.CanonicalStreamPath("mcp", svc.ID), svc.StreamPath)
	assert.Equal(t, authgate.MessagePath(svc.StreamPath), svc.MessagePath)
	assert.Equal(t, []string{"Forecast"}, svc.Tools)

	// Publishing again while running conflicts
	assert.Equal(t, http.StatusConflict, h.do(t, admin, http.MethodPost, "/services", PublishRequest{ModuleID: mod.ID}, nil))

	var stopped ServiceResponse
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodPost, "/services/"+svc.ID+"/stop", nil, &stopped))
	assert.False(t, stopped.Running)
	assert.Equal(t, "stopped", stopped.Status)
	assert.False(t, h.registry.IsRunning(svc.ID))

	var started ServiceResponse
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodPost, "/services/"+svc.ID+"/start", nil, &started))
	assert.True(t, started.Running)

	var list []ServiceResponse
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/services?status=running", nil, &list))
	assert.Len(t, list, 1)

	assert.Equal(t, http.StatusNoContent, h.do(t, admin, http.MethodDelete, "/services/"+svc.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, admin, http.MethodGet, "/services/"+svc.ID, nil, nil))
}

func TestAPI_PublishErrors(t *testing.T) {
	h := newAPIHarness(t)
	admin := h.token(t, "ops", auth.RoleAdmin)
	mod := h.importModule(t, admin)

	tests := []struct {
		name string
		req  PublishRequest
		want int
	}{
		{"missing module", PublishRequest{}, http.StatusBadRequest},
		{"unknown module", PublishRequest{ModuleID: "nope"}, http.StatusNotFound},
		{"reserved path", PublishRequest{ModuleID: mod.ID, StreamPath: "/api/sse"}, http.StatusBadRequest},
		{"bad protocol", PublishRequest{ModuleID: mod.ID, Protocol: "carrier-pigeon"}, http.StatusBadRequest},
		{"bad visibility", PublishRequest{ModuleID: mod.ID, Visibility: "everyone"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.do(t, admin, http.MethodPost, "/services", tt.req, nil))
		})
	}
}

func TestAPI_UpdateService(t *testing.T) {
	h := newAPIHarness(t)
	admin := h.token(t, "ops", auth.RoleAdmin)
	mod := h.importModule(t, admin)
	svc := h.publish(t, admin, PublishRequest{ModuleID: mod.ID})

	noAuth := false
	name := "forecasts"
	var updated ServiceResponse
	code := h.do(t, admin, http.MethodPatch, "/services/"+svc.ID, UpdateServiceRequest{AuthRequired: &noAuth, Name: &name}, &updated)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, updated.AuthRequired)
	assert.Equal(t, "forecasts", updated.Name)
	assert.True(t, updated.Running)
}

func TestAPI_OwnershipIsEnforced(t *testing.T) {
	h := newAPIHarness(t)
	alice := h.token(t, "alice", auth.RoleUser)
	bob := h.token(t, "bob", auth.RoleUser)

	mod := h.importModule(t, alice)
	svc := h.publish(t, alice, PublishRequest{ModuleID: mod.ID})

	assert.Equal(t, http.StatusForbidden, h.do(t, bob, http.MethodPost, "/services", PublishRequest{ModuleID: mod.ID}, nil))
	assert.Equal(t, http.StatusForbidden, h.do(t, bob, http.MethodPost, "/services/"+svc.ID+"/stop", nil, nil))
	assert.Equal(t, http.StatusForbidden, h.do(t, bob, http.MethodPost, "/services/"+svc.ID+"/secrets", CreateSecretRequest{Name: "x"}, nil))
	assert.Equal(t, http.StatusForbidden, h.do(t, bob, http.MethodGet, "/logs?service_id="+svc.ID, nil, nil))

	// Private services are hidden from other users, modules too
	var list []ServiceResponse
	require.Equal(t, http.StatusOK, h.do(t, bob, http.MethodGet, "/services", nil, &list))
	assert.Empty(t, list)
	var mods []ModuleResponse
	require.Equal(t, http.StatusOK, h.do(t, bob, http.MethodGet, "/modules", nil, &mods))
	assert.Empty(t, mods)

	public := "public"
	require.Equal(t, http.StatusOK, h.do(t, alice, http.MethodPatch, "/services/"+svc.ID, UpdateServiceRequest{Visibility: &public}, nil))
	require.Equal(t, http.StatusOK, h.do(t, bob, http.MethodGet, "/services", nil, &list))
	assert.Len(t, list, 1)
}

func TestAPI_Secrets(t *testing.T) {
	h := newAPIHarness(t)
	admin := h.token(t, "ops", auth.RoleAdmin)
	mod := h.importModule(t, admin)
	svc := h.publish(t, admin, PublishRequest{ModuleID: mod.ID})

	var created SecretResponse
	code := h.do(t, admin, http.MethodPost, "/services/"+svc.ID+"/secrets", CreateSecretRequest{Name: "ci", LimitCount: 10}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, strings.HasPrefix(created.Key, auth.KeyPrefix))
	assert.NotContains(t, created.Key, "****")
	assert.Equal(t, int64(10), created.LimitCount)
	assert.Equal(t, "ops", created.CreatorID)

	var list []SecretResponse
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/services/"+svc.ID+"/secrets", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, auth.MaskKey(created.Key), list[0].Key)

	inactive := false
	var updated SecretResponse
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodPatch, "/secrets/"+created.ID, UpdateSecretRequest{Active: &inactive}, &updated))
	assert.False(t, updated.Active)

	negative := int64(-1)
	assert.Equal(t, http.StatusBadRequest, h.do(t, admin, http.MethodPatch, "/secrets/"+created.ID, UpdateSecretRequest{LimitCount: &negative}, nil))

	assert.Equal(t, http.StatusNoContent, h.do(t, admin, http.MethodDelete, "/secrets/"+created.ID, nil, nil))
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/services/"+svc.ID+"/secrets", nil, &list))
	assert.Empty(t, list)
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/services/"+svc.ID+"/secrets?include_deleted=true", nil, &list))
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].DeletedAt)

	assert.Equal(t, http.StatusNotFound, h.do(t, admin, http.MethodPatch, "/secrets/missing", UpdateSecretRequest{}, nil))
}

func TestAPI_SecretStats(t *testing.T) {
	h := newAPIHarness(t)
	admin := h.token(t, "ops", auth.RoleAdmin)
	mod := h.importModule(t, admin)
	svc := h.publish(t, admin, PublishRequest{ModuleID: mod.ID})

	var sec SecretResponse
	require.Equal(t, http.StatusCreated, h.do(t, admin, http.MethodPost, "/services/"+svc.ID+"/secrets", CreateSecretRequest{Name: "ci"}, &sec))

	ctx := context.Background()
	at := apiNow
	for _, ok := range []bool{true, true, false} {
		_, err := h.store.IncrementDailyUsage(ctx, sec.ID, "2026-06-01", ok, at)
		require.NoError(t, err)
	}
	_, err := h.store.IncrementDailyUsage(ctx, sec.ID, "2026-05-20", true, at)
	require.NoError(t, err)

	var stats StatsResponse
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/secrets/"+sec.ID+"/stats", nil, &stats))
	assert.Equal(t, "2026-05-26", stats.From)
	assert.Equal(t, "2026-06-01", stats.To)
	assert.Equal(t, int64(3), stats.TotalCount)
	assert.Equal(t, int64(2), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.ErrorCount)

	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/secrets/"+sec.ID+"/stats?from=2026-05-01&to=2026-06-01", nil, &stats))
	assert.Equal(t, int64(4), stats.TotalCount)
	assert.Len(t, stats.Days, 2)

	assert.Equal(t, http.StatusBadRequest, h.do(t, admin, http.MethodGet, "/secrets/"+sec.ID+"/stats?from=2026-06-02&to=2026-06-01", nil, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(t, admin, http.MethodGet, "/secrets/"+sec.ID+"/stats?to=yesterday", nil, nil))
}

func TestAPI_Logs(t *testing.T) {
	h := newAPIHarness(t)
	admin := h.token(t, "ops", auth.RoleAdmin)
	mod := h.importModule(t, admin)
	svc := h.publish(t, admin, PublishRequest{ModuleID: mod.ID})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.store.AppendAccessLog(ctx, &store.AccessLogEntry{
			ServiceID: svc.ID,
			Method:    http.MethodGet,
			Path:      svc.StreamPath,
			Success:   i%2 == 0,
			ErrorCode: 0,
			CreatedAt: apiNow.Add(time.Duration(i) * time.Minute),
		}))
	}

	var page LogsResponse
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/logs?service_id="+svc.ID+"&page_size=2", nil, &page))
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Logs, 2)
	assert.Equal(t, 1, page.Page)

	var failures LogsResponse
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/logs?success=false", nil, &failures))
	assert.Equal(t, 2, failures.Total)

	var ranged LogsResponse
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/logs?from=2026-06-01&to=2026-06-01", nil, &ranged))
	assert.Equal(t, 5, ranged.Total)
	require.Equal(t, http.StatusOK, h.do(t, admin, http.MethodGet, "/logs?to=2026-05-31", nil, &ranged))
	assert.Equal(t, 0, ranged.Total)

	assert.Equal(t, http.StatusBadRequest, h.do(t, admin, http.MethodGet, "/logs?page=0", nil, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(t, admin, http.MethodGet, "/logs?success=maybe", nil, nil))

	user := h.token(t, "someone", auth.RoleUser)
	assert.Equal(t, http.StatusBadRequest, h.do(t, user, http.MethodGet, "/logs", nil, nil))
}

func TestAPI_UnknownRoute(t *testing.T) {
	h := newAPIHarness(t)
	admin := h.token(t, "ops", auth.RoleAdmin)
	var body map[string]any
	assert.Equal(t, http.StatusNotFound, h.do(t, admin, http.MethodGet, "/nothing", nil, &body))
	assert.Equal(t, "Not Found", body["message"])
}
