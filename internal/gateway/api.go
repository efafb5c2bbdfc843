// ABOUTME: Admin HTTP API for services, module sources, secrets, usage stats and access logs.
// ABOUTME: Mounted at /api behind JWT bearer auth; non-admins only see what they own.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/grimoire/internal/auth"
	"github.com/2389/grimoire/internal/loader"
	"github.com/2389/grimoire/internal/quota"
	"github.com/2389/grimoire/internal/routes"
	"github.com/2389/grimoire/internal/services"
	"github.com/2389/grimoire/internal/store"
)

const (
	maxAPIBodySize     = 2 << 20 // module sources travel in request bodies
	defaultLogPageSize = 50
	maxLogPageSize     = 1000
	defaultStatsDays   = 7
	dayLayout          = "2006-01-02"
)

// ServiceResponse is the JSON shape of a service.
type ServiceResponse struct {
	ID           string         `json:"id"`
	ModuleID     *string        `json:"module_id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	StreamPath   string         `json:"stream_path"`
	MessagePath  string         `json:"message_path"`
	Protocol     string         `json:"protocol"`
	Enabled      bool           `json:"enabled"`
	AuthRequired bool           `json:"auth_required"`
	OwnerID      string         `json:"owner_id"`
	Visibility   string         `json:"visibility"`
	Params       map[string]any `json:"params,omitempty"`
	LastError    string         `json:"last_error,omitempty"`
	Running      bool           `json:"running"`
	Tools        []string       `json:"tools,omitempty"`
	CreatedAt    string         `json:"created_at"`
	UpdatedAt    string         `json:"updated_at"`
}

// PublishRequest is the JSON body for POST /api/services.
type PublishRequest struct {
	ModuleID     string         `json:"module_id"`
	Name         string         `json:"name,omitempty"`
	StreamPath   string         `json:"stream_path,omitempty"`
	Protocol     string         `json:"protocol,omitempty"`
	AuthRequired *bool          `json:"auth_required,omitempty"`
	Visibility   string         `json:"visibility,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

// UpdateServiceRequest is the JSON body for PATCH /api/services/{id}.
type UpdateServiceRequest struct {
	Name         *string        `json:"name,omitempty"`
	AuthRequired *bool          `json:"auth_required,omitempty"`
	Visibility   *string        `json:"visibility,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

// ModuleRequest is the JSON body for POST /api/modules.
type ModuleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
}

// ModuleResponse is the JSON shape of a module source.
type ModuleResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	OwnerID     string   `json:"owner_id"`
	Tools       []string `json:"tools,omitempty"`
	Size        int      `json:"size"`
	CreatedAt   string   `json:"created_at"`
}

// CreateSecretRequest is the JSON body for POST /api/services/{id}/secrets.
type CreateSecretRequest struct {
	Name       string     `json:"name"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LimitCount int64      `json:"limit_count,omitempty"`
}

// UpdateSecretRequest is the JSON body for PATCH /api/secrets/{id}.
type UpdateSecretRequest struct {
	Name        *string    `json:"name,omitempty"`
	Active      *bool      `json:"active,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	ClearExpiry bool       `json:"clear_expiry,omitempty"`
	LimitCount  *int64     `json:"limit_count,omitempty"`
}

// SecretResponse is the JSON shape of a secret. Key is masked except in the
// response to the request that created it.
type SecretResponse struct {
	ID         string  `json:"id"`
	ServiceID  string  `json:"service_id"`
	Name       string  `json:"name"`
	Key        string  `json:"key"`
	Active     bool    `json:"active"`
	ExpiresAt  *string `json:"expires_at"`
	LimitCount int64   `json:"limit_count"`
	CreatorID  string  `json:"creator_id"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
	DeletedAt  *string `json:"deleted_at,omitempty"`
}

// StatsResponse is the JSON body for GET /api/secrets/{id}/stats.
type StatsResponse struct {
	SecretID     string          `json:"secret_id"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Days         []DayStatsEntry `json:"days"`
	TotalCount   int64           `json:"total_count"`
	SuccessCount int64           `json:"success_count"`
	ErrorCount   int64           `json:"error_count"`
}

// DayStatsEntry is one day of counters.
type DayStatsEntry struct {
	Day          string `json:"day"`
	TotalCount   int64  `json:"total_count"`
	SuccessCount int64  `json:"success_count"`
	ErrorCount   int64  `json:"error_count"`
	LastAccessAt string `json:"last_access_at,omitempty"`
}

// AccessLogResponse is the JSON shape of an access log entry.
type AccessLogResponse struct {
	ID          string            `json:"id"`
	ServiceID   string            `json:"service_id"`
	SecretID    *string           `json:"secret_id"`
	ClientAddr  string            `json:"client_addr"`
	UserAgent   string            `json:"user_agent"`
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Success     bool              `json:"success"`
	ErrorCode   int               `json:"error_code"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

// LogsResponse is the JSON body for GET /api/logs.
type LogsResponse struct {
	Logs     []AccessLogResponse `json:"logs"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
}

// api serves the admin routes.
type api struct {
	manager *services.Manager
	store   store.Store
	loc     *time.Location
	now     quota.Clock
	logger  *slog.Logger
}

// newAPIRouter builds the /api router. A nil verifier disables bearer auth,
// and every caller is treated as an anonymous admin.
func newAPIRouter(a *api, verifier auth.TokenVerifier) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if verifier != nil {
		r.Use(auth.HTTPAuthMiddleware(verifier))
	} else {
		r.Use(anonymousAdmin)
	}

	r.Route("/services", func(r chi.Router) {
		r.Get("/", a.handleListServices)
		r.Post("/", a.handlePublish)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetService)
			r.Patch("/", a.handleUpdateService)
			r.Delete("/", a.handleDeleteService)
			r.Post("/start", a.handleStartService)
			r.Post("/stop", a.handleStopService)
			r.Get("/secrets", a.handleListSecrets)
			r.Post("/secrets", a.handleCreateSecret)
		})
	})
	r.Route("/modules", func(r chi.Router) {
		r.Get("/", a.handleListModules)
		r.Post("/", a.handleImportModule)
	})
	r.Route("/secrets/{id}", func(r chi.Router) {
		r.Patch("/", a.handleUpdateSecret)
		r.Delete("/", a.handleDeleteSecret)
		r.Get("/stats", a.handleSecretStats)
	})
	r.Get("/logs", a.handleListLogs)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// anonymousAdmin is used when no jwt_secret is configured.
func anonymousAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.WithAuth(r.Context(), &auth.AuthContext{Subject: "anonymous", Role: auth.RoleAdmin})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- services ---

func (a *api) handleListServices(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	var f store.ServiceFilter
	if o := r.URL.Query().Get("owner"); o != "" {
		f.OwnerID = &o
	}
	// Status filters on live state, so it is applied after List
	status := store.ServiceStatus(r.URL.Query().Get("status"))

	infos, err := a.manager.List(r.Context(), f)
	if err != nil {
		a.internalError(w, "listing services", err)
		return
	}

	out := make([]ServiceResponse, 0, len(infos))
	for _, info := range infos {
		if !caller.CanAccess(info.OwnerID) && info.Visibility != store.VisibilityPublic {
			continue
		}
		if status != "" && info.Status != status {
			continue
		}
		out = append(out, serviceResponse(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handlePublish(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	var req PublishRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ModuleID == "" {
		writeJSONError(w, http.StatusBadRequest, "module_id is required")
		return
	}

	mod, err := a.store.GetModule(r.Context(), req.ModuleID)
	if err != nil {
		a.storeError(w, "module", err)
		return
	}
	if !caller.CanAccess(mod.OwnerID) {
		writeJSONError(w, http.StatusForbidden, "not the module owner")
		return
	}

	svc, err := a.manager.Publish(r.Context(), req.ModuleID, services.PublishOptions{
		Name:         req.Name,
		StreamPath:   req.StreamPath,
		Protocol:     req.Protocol,
		AuthRequired: req.AuthRequired,
		Visibility:   store.Visibility(req.Visibility),
		Params:       req.Params,
		OwnerID:      caller.Subject,
	})
	if err != nil {
		a.lifecycleError(w, err)
		return
	}

	info, err := a.manager.Get(r.Context(), svc.ID)
	if err != nil {
		a.internalError(w, "reading published service", err)
		return
	}
	writeJSON(w, http.StatusCreated, serviceResponse(info))
}

func (a *api) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.authorizeService(w, r)
	if !ok {
		return
	}
	info, err := a.manager.Get(r.Context(), svc.ID)
	if err != nil {
		a.storeError(w, "service", err)
		return
	}
	writeJSON(w, http.StatusOK, serviceResponse(info))
}

func (a *api) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.authorizeService(w, r)
	if !ok {
		return
	}
	var req UpdateServiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	u := services.ServiceUpdate{
		Name:         req.Name,
		AuthRequired: req.AuthRequired,
		Params:       req.Params,
	}
	if req.Visibility != nil {
		v := store.Visibility(*req.Visibility)
		u.Visibility = &v
	}

	if _, err := a.manager.Update(r.Context(), svc.ID, u); err != nil {
		a.lifecycleError(w, err)
		return
	}
	info, err := a.manager.Get(r.Context(), svc.ID)
	if err != nil {
		a.storeError(w, "service", err)
		return
	}
	writeJSON(w, http.StatusOK, serviceResponse(info))
}

func (a *api) handleStartService(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.authorizeService(w, r)
	if !ok {
		return
	}
	if err := a.manager.Start(r.Context(), svc.ID); err != nil {
		a.lifecycleError(w, err)
		return
	}
	a.writeServiceState(w, r, svc.ID)
}

func (a *api) handleStopService(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.authorizeService(w, r)
	if !ok {
		return
	}
	if err := a.manager.Stop(r.Context(), svc.ID); err != nil {
		a.lifecycleError(w, err)
		return
	}
	a.writeServiceState(w, r, svc.ID)
}

func (a *api) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.authorizeService(w, r)
	if !ok {
		return
	}
	if err := a.manager.Delete(r.Context(), svc.ID); err != nil {
		a.lifecycleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) writeServiceState(w http.ResponseWriter, r *http.Request, id string) {
	info, err := a.manager.Get(r.Context(), id)
	if err != nil {
		a.storeError(w, "service", err)
		return
	}
	writeJSON(w, http.StatusOK, serviceResponse(info))
}

// authorizeService loads the {id} service and checks the caller owns it.
func (a *api) authorizeService(w http.ResponseWriter, r *http.Request) (*store.Service, bool) {
	svc, err := a.store.GetService(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.storeError(w, "service", err)
		return nil, false
	}
	if !auth.FromContext(r.Context()).CanAccess(svc.OwnerID) {
		writeJSONError(w, http.StatusForbidden, "not the service owner")
		return nil, false
	}
	return svc, true
}

// --- modules ---

func (a *api) handleImportModule(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	var req ModuleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || strings.TrimSpace(req.Source) == "" {
		writeJSONError(w, http.StatusBadRequest, "name and source are required")
		return
	}

	tools, err := loader.Inspect(req.Name, req.Source)
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	mod := &store.Module{
		Name:        req.Name,
		Description: req.Description,
		Source:      req.Source,
		OwnerID:     caller.Subject,
	}
	if err := a.store.CreateModule(r.Context(), mod); err != nil {
		a.storeError(w, "module", err)
		return
	}

	a.logger.Info("module imported", "module_id", mod.ID, "name", mod.Name, "owner", mod.OwnerID, "tools", tools)
	resp := moduleResponse(mod)
	resp.Tools = tools
	writeJSON(w, http.StatusCreated, resp)
}

func (a *api) handleListModules(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	mods, err := a.store.ListModules(r.Context())
	if err != nil {
		a.internalError(w, "listing modules", err)
		return
	}
	out := make([]ModuleResponse, 0, len(mods))
	for _, m := range mods {
		if !caller.CanAccess(m.OwnerID) {
			continue
		}
		out = append(out, moduleResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// --- secrets ---

func (a *api) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.authorizeService(w, r)
	if !ok {
		return
	}
	var req CreateSecretRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.LimitCount < 0 {
		writeJSONError(w, http.StatusBadRequest, "limit_count must not be negative")
		return
	}

	key, err := auth.GenerateKey()
	if err != nil {
		a.internalError(w, "generating key", err)
		return
	}
	sec := &store.Secret{
		ServiceID:  svc.ID,
		Key:        key,
		Name:       req.Name,
		Active:     true,
		ExpiresAt:  req.ExpiresAt,
		LimitCount: req.LimitCount,
		CreatorID:  auth.FromContext(r.Context()).Subject,
	}
	if err := a.store.CreateSecret(r.Context(), sec); err != nil {
		a.storeError(w, "secret", err)
		return
	}

	a.logger.Info("secret created", "secret_id", sec.ID, "service_id", svc.ID, "key", auth.MaskKey(key))
	resp := secretResponse(sec)
	resp.Key = key
	writeJSON(w, http.StatusCreated, resp)
}

func (a *api) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	svc, ok := a.authorizeService(w, r)
	if !ok {
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	secs, err := a.store.ListSecrets(r.Context(), svc.ID, includeDeleted)
	if err != nil {
		a.internalError(w, "listing secrets", err)
		return
	}
	out := make([]SecretResponse, 0, len(secs))
	for _, sec := range secs {
		out = append(out, secretResponse(sec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	sec, ok := a.authorizeSecret(w, r)
	if !ok {
		return
	}
	var req UpdateSecretRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.LimitCount != nil && *req.LimitCount < 0 {
		writeJSONError(w, http.StatusBadRequest, "limit_count must not be negative")
		return
	}

	updated, err := a.store.UpdateSecret(r.Context(), sec.ID, store.SecretUpdate{
		Name:        req.Name,
		Active:      req.Active,
		ExpiresAt:   req.ExpiresAt,
		ClearExpiry: req.ClearExpiry,
		LimitCount:  req.LimitCount,
	})
	if err != nil {
		a.storeError(w, "secret", err)
		return
	}
	writeJSON(w, http.StatusOK, secretResponse(updated))
}

func (a *api) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	sec, ok := a.authorizeSecret(w, r)
	if !ok {
		return
	}
	if err := a.store.DeleteSecret(r.Context(), sec.ID); err != nil {
		a.storeError(w, "secret", err)
		return
	}
	a.logger.Info("secret deleted", "secret_id", sec.ID, "service_id", sec.ServiceID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSecretStats(w http.ResponseWriter, r *http.Request) {
	sec, ok := a.authorizeSecret(w, r)
	if !ok {
		return
	}

	to := quota.DayKey(a.now(), a.loc)
	if v := r.URL.Query().Get("to"); v != "" {
		to = v
	}
	toDay, err := time.Parse(dayLayout, to)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "to must be YYYY-MM-DD")
		return
	}
	from := toDay.AddDate(0, 0, -(defaultStatsDays - 1)).Format(dayLayout)
	if v := r.URL.Query().Get("from"); v != "" {
		from = v
	}
	fromDay, err := time.Parse(dayLayout, from)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "from must be YYYY-MM-DD")
		return
	}
	if fromDay.After(toDay) {
		writeJSONError(w, http.StatusBadRequest, "from must not be after to")
		return
	}

	sum, err := a.store.GetUsageSummary(r.Context(), sec.ID, from, to)
	if err != nil {
		a.internalError(w, "reading usage", err)
		return
	}

	resp := StatsResponse{
		SecretID:     sec.ID,
		From:         from,
		To:           to,
		Days:         make([]DayStatsEntry, 0, len(sum.Days)),
		TotalCount:   sum.TotalCount,
		SuccessCount: sum.SuccessCount,
		ErrorCount:   sum.ErrorCount,
	}
	for _, d := range sum.Days {
		entry := DayStatsEntry{
			Day:          d.Day,
			TotalCount:   d.TotalCount,
			SuccessCount: d.SuccessCount,
			ErrorCount:   d.ErrorCount,
		}
		if !d.LastAccessAt.IsZero() {
			entry.LastAccessAt = d.LastAccessAt.UTC().Format(time.RFC3339)
		}
		resp.Days = append(resp.Days, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

// authorizeSecret loads the {id} secret and checks the caller owns its service.
func (a *api) authorizeSecret(w http.ResponseWriter, r *http.Request) (*store.Secret, bool) {
	sec, err := a.store.GetSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.storeError(w, "secret", err)
		return nil, false
	}
	svc, err := a.store.GetService(r.Context(), sec.ServiceID)
	if err != nil {
		a.storeError(w, "service", err)
		return nil, false
	}
	if !auth.FromContext(r.Context()).CanAccess(svc.OwnerID) {
		writeJSONError(w, http.StatusForbidden, "not the service owner")
		return nil, false
	}
	return sec, true
}

// --- logs ---

func (a *api) handleListLogs(w http.ResponseWriter, r *http.Request) {
	caller := auth.FromContext(r.Context())
	q := r.URL.Query()
	var f store.AccessLogFilter

	if v := q.Get("service_id"); v != "" {
		svc, err := a.store.GetService(r.Context(), v)
		if err != nil {
			a.storeError(w, "service", err)
			return
		}
		if !caller.CanAccess(svc.OwnerID) {
			writeJSONError(w, http.StatusForbidden, "not the service owner")
			return
		}
		f.ServiceID = &v
	} else if !caller.IsAdmin() {
		writeJSONError(w, http.StatusBadRequest, "service_id is required")
		return
	}
	if v := q.Get("secret_id"); v != "" {
		f.SecretID = &v
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "success must be true or false")
			return
		}
		f.Success = &b
	}

	var err error
	if f.Since, err = a.parseBound(q.Get("from"), false); err != nil {
		writeJSONError(w, http.StatusBadRequest, "from: "+err.Error())
		return
	}
	if f.Until, err = a.parseBound(q.Get("to"), true); err != nil {
		writeJSONError(w, http.StatusBadRequest, "to: "+err.Error())
		return
	}

	page, err := positiveInt(q.Get("page"), 1)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	pageSize, err := positiveInt(q.Get("page_size"), defaultLogPageSize)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "page_size must be a positive integer")
		return
	}
	if pageSize > maxLogPageSize {
		pageSize = maxLogPageSize
	}
	f.Limit = pageSize
	f.Offset = (page - 1) * pageSize

	entries, total, err := a.store.ListAccessLogs(r.Context(), f)
	if err != nil {
		a.internalError(w, "listing access logs", err)
		return
	}

	resp := LogsResponse{
		Logs:     make([]AccessLogResponse, 0, len(entries)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, e := range entries {
		resp.Logs = append(resp.Logs, AccessLogResponse{
			ID:          e.ID,
			ServiceID:   e.ServiceID,
			SecretID:    e.SecretID,
			ClientAddr:  e.ClientAddr,
			UserAgent:   e.UserAgent,
			Method:      e.Method,
			Path:        e.Path,
			Success:     e.Success,
			ErrorCode:   e.ErrorCode,
			ErrorDetail: e.ErrorDetail,
			Headers:     e.Headers,
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseBound accepts RFC 3339 or a YYYY-MM-DD day in the quota timezone.
// A day used as an upper bound covers the whole day.
func (a *api) parseBound(v string, upper bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(dayLayout, v, a.loc)
	if err != nil {
		return nil, errors.New("must be RFC 3339 or YYYY-MM-DD")
	}
	if upper {
		t = t.AddDate(0, 0, 1)
	}
	return &t, nil
}

func positiveInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid value %q", v)
	}
	return n, nil
}

// --- error mapping ---

func (a *api) lifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrAlreadyRunning),
		errors.Is(err, routes.ErrRouteConflict),
		errors.Is(err, store.ErrDuplicate):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrInvalidPath),
		errors.Is(err, services.ErrInvalidProtocol),
		errors.Is(err, services.ErrInvalidVisibility):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, loader.ErrModuleLoad), errors.Is(err, services.ErrNoModule):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		a.internalError(w, "lifecycle operation", err)
	}
}

func (a *api) storeError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, store.ErrDuplicate):
		writeJSONError(w, http.StatusConflict, what+" already exists")
	default:
		a.internalError(w, what, err)
	}
}

func (a *api) internalError(w http.ResponseWriter, op string, err error) {
	a.logger.Error("admin api error", "op", op, "error", err)
	writeJSONError(w, http.StatusInternalServerError, "internal server error")
}

// --- encoding ---

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes the same {code, message} shape the auth middleware uses.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"code": status, "message": message})
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func serviceResponse(info *services.ServiceInfo) ServiceResponse {
	return ServiceResponse{
		ID:           info.ID,
		ModuleID:     info.ModuleID,
		Name:         info.Name,
		Status:       string(info.Status),
		StreamPath:   info.StreamPath,
		MessagePath:  info.MessagePath,
		Protocol:     info.Protocol,
		Enabled:      info.Enabled,
		AuthRequired: info.AuthRequired,
		OwnerID:      info.OwnerID,
		Visibility:   string(info.Visibility),
		Params:       info.Params,
		LastError:    info.LastError,
		Running:      info.Running,
		Tools:        info.Tools,
		CreatedAt:    info.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    info.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func moduleResponse(m *store.Module) ModuleResponse {
	return ModuleResponse{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		OwnerID:     m.OwnerID,
		Size:        len(m.Source),
		CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func secretResponse(sec *store.Secret) SecretResponse {
	return SecretResponse{
		ID:         sec.ID,
		ServiceID:  sec.ServiceID,
		Name:       sec.Name,
		Key:        auth.MaskKey(sec.Key),
		Active:     sec.Active,
		ExpiresAt:  formatTimePtr(sec.ExpiresAt),
		LimitCount: sec.LimitCount,
		CreatorID:  sec.CreatorID,
		CreatedAt:  sec.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  sec.UpdatedAt.UTC().Format(time.RFC3339),
		DeletedAt:  formatTimePtr(sec.DeletedAt),
	}
}
