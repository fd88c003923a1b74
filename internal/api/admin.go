package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelbridge/gateway/internal/auth"
	"github.com/modelbridge/gateway/internal/callers"
	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/quota"
	"github.com/modelbridge/gateway/internal/usage"
)

// AdminHandler manages callers and serves usage and quota reports. All
// routes sit behind the auth middleware when one is configured.
type AdminHandler struct {
	store  callers.Store
	usage  usage.Reporter
	quotas *quota.Manager
	mux    *http.ServeMux
}

type AdminConfig struct {
	Callers callers.Store
	Usage   usage.Reporter
	Quotas  *quota.Manager
	Auth    *auth.Middleware
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		store:  cfg.Callers,
		usage:  cfg.Usage,
		quotas: cfg.Quotas,
		mux:    http.NewServeMux(),
	}

	guard := func(p auth.Permission, fn http.HandlerFunc) http.Handler {
		if cfg.Auth == nil {
			return fn
		}
		return cfg.Auth.Require(p, fn)
	}

	h.mux.Handle("POST /admin/callers", guard(auth.PermissionCallerWrite, h.createCaller))
	h.mux.Handle("GET /admin/callers/{id}", guard(auth.PermissionCallerRead, h.getCaller))
	h.mux.Handle("PUT /admin/callers/{id}", guard(auth.PermissionCallerWrite, h.updateCaller))
	h.mux.Handle("GET /admin/usage/report", guard(auth.PermissionUsageRead, h.usageReport))
	h.mux.Handle("GET /admin/usage/callers/{id}", guard(auth.PermissionUsageRead, h.callerUsage))
	h.mux.Handle("GET /admin/quotas", guard(auth.PermissionQuotaRead, h.quotaUsage))

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type createCallerRequest struct {
	Name          string             `json:"name"`
	Group         string             `json:"group,omitempty"`
	RateLimitRPS  float64            `json:"rate_limit_rps,omitempty"`
	RateBurst     float64            `json:"rate_burst,omitempty"`
	AllowedModels []string           `json:"allowed_models,omitempty"`
	Quotas        []domain.QuotaRule `json:"quotas,omitempty"`
}

type updateCallerRequest struct {
	Name          *string             `json:"name,omitempty"`
	Group         *string             `json:"group,omitempty"`
	RateLimitRPS  *float64            `json:"rate_limit_rps,omitempty"`
	RateBurst     *float64            `json:"rate_burst,omitempty"`
	AllowedModels *[]string           `json:"allowed_models,omitempty"`
	Quotas        *[]domain.QuotaRule `json:"quotas,omitempty"`
}

// callerView is the caller without its key hash.
type callerView struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	Group         string             `json:"group,omitempty"`
	RateLimitRPS  float64            `json:"rate_limit_rps,omitempty"`
	RateBurst     float64            `json:"rate_burst,omitempty"`
	AllowedModels []string           `json:"allowed_models,omitempty"`
	Quotas        []domain.QuotaRule `json:"quotas,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func viewOf(c *domain.Caller) callerView {
	return callerView{
		ID:            c.ID,
		Name:          c.Name,
		Group:         c.Group,
		RateLimitRPS:  c.RateLimitRPS,
		RateBurst:     c.RateBurst,
		AllowedModels: c.AllowedModels,
		Quotas:        c.Quotas,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func (h *AdminHandler) createCaller(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createCallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", nil)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "name is required", nil)
		return
	}

	// The plaintext key is returned exactly once; only its hash is stored.
	apiKey := "mb-" + uuid.New().String()
	now := time.Now()
	caller := &domain.Caller{
		ID:            uuid.New().String(),
		Name:          req.Name,
		Group:         req.Group,
		APIKeyHash:    callers.HashAPIKey(apiKey),
		RateLimitRPS:  req.RateLimitRPS,
		RateBurst:     req.RateBurst,
		AllowedModels: req.AllowedModels,
		Quotas:        req.Quotas,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.store.Create(ctx, caller); err != nil {
		slog.Error("caller create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create caller", nil)
		return
	}

	slog.Info("caller created", "caller", caller.ID, "name", caller.Name)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"caller":  viewOf(caller),
		"api_key": apiKey,
	})
}

func (h *AdminHandler) getCaller(w http.ResponseWriter, r *http.Request) {
	caller, err := h.store.ByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "caller_not_found", "caller not found", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(viewOf(caller))
}

func (h *AdminHandler) updateCaller(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	caller, err := h.store.ByID(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "caller_not_found", "caller not found", nil)
		return
	}

	var req updateCallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", nil)
		return
	}

	updated := *caller
	if req.Name != nil {
		updated.Name = *req.Name
	}
	if req.Group != nil {
		updated.Group = *req.Group
	}
	if req.RateLimitRPS != nil {
		updated.RateLimitRPS = *req.RateLimitRPS
	}
	if req.RateBurst != nil {
		updated.RateBurst = *req.RateBurst
	}
	if req.AllowedModels != nil {
		updated.AllowedModels = *req.AllowedModels
	}
	if req.Quotas != nil {
		updated.Quotas = *req.Quotas
	}
	updated.UpdatedAt = time.Now()

	if err := h.store.Update(ctx, &updated); err != nil {
		slog.Error("caller update failed", "caller", updated.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update caller", nil)
		return
	}

	slog.Info("caller updated", "caller", updated.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(viewOf(&updated))
}

func (h *AdminHandler) usageReport(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeError(w, http.StatusNotImplemented, "usage_reporting_disabled", "no usage reporter configured", nil)
		return
	}

	since := parseSince(r, -24*time.Hour)
	summary, err := h.usage.Aggregate(r.Context(), since)
	if err != nil {
		slog.Error("usage aggregation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to aggregate usage", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (h *AdminHandler) callerUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeError(w, http.StatusNotImplemented, "usage_reporting_disabled", "no usage reporter configured", nil)
		return
	}

	since := parseSince(r, -24*time.Hour)
	records, err := h.usage.CallerRecords(r.Context(), r.PathValue("id"), since)
	if err != nil {
		slog.Error("caller usage lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read usage", nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"caller":  r.PathValue("id"),
		"since":   since.Format(time.RFC3339),
		"records": records,
		"count":   len(records),
	})
}

func (h *AdminHandler) quotaUsage(w http.ResponseWriter, r *http.Request) {
	if h.quotas == nil {
		writeError(w, http.StatusNotImplemented, "quotas_disabled", "no quota manager configured", nil)
		return
	}

	scope := r.URL.Query().Get("scope")
	if scope == "" {
		writeError(w, http.StatusBadRequest, "invalid_query", "scope is required", nil)
		return
	}
	typ := quota.Type(r.URL.Query().Get("type"))
	if typ == "" {
		typ = quota.TypeRequests
	}
	period := quota.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = quota.PeriodDay
	}

	used, reserved, resetAt := h.quotas.Usage(scope, typ, period)
	history := h.quotas.History(scope, typ, period)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"scope":    scope,
		"type":     typ,
		"period":   period,
		"used":     used,
		"reserved": reserved,
		"reset_at": resetAt.Format(time.RFC3339),
		"history":  history,
	})
}

func parseSince(r *http.Request, fallback time.Duration) time.Time {
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Now().Add(fallback)
}
