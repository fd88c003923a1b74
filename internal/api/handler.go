// Package api exposes the gateway over HTTP. Request paths accept the
// canonical request envelope; errors come back as machine-parseable JSON
// with enough detail for a client to back off correctly.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/gateway"
	"github.com/modelbridge/gateway/internal/metrics"
	"github.com/modelbridge/gateway/internal/provider"
)

type HandlerConfig struct {
	Gateway   *gateway.Gateway
	Providers *provider.Registry
	Admin     *AdminHandler
	Checkers  []HealthChecker
	Version   string
}

type Handler struct {
	gateway   *gateway.Gateway
	providers *provider.Registry
	version   string
	mux       *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	h := &Handler{
		gateway:   cfg.Gateway,
		providers: cfg.Providers,
		version:   version,
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("POST /v1/embeddings", h.handleEmbeddings)
	h.mux.HandleFunc("POST /v1/vision/analyze", h.handleVision)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReady(cfg.Checkers, 5*time.Second, version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.Admin != nil {
		h.mux.Handle("/admin/", cfg.Admin)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	h.mux.ServeHTTP(w, r)
}

// chatRequest is the canonical envelope plus the transport-level stream
// flag.
type chatRequest struct {
	domain.Request
	Stream bool `json:"stream,omitempty"`
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestID(r)
	w.Header().Set("X-Request-ID", requestID)

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "missing API key", nil)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", nil)
		return
	}
	providerHint := r.Header.Get("X-Provider")

	if req.Stream {
		h.streamResponse(w, r, apiKey, providerHint, req.Request, requestID)
		return
	}

	resp, err := h.gateway.Complete(ctx, apiKey, providerHint, req.Request)
	if err != nil {
		writeDomainError(w, err, requestID)
		return
	}
	writeResponse(w, resp, requestID)
}

func (h *Handler) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestID(r)
	w.Header().Set("X-Request-ID", requestID)

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "missing API key", nil)
		return
	}

	var req domain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", nil)
		return
	}
	if len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_body", "input is required", nil)
		return
	}

	resp, err := h.gateway.Embed(ctx, apiKey, r.Header.Get("X-Provider"), req)
	if err != nil {
		writeDomainError(w, err, requestID)
		return
	}
	writeResponse(w, resp, requestID)
}

func (h *Handler) handleVision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestID(r)
	w.Header().Set("X-Request-ID", requestID)

	apiKey := extractAPIKey(r)
	if apiKey == "" {
		writeError(w, http.StatusUnauthorized, "missing_api_key", "missing API key", nil)
		return
	}

	var req domain.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body", nil)
		return
	}

	resp, err := h.gateway.AnalyzeImage(ctx, apiKey, r.Header.Get("X-Provider"), req)
	if err != nil {
		writeDomainError(w, err, requestID)
		return
	}
	writeResponse(w, resp, requestID)
}

func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, apiKey, providerHint string, req domain.Request, requestID string) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", nil)
		return
	}

	stream, err := h.gateway.Stream(ctx, apiKey, providerHint, req)
	if err != nil {
		writeDomainError(w, err, requestID)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		chunk, err := stream.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Headers are out; all we can do is surface the error in-band.
			slog.Error("stream aborted", "request_id", requestID, "error", err)
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			return
		}

		payload, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()

		if chunk.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var models []domain.ModelInfo
	for _, id := range h.providers.IDs() {
		adapter, ok := h.providers.Get(id)
		if !ok {
			continue
		}
		list, err := adapter.Models(ctx)
		if err != nil {
			slog.Warn("model listing failed", "provider", id, "error", err)
			continue
		}
		models = append(models, list...)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	providers := make(map[string]string)
	healthy := true
	for _, id := range h.providers.IDs() {
		adapter, ok := h.providers.Get(id)
		if !ok {
			continue
		}
		if err := adapter.Healthy(ctx); err != nil {
			providers[id] = "unhealthy"
			healthy = false
		} else {
			providers[id] = "ok"
		}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"version":   h.version,
		"providers": providers,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeResponse(w http.ResponseWriter, resp *domain.Response, requestID string) {
	if resp.Metadata["cache"] == "hit" {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if v := resp.Metadata["ratelimit_limit"]; v != "" {
		w.Header().Set("X-RateLimit-Limit", v)
	}
	if v := resp.Metadata["ratelimit_remaining"]; v != "" {
		w.Header().Set("X-RateLimit-Remaining", v)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return uuid.New().String()
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// writeDomainError maps the error taxonomy onto HTTP statuses and a
// payload clients can branch on without parsing prose.
func writeDomainError(w http.ResponseWriter, err error, requestID string) {
	var rlErr *domain.RateLimitError
	var qErr *domain.QuotaError
	var provErr *domain.ProviderError
	var cfgErr *domain.ConfigurationError
	var connErr *domain.ConnectionError
	var malErr *domain.MalformedResponseError

	switch {
	case errors.Is(err, domain.ErrInvalidAPIKey):
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "invalid API key", nil)

	case errors.Is(err, domain.ErrModelNotAllowed):
		writeError(w, http.StatusForbidden, "model_not_allowed", err.Error(), nil)

	case errors.Is(err, domain.ErrProviderDisabled):
		writeError(w, http.StatusServiceUnavailable, "provider_unavailable", err.Error(), nil)

	case errors.As(err, &rlErr):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rlErr.RetryAfter)))
		w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(rlErr.Limit, 'f', -1, 64))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(rlErr.Remaining, 'f', -1, 64))
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), map[string]any{
			"scope":       rlErr.Scope,
			"retry_after": rlErr.RetryAfter.Seconds(),
		})

	case errors.As(err, &qErr):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(time.Until(qErr.ResetAt))))
		writeError(w, http.StatusTooManyRequests, "quota_exceeded", err.Error(), map[string]any{
			"scope":    qErr.Scope,
			"type":     qErr.Type,
			"used":     qErr.Used,
			"limit":    qErr.Limit,
			"reset_at": qErr.ResetAt.Format(time.RFC3339),
		})

	case errors.As(err, &provErr):
		status := provErr.Status
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		writeError(w, status, provErr.Code, provErr.Message, map[string]any{
			"provider": provErr.Provider,
		})

	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)

	case errors.As(err, &malErr):
		writeError(w, http.StatusBadGateway, "malformed_upstream_response", err.Error(), map[string]any{
			"provider": malErr.Provider,
		})

	case errors.As(err, &connErr):
		writeError(w, http.StatusBadGateway, "provider_unreachable", err.Error(), map[string]any{
			"provider": connErr.Provider,
		})

	default:
		slog.Error("unclassified error", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(d.Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	for k, v := range details {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": body})
}
