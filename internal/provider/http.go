package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/modelbridge/gateway/internal/domain"
)

// ErrorBodyParser extracts the provider-specific error code and message
// from a non-2xx body. Returning empty strings is fine; the status code
// still drives classification.
type ErrorBodyParser func(body []byte) (code, message string)

// HTTPCoreConfig configures the shared plumbing. Header stamps auth and
// version headers onto every outgoing request.
type HTTPCoreConfig struct {
	Client     *http.Client
	Streamer   *http.Client
	MaxTries   uint
	Header     func(*http.Request)
	ParseError ErrorBodyParser
}

// HTTPCore is the HTTP plumbing shared by the REST adapters. It owns
// retries, error classification and the canonical header set; adapters
// contribute only their wire shapes and auth headers.
type HTTPCore struct {
	id  string
	cfg HTTPCoreConfig
}

func NewHTTPCore(id string, cfg HTTPCoreConfig) HTTPCore {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	if cfg.Header == nil {
		cfg.Header = func(*http.Request) {}
	}
	if cfg.ParseError == nil {
		cfg.ParseError = func([]byte) (string, string) { return "", "" }
	}
	return HTTPCore{id: id, cfg: cfg}
}

// PostJSON sends one JSON request and returns the raw response body.
// Network failures and 5xx responses are retried with exponential backoff
// up to MaxTries attempts; everything else is permanent and surfaces as a
// typed domain error.
func (c HTTPCore) PostJSON(ctx context.Context, url string, payload []byte) ([]byte, error) {
	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		c.cfg.Header(req)

		resp, err := c.cfg.Client.Do(req)
		if err != nil {
			return nil, &domain.ConnectionError{Provider: c.id, Err: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &domain.ConnectionError{Provider: c.id, Err: err}
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}
		statusErr := c.statusError(resp.StatusCode, resp.Header, body)
		if resp.StatusCode >= 500 {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.cfg.MaxTries))
}

// OpenStream sends one JSON request on the streaming client and hands the
// body back unread. Streams are never retried; a half-delivered stream
// cannot be replayed safely.
func (c HTTPCore) OpenStream(ctx context.Context, url string, payload []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.cfg.Header(req)

	resp, err := c.cfg.Streamer.Do(req)
	if err != nil {
		return nil, &domain.ConnectionError{Provider: c.id, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, c.statusError(resp.StatusCode, resp.Header, body)
	}
	return resp.Body, nil
}

// GetJSON fetches and decodes one JSON document. A nil out discards the
// body, which health checks use.
func (c HTTPCore) GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.cfg.Header(req)

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return &domain.ConnectionError{Provider: c.id, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.ConnectionError{Provider: c.id, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp.StatusCode, resp.Header, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &domain.MalformedResponseError{Provider: c.id, Detail: "invalid JSON: " + err.Error()}
	}
	return nil
}

// statusError classifies one non-2xx response into the domain taxonomy.
// Auth failures surface as configuration errors because the key is wrong
// at startup, not per-request; 429 carries the upstream retry-after; 5xx
// is a connection-class failure so callers know the provider, not the
// request, is at fault.
func (c HTTPCore) statusError(status int, hdr http.Header, body []byte) error {
	code, message := c.cfg.ParseError(body)
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &domain.ConfigurationError{
			Field:  c.id + " credentials",
			Reason: fmt.Sprintf("rejected upstream (%d): %s", status, message),
		}
	case status == http.StatusTooManyRequests:
		return &domain.RateLimitError{
			Scope:      domain.ProviderScope(c.id),
			RetryAfter: ParseRetryAfter(hdr),
		}
	case status >= 500:
		return &domain.ConnectionError{
			Provider: c.id,
			Err:      fmt.Errorf("upstream %d: %s", status, message),
		}
	default:
		return &domain.ProviderError{
			Provider: c.id,
			Status:   status,
			Code:     code,
			Message:  message,
		}
	}
}

// ParseRetryAfter reads the Retry-After header as delta seconds or an
// HTTP date. Zero means the upstream gave no hint.
func ParseRetryAfter(hdr http.Header) time.Duration {
	v := hdr.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// MarshalWithExtra marshals the wire payload and merges the caller's
// Extra options into it. Canonical fields win on collision so callers
// cannot smuggle a different model or stream flag through Extra.
func MarshalWithExtra(payload any, extra map[string]any) ([]byte, error) {
	base, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(extra) == 0 {
		return base, nil
	}

	merged := make(map[string]any, len(extra)+8)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, fmt.Errorf("remarshal request: %w", err)
	}
	for k, v := range extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
