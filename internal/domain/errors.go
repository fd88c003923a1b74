package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrCallerNotFound   = errors.New("caller not found")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrModelNotAllowed  = errors.New("model not allowed for caller")
	ErrProviderDisabled = errors.New("provider circuit open")
)

// ConfigurationError reports missing or invalid configuration. It fails
// fast at startup or request validation and is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ConnectionError wraps a transport-level failure talking to a provider.
// Callers may retry with backoff.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MalformedResponseError means the provider returned a success status with
// a body that matched none of its known shapes. Not retried.
type MalformedResponseError struct {
	Provider string
	Detail   string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %s", e.Provider, e.Detail)
}

// RateLimitError is returned on admission denial, either by the gateway's
// own limiter or propagated from a provider 429. RetryAfter is always set.
type RateLimitError struct {
	Scope      string
	Limit      float64
	Remaining  float64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: retry after %s", e.Scope, e.RetryAfter)
}

// QuotaError is returned when a budget quota denies a reservation. Callers
// should not retry before ResetAt.
type QuotaError struct {
	Scope   string
	Type    string
	Used    float64
	Limit   float64
	ResetAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota %s exceeded for %s: used %.4f of %.4f, resets %s",
		e.Type, e.Scope, e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// ProviderError is a 4xx business rejection from a provider (invalid
// request, content policy). Not retried.
type ProviderError struct {
	Provider string
	Status   int
	Code     string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s rejected request: status=%d code=%s message=%s",
		e.Provider, e.Status, e.Code, e.Message)
}
