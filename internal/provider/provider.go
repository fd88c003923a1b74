// Package provider defines the adapter contract implemented once per
// external AI service, plus the registry the gateway resolves adapters
// from. Adapters translate the canonical Request into their wire format
// and hand raw bytes back; parsing lives in the normalize package.
package provider

import (
	"context"
	"io"
	"sort"

	"github.com/modelbridge/gateway/internal/domain"
)

// Capabilities flags what an adapter can serve. The gateway rejects
// operations an adapter does not support before dispatching.
type Capabilities struct {
	Streaming  bool
	Embeddings bool
	Vision     bool
	Tools      bool
}

// Adapter is the per-provider contract. Complete and Embed return the raw
// provider body; OpenStream returns the raw chunk source, which the caller
// must close. Closing the source promptly tears down the connection.
//
// Adapters map non-2xx outcomes to the typed errors in the domain
// package, including structured retry-after data on 429s. Idempotent
// calls are retried at most the provider's documented number of times on
// 5xx before failure surfaces.
type Adapter interface {
	ID() string
	Capabilities() Capabilities

	// ResolveModel maps a public alias onto the provider's model name.
	// Unknown names pass through unchanged.
	ResolveModel(alias string) string

	Complete(ctx context.Context, req domain.Request) ([]byte, error)
	OpenStream(ctx context.Context, req domain.Request) (io.ReadCloser, error)
	Embed(ctx context.Context, req domain.Request) ([]byte, error)

	Models(ctx context.Context) ([]domain.ModelInfo, error)
	Healthy(ctx context.Context) error
}

// Registry holds the adapters resolved once at startup, keyed by
// identifier. Resolution of an unknown identifier is a configuration
// error, never a silent fallthrough to a default.
type Registry struct {
	adapters  map[string]Adapter
	defaultID string
}

func NewRegistry(defaultID string, adapters ...Adapter) (*Registry, error) {
	r := &Registry{
		adapters:  make(map[string]Adapter, len(adapters)),
		defaultID: defaultID,
	}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	if len(r.adapters) == 0 {
		return nil, &domain.ConfigurationError{Field: "providers", Reason: "no providers configured"}
	}
	if defaultID != "" {
		if _, ok := r.adapters[defaultID]; !ok {
			return nil, &domain.ConfigurationError{Field: "default_provider", Reason: "unknown provider " + defaultID}
		}
	}
	return r, nil
}

// Resolve picks the adapter for a request. An explicit hint must name a
// registered adapter; with no hint the default is used.
func (r *Registry) Resolve(hint string) (Adapter, error) {
	if hint != "" {
		a, ok := r.adapters[hint]
		if !ok {
			return nil, &domain.ConfigurationError{Field: "provider", Reason: "unknown provider " + hint}
		}
		return a, nil
	}
	if r.defaultID != "" {
		return r.adapters[r.defaultID], nil
	}
	return nil, &domain.ConfigurationError{Field: "provider", Reason: "no provider hint and no default configured"}
}

func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
