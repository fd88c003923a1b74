// Package callers resolves API keys to registered callers. Keys are
// stored as SHA-256 hashes; the plaintext key exists only in the request
// header.
package callers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

type Registry interface {
	ByAPIKey(ctx context.Context, apiKey string) (*domain.Caller, error)
	ByID(ctx context.Context, id string) (*domain.Caller, error)
}

// Store extends Registry with mutation, used by admin tooling.
type Store interface {
	Registry
	Create(ctx context.Context, caller *domain.Caller) error
	Update(ctx context.Context, caller *domain.Caller) error
}

type InMemory struct {
	mu      sync.RWMutex
	callers map[string]*domain.Caller
	byKey   map[string]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		callers: make(map[string]*domain.Caller),
		byKey:   make(map[string]string),
	}
}

// Seed registers a caller under a plaintext key, hashing it on the way
// in. Meant for config-file bootstrap and tests.
func (r *InMemory) Seed(apiKey string, caller *domain.Caller) {
	caller.APIKeyHash = HashAPIKey(apiKey)
	if caller.CreatedAt.IsZero() {
		caller.CreatedAt = time.Now()
	}
	caller.UpdatedAt = caller.CreatedAt

	r.mu.Lock()
	defer r.mu.Unlock()
	r.callers[caller.ID] = caller
	r.byKey[caller.APIKeyHash] = caller.ID
}

func (r *InMemory) ByAPIKey(ctx context.Context, apiKey string) (*domain.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[HashAPIKey(apiKey)]
	if !ok {
		return nil, domain.ErrInvalidAPIKey
	}
	caller, ok := r.callers[id]
	if !ok {
		return nil, domain.ErrCallerNotFound
	}
	return caller, nil
}

func (r *InMemory) ByID(ctx context.Context, id string) (*domain.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caller, ok := r.callers[id]
	if !ok {
		return nil, domain.ErrCallerNotFound
	}
	return caller, nil
}

func (r *InMemory) Create(ctx context.Context, caller *domain.Caller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callers[caller.ID] = caller
	r.byKey[caller.APIKeyHash] = caller.ID
	return nil
}

func (r *InMemory) Update(ctx context.Context, caller *domain.Caller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.callers[caller.ID]; !ok {
		return domain.ErrCallerNotFound
	}
	caller.UpdatedAt = time.Now()
	r.callers[caller.ID] = caller
	r.byKey[caller.APIKeyHash] = caller.ID
	return nil
}

func HashAPIKey(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(h[:])
}
