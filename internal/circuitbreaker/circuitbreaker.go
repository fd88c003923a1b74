// Package circuitbreaker shields the gateway from providers that are
// failing hard. Connection-class failures trip the breaker; once open,
// dispatch fails fast with ErrProviderDisabled until a probe request
// succeeds in half-open.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

type Breaker interface {
	// Allow reports whether a request may be dispatched. Returns
	// domain.ErrProviderDisabled while the circuit is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// InMemory is a single-instance breaker. State transitions happen under
// one mutex; the clock is injectable for tests.
type InMemory struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

func NewInMemory(cfg Config) *InMemory {
	return &InMemory{cfg: cfg, now: time.Now}
}

func NewInMemoryAt(cfg Config, now func() time.Time) *InMemory {
	return &InMemory{cfg: cfg, now: now}
}

func (b *InMemory) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.Timeout {
			b.state = StateHalfOpen
			b.successes = 0
			return nil
		}
		return domain.ErrProviderDisabled
	default:
		return nil
	}
}

func (b *InMemory) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *InMemory) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		// One failed probe reopens the circuit.
		b.state = StateOpen
		b.successes = 0
	}
}

func (b *InMemory) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager holds one breaker per provider, created lazily from the
// configured factory.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]Breaker
	factory  func(providerID string) Breaker
}

type ManagerOption func(*Manager)

// WithRedisClient backs every breaker with the shared Redis client so
// breaker state is visible across gateway instances.
func WithRedisClient(client redisScripter, cfg Config) ManagerOption {
	return func(m *Manager) {
		m.factory = func(providerID string) Breaker {
			return NewRedisWithClient(client, providerID, cfg)
		}
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]Breaker),
		factory:  func(string) Breaker { return NewInMemory(cfg) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) For(providerID string) Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.breakers[providerID]
	if !ok {
		b = m.factory(providerID)
		m.breakers[providerID] = b
	}
	return b
}
