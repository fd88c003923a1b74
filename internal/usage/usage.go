// Package usage records every finished request for billing and
// reporting. Recording is injected into the gateway as an interface so
// the sink can be swapped (memory, Postgres, SQS fan-out) without
// touching the request path.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

// Record is one finished request. Cached responses are recorded with
// zero tokens and zero cost so hit rates stay visible in reports.
type Record struct {
	ID        string            `json:"id"`
	CallerID  string            `json:"caller_id"`
	Group     string            `json:"group,omitempty"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Operation domain.Operation  `json:"operation"`
	Feature   domain.Feature    `json:"feature"`
	Outcome   domain.Outcome    `json:"outcome"`
	Usage     domain.TokenUsage `json:"usage"`
	CostUSD   float64           `json:"cost_usd"`
	Cached    bool              `json:"cached"`
	LatencyMs int64             `json:"latency_ms"`
	Timestamp time.Time         `json:"timestamp"`
}

type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Totals aggregates one reporting bucket.
type Totals struct {
	Requests     int     `json:"requests"`
	PromptTokens int     `json:"prompt_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	CacheHits    int     `json:"cache_hits"`
	Errors       int     `json:"errors"`
}

// Summary is the aggregate report over a time range, bucketed by
// provider and by feature.
type Summary struct {
	Since      time.Time         `json:"since"`
	Overall    Totals            `json:"overall"`
	ByProvider map[string]Totals `json:"by_provider"`
	ByFeature  map[string]Totals `json:"by_feature"`
}

type Reporter interface {
	CallerRecords(ctx context.Context, callerID string, since time.Time) ([]Record, error)
	Aggregate(ctx context.Context, since time.Time) (Summary, error)
}

// InMemory keeps records in a slice behind a mutex. Used in tests and as
// the default sink when no database is configured.
type InMemory struct {
	mu      sync.RWMutex
	records []Record
}

func NewInMemory() *InMemory {
	return &InMemory{records: make([]Record, 0)}
}

func (m *InMemory) Record(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *InMemory) CallerRecords(ctx context.Context, callerID string, since time.Time) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records {
		if r.CallerID == callerID && !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *InMemory) Aggregate(ctx context.Context, since time.Time) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := Summary{
		Since:      since,
		ByProvider: make(map[string]Totals),
		ByFeature:  make(map[string]Totals),
	}
	for _, r := range m.records {
		if r.Timestamp.Before(since) {
			continue
		}
		sum.Overall = accumulate(sum.Overall, r)
		sum.ByProvider[r.Provider] = accumulate(sum.ByProvider[r.Provider], r)
		sum.ByFeature[string(r.Feature)] = accumulate(sum.ByFeature[string(r.Feature)], r)
	}
	return sum, nil
}

func (m *InMemory) All() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

func accumulate(t Totals, r Record) Totals {
	t.Requests++
	t.PromptTokens += r.Usage.PromptTokens
	t.TotalTokens += r.Usage.TotalTokens
	t.CostUSD += r.CostUSD
	if r.Cached {
		t.CacheHits++
	}
	if r.Outcome != domain.OutcomeSuccess {
		t.Errors++
	}
	return t
}

// Fanout records to every sink in order and returns the first failure.
// Later sinks still run so a broken forwarder cannot drop the primary
// record.
type Fanout []Recorder

func (f Fanout) Record(ctx context.Context, rec Record) error {
	var firstErr error
	for _, r := range f {
		if err := r.Record(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
