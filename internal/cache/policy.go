package cache

import (
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

// Policy decides whether a request may be cached and for how long. TTLs
// are static per feature: embeddings and vision tolerate staleness and
// cache longest, interactive chat shortest.
type Policy struct {
	// TemperatureCeiling is the highest sampling temperature still
	// considered deterministic enough to cache.
	TemperatureCeiling float64
	TTLs               map[domain.Feature]time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		TemperatureCeiling: 0.9,
		TTLs: map[domain.Feature]time.Duration{
			domain.FeatureEmbeddings: 24 * time.Hour,
			domain.FeatureVision:     6 * time.Hour,
			domain.FeatureChat:       5 * time.Minute,
		},
	}
}

// Cacheable reports whether a response for this request may be stored and
// replayed. Streaming is never cached; temperatures above the ceiling are
// treated as intentionally non-deterministic.
func (p Policy) Cacheable(op domain.Operation, req domain.Request) bool {
	if op == domain.OpStream {
		return false
	}
	if req.Temperature != nil && *req.Temperature > p.TemperatureCeiling {
		return false
	}
	return p.TTLs[op.Feature()] > 0
}

// TTL returns the storage lifetime for a feature. Zero means "do not
// cache".
func (p Policy) TTL(f domain.Feature) time.Duration {
	return p.TTLs[f]
}
