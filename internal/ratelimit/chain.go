package ratelimit

import "context"

// Scope pairs a scope key with the limit applied at that level. Cost is
// normally 1 per request.
type Scope struct {
	Key   string
	Limit Limit
	Cost  float64
}

// Chain cascades token-bucket checks through an ordered scope list
// (global, provider, caller, feature). The first denial short-circuits the
// rest and is the one reported. An optional strict window is consulted
// after the buckets; both must pass when configured.
type Chain struct {
	buckets *TokenBucket
	window  Window
}

func NewChain(buckets *TokenBucket, window Window) *Chain {
	return &Chain{buckets: buckets, window: window}
}

func (c *Chain) Check(ctx context.Context, scopes []Scope) Decision {
	last := Decision{Allowed: true}
	for _, s := range scopes {
		cost := s.Cost
		if cost == 0 {
			cost = 1
		}
		d := c.buckets.Check(s.Key, s.Limit, cost)
		if !d.Allowed {
			return d
		}
		last = d
	}

	if c.window != nil {
		if d := c.window.Allow(ctx); !d.Allowed {
			return d
		}
	}
	return last
}
