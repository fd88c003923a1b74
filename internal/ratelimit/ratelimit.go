// Package ratelimit provides admission control for the gateway.
// The primary mechanism is a lazily refilled token bucket per scope key
// (global, provider:id, caller:id, feature:id). An optional sliding-window
// counter can be layered on the global scope for strict compliance with
// upstream API limits. Denials are reported immediately with a retry-after
// value; no component here ever sleeps.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limit describes one token bucket: its capacity and continuous refill
// rate in tokens per second.
type Limit struct {
	Capacity     float64
	RefillPerSec float64
}

// Decision is the outcome of an admission check. Expected denials are
// values, not errors; RetryAfter is set whenever Allowed is false and the
// bucket can recover.
type Decision struct {
	Allowed    bool
	Scope      string
	Limit      float64
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket tracks one bucket per scope key. Each key's state carries
// its own lock, so checks on different scopes never contend.
type TokenBucket struct {
	buckets sync.Map // string -> *bucket
	now     func() time.Time
}

type bucket struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time
	primed bool
}

func NewTokenBucket() *TokenBucket {
	return &TokenBucket{now: time.Now}
}

// NewTokenBucketAt builds a limiter with an injected clock.
func NewTokenBucketAt(now func() time.Time) *TokenBucket {
	return &TokenBucket{now: now}
}

// Check refills the bucket for key from elapsed wall-clock time and admits
// the request if at least cost tokens are available. State is created on
// first use with a full bucket. Tokens never go negative and never exceed
// capacity.
func (t *TokenBucket) Check(key string, limit Limit, cost float64) Decision {
	v, _ := t.buckets.LoadOrStore(key, &bucket{})
	b := v.(*bucket)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.now()
	if !b.primed {
		b.tokens = limit.Capacity
		b.last = now
		b.primed = true
	}

	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(limit.Capacity, b.tokens+elapsed*limit.RefillPerSec)
		b.last = now
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return Decision{
			Allowed:   true,
			Scope:     key,
			Limit:     limit.Capacity,
			Remaining: b.tokens,
		}
	}

	d := Decision{
		Scope:     key,
		Limit:     limit.Capacity,
		Remaining: b.tokens,
	}
	if limit.RefillPerSec > 0 {
		deficit := cost - b.tokens
		// Round up so a check at exactly now+RetryAfter succeeds.
		d.RetryAfter = time.Duration(math.Ceil(deficit / limit.RefillPerSec * float64(time.Second)))
	}
	return d
}
