package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window counts requests in a strict trailing window. It is layered on the
// global scope when an upstream contract demands an exact request count
// rather than token-bucket smoothing.
type Window interface {
	Allow(ctx context.Context) Decision
}

// SlidingWindow is the in-memory Window for single-instance deployments.
// It keeps the exact admission timestamps inside the trailing window and
// denies when the window is full, whatever the token buckets say.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time
	now    func() time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window, now: time.Now}
}

func NewSlidingWindowAt(limit int, window time.Duration, now func() time.Time) *SlidingWindow {
	return &SlidingWindow{limit: limit, window: window, now: now}
}

func (w *SlidingWindow) Allow(ctx context.Context) Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept

	if len(w.times) >= w.limit {
		return Decision{
			Scope:      "global",
			Limit:      float64(w.limit),
			Remaining:  0,
			RetryAfter: w.times[0].Add(w.window).Sub(now),
		}
	}

	w.times = append(w.times, now)
	return Decision{
		Allowed:   true,
		Scope:     "global",
		Limit:     float64(w.limit),
		Remaining: float64(w.limit - len(w.times)),
	}
}
