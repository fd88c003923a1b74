package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTokenBucket_AllowsUpToCapacity(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketAt(clock.Now)
	limit := Limit{Capacity: 3, RefillPerSec: 1}

	for i := 0; i < 3; i++ {
		d := tb.Check("caller:a", limit, 1)
		if !d.Allowed {
			t.Fatalf("request %d should be admitted", i)
		}
	}

	d := tb.Check("caller:a", limit, 1)
	if d.Allowed {
		t.Error("request past capacity should be denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("denial must carry a positive retry-after, got %v", d.RetryAfter)
	}
}

func TestTokenBucket_RetryAfterIsSufficient(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketAt(clock.Now)
	limit := Limit{Capacity: 2, RefillPerSec: 0.5}

	tb.Check("k", limit, 1)
	tb.Check("k", limit, 1)

	d := tb.Check("k", limit, 1)
	if d.Allowed {
		t.Fatal("expected denial")
	}

	// A check performed exactly at now+RetryAfter must succeed.
	clock.Advance(d.RetryAfter)
	d = tb.Check("k", limit, 1)
	if !d.Allowed {
		t.Errorf("check at now+retryAfter should be admitted, remaining=%f", d.Remaining)
	}
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketAt(clock.Now)
	limit := Limit{Capacity: 5, RefillPerSec: 100}

	tb.Check("k", limit, 1)
	clock.Advance(time.Hour)

	d := tb.Check("k", limit, 1)
	if !d.Allowed {
		t.Fatal("expected admission after long idle")
	}
	if d.Remaining > limit.Capacity-1 {
		t.Errorf("bucket refilled past capacity: remaining %f", d.Remaining)
	}
}

func TestTokenBucket_NeverGoesNegative(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketAt(clock.Now)
	limit := Limit{Capacity: 1, RefillPerSec: 1}

	for i := 0; i < 10; i++ {
		d := tb.Check("k", limit, 1)
		if d.Remaining < 0 {
			t.Fatalf("tokens went negative: %f", d.Remaining)
		}
	}
}

func TestTokenBucket_IndependentScopes(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketAt(clock.Now)
	limit := Limit{Capacity: 1, RefillPerSec: 0.1}

	if d := tb.Check("caller:a", limit, 1); !d.Allowed {
		t.Fatal("caller:a first request should pass")
	}
	if d := tb.Check("caller:a", limit, 1); d.Allowed {
		t.Error("caller:a should be exhausted")
	}
	if d := tb.Check("caller:b", limit, 1); !d.Allowed {
		t.Error("caller:b must not be affected by caller:a")
	}
}

func TestTokenBucket_ZeroRefillDenies(t *testing.T) {
	tb := NewTokenBucket()
	limit := Limit{Capacity: 1, RefillPerSec: 0}

	tb.Check("k", limit, 1)
	d := tb.Check("k", limit, 1)
	if d.Allowed {
		t.Error("expected denial with empty non-refilling bucket")
	}
}

func TestTokenBucket_ConcurrentChecks(t *testing.T) {
	tb := NewTokenBucket()
	limit := Limit{Capacity: 100, RefillPerSec: 0}

	var wg sync.WaitGroup
	admitted := make(chan struct{}, 1000)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if d := tb.Check("shared", limit, 1); d.Allowed {
					admitted <- struct{}{}
				}
			}
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for range admitted {
		count++
	}
	if count != 100 {
		t.Errorf("admitted %d requests, want exactly 100", count)
	}
}

func TestSlidingWindow_ExactCount(t *testing.T) {
	clock := newFakeClock()
	w := NewSlidingWindowAt(2, time.Minute, clock.Now)
	ctx := context.Background()

	if d := w.Allow(ctx); !d.Allowed {
		t.Fatal("first request should pass")
	}
	if d := w.Allow(ctx); !d.Allowed {
		t.Fatal("second request should pass")
	}

	d := w.Allow(ctx)
	if d.Allowed {
		t.Fatal("third request within window should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Errorf("retry-after out of range: %v", d.RetryAfter)
	}

	clock.Advance(61 * time.Second)
	if d := w.Allow(ctx); !d.Allowed {
		t.Error("request after window passed should be admitted")
	}
}

func TestChain_FirstDenialShortCircuits(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketAt(clock.Now)
	chain := NewChain(tb, nil)
	ctx := context.Background()

	scopes := []Scope{
		{Key: "global", Limit: Limit{Capacity: 100, RefillPerSec: 10}},
		{Key: "provider:openai", Limit: Limit{Capacity: 1, RefillPerSec: 0.1}},
		{Key: "caller:a", Limit: Limit{Capacity: 100, RefillPerSec: 10}},
	}

	if d := chain.Check(ctx, scopes); !d.Allowed {
		t.Fatal("first pass through chain should be admitted")
	}

	d := chain.Check(ctx, scopes)
	if d.Allowed {
		t.Fatal("provider scope should deny the second request")
	}
	if d.Scope != "provider:openai" {
		t.Errorf("reported scope = %q, want the first denying scope", d.Scope)
	}

	// caller:a consumed exactly one token so far: the denial must have
	// short-circuited before reaching it the second time. This check
	// spends one more, so 98 must remain.
	if d := tb.Check("caller:a", scopes[2].Limit, 1); d.Remaining < 98 {
		t.Errorf("caller bucket was charged after short-circuit: remaining %f", d.Remaining)
	}
}

func TestChain_WindowAndBucketsBothApply(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketAt(clock.Now)
	w := NewSlidingWindowAt(1, time.Minute, clock.Now)
	chain := NewChain(tb, w)
	ctx := context.Background()

	scopes := []Scope{{Key: "global", Limit: Limit{Capacity: 100, RefillPerSec: 10}}}

	if d := chain.Check(ctx, scopes); !d.Allowed {
		t.Fatal("first request should pass both layers")
	}
	if d := chain.Check(ctx, scopes); d.Allowed {
		t.Error("window must deny even though buckets have tokens")
	}
}

func TestScenario_CapacityThreeRefillOnePerSec(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucketAt(clock.Now)
	limit := Limit{Capacity: 3, RefillPerSec: 1}

	var denied []Decision
	for i := 0; i < 5; i++ {
		if d := tb.Check("scope", limit, 1); !d.Allowed {
			denied = append(denied, d)
		}
	}
	if len(denied) != 2 {
		t.Fatalf("denied %d of 5 requests, want 2", len(denied))
	}
	for i, d := range denied {
		if d.RetryAfter <= 0 {
			t.Errorf("denial %d retry-after = %v, want > 0", i, d.RetryAfter)
		}
	}

	clock.Advance(denied[len(denied)-1].RetryAfter)
	if d := tb.Check("scope", limit, 1); !d.Allowed {
		t.Error("sixth request after waiting retry-after should be admitted")
	}
}
