package quota

import (
	"context"
	"sync"
	"testing"
	"time"
)

type sinkRecorder struct {
	mu     sync.Mutex
	events []ThresholdEvent
}

func (r *sinkRecorder) QuotaThreshold(_ context.Context, e ThresholdEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *sinkRecorder) count(threshold float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Threshold == threshold {
			n++
		}
	}
	return n
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func costLimits(scope string, max float64) map[string][]Limit {
	return map[string][]Limit{
		scope: {{Type: TypeCost, Period: PeriodDay, Max: max}},
	}
}

func TestCheckAndReserve_WithinLimit(t *testing.T) {
	m := NewManager(costLimits("caller:a", 10), nil)
	ctx := context.Background()

	token, d := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 2})
	if !d.Allowed {
		t.Fatalf("reservation within limit denied: %+v", d)
	}
	if token == "" {
		t.Fatal("expected a reservation token")
	}

	_, reserved, _ := m.Usage("caller:a", TypeCost, PeriodDay)
	if reserved != 2 {
		t.Errorf("reserved = %f, want 2", reserved)
	}
}

func TestConfirm_MovesReservedToUsed(t *testing.T) {
	m := NewManager(costLimits("caller:a", 10), nil)
	ctx := context.Background()

	token, _ := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 2})
	m.Confirm(ctx, token, map[Type]float64{TypeCost: 1.5})

	used, reserved, _ := m.Usage("caller:a", TypeCost, PeriodDay)
	if used != 1.5 {
		t.Errorf("used = %f, want the actual amount 1.5", used)
	}
	if reserved != 0 {
		t.Errorf("reserved = %f, want 0 after confirm", reserved)
	}
}

func TestRelease_UndoesReservation(t *testing.T) {
	m := NewManager(costLimits("caller:a", 10), nil)
	ctx := context.Background()

	token, _ := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 2})
	m.Release(token)

	used, reserved, _ := m.Usage("caller:a", TypeCost, PeriodDay)
	if used != 0 || reserved != 0 {
		t.Errorf("used=%f reserved=%f after release, want both 0", used, reserved)
	}
}

func TestConfirmAndRelease_IdempotentPerToken(t *testing.T) {
	m := NewManager(costLimits("caller:a", 10), nil)
	ctx := context.Background()

	token, _ := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 2})
	m.Confirm(ctx, token, map[Type]float64{TypeCost: 2})
	m.Confirm(ctx, token, map[Type]float64{TypeCost: 2})
	m.Release(token)

	used, reserved, _ := m.Usage("caller:a", TypeCost, PeriodDay)
	if used != 2 {
		t.Errorf("used = %f after double confirm + release, want 2", used)
	}
	if reserved != 0 {
		t.Errorf("reserved = %f, want 0", reserved)
	}
}

func TestDenial_LeavesUsedUnchangedAndNotifiesOnce(t *testing.T) {
	sink := &sinkRecorder{}
	m := NewManager(costLimits("caller:a", 10), sink)
	ctx := context.Background()

	// Bring used to 9.50.
	token, _ := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 9.5})
	m.Confirm(ctx, token, map[Type]float64{TypeCost: 9.5})

	_, d := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 1})
	if d.Allowed {
		t.Fatal("reservation of $1.00 against $0.50 headroom should be denied")
	}
	if d.Used != 9.5 || d.Limit != 10 {
		t.Errorf("denial reports used=%f limit=%f, want 9.5/10", d.Used, d.Limit)
	}

	used, _, _ := m.Usage("caller:a", TypeCost, PeriodDay)
	if used != 9.5 {
		t.Errorf("used changed by denial: %f", used)
	}

	// A second denial must not emit a second 100% event.
	m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 1})
	if got := sink.count(1.0); got != 1 {
		t.Errorf("100%% events = %d, want exactly 1", got)
	}
}

func TestThresholds_FireOncePerPeriod(t *testing.T) {
	sink := &sinkRecorder{}
	m := NewManager(costLimits("caller:a", 10), sink)
	ctx := context.Background()

	step := func(amount float64) {
		token, _ := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: amount})
		m.Confirm(ctx, token, map[Type]float64{TypeCost: amount})
	}

	step(5) // 50%
	step(3) // 80%
	step(1) // 90%
	step(0.5)
	step(0.4)

	if got := sink.count(0.5); got != 1 {
		t.Errorf("50%% events = %d, want 1", got)
	}
	if got := sink.count(0.8); got != 1 {
		t.Errorf("80%% events = %d, want 1", got)
	}
	if got := sink.count(0.9); got != 1 {
		t.Errorf("90%% events = %d, want 1", got)
	}
}

func TestThresholds_SingleConfirmCrossingSeveralFiresEach(t *testing.T) {
	sink := &sinkRecorder{}
	m := NewManager(costLimits("caller:a", 100), sink)
	ctx := context.Background()

	// One confirm jumps straight past 50%, 80% and 90%.
	token, _ := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 95})
	m.Confirm(ctx, token, map[Type]float64{TypeCost: 95})

	for _, threshold := range []float64{0.5, 0.8, 0.9} {
		if got := sink.count(threshold); got != 1 {
			t.Errorf("%.0f%% events = %d, want 1", threshold*100, got)
		}
	}
	if got := sink.count(1.0); got != 0 {
		t.Errorf("100%% events = %d before the limit is reached, want 0", got)
	}
}

func TestSetLimits_InstallsReplacesAndRemoves(t *testing.T) {
	m := NewManager(nil, nil)
	ctx := context.Background()

	// No rules configured: everything passes.
	token, d := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeRequests: 1})
	if !d.Allowed {
		t.Fatalf("unlimited scope denied: %+v", d)
	}
	m.Confirm(ctx, token, nil)

	m.SetLimits("caller:a", []Limit{{Type: TypeRequests, Period: PeriodDay, Max: 2}})
	if _, d := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeRequests: 2}); d.Allowed {
		t.Fatal("request past the installed limit should be denied")
	}

	m.SetLimits("caller:a", []Limit{{Type: TypeRequests, Period: PeriodDay, Max: 10}})
	token, d = m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeRequests: 2})
	if !d.Allowed {
		t.Fatalf("raised limit still denies: %+v", d)
	}
	m.Confirm(ctx, token, nil)

	m.SetLimits("caller:a", nil)
	for i := 0; i < 20; i++ {
		token, d := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeRequests: 1})
		if !d.Allowed {
			t.Fatalf("request %d denied after rules were removed: %+v", i, d)
		}
		m.Confirm(ctx, token, nil)
	}
}

func TestExceeded_DeniedUntilRollover(t *testing.T) {
	clock := newTestClock()
	m := NewManager(costLimits("caller:a", 10), nil, WithClock(clock.Now))
	ctx := context.Background()

	token, _ := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 10})
	m.Confirm(ctx, token, map[Type]float64{TypeCost: 10})

	if _, d := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 0.01}); d.Allowed {
		t.Fatal("scope at its limit must deny all further reservations")
	}

	clock.Advance(24 * time.Hour)
	if _, d := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 1}); !d.Allowed {
		t.Errorf("reservation after rollover denied: %+v", d)
	}

	used, _, _ := m.Usage("caller:a", TypeCost, PeriodDay)
	if used != 0 {
		t.Errorf("used = %f after rollover, want 0", used)
	}
}

func TestRollover_RetainsHistory(t *testing.T) {
	clock := newTestClock()
	m := NewManager(costLimits("caller:a", 10), nil, WithClock(clock.Now))
	ctx := context.Background()

	token, _ := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeCost: 4})
	m.Confirm(ctx, token, map[Type]float64{TypeCost: 4})

	clock.Advance(24 * time.Hour)
	m.Usage("caller:a", TypeCost, PeriodDay)

	history := m.History("caller:a", TypeCost, PeriodDay)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if history[0].Used != 4 {
		t.Errorf("archived used = %f, want 4", history[0].Used)
	}
}

func TestHierarchy_EveryLevelMustPass(t *testing.T) {
	limits := map[string][]Limit{
		"caller:a": {{Type: TypeRequests, Period: PeriodDay, Max: 100}},
		"group:g":  {{Type: TypeRequests, Period: PeriodDay, Max: 1}},
		"global":   {{Type: TypeRequests, Period: PeriodDay, Max: 1000}},
	}
	m := NewManager(limits, nil)
	ctx := context.Background()
	scopes := []string{"caller:a", "group:g", "global"}

	token, d := m.CheckAndReserve(ctx, scopes, map[Type]float64{TypeRequests: 1})
	if !d.Allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	m.Confirm(ctx, token, nil)

	_, d = m.CheckAndReserve(ctx, scopes, map[Type]float64{TypeRequests: 1})
	if d.Allowed {
		t.Fatal("group limit should deny the second request")
	}
	if d.Scope != "group:g" {
		t.Errorf("denying scope = %q, want group:g", d.Scope)
	}

	// The caller-level reservation taken before the group denial must have
	// been rolled back.
	_, reserved, _ := m.Usage("caller:a", TypeRequests, PeriodDay)
	if reserved != 0 {
		t.Errorf("caller reserved = %f after group denial, want 0", reserved)
	}
}

func TestPeriodWindows(t *testing.T) {
	now := time.Date(2025, 6, 11, 15, 45, 0, 0, time.UTC) // a Wednesday

	start, end := PeriodHour.Window(now)
	if start.Hour() != 15 || end.Sub(start) != time.Hour {
		t.Errorf("hour window = [%v, %v)", start, end)
	}

	start, end = PeriodWeek.Window(now)
	if start.Weekday() != time.Monday || end.Sub(start) != 7*24*time.Hour {
		t.Errorf("week window = [%v, %v)", start, end)
	}

	start, end = PeriodMonth.Window(now)
	if start.Day() != 1 || start.Month() != time.June || end.Month() != time.July {
		t.Errorf("month window = [%v, %v)", start, end)
	}

	if !now.Before(end) || now.Before(start) {
		t.Error("now must fall inside its own window")
	}
}

func TestConcurrentReservations_NeverOvershoot(t *testing.T) {
	m := NewManager(map[string][]Limit{
		"caller:a": {{Type: TypeRequests, Period: PeriodDay, Max: 50}},
	}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				token, d := m.CheckAndReserve(ctx, []string{"caller:a"}, map[Type]float64{TypeRequests: 1})
				if d.Allowed {
					m.Confirm(ctx, token, nil)
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if admitted != 50 {
		t.Errorf("admitted %d requests, want exactly 50", admitted)
	}
}
