// Package quota enforces period-bounded budgets over requests, tokens and
// monetary cost. Budgets are reserved before a provider call, then either
// confirmed with the actual amount or released when the call fails, so a
// failed request is never charged. Limits are hierarchical: a reservation
// must pass every configured scope from most specific (caller) to least
// (global).
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeRequests Type = "requests"
	TypeTokens   Type = "tokens"
	TypeCost     Type = "cost"
)

type Period string

const (
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Window returns the [start, end) period window containing now. Weeks
// start on Monday, months on the first, all in UTC.
func (p Period) Window(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	switch p {
	case PeriodHour:
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour)
	case PeriodWeek:
		day := now.Truncate(24 * time.Hour)
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	case PeriodMonth:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		start := now.Truncate(24 * time.Hour)
		return start, start.AddDate(0, 0, 1)
	}
}

// Limit is one budget rule: at most Max of Type per Period.
type Limit struct {
	Type   Type
	Period Period
	Max    float64
}

// Decision reports the outcome of a reservation attempt. Expected denials
// are values, not errors.
type Decision struct {
	Allowed bool
	Scope   string
	Type    Type
	Used    float64
	Limit   float64
	ResetAt time.Time
}

// ThresholdEvent is emitted to the notification sink when usage crosses a
// configured fraction of a limit, once per threshold per period.
type ThresholdEvent struct {
	Scope     string
	Type      Type
	Period    Period
	Threshold float64
	Used      float64
	Limit     float64
	At        time.Time
}

// EventSink receives threshold crossings. Implemented by the notifications
// package; a nil sink disables them.
type EventSink interface {
	QuotaThreshold(ctx context.Context, e ThresholdEvent)
}

// DefaultThresholds are the usage fractions that trigger notifications.
var DefaultThresholds = []float64{0.5, 0.8, 0.9, 1.0}

type stateKey struct {
	scope  string
	typ    Type
	period Period
}

// state is one live quota row. Guarded by its own lock; operations on
// different scopes never contend.
type state struct {
	mu       sync.Mutex
	start    time.Time
	end      time.Time
	used     float64
	reserved float64
	exceeded bool
	notified map[float64]bool
	history  []Snapshot
}

// Snapshot is a closed period retained for reporting.
type Snapshot struct {
	Start    time.Time
	End      time.Time
	Used     float64
	Exceeded bool
}

type reservationEntry struct {
	key    stateKey
	amount float64
}

type reservation struct {
	entries   []reservationEntry
	finalized bool
}

// Manager tracks quota state per (scope, type, period) and open
// reservations by token.
type Manager struct {
	mu           sync.Mutex
	states       map[stateKey]*state
	reservations map[string]*reservation
	limits       map[string][]Limit
	thresholds   []float64
	sink         EventSink
	now          func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithThresholds(t []float64) Option {
	return func(m *Manager) { m.thresholds = t }
}

// NewManager builds a quota manager. limits maps a scope key to its budget
// rules; scopes without an entry are unlimited.
func NewManager(limits map[string][]Limit, sink EventSink, opts ...Option) *Manager {
	m := &Manager{
		states:       make(map[stateKey]*state),
		reservations: make(map[string]*reservation),
		limits:       limits,
		thresholds:   DefaultThresholds,
		sink:         sink,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) state(key stateKey) *state {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	if !ok {
		s = &state{notified: make(map[float64]bool)}
		s.start, s.end = key.period.Window(m.now())
		m.states[key] = s
	}
	return s
}

// rollover starts a fresh period if the current one has ended. The closed
// period is appended to history, never deleted. Caller holds s.mu.
func (s *state) rollover(key stateKey, now time.Time) {
	if now.Before(s.end) {
		return
	}
	s.history = append(s.history, Snapshot{Start: s.start, End: s.end, Used: s.used, Exceeded: s.exceeded})
	s.start, s.end = key.period.Window(now)
	s.used = 0
	s.reserved = 0
	s.exceeded = false
	s.notified = make(map[float64]bool)
}

// CheckAndReserve walks scopes from most specific to least specific and
// reserves amounts against every configured limit. The first denial undoes
// any reservations already taken and is returned; `used` at the denying
// scope is left unchanged.
func (m *Manager) CheckAndReserve(ctx context.Context, scopes []string, amounts map[Type]float64) (string, Decision) {
	var taken []reservationEntry

	undo := func() {
		for _, e := range taken {
			s := m.state(e.key)
			s.mu.Lock()
			s.reserved -= e.amount
			s.mu.Unlock()
		}
	}

	for _, scope := range scopes {
		for _, limit := range m.limitsFor(scope) {
			amount, ok := amounts[limit.Type]
			if !ok {
				continue
			}
			key := stateKey{scope: scope, typ: limit.Type, period: limit.Period}
			s := m.state(key)

			s.mu.Lock()
			now := m.now()
			s.rollover(key, now)

			if s.exceeded || s.used+s.reserved+amount > limit.Max {
				if s.used+s.reserved >= limit.Max {
					s.exceeded = true
				}
				denial := Decision{
					Scope:   scope,
					Type:    limit.Type,
					Used:    s.used,
					Limit:   limit.Max,
					ResetAt: s.end,
				}
				// The first denial in a period is itself a 100% event.
				var event ThresholdEvent
				emit := false
				if !s.notified[1.0] {
					s.notified[1.0] = true
					emit = true
					event = ThresholdEvent{
						Scope:     scope,
						Type:      limit.Type,
						Period:    limit.Period,
						Threshold: 1.0,
						Used:      s.used,
						Limit:     limit.Max,
						At:        now,
					}
				}
				s.mu.Unlock()

				if emit && m.sink != nil {
					m.sink.QuotaThreshold(ctx, event)
				}
				undo()
				return "", denial
			}

			s.reserved += amount
			s.mu.Unlock()
			taken = append(taken, reservationEntry{key: key, amount: amount})
		}
	}

	token := uuid.New().String()
	m.mu.Lock()
	m.reservations[token] = &reservation{entries: taken}
	m.mu.Unlock()

	return token, Decision{Allowed: true}
}

// crossed collects every threshold newly passed by the current
// committed+reserved usage. A confirm that jumps several thresholds at
// once yields one event per threshold; each fires once per period. Caller
// holds s.mu.
func (s *state) crossed(key stateKey, max float64, thresholds []float64, now time.Time) []ThresholdEvent {
	if max <= 0 {
		return nil
	}
	ratio := (s.used + s.reserved) / max

	var events []ThresholdEvent
	for _, t := range thresholds {
		if ratio >= t && !s.notified[t] {
			s.notified[t] = true
			events = append(events, ThresholdEvent{
				Scope:     key.scope,
				Type:      key.typ,
				Period:    key.period,
				Threshold: t,
				Used:      s.used,
				Limit:     max,
				At:        now,
			})
		}
	}
	return events
}

// Confirm finalizes a reservation with what the call actually consumed.
// Calling it on an already finalized or unknown token is a no-op, so a
// request can never be double-charged.
func (m *Manager) Confirm(ctx context.Context, token string, actual map[Type]float64) {
	r := m.finalize(token)
	if r == nil {
		return
	}

	for _, e := range r.entries {
		s := m.state(e.key)
		amount, ok := actual[e.key.typ]
		if !ok {
			amount = e.amount
		}
		max := m.maxFor(e.key)

		s.mu.Lock()
		now := m.now()
		s.rollover(e.key, now)
		s.reserved -= e.amount
		if s.reserved < 0 {
			s.reserved = 0
		}
		s.used += amount

		if max > 0 && s.used > max {
			s.exceeded = true
		}
		events := s.crossed(e.key, max, m.thresholds, now)
		s.mu.Unlock()

		if m.sink != nil {
			for _, event := range events {
				m.sink.QuotaThreshold(ctx, event)
			}
		}
	}
}

// Release undoes a reservation after a failed call. Idempotent per token.
func (m *Manager) Release(token string) {
	r := m.finalize(token)
	if r == nil {
		return
	}

	for _, e := range r.entries {
		s := m.state(e.key)
		s.mu.Lock()
		s.reserved -= e.amount
		if s.reserved < 0 {
			s.reserved = 0
		}
		s.mu.Unlock()
	}
}

// SetLimits installs or replaces the budget rules for one scope. An empty
// set removes the scope's rules. Used to keep caller-level limits in step
// with the caller registry.
func (m *Manager) SetLimits(scope string, limits []Limit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits == nil {
		m.limits = make(map[string][]Limit)
	}
	if len(limits) == 0 {
		delete(m.limits, scope)
		return
	}
	m.limits[scope] = limits
}

func (m *Manager) limitsFor(scope string) []Limit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits[scope]
}

func (m *Manager) maxFor(key stateKey) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, limit := range m.limits[key.scope] {
		if limit.Type == key.typ && limit.Period == key.period {
			return limit.Max
		}
	}
	return 0
}

func (m *Manager) finalize(token string) *reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[token]
	if !ok || r.finalized {
		return nil
	}
	r.finalized = true
	return r
}

// Usage reports the live row for a scope/type/period, creating it if
// absent. Used by the API layer for quota headers and reports.
func (m *Manager) Usage(scope string, typ Type, period Period) (used, reserved float64, resetAt time.Time) {
	key := stateKey{scope: scope, typ: typ, period: period}
	s := m.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollover(key, m.now())
	return s.used, s.reserved, s.end
}

// History returns the closed periods retained for a scope/type/period.
func (m *Manager) History(scope string, typ Type, period Period) []Snapshot {
	key := stateKey{scope: scope, typ: typ, period: period}
	s := m.state(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	return out
}
