package feeds

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// THRESHOLD TRACKER - Confirmed price-level crossings
// ═══════════════════════════════════════════════════════════════════════════════
//
// Per {symbol, threshold, direction}:
//   condition true, no pending     → pending = now
//   condition true, window elapsed → emit once, mark confirmed
//   condition false                → drop pending (no partial credit)
//   confirmed                      → silent until SetThresholds/ClearThresholds
//
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a threshold test
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// Threshold is one configured price level
type Threshold struct {
	Symbol    string
	Value     decimal.Decimal
	Direction Direction
}

// Key identifies the threshold tuple
func (t Threshold) Key() string {
	return t.Symbol + "|" + t.Value.String() + "|" + string(t.Direction)
}

// Satisfied applies the strict direction test
func (t Threshold) Satisfied(price decimal.Decimal) bool {
	switch t.Direction {
	case DirectionAbove:
		return price.GreaterThan(t.Value)
	case DirectionBelow:
		return price.LessThan(t.Value)
	}
	return false
}

// Crossing is a confirmed threshold breach
type Crossing struct {
	Threshold
	Price       decimal.Decimal
	StartedAt   time.Time
	ConfirmedAt time.Time
}

type ThresholdTracker struct {
	mu         sync.Mutex
	window     time.Duration
	thresholds []Threshold
	pending    map[string]time.Time
	confirmed  map[string]bool
}

// NewThresholdTracker creates a tracker with the given confirmation window
func NewThresholdTracker(window time.Duration) *ThresholdTracker {
	return &ThresholdTracker{
		window:    window,
		pending:   make(map[string]time.Time),
		confirmed: make(map[string]bool),
	}
}

// SetThresholds atomically replaces the set and clears all pending/confirmed state
func (t *ThresholdTracker) SetThresholds(ths []Threshold) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(ths))
	t.thresholds = t.thresholds[:0]
	for _, th := range ths {
		if seen[th.Key()] {
			continue
		}
		seen[th.Key()] = true
		t.thresholds = append(t.thresholds, th)
	}
	t.pending = make(map[string]time.Time)
	t.confirmed = make(map[string]bool)
}

// ClearThresholds removes all thresholds and state
func (t *ThresholdTracker) ClearThresholds() {
	t.SetThresholds(nil)
}

// Thresholds returns the configured set
func (t *ThresholdTracker) Thresholds() []Threshold {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Threshold, len(t.thresholds))
	copy(out, t.thresholds)
	return out
}

// Pending returns how many tuples are waiting on the confirmation window
func (t *ThresholdTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Check evaluates every threshold against prices. A missing or zero price
// counts as "condition not met".
func (t *ThresholdTracker) Check(prices map[string]decimal.Decimal, now time.Time) []Crossing {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Crossing
	for _, th := range t.thresholds {
		key := th.Key()
		if t.confirmed[key] {
			continue
		}

		price, ok := prices[th.Symbol]
		if !ok || !price.IsPositive() || !th.Satisfied(price) {
			delete(t.pending, key)
			continue
		}

		started, isPending := t.pending[key]
		if !isPending {
			t.pending[key] = now
			continue
		}
		if now.Sub(started) < t.window {
			continue
		}

		delete(t.pending, key)
		t.confirmed[key] = true
		out = append(out, Crossing{
			Threshold:   th,
			Price:       price,
			StartedAt:   started,
			ConfirmedAt: now,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// SameThresholds reports whether a and b hold the same tuples, ignoring order
func SameThresholds(a, b []Threshold) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, th := range a {
		set[th.Key()]++
	}
	for _, th := range b {
		if set[th.Key()] == 0 {
			return false
		}
		set[th.Key()]--
	}
	return true
}
