package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY INTERFACE - Plug-in pattern for strategies
// ═══════════════════════════════════════════════════════════════════════════════
//
// All strategies implement this interface:
//   Analyze(ctx) []*Signal
//
// The engine decides when to scan (ShouldScan/CanTrade), executes signals and
// calls RecordTrade. Strategies never trade on their own.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy is the interface all trading strategies must implement
type Strategy interface {
	// Name returns the strategy identifier
	Name() string

	// Analyze inspects feeds and markets and returns proposed trades
	Analyze(ctx context.Context) ([]*Signal, error)

	// CanTrade is false when disabled or the daily trade budget is spent
	CanTrade() bool

	// ShouldScan is false until the scan interval has elapsed
	ShouldScan() bool
	MarkScanned()

	// RecordTrade counts an executed signal against the daily budget
	RecordTrade()
	ResetDaily()
	DailyTradeCount() int

	// LatencySensitive strategies run on the fast loop only
	LatencySensitive() bool

	// Config returns strategy configuration
	Config() Config
}

// Config is owned by each strategy instance
type Config struct {
	Enabled        bool
	MaxPositionUSD decimal.Decimal
	MaxDailyTrades int
	MinConfidence  decimal.Decimal
	ScanInterval   time.Duration
}

// Action is what a signal asks the engine to do
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Signal represents a trade signal from a strategy. Treat as immutable once emitted.
type Signal struct {
	Action       Action
	InstrumentID string          // Outcome token ID
	MarketID     string          // Market/condition ID
	MarketLabel  string          // Market question, used for categorization
	Price        decimal.Decimal // Share price in (0,1)
	Confidence   decimal.Decimal // 0-1 confidence score
	AmountUSD    decimal.Decimal
	Rationale    string
	Strategy     string
	CreatedAt    time.Time
}

// PositionKey returns the portfolio key this signal trades against
func (s *Signal) PositionKey() string {
	return s.InstrumentID + ":" + s.Strategy
}

// Validate checks if a signal is well-formed
func (s *Signal) Validate() error {
	switch s.Action {
	case ActionHold:
		return nil
	case ActionBuy, ActionSell:
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	if s.InstrumentID == "" {
		return fmt.Errorf("missing instrument")
	}
	if !s.Price.IsPositive() || s.Price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("price %s outside (0,1)", s.Price)
	}
	if s.Confidence.IsNegative() || s.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("confidence %s outside [0,1]", s.Confidence)
	}
	if !s.AmountUSD.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASE - Cadence and daily-budget bookkeeping shared by all strategies
// ═══════════════════════════════════════════════════════════════════════════════

type Base struct {
	mu sync.Mutex

	name             string
	cfg              Config
	latencySensitive bool

	lastScan    time.Time
	dailyTrades int

	now func() time.Time
}

// NewBase creates the shared strategy state
func NewBase(name string, cfg Config, latencySensitive bool) *Base {
	return &Base{
		name:             name,
		cfg:              cfg,
		latencySensitive: latencySensitive,
		now:              time.Now,
	}
}

// SetClock replaces the time source
func (b *Base) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Now returns the current time from the strategy clock
func (b *Base) Now() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now()
}

func (b *Base) Name() string           { return b.name }
func (b *Base) Config() Config         { return b.cfg }
func (b *Base) LatencySensitive() bool { return b.latencySensitive }

func (b *Base) CanTrade() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled {
		return false
	}
	return b.cfg.MaxDailyTrades <= 0 || b.dailyTrades < b.cfg.MaxDailyTrades
}

func (b *Base) ShouldScan() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastScan.IsZero() || b.now().Sub(b.lastScan) >= b.cfg.ScanInterval
}

func (b *Base) MarkScanned() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastScan = b.now()
}

func (b *Base) RecordTrade() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailyTrades++
}

func (b *Base) ResetDaily() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dailyTrades = 0
}

func (b *Base) DailyTradeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dailyTrades
}

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL BUILDER - Helper for creating signals
// ═══════════════════════════════════════════════════════════════════════════════

// SignalBuilder helps construct signals
type SignalBuilder struct {
	signal *Signal
}

// NewSignal starts a signal for the given strategy
func (b *Base) NewSignal(action Action) *SignalBuilder {
	return &SignalBuilder{
		signal: &Signal{
			Action:     action,
			Strategy:   b.name,
			Confidence: decimal.NewFromFloat(0.5),
			CreatedAt:  b.Now(),
		},
	}
}

// Instrument sets the outcome token
func (sb *SignalBuilder) Instrument(tokenID string) *SignalBuilder {
	sb.signal.InstrumentID = tokenID
	return sb
}

// Market sets the market ID and label
func (sb *SignalBuilder) Market(id, label string) *SignalBuilder {
	sb.signal.MarketID = id
	sb.signal.MarketLabel = label
	return sb
}

// Price sets the limit price
func (sb *SignalBuilder) Price(price decimal.Decimal) *SignalBuilder {
	sb.signal.Price = price
	return sb
}

// Confidence sets the confidence level (0-1)
func (sb *SignalBuilder) Confidence(conf decimal.Decimal) *SignalBuilder {
	sb.signal.Confidence = conf
	return sb
}

// Amount sets the USD notional
func (sb *SignalBuilder) Amount(usd decimal.Decimal) *SignalBuilder {
	sb.signal.AmountUSD = usd
	return sb
}

// Rationale sets the human-readable reason
func (sb *SignalBuilder) Rationale(format string, args ...any) *SignalBuilder {
	sb.signal.Rationale = fmt.Sprintf(format, args...)
	return sb
}

// Build returns the completed signal
func (sb *SignalBuilder) Build() *Signal {
	return sb.signal
}
