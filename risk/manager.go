package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/strategy"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK MANAGER - Gatekeeper for all trades
// ═══════════════════════════════════════════════════════════════════════════════
//
// CheckTrade evaluates in order and stops at the first failure:
//   1. circuit breaker cooling down          (all actions)
//   2. daily realized PnL at/below the floor (all actions)
//   3. drawdown above max → trip breaker     (all actions)
//   4. open positions at ceiling             (buys)
//   5. size above % of bankroll              (buys)
//   6. bankroll short of size                (buys)
//   7. category full (correlation check)     (buys)
//
// Daily PnL resets at each UTC midnight via a watermark.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config holds the limits
type Config struct {
	MaxDailyLoss            decimal.Decimal // USD, positive
	MaxDrawdownPct          decimal.Decimal // percent
	MaxOpenPositions        int
	MaxPositionPct          decimal.Decimal // percent of bankroll
	CircuitBreakerCooldown  time.Duration
	CorrelationCheck        bool
	MaxPositionsPerCategory int
}

// DefaultConfig returns conservative limits
func DefaultConfig() Config {
	return Config{
		MaxDailyLoss:            decimal.NewFromInt(100),
		MaxDrawdownPct:          decimal.NewFromInt(20),
		MaxOpenPositions:        10,
		MaxPositionPct:          decimal.NewFromInt(10),
		CircuitBreakerCooldown:  time.Hour,
		CorrelationCheck:        true,
		MaxPositionsPerCategory: 3,
	}
}

// PortfolioView is the read side of the portfolio the checks need
type PortfolioView interface {
	Bankroll() decimal.Decimal
	GetDrawdown() decimal.Decimal
	PositionCount() int
}

// Decision is the outcome of a check. Denial is not an error.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

type Manager struct {
	mu sync.Mutex

	cfg       Config
	portfolio PortfolioView
	breaker   *CircuitBreaker

	dailyPnL decimal.Decimal
	dayStart time.Time

	// position key → category, and category → open keys
	positions  map[string]Category
	categories map[Category]map[string]struct{}

	now func() time.Time
}

// Option configures the manager
type Option func(*Manager)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new risk manager
func NewManager(cfg Config, pf PortfolioView, opts ...Option) *Manager {
	m := &Manager{
		cfg:        cfg,
		portfolio:  pf,
		breaker:    NewCircuitBreaker(cfg.CircuitBreakerCooldown),
		positions:  make(map[string]Category),
		categories: make(map[Category]map[string]struct{}),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.dayStart = utcMidnight(m.now())

	log.Info().
		Str("max_daily_loss", cfg.MaxDailyLoss.StringFixed(2)).
		Str("max_drawdown", cfg.MaxDrawdownPct.String()+"%").
		Int("max_positions", cfg.MaxOpenPositions).
		Str("max_position", cfg.MaxPositionPct.String()+"%").
		Bool("correlation", cfg.CorrelationCheck).
		Msg("🛡️ Risk manager initialized")

	return m
}

// Breaker exposes the circuit breaker
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

// CheckTrade gates one signal
func (m *Manager) CheckTrade(sig *strategy.Signal) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollDayLocked(now)

	// 1. Circuit breaker
	if active, remaining := m.breaker.Check(now); active {
		return deny("circuit breaker active, %s remaining", remaining.Round(time.Second))
	}

	// 2. Daily loss limit
	if m.cfg.MaxDailyLoss.IsPositive() && m.dailyPnL.LessThanOrEqual(m.cfg.MaxDailyLoss.Neg()) {
		return deny("daily loss limit reached: %s <= -%s", m.dailyPnL.StringFixed(2), m.cfg.MaxDailyLoss.StringFixed(2))
	}

	// 3. Drawdown
	if m.cfg.MaxDrawdownPct.IsPositive() {
		if dd := m.portfolio.GetDrawdown(); dd.GreaterThan(m.cfg.MaxDrawdownPct) {
			m.breaker.Trip(fmt.Sprintf("drawdown %s%% > %s%%", dd.StringFixed(2), m.cfg.MaxDrawdownPct), now)
			return deny("drawdown %s%% exceeds %s%%, circuit breaker tripped", dd.StringFixed(2), m.cfg.MaxDrawdownPct)
		}
	}

	if sig.Action != strategy.ActionBuy {
		return allow()
	}

	// Averaging into a tracked position opens nothing new
	_, existing := m.positions[sig.PositionKey()]

	// 4. Position ceiling
	if !existing && m.cfg.MaxOpenPositions > 0 && m.portfolio.PositionCount() >= m.cfg.MaxOpenPositions {
		return deny("max open positions reached (%d)", m.cfg.MaxOpenPositions)
	}

	bankroll := m.portfolio.Bankroll()

	// 5. Size cap
	if m.cfg.MaxPositionPct.IsPositive() {
		capUSD := bankroll.Mul(m.cfg.MaxPositionPct).Div(decimal.NewFromInt(100))
		if sig.AmountUSD.GreaterThan(capUSD) {
			return deny("size $%s exceeds %s%% of bankroll ($%s)", sig.AmountUSD.StringFixed(2), m.cfg.MaxPositionPct, capUSD.StringFixed(2))
		}
	}

	// 6. Funds
	if bankroll.LessThan(sig.AmountUSD) {
		return deny("insufficient bankroll: $%s < $%s", bankroll.StringFixed(2), sig.AmountUSD.StringFixed(2))
	}

	// 7. Correlation
	if m.cfg.CorrelationCheck && !existing && m.cfg.MaxPositionsPerCategory > 0 {
		cat := Categorize(sig.MarketLabel)
		if n := len(m.categories[cat]); n >= m.cfg.MaxPositionsPerCategory {
			return deny("category %s already holds %d positions", cat, n)
		}
	}

	return allow()
}

// RecordTradePnl accumulates realized PnL into the daily total
func (m *Manager) RecordTradePnl(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked(m.now())
	m.dailyPnL = m.dailyPnL.Add(pnl)

	log.Debug().
		Str("pnl", pnl.StringFixed(2)).
		Str("daily", m.dailyPnL.StringFixed(2)).
		Msg("Risk PnL recorded")
}

// DailyPnL returns today's realized PnL
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDayLocked(m.now())
	return m.dailyPnL
}

// ResetDaily zeroes the daily accumulator and moves the watermark to today
func (m *Manager) ResetDaily() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPnL = decimal.Zero
	m.dayStart = utcMidnight(m.now())
	log.Info().Msg("📅 Risk daily stats reset")
}

func (m *Manager) rollDayLocked(now time.Time) {
	if midnight := utcMidnight(now); midnight.After(m.dayStart) {
		m.dailyPnL = decimal.Zero
		m.dayStart = midnight
		log.Info().Str("day", midnight.Format("2006-01-02")).Msg("📅 New trading day, daily PnL reset")
	}
}

// TrackPosition registers an opened position under its label's category
func (m *Manager) TrackPosition(key, label string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[key]; ok {
		return
	}
	cat := Categorize(label)
	m.positions[key] = cat
	set, ok := m.categories[cat]
	if !ok {
		set = make(map[string]struct{})
		m.categories[cat] = set
	}
	set[key] = struct{}{}
}

// UntrackPosition forgets a closed position
func (m *Manager) UntrackPosition(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cat, ok := m.positions[key]
	if !ok {
		return
	}
	delete(m.positions, key)
	delete(m.categories[cat], key)
	if len(m.categories[cat]) == 0 {
		delete(m.categories, cat)
	}
}

// CategoryCount returns open positions in a category
func (m *Manager) CategoryCount(cat Category) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.categories[cat])
}

// Status is the externally visible risk state
type Status struct {
	DailyPnL       string         `json:"dailyPnl"`
	DailyLossLimit string         `json:"dailyLossLimit"`
	Drawdown       string         `json:"drawdownPct"`
	MaxDrawdown    string         `json:"maxDrawdownPct"`
	OpenTracked    int            `json:"openTracked"`
	Categories     map[string]int `json:"categories"`
	Breaker        BreakerStats   `json:"circuitBreaker"`
	DayStart       time.Time      `json:"dayStart"`
}

// Status returns a snapshot
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked(m.now())
	cats := make(map[string]int, len(m.categories))
	for c, set := range m.categories {
		cats[string(c)] = len(set)
	}

	return Status{
		DailyPnL:       m.dailyPnL.StringFixed(2),
		DailyLossLimit: m.cfg.MaxDailyLoss.StringFixed(2),
		Drawdown:       m.portfolio.GetDrawdown().StringFixed(2),
		MaxDrawdown:    m.cfg.MaxDrawdownPct.String(),
		OpenTracked:    len(m.positions),
		Categories:     cats,
		Breaker:        m.breaker.Stats(),
		DayStart:       m.dayStart,
	}
}

func utcMidnight(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
