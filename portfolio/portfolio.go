package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PORTFOLIO - Ledger of open positions, realized history and bankroll
// ═══════════════════════════════════════════════════════════════════════════════
//
// Value conservation:
//   bankroll + Σ position.CurrentValue changes only through price moves,
//   realized PnL and explicit fees.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrInsufficientFunds = errors.New("insufficient bankroll")
	ErrInvalidPosition   = errors.New("invalid position")
)

var hundred = decimal.NewFromInt(100)

type Portfolio struct {
	mu sync.RWMutex

	bankroll        decimal.Decimal
	initialBankroll decimal.Decimal
	peakValue       decimal.Decimal

	positions map[string]*types.Position
	history   []types.ClosedTrade

	// Sizing
	kellyMultiplier    decimal.Decimal
	maxPositionPercent decimal.Decimal // % of bankroll
	minTradeUSD        decimal.Decimal

	now func() time.Time
}

// Option customizes a Portfolio
type Option func(*Portfolio)

// WithKellyMultiplier sets the fractional-Kelly safety multiplier (default 0.5)
func WithKellyMultiplier(m decimal.Decimal) Option {
	return func(p *Portfolio) { p.kellyMultiplier = m }
}

// WithMaxPositionPercent caps a single Kelly size at this % of bankroll (default 10)
func WithMaxPositionPercent(pct decimal.Decimal) Option {
	return func(p *Portfolio) { p.maxPositionPercent = pct }
}

// WithMinTradeUSD sets the size floor below which sizing returns 0 (default $1)
func WithMinTradeUSD(min decimal.Decimal) Option {
	return func(p *Portfolio) { p.minTradeUSD = min }
}

// WithClock injects a time source
func WithClock(now func() time.Time) Option {
	return func(p *Portfolio) { p.now = now }
}

// New creates a portfolio holding only cash
func New(initialBankroll decimal.Decimal, opts ...Option) *Portfolio {
	p := &Portfolio{
		bankroll:           initialBankroll,
		initialBankroll:    initialBankroll,
		peakValue:          initialBankroll,
		positions:          make(map[string]*types.Position),
		kellyMultiplier:    decimal.NewFromFloat(0.5),
		maxPositionPercent: decimal.NewFromInt(10),
		minTradeUSD:        decimal.NewFromInt(1),
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bankroll returns available cash
func (p *Portfolio) Bankroll() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bankroll
}

// InitialBankroll returns the starting cash
func (p *Portfolio) InitialBankroll() decimal.Decimal {
	return p.initialBankroll
}

// TotalValue returns bankroll plus the current value of all open positions
func (p *Portfolio) TotalValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalValueLocked()
}

func (p *Portfolio) totalValueLocked() decimal.Decimal {
	total := p.bankroll
	for _, pos := range p.positions {
		total = total.Add(pos.CurrentValue)
	}
	return total
}

// PeakValue returns the high-water mark used for drawdown
func (p *Portfolio) PeakValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peakValue
}

// GetDrawdown returns (peak - totalValue) / peak as a percentage, floored at 0
func (p *Portfolio) GetDrawdown() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.peakValue.IsZero() {
		return decimal.Zero
	}
	dd := p.peakValue.Sub(p.totalValueLocked()).Div(p.peakValue).Mul(hundred)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// CanAfford reports whether the bankroll covers amount
func (p *Portfolio) CanAfford(amount decimal.Decimal) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return amount.IsPositive() && p.bankroll.GreaterThanOrEqual(amount)
}

// PositionCount returns the number of open positions
func (p *Portfolio) PositionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.positions)
}

// Position returns a copy of the position stored under key
func (p *Portfolio) Position(key string) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[key]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// OpenPositions returns copies of all open positions, oldest first
func (p *Portfolio) OpenPositions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].Key() < out[j].Key()
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// History returns a copy of the realized-trade history
func (p *Portfolio) History() []types.ClosedTrade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.ClosedTrade, len(p.history))
	copy(out, p.history)
	return out
}

// AddPosition debits CostBasis from the bankroll and opens (or averages into)
// the position keyed by instrumentId:strategy.
func (p *Portfolio) AddPosition(pos types.Position) error {
	if pos.InstrumentID == "" || pos.Strategy == "" {
		return fmt.Errorf("%w: instrument and strategy are required", ErrInvalidPosition)
	}
	if !pos.Size.IsPositive() || !pos.CostBasis.IsPositive() {
		return fmt.Errorf("%w: size and cost basis must be positive", ErrInvalidPosition)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bankroll.LessThan(pos.CostBasis) {
		return fmt.Errorf("%w: need $%s, have $%s", ErrInsufficientFunds,
			pos.CostBasis.StringFixed(2), p.bankroll.StringFixed(2))
	}

	if pos.CurrentPrice.IsZero() {
		pos.CurrentPrice = pos.EntryPrice
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = p.now()
	}

	p.bankroll = p.bankroll.Sub(pos.CostBasis)

	key := pos.Key()
	if existing, ok := p.positions[key]; ok {
		existing.Size = existing.Size.Add(pos.Size)
		existing.CostBasis = existing.CostBasis.Add(pos.CostBasis)
		existing.EntryPrice = existing.CostBasis.Div(existing.Size)
		existing.CurrentPrice = pos.CurrentPrice
		existing.Refresh()
		log.Debug().Str("key", key).Str("size", existing.Size.StringFixed(2)).Msg("Position averaged")
		return nil
	}

	stored := pos
	stored.Refresh()
	p.positions[key] = &stored
	return nil
}

// UpdatePrice marks every position on instrumentID to price and returns how many moved
func (p *Portfolio) UpdatePrice(instrumentID string, price decimal.Decimal) int {
	if !price.IsPositive() {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, pos := range p.positions {
		if pos.InstrumentID != instrumentID {
			continue
		}
		pos.CurrentPrice = price
		pos.Refresh()
		n++
	}
	return n
}

// ClosePosition sells the whole position at exitPrice, charges fee, credits the
// proceeds to the bankroll and appends the realized trade to history.
func (p *Portfolio) ClosePosition(key string, exitPrice, fee decimal.Decimal) (types.ClosedTrade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[key]
	if !ok {
		return types.ClosedTrade{}, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}

	pos.CurrentPrice = exitPrice
	pos.Refresh()

	proceeds := pos.Size.Mul(exitPrice)
	net := proceeds.Sub(pos.CostBasis).Sub(fee)

	p.bankroll = p.bankroll.Add(proceeds).Sub(fee)
	delete(p.positions, key)

	closed := types.ClosedTrade{
		MarketID:     pos.MarketID,
		InstrumentID: pos.InstrumentID,
		MarketLabel:  pos.MarketLabel,
		Strategy:     pos.Strategy,
		PnL:          net,
		Fee:          fee,
		EntryPrice:   pos.EntryPrice,
		ExitPrice:    exitPrice,
		Size:         pos.Size,
		OpenedAt:     pos.OpenedAt,
		ClosedAt:     p.now(),
		Paper:        pos.Paper,
	}
	p.history = append(p.history, closed)

	if total := p.totalValueLocked(); total.GreaterThan(p.peakValue) {
		p.peakValue = total
	}

	return closed, nil
}
