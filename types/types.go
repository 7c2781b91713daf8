package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

var hundred = decimal.NewFromInt(100)

// PositionKey identifies a position by instrument and owning strategy.
func PositionKey(instrumentID, strategy string) string {
	return instrumentID + ":" + strategy
}

// Position represents an open holding in one outcome token
type Position struct {
	InstrumentID string `json:"instrumentId"`
	MarketID     string `json:"marketId"`
	MarketLabel  string `json:"marketLabel"`
	Strategy     string `json:"strategy"`

	EntryPrice   decimal.Decimal `json:"entryPrice"` // Average fill price
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	Size         decimal.Decimal `json:"size"`      // Shares held, never negative
	CostBasis    decimal.Decimal `json:"costBasis"` // USD paid

	// Derived, recomputed by Refresh
	CurrentValue decimal.Decimal `json:"currentValue"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnlPercent"`

	OpenedAt time.Time `json:"openedAt"`
	Paper    bool      `json:"paper"`
}

// Key returns the ledger key "instrumentId:strategy"
func (p *Position) Key() string {
	return PositionKey(p.InstrumentID, p.Strategy)
}

// Refresh recomputes value and PnL from the current price
func (p *Position) Refresh() {
	p.CurrentValue = p.Size.Mul(p.CurrentPrice)
	p.PnL = p.CurrentValue.Sub(p.CostBasis)
	if p.CostBasis.IsZero() {
		p.PnLPercent = decimal.Zero
		return
	}
	p.PnLPercent = p.PnL.Div(p.CostBasis).Mul(hundred)
}

// ClosedTrade is an immutable realized-trade history entry
type ClosedTrade struct {
	MarketID     string          `json:"marketId"`
	InstrumentID string          `json:"instrumentId"`
	MarketLabel  string          `json:"marketLabel"`
	Strategy     string          `json:"strategy"`
	PnL          decimal.Decimal `json:"pnl"` // Net of fees
	Fee          decimal.Decimal `json:"fee"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	ExitPrice    decimal.Decimal `json:"exitPrice"`
	Size         decimal.Decimal `json:"size"`
	OpenedAt     time.Time       `json:"openedAt"`
	ClosedAt     time.Time       `json:"closedAt"`
	Paper        bool            `json:"paper"`
}

// Won reports whether the trade realized a profit
func (t ClosedTrade) Won() bool {
	return t.PnL.GreaterThan(decimal.Zero)
}
