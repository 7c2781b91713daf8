package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TP/SL RULES - Exit conditions for open positions
// ═══════════════════════════════════════════════════════════════════════════════

// ExitReason names why a position should close
type ExitReason string

const (
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitMaxHold    ExitReason = "MAX_HOLD_TIME"
)

// ExitRules closes positions on percentage moves from entry
type ExitRules struct {
	TakeProfitPct decimal.Decimal // e.g. 15 = +15% PnL
	StopLossPct   decimal.Decimal // e.g. 10 = −10% PnL
	MaxHoldTime   time.Duration   // 0 = no limit
}

// CheckExit determines if a position should be closed at its current price
func (r ExitRules) CheckExit(pos types.Position, now time.Time) (bool, ExitReason) {
	if !pos.EntryPrice.IsPositive() || !pos.CurrentPrice.IsPositive() {
		return false, ""
	}

	if r.TakeProfitPct.IsPositive() && pos.PnLPercent.GreaterThanOrEqual(r.TakeProfitPct) {
		return true, ExitTakeProfit
	}
	if r.StopLossPct.IsPositive() && pos.PnLPercent.LessThanOrEqual(r.StopLossPct.Neg()) {
		return true, ExitStopLoss
	}
	if r.MaxHoldTime > 0 && !pos.OpenedAt.IsZero() && now.Sub(pos.OpenedAt) > r.MaxHoldTime {
		return true, ExitMaxHold
	}
	return false, ""
}
