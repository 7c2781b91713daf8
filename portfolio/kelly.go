package portfolio

import (
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KELLY SIZING
// ═══════════════════════════════════════════════════════════════════════════════
//
// f = (b·p − q) / b
//   b = net decimal odds, p = win probability, q = 1 − p
//
// size = bankroll · f · multiplier, capped at maxPositionPercent of bankroll
// and at the caller cap, zero below the minimum trade size.
//
// ═══════════════════════════════════════════════════════════════════════════════

var one = decimal.NewFromInt(1)

// CalculateKellySize returns a USD size. maxOverrideUSD <= 0 means no caller cap.
func (p *Portfolio) CalculateKellySize(winProbability, decimalOdds, maxOverrideUSD decimal.Decimal) decimal.Decimal {
	if !winProbability.IsPositive() || winProbability.GreaterThanOrEqual(one) {
		return decimal.Zero
	}
	if !decimalOdds.IsPositive() {
		return decimal.Zero
	}

	q := one.Sub(winProbability)
	f := decimalOdds.Mul(winProbability).Sub(q).Div(decimalOdds)
	if !f.IsPositive() {
		return decimal.Zero
	}

	bankroll := p.Bankroll()
	size := bankroll.Mul(f).Mul(p.kellyMultiplier)

	if capUSD := bankroll.Mul(p.maxPositionPercent).Div(hundred); size.GreaterThan(capUSD) {
		size = capUSD
	}
	if maxOverrideUSD.IsPositive() && size.GreaterThan(maxOverrideUSD) {
		size = maxOverrideUSD
	}

	size = size.Truncate(2)
	if size.LessThan(p.minTradeUSD) {
		return decimal.Zero
	}
	return size
}

// CalculatePositionSize converts a share price in (0,1) to net odds 1/price − 1
// and sizes with CalculateKellySize.
func (p *Portfolio) CalculatePositionSize(winProbability, price, maxOverrideUSD decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() || price.GreaterThanOrEqual(one) {
		return decimal.Zero
	}
	odds := one.Div(price).Sub(one)
	return p.CalculateKellySize(winProbability, odds, maxOverrideUSD)
}
