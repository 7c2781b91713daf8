package portfolio

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/types"
)

// tradingDays annualizes the per-trade Sharpe ratio
const tradingDays = 252

// StrategyMetrics is derived from trade history on every call
type StrategyMetrics struct {
	Strategy    string          `json:"strategy"`
	Trades      int             `json:"trades"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	WinRate     decimal.Decimal `json:"winRatePct"` // percent
	TotalPnL    decimal.Decimal `json:"totalPnl"`
	AvgPnL      decimal.Decimal `json:"avgPnl"`
	MaxDrawdown decimal.Decimal `json:"maxDrawdown"` // peak-to-trough of running PnL, USD
	Sharpe      float64         `json:"sharpe"`
}

// StrategyMetrics computes metrics for one strategy
func (p *Portfolio) StrategyMetrics(strategy string) StrategyMetrics {
	var trades []types.ClosedTrade
	for _, t := range p.History() {
		if t.Strategy == strategy {
			trades = append(trades, t)
		}
	}
	return computeMetrics(strategy, trades)
}

// AllStrategyMetrics computes metrics for every strategy with history, sorted by name
func (p *Portfolio) AllStrategyMetrics() []StrategyMetrics {
	byStrategy := make(map[string][]types.ClosedTrade)
	for _, t := range p.History() {
		byStrategy[t.Strategy] = append(byStrategy[t.Strategy], t)
	}

	out := make([]StrategyMetrics, 0, len(byStrategy))
	for name, trades := range byStrategy {
		out = append(out, computeMetrics(name, trades))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strategy < out[j].Strategy })
	return out
}

func computeMetrics(strategy string, trades []types.ClosedTrade) StrategyMetrics {
	m := StrategyMetrics{Strategy: strategy, Trades: len(trades)}
	if len(trades) == 0 {
		return m
	}

	running := decimal.Zero
	peak := decimal.Zero
	pnls := make([]float64, 0, len(trades))

	for _, t := range trades {
		if t.Won() {
			m.Wins++
		} else {
			m.Losses++
		}
		m.TotalPnL = m.TotalPnL.Add(t.PnL)

		running = running.Add(t.PnL)
		if running.GreaterThan(peak) {
			peak = running
		}
		if dd := peak.Sub(running); dd.GreaterThan(m.MaxDrawdown) {
			m.MaxDrawdown = dd
		}

		f, _ := t.PnL.Float64()
		pnls = append(pnls, f)
	}

	n := decimal.NewFromInt(int64(len(trades)))
	m.WinRate = decimal.NewFromInt(int64(m.Wins)).Div(n).Mul(hundred)
	m.AvgPnL = m.TotalPnL.Div(n)
	m.Sharpe = sharpe(pnls)
	return m
}

// sharpe uses the sample standard deviation; fewer than two trades or zero
// variance yields 0.
func sharpe(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}

	var sum float64
	for _, v := range pnls {
		sum += v
	}
	mean := sum / float64(len(pnls))

	var sq float64
	for _, v := range pnls {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(len(pnls)-1))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDays)
}
