package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/portfolio"
)

// Report is the daily paper-trading summary. Derived on demand, no side effects.
type Report struct {
	GeneratedAt time.Time                   `json:"generatedAt"`
	Uptime      time.Duration               `json:"uptime"`
	TotalValue  decimal.Decimal             `json:"totalValue"`
	Bankroll    decimal.Decimal             `json:"bankroll"`
	Drawdown    decimal.Decimal             `json:"drawdownPct"`
	TodayPnL    decimal.Decimal             `json:"todayPnl"`
	OpenTrades  int                         `json:"openTrades"`
	TotalTrades int                         `json:"totalTrades"`
	TodayTrades int                         `json:"todayTrades"`
	Strategies  []portfolio.StrategyMetrics `json:"strategies"`
}

// GetDailyReport aggregates the ledger and trade log
func (e *PaperEngine) GetDailyReport() Report {
	now := e.now()
	y, m, d := now.UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	e.mu.Lock()
	openCount := len(e.open)
	total := len(e.trades)
	todayTrades := 0
	for _, t := range e.trades {
		if !t.OpenedAt.Before(today) {
			todayTrades++
		}
	}
	e.mu.Unlock()

	todayPnL := decimal.Zero
	for _, ct := range e.portfolio.History() {
		if !ct.ClosedAt.Before(today) {
			todayPnL = todayPnL.Add(ct.PnL)
		}
	}

	return Report{
		GeneratedAt: now,
		Uptime:      now.Sub(e.started),
		TotalValue:  e.portfolio.TotalValue(),
		Bankroll:    e.portfolio.Bankroll(),
		Drawdown:    e.portfolio.GetDrawdown(),
		TodayPnL:    todayPnL,
		OpenTrades:  openCount,
		TotalTrades: total,
		TodayTrades: todayTrades,
		Strategies:  e.portfolio.AllStrategyMetrics(),
	}
}
