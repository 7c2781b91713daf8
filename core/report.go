package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/web3guy0/polyengine/execution"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REPORT - Human-readable dump of the daily report
// ═══════════════════════════════════════════════════════════════════════════════

// RenderReport formats a report header plus a per-strategy table
func RenderReport(r execution.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "========================================================\n")
	fmt.Fprintf(&b, "  REPORT %s  (uptime %s)\n", r.GeneratedAt.UTC().Format("2006-01-02 15:04:05"), r.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "========================================================\n")
	fmt.Fprintf(&b, "  Total value : $%s\n", r.TotalValue.StringFixed(2))
	fmt.Fprintf(&b, "  Bankroll    : $%s\n", r.Bankroll.StringFixed(2))
	fmt.Fprintf(&b, "  Drawdown    : %s%%\n", r.Drawdown.StringFixed(2))
	fmt.Fprintf(&b, "  Today PnL   : $%s\n", r.TodayPnL.StringFixed(2))
	fmt.Fprintf(&b, "  Trades      : %d open / %d today / %d total\n\n", r.OpenTrades, r.TodayTrades, r.TotalTrades)

	if len(r.Strategies) == 0 {
		b.WriteString("  No closed trades yet\n")
		return b.String()
	}

	tbl := tablewriter.NewWriter(&b)
	tbl.Header("Strategy", "Trades", "W/L", "Win%", "PnL$", "Avg$", "MaxDD$", "Sharpe")
	for _, m := range r.Strategies {
		_ = tbl.Append(
			m.Strategy,
			fmt.Sprintf("%d", m.Trades),
			fmt.Sprintf("%d/%d", m.Wins, m.Losses),
			m.WinRate.StringFixed(1),
			m.TotalPnL.StringFixed(2),
			m.AvgPnL.StringFixed(2),
			m.MaxDrawdown.StringFixed(2),
			fmt.Sprintf("%.2f", m.Sharpe),
		)
	}
	_ = tbl.Render()

	return b.String()
}
