// trades prints the closed-trade journal: the most recent round trips and
// the realized PnL per strategy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/internal/config"
	"github.com/web3guy0/polyengine/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML or JSON config")
	dbPath := flag.String("db", "", "journal DSN (overrides config databasePath)")
	limit := flag.Int("limit", 50, "number of recent trades to show")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	dsn := *dbPath
	if dsn == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("❌ Config rejected")
		}
		dsn = cfg.DatabasePath
	}
	if dsn == "" {
		log.Fatal().Msg("❌ No journal configured (set databasePath, DATABASE_PATH or -db)")
	}

	db, err := storage.Open(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Journal unavailable")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	trades, err := db.RecentClosedTrades(ctx, *limit)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to load trades")
	}
	totals, err := db.TotalPnL(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to load totals")
	}

	fmt.Printf("📊 TRADE JOURNAL - showing %d most recent\n\n", len(trades))

	wins, losses := 0, 0
	shownPnL := decimal.Zero
	fees := decimal.Zero

	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.Header("Closed", "Strategy", "Market", "Entry¢", "Exit¢", "Size", "Fee$", "Net$", "")
	for _, t := range trades {
		note := "✅ WIN"
		if t.Won() {
			wins++
		} else {
			losses++
			note = "❌ LOSS"
		}
		if t.Paper {
			note += " (paper)"
		}
		shownPnL = shownPnL.Add(t.PnL)
		fees = fees.Add(t.Fee)

		label := t.MarketLabel
		if label == "" {
			label = t.InstrumentID
		}
		if len(label) > 32 {
			label = label[:32] + "…"
		}

		_ = tbl.Append(
			t.ClosedAt.Local().Format("Jan 2 15:04"),
			t.Strategy,
			label,
			cents(t.EntryPrice),
			cents(t.ExitPrice),
			t.Size.StringFixed(2),
			t.Fee.StringFixed(2),
			t.PnL.StringFixed(2),
			note,
		)
	}
	_ = tbl.Render()

	fmt.Printf("\n📈 SUMMARY (shown trades):\n")
	winRate := 0.0
	if wins+losses > 0 {
		winRate = float64(wins) / float64(wins+losses) * 100
	}
	fmt.Printf("   Wins: %d | Losses: %d | Win Rate: %.1f%%\n", wins, losses, winRate)
	fmt.Printf("   Net P&L: %+.2f$ | Fees: %.2f$\n", shownPnL.InexactFloat64(), fees.InexactFloat64())
	if len(trades) > 0 {
		fmt.Printf("   Date Range: %s to %s\n",
			trades[len(trades)-1].ClosedAt.Local().Format("Jan 2 15:04"),
			trades[0].ClosedAt.Local().Format("Jan 2 15:04"),
		)
	}

	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("\n💰 ALL-TIME P&L BY STRATEGY:\n")
	all := decimal.Zero
	for _, name := range names {
		fmt.Printf("   %-16s %+10.2f$\n", name, totals[name].InexactFloat64())
		all = all.Add(totals[name])
	}
	fmt.Printf("   %-16s %+10.2f$\n", "TOTAL", all.InexactFloat64())
}

func cents(p decimal.Decimal) string {
	return p.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
