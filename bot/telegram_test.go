package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyengine/core"
	"github.com/web3guy0/polyengine/execution"
	"github.com/web3guy0/polyengine/feeds"
	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/risk"
	"github.com/web3guy0/polyengine/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
	err  error
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, f.err
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Text)
	}
	return out
}

type staticStatus struct{ st core.Status }

func (s staticStatus) Status() core.Status { return s.st }

type fakeHistory struct {
	trades []types.ClosedTrade
	err    error
}

func (h fakeHistory) RecentClosedTrades(context.Context, int) ([]types.ClosedTrade, error) {
	return h.trades, h.err
}

func command(name string) *tgbotapi.Message {
	text := "/" + name
	return &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: 42},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}
}

func TestNotifications_QueuedAndDrainedOnStop(t *testing.T) {
	out := &fakeSender{}
	b := newBot(out, 42)
	b.Start(context.Background())

	b.NotifyTradeOpened(execution.Trade{
		Strategy: "latency_arb", MarketLabel: "Will BTC be above 100k?",
		FillPrice: d(0.55), SignalPrice: d(0.54), AmountUSD: d(25), Size: d(45.45),
	})
	b.NotifyTradeClosed(types.ClosedTrade{Strategy: "latency_arb", InstrumentID: "tok", PnL: d(-3.5), EntryPrice: d(0.55), ExitPrice: d(0.48)}, "STOP_LOSS")
	b.NotifyBreaker("drawdown 21.00% > 20%")
	b.NotifyFeedDown("binance")
	b.NotifyReport(execution.Report{TotalValue: d(1010), Bankroll: d(990), TodayPnL: d(10)})
	b.Stop()

	texts := out.texts()
	require.Len(t, texts, 5)
	assert.Contains(t, texts[0], "TRADE OPENED")
	assert.Contains(t, texts[0], "55.0¢")
	assert.Contains(t, texts[1], "🛑")
	assert.Contains(t, texts[1], "-$3.50")
	assert.Contains(t, texts[2], "drawdown 21.00%")
	assert.Contains(t, texts[3], "binance")
	assert.Contains(t, texts[4], "$1010.00")
	for _, m := range out.sent {
		assert.Equal(t, int64(42), m.ChatID)
		assert.Equal(t, "Markdown", m.ParseMode)
	}
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	out := &fakeSender{}
	b := newBot(out, 1)
	for i := 0; i < queueSize+10; i++ {
		b.NotifyBreaker("x")
	}
	assert.Len(t, b.queue, queueSize)
}

func TestSendError_DoesNotPanic(t *testing.T) {
	out := &fakeSender{err: errors.New("429 too many requests")}
	b := newBot(out, 1)
	b.send("hi")
	assert.Len(t, out.sent, 1)
}

func TestFormatClosed(t *testing.T) {
	win := types.ClosedTrade{Strategy: "mm", MarketLabel: "Rain in London?", PnL: d(18), EntryPrice: d(0.5), ExitPrice: d(0.6)}
	msg := formatClosed(win, "TAKE_PROFIT")
	assert.Contains(t, msg, "💰")
	assert.Contains(t, msg, "+$18.00")
	assert.Contains(t, msg, "50.0¢ → 60.0¢")
	assert.Contains(t, msg, "Rain in London?")

	loss := formatClosed(types.ClosedTrade{Strategy: "mm", PnL: d(-1), InstrumentID: "0123456789abcdef"}, "SIGNAL")
	assert.Contains(t, loss, "📉")
	assert.Contains(t, loss, "0123456789ab…")
}

func TestFormatReport_StrategyRows(t *testing.T) {
	msg := formatReport(execution.Report{
		TodayPnL: d(-4),
		Strategies: []portfolio.StrategyMetrics{
			{Strategy: "arb", Wins: 3, Losses: 1, WinRate: d(75), TotalPnL: d(12.5)},
		},
	})
	assert.Contains(t, msg, "📉")
	assert.Contains(t, msg, "`arb` 3/1  75.0%  +$12.50")
}

func TestCommands(t *testing.T) {
	out := &fakeSender{}
	b := newBot(out, 42)
	ctx := context.Background()

	b.handleCommand(ctx, command("status"))
	assert.Contains(t, out.texts()[0], "Status not available")

	b.SetStatusProvider(staticStatus{core.Status{
		Mode:    "paper",
		Running: true,
		Uptime:  "1h0m0s",
		Report:  execution.Report{TotalValue: d(1000)},
		Risk:    risk.Status{Breaker: risk.BreakerStats{Tripped: true, Reason: "daily loss"}},
		Strategies: []core.StrategyStatus{
			{Name: "market_maker", CanTrade: true, DailyTrades: 2, MaxDailyTrades: 50},
		},
		Feeds: []feeds.Status{{Name: "polymarket", State: "connected"}},
		OpenPositions: []types.Position{{
			Strategy: "market_maker", InstrumentID: "tok", EntryPrice: d(0.4), CurrentPrice: d(0.42),
			CostBasis: d(20), PnL: d(1), PnLPercent: d(5), OpenedAt: t0,
		}},
	}})
	b.SetTradeHistory(fakeHistory{trades: []types.ClosedTrade{{Strategy: "arb", PnL: d(2), ClosedAt: t0}}})

	reset := 0
	b.SetResetBreaker(func() { reset++ })

	for _, c := range []string{"status", "positions", "report", "trades", "resetbreaker", "ping", "nope", "help"} {
		b.handleCommand(ctx, command(c))
	}

	texts := out.texts()
	require.Len(t, texts, 9)
	assert.Contains(t, texts[1], "PAPER")
	assert.Contains(t, texts[1], "🛑 daily loss")
	assert.Contains(t, texts[1], "`market_maker` 2/50 today")
	assert.Contains(t, texts[1], "`polymarket` connected")
	assert.Contains(t, texts[2], "40.0¢ → 42.0¢")
	assert.Contains(t, texts[3], "REPORT")
	assert.Contains(t, texts[4], "Mar 1 12:00")
	assert.Contains(t, texts[5], "reset")
	assert.Equal(t, 1, reset)
	assert.Contains(t, texts[6], "Pong")
	assert.Contains(t, texts[7], "Unknown command")
	assert.Contains(t, texts[8], "/resetbreaker")
}

func TestCommandTrades_Errors(t *testing.T) {
	out := &fakeSender{}
	b := newBot(out, 42)
	b.SetTradeHistory(fakeHistory{err: errors.New("db down")})
	b.handleCommand(context.Background(), command("trades"))

	b.SetTradeHistory(fakeHistory{})
	b.handleCommand(context.Background(), command("trades"))

	texts := out.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Failed")
	assert.Contains(t, texts[1], "No trade history")
}

func TestFormatPositions_Truncates(t *testing.T) {
	assert.Equal(t, "📭 No open positions", formatPositions(nil, t0))

	var ps []types.Position
	for i := 0; i < 7; i++ {
		ps = append(ps, types.Position{Strategy: "s", InstrumentID: "tok", OpenedAt: t0})
	}
	msg := formatPositions(ps, t0.Add(time.Minute))
	assert.Contains(t, msg, "and 2 more")
	assert.Contains(t, msg, "1m0s")
}

func TestNewTelegramBot_Validation(t *testing.T) {
	_, err := NewTelegramBot("", 1)
	assert.Error(t, err)
	_, err = NewTelegramBot("token", 0)
	assert.Error(t, err)
}
