package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/core"
	"github.com/web3guy0/polyengine/execution"
	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & operator commands
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   💰 Trade notifications (opened / closed with reason)
//   🛑 Circuit breaker and feed alerts
//   📈 Periodic report summaries
//   🎛️ Commands (/status, /positions, /trades, /report, /resetbreaker)
//
// ═══════════════════════════════════════════════════════════════════════════════

const queueSize = 64

var cents = decimal.NewFromInt(100)

// sender is the slice of the Bot API used for outgoing messages
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatusProvider exposes engine state to commands
type StatusProvider interface {
	Status() core.Status
}

// TradeHistory serves /trades; usually the journal
type TradeHistory interface {
	RecentClosedTrades(ctx context.Context, limit int) ([]types.ClosedTrade, error)
}

// TelegramBot implements core.Notifier
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	out     sender
	chatID  int64
	queue   chan string
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	status  StatusProvider
	history TradeHistory

	onResetBreaker func()
}

// NewTelegramBot connects to the Bot API
func NewTelegramBot(token string, chatID int64) (*TelegramBot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := newBot(api, chatID)
	b.api = api
	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return b, nil
}

func newBot(out sender, chatID int64) *TelegramBot {
	return &TelegramBot{
		out:    out,
		chatID: chatID,
		queue:  make(chan string, queueSize),
	}
}

// SetStatusProvider wires engine state into /status and /positions
func (b *TelegramBot) SetStatusProvider(p StatusProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = p
}

// SetTradeHistory wires /trades
func (b *TelegramBot) SetTradeHistory(h TradeHistory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = h
}

// SetResetBreaker wires /resetbreaker
func (b *TelegramBot) SetResetBreaker(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onResetBreaker = fn
}

// Start runs the outgoing queue and, with a live API, the command loop
func (b *TelegramBot) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sendLoop(ctx)
	}()

	if b.api != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.commandLoop(ctx)
		}()
	}
	log.Info().Msg("📱 Telegram bot started")
}

// Stop drains queued messages and stops the loops
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()
	if b.api != nil {
		b.api.StopReceivingUpdates()
	}
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) NotifyTradeOpened(t execution.Trade) { b.enqueue(formatOpened(t)) }

func (b *TelegramBot) NotifyTradeClosed(t types.ClosedTrade, reason string) {
	b.enqueue(formatClosed(t, reason))
}

func (b *TelegramBot) NotifyBreaker(reason string) {
	b.enqueue(fmt.Sprintf("🛑 *CIRCUIT BREAKER TRIPPED*\n\n%s\n\nNew buys are blocked until cooldown ends.", reason))
}

func (b *TelegramBot) NotifyFeedDown(feed string) {
	b.enqueue(fmt.Sprintf("🔌 *FEED DOWN*\n\n`%s` gave up reconnecting. Prices from it are stale.", feed))
}

func (b *TelegramBot) NotifyReport(r execution.Report) { b.enqueue(formatReport(r)) }

// enqueue never blocks the trading path; overflow is dropped
func (b *TelegramBot) enqueue(text string) {
	select {
	case b.queue <- text:
	default:
		log.Warn().Msg("⚠️ Telegram queue full, dropping message")
	}
}

func (b *TelegramBot) sendLoop(ctx context.Context) {
	for {
		select {
		case text := <-b.queue:
			b.sendMarkdown(text)
		case <-ctx.Done():
			for {
				select {
				case text := <-b.queue:
					b.sendMarkdown(text)
				default:
					return
				}
			}
		}
	}
}

func formatOpened(t execution.Trade) string {
	return fmt.Sprintf(`✅ *TRADE OPENED* — %s

📊 %s
💵 Fill: *%s¢* (signal %s¢)
📦 Size: *$%s* (%s shares)`,
		t.Strategy,
		label(t.MarketLabel, t.InstrumentID),
		t.FillPrice.Mul(cents).StringFixed(1),
		t.SignalPrice.Mul(cents).StringFixed(1),
		t.AmountUSD.StringFixed(2),
		t.Size.StringFixed(2),
	)
}

func formatClosed(t types.ClosedTrade, reason string) string {
	emoji := "📈"
	if !t.Won() {
		emoji = "📉"
	}
	switch reason {
	case "TAKE_PROFIT":
		emoji = "💰"
	case "STOP_LOSS":
		emoji = "🛑"
	}

	return fmt.Sprintf(`%s *TRADE CLOSED* — %s (%s)

📊 %s
💵 %s¢ → %s¢
💵 P&L: *%s*`,
		emoji, t.Strategy, reason,
		label(t.MarketLabel, t.InstrumentID),
		t.EntryPrice.Mul(cents).StringFixed(1),
		t.ExitPrice.Mul(cents).StringFixed(1),
		signed(t.PnL),
	)
}

func formatReport(r execution.Report) string {
	emoji := "📈"
	if r.TodayPnL.IsNegative() {
		emoji = "📉"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `%s *REPORT*
━━━━━━━━━━━━━━━━━━━━

💰 Value: *$%s*
💵 Bankroll: *$%s*
📉 Drawdown: *%s%%*
📊 Today: *%s* over %d trades
💼 Open: *%d*`,
		emoji,
		r.TotalValue.StringFixed(2),
		r.Bankroll.StringFixed(2),
		r.Drawdown.StringFixed(2),
		signed(r.TodayPnL), r.TodayTrades,
		r.OpenTrades,
	)

	if len(r.Strategies) > 0 {
		sb.WriteString("\n━━━━━━━━━━━━━━━━━━━━\n")
		for _, m := range r.Strategies {
			fmt.Fprintf(&sb, "\n`%s` %d/%d  %s%%  %s", m.Strategy, m.Wins, m.Losses, m.WinRate.StringFixed(1), signed(m.TotalPnL))
		}
	}
	return sb.String()
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to authorized chat
			if update.Message.Chat == nil || update.Message.Chat.ID != b.chatID {
				continue
			}

			b.handleCommand(ctx, update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.sendMarkdown(helpText)
	case "status":
		b.cmdStatus()
	case "positions":
		b.cmdPositions()
	case "report":
		b.cmdReport()
	case "trades":
		b.cmdTrades(ctx)
	case "resetbreaker":
		b.cmdResetBreaker()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

const helpText = `🤖 *POLYENGINE COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
💼 /positions — Open positions
📈 /report — Current report
📜 /trades — Last 10 closed trades
🔓 /resetbreaker — Clear the circuit breaker
🏓 /ping — Test connection`

func (b *TelegramBot) provider() StatusProvider {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *TelegramBot) cmdStatus() {
	p := b.provider()
	if p == nil {
		b.send("❌ Status not available")
		return
	}
	b.sendMarkdown(formatStatus(p.Status()))
}

func formatStatus(st core.Status) string {
	state := "🔴 STOPPED"
	if st.Running {
		state = "🟢 RUNNING"
	}
	breaker := "✅ ok"
	if st.Risk.Breaker.Tripped {
		breaker = "🛑 " + st.Risk.Breaker.Reason
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, `📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
⏱️ Uptime: *%s*
💰 Value: *$%s*
💼 Open: *%d*
🚦 Breaker: %s
`,
		state, strings.ToUpper(st.Mode), orNA(st.Uptime),
		st.Report.TotalValue.StringFixed(2),
		len(st.OpenPositions),
		breaker,
	)
	for _, s := range st.Strategies {
		dot := "🟢"
		if !s.CanTrade {
			dot = "⚪"
		}
		fmt.Fprintf(&sb, "\n%s `%s` %d/%d today", dot, s.Name, s.DailyTrades, s.MaxDailyTrades)
	}
	for _, f := range st.Feeds {
		fmt.Fprintf(&sb, "\n📡 `%s` %s", f.Name, f.State)
	}
	return sb.String()
}

func (b *TelegramBot) cmdPositions() {
	p := b.provider()
	if p == nil {
		b.send("❌ Positions not available")
		return
	}
	b.sendMarkdown(formatPositions(p.Status().OpenPositions, time.Now()))
}

func formatPositions(positions []types.Position, now time.Time) string {
	if len(positions) == 0 {
		return "📭 No open positions"
	}

	var sb strings.Builder
	sb.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n")
	for i, pos := range positions {
		if i == 5 {
			fmt.Fprintf(&sb, "\n_... and %d more_", len(positions)-5)
			break
		}
		fmt.Fprintf(&sb, "\n*%s* — %s\n💵 %s¢ → %s¢ | $%s | %s (%s%%)\n⏱️ %v\n",
			pos.Strategy,
			label(pos.MarketLabel, pos.InstrumentID),
			pos.EntryPrice.Mul(cents).StringFixed(1),
			pos.CurrentPrice.Mul(cents).StringFixed(1),
			pos.CostBasis.StringFixed(2),
			signed(pos.PnL),
			pos.PnLPercent.StringFixed(1),
			now.Sub(pos.OpenedAt).Round(time.Second),
		)
	}
	return sb.String()
}

func (b *TelegramBot) cmdReport() {
	p := b.provider()
	if p == nil {
		b.send("❌ Report not available")
		return
	}
	b.sendMarkdown(formatReport(p.Status().Report))
}

func (b *TelegramBot) cmdTrades(ctx context.Context) {
	b.mu.RLock()
	h := b.history
	b.mu.RUnlock()
	if h == nil {
		b.send("❌ Trade history not available")
		return
	}

	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	trades, err := h.RecentClosedTrades(qctx, 10)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load trade history")
		b.send("❌ Failed to fetch trades")
		return
	}
	b.sendMarkdown(formatTrades(trades))
}

func formatTrades(trades []types.ClosedTrade) string {
	if len(trades) == 0 {
		return "📭 No trade history yet"
	}

	var sb strings.Builder
	sb.WriteString("📜 *LAST TRADES*\n━━━━━━━━━━━━━━━━━━━━\n")
	for _, t := range trades {
		emoji := "✅"
		if !t.Won() {
			emoji = "❌"
		}
		fmt.Fprintf(&sb, "\n%s `%s` %s¢ → %s¢ | %s\n   _%s_\n",
			emoji, t.Strategy,
			t.EntryPrice.Mul(cents).StringFixed(1),
			t.ExitPrice.Mul(cents).StringFixed(1),
			signed(t.PnL),
			t.ClosedAt.UTC().Format("Jan 2 15:04"),
		)
	}
	return sb.String()
}

func (b *TelegramBot) cmdResetBreaker() {
	b.mu.RLock()
	cb := b.onResetBreaker
	b.mu.RUnlock()

	if cb == nil {
		b.send("❌ Not available")
		return
	}
	cb()
	b.send("🔓 Circuit breaker reset")
	log.Warn().Msg("Circuit breaker reset via Telegram")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func signed(v decimal.Decimal) string {
	if v.IsNegative() {
		return "-$" + v.Abs().StringFixed(2)
	}
	return "+$" + v.StringFixed(2)
}

func label(marketLabel, instrumentID string) string {
	if marketLabel != "" {
		return marketLabel
	}
	if len(instrumentID) > 12 {
		return instrumentID[:12] + "…"
	}
	return instrumentID
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.out.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
