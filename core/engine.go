package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/execution"
	"github.com/web3guy0/polyengine/feeds"
	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/risk"
	"github.com/web3guy0/polyengine/strategy"
	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Loops (independent timers, all cancelled by Stop):
//   main   : non-latency strategies → concurrent Analyze → sort by confidence → route
//   fast   : latency-sensitive strategies → Analyze → route with FAK
//   exits  : mark open positions → TP/SL/max-hold → close
//   report : periodic report dump
//   daily  : UTC midnight → ResetDaily on strategies and risk
//
// Route (one signal at a time across both loops):
//   Risk.CheckTrade → Paper engine | Live executor → track / untrack → journal
//
// ═══════════════════════════════════════════════════════════════════════════════

var ErrLiveNotConfirmed = execution.ErrLiveNotConfirmed

// Feed is a long-lived market data service owned by the engine
type Feed interface {
	Name() string
	Start(ctx context.Context)
	Stop()
	Status() feeds.Status
	OnDisconnected(fn func(feed string))
}

// OrderFeed keeps the order-book subscription set and latest prices
type OrderFeed interface {
	Subscribe(ids ...string)
	Unsubscribe(ids ...string)
	Price(instrumentID string) (feeds.PriceState, bool)
}

// BookSource fetches a snapshot when the stream has no price
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (*feeds.Orderbook, error)
}

// Journal persists trades and reports
type Journal interface {
	execution.TradeStore
	SaveClosedTrade(ctx context.Context, t types.ClosedTrade) error
	SaveReport(ctx context.Context, r execution.Report) error
}

// Notifier pushes operator notifications
type Notifier interface {
	NotifyTradeOpened(t execution.Trade)
	NotifyTradeClosed(t types.ClosedTrade, reason string)
	NotifyBreaker(reason string)
	NotifyFeedDown(feed string)
	NotifyReport(r execution.Report)
}

// Recorder receives metrics
type Recorder interface {
	SignalEmitted(strategy string)
	RiskDenied(strategy string)
	TradeExecuted(strategy string, action strategy.Action, mode string)
	ExecutionFailed(strategy string)
	StrategyFailed(strategy string)
	FeedGivenUp(feed string)
	ObservePortfolio(bankroll, totalValue, drawdownPct float64)
}

// Config holds the orchestrator cadence
type Config struct {
	PaperMode         bool
	MainLoopInterval  time.Duration
	FastLoopInterval  time.Duration
	ScanTimeout       time.Duration
	ExitCheckInterval time.Duration
	ReportInterval    time.Duration
	ExitRules         risk.ExitRules
}

func (c Config) withDefaults() Config {
	if c.MainLoopInterval <= 0 {
		c.MainLoopInterval = 5 * time.Second
	}
	if c.FastLoopInterval <= 0 {
		c.FastLoopInterval = 500 * time.Millisecond
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = 10 * time.Second
	}
	if c.ExitCheckInterval <= 0 {
		c.ExitCheckInterval = 2 * time.Second
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 60 * time.Minute
	}
	return c
}

// Deps are the collaborators created once at startup
type Deps struct {
	Strategies []strategy.Strategy
	Portfolio  *portfolio.Portfolio
	Risk       *risk.Manager
	Paper      *execution.PaperEngine
	Live       execution.LiveExecutor

	Feeds     []Feed
	OrderFeed OrderFeed
	Books     BookSource

	// Optional
	Journal  Journal
	Notifier Notifier
	Recorder Recorder
}

type Engine struct {
	mu sync.RWMutex

	cfg  Config
	deps Deps
	live execution.LiveExecutor

	byName map[string]strategy.Strategy
	main   []strategy.Strategy
	fast   []strategy.Strategy

	// execMu serializes risk check → commit across loops
	execMu sync.Mutex

	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startedAt time.Time

	now func() time.Time
}

// NewEngine creates a new trading engine
func NewEngine(cfg Config, deps Deps) *Engine {
	e := &Engine{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		byName: make(map[string]strategy.Strategy, len(deps.Strategies)),
		now:    time.Now,
	}
	if e.deps.Notifier == nil {
		e.deps.Notifier = nopNotifier{}
	}
	if e.deps.Recorder == nil {
		e.deps.Recorder = nopRecorder{}
	}
	if deps.Live != nil {
		e.live = execution.NewGuarded(deps.Live)
	}

	for _, s := range deps.Strategies {
		e.byName[s.Name()] = s
		if s.LatencySensitive() {
			e.fast = append(e.fast, s)
		} else {
			e.main = append(e.main, s)
		}
	}
	return e
}

func (e *Engine) mode() string {
	if e.cfg.PaperMode {
		return "paper"
	}
	return "live"
}

// Start launches feeds and loops. Live mode refuses to start unless the
// confirmation flag is set.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	if !e.cfg.PaperMode {
		if !execution.LiveConfirmed() {
			log.Error().Msg("🛑 Live mode requested without " + execution.LiveConfirmEnv)
			return ErrLiveNotConfirmed
		}
		if e.live == nil {
			return errors.New("live mode requires a live executor")
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.startedAt = e.now()
	e.running = true

	if e.cfg.PaperMode && e.deps.Journal != nil {
		e.recoverPositions(runCtx)
	}

	for _, f := range e.deps.Feeds {
		f.OnDisconnected(e.onFeedGivenUp)
		f.Start(runCtx)
	}
	for _, pos := range e.deps.Portfolio.OpenPositions() {
		e.subscribe(pos.InstrumentID)
	}

	e.spawn(func() { e.loop(runCtx, e.cfg.MainLoopInterval, e.runMainCycle) })
	if len(e.fast) > 0 {
		e.spawn(func() { e.loop(runCtx, e.cfg.FastLoopInterval, e.runFastCycle) })
	}
	e.spawn(func() { e.loop(runCtx, e.cfg.ExitCheckInterval, e.checkExits) })
	e.spawn(func() { e.loop(runCtx, e.cfg.ReportInterval, func(context.Context) { e.report() }) })
	e.spawn(func() { e.dailyLoop(runCtx) })

	log.Info().
		Str("mode", e.mode()).
		Int("main", len(e.main)).
		Int("fast", len(e.fast)).
		Dur("main_interval", e.cfg.MainLoopInterval).
		Dur("fast_interval", e.cfg.FastLoopInterval).
		Msg("⚡ Engine started")

	return nil
}

// Stop cancels all timers, closes the feeds and emits one final report
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	for _, f := range e.deps.Feeds {
		f.Stop()
	}

	e.report()
	log.Info().Msg("Engine stopped")
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) loop(ctx context.Context, every time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (e *Engine) recoverPositions(ctx context.Context) {
	rec := execution.NewReconciler(e.deps.Paper, e.deps.Journal)
	if _, err := rec.RecoverPositions(ctx); err != nil {
		log.Error().Err(err).Msg("❌ Position recovery failed")
	}
	for _, t := range e.deps.Paper.OpenTrades() {
		e.deps.Risk.TrackPosition(types.PositionKey(t.InstrumentID, t.Strategy), t.MarketLabel)
	}
}

func (e *Engine) onFeedGivenUp(feed string) {
	log.Error().Str("feed", feed).Msg("🔌 Feed disconnected permanently")
	e.deps.Recorder.FeedGivenUp(feed)
	e.deps.Notifier.NotifyFeedDown(feed)
}

// ═══════════════════════════════════════════════════════════════════════════════
// SCAN CYCLES
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) runMainCycle(ctx context.Context) {
	for _, sig := range e.scan(ctx, e.main) {
		if ctx.Err() != nil {
			return
		}
		e.route(ctx, sig, false)
	}
}

func (e *Engine) runFastCycle(ctx context.Context) {
	for _, sig := range e.scan(ctx, e.fast) {
		if ctx.Err() != nil {
			return
		}
		e.route(ctx, sig, true)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// EXIT MONITOR
// ═══════════════════════════════════════════════════════════════════════════════

// checkExits marks open positions to the latest prices and closes any that
// hit take-profit, stop-loss or max hold time
func (e *Engine) checkExits(ctx context.Context) {
	open := e.deps.Portfolio.OpenPositions()
	if len(open) == 0 {
		return
	}

	prices := make(map[string]decimal.Decimal, len(open))
	for _, pos := range open {
		if _, ok := prices[pos.InstrumentID]; ok {
			continue
		}
		if px, ok := e.latestPrice(ctx, pos.InstrumentID); ok {
			prices[pos.InstrumentID] = px
		}
	}
	for inst, px := range prices {
		e.deps.Portfolio.UpdatePrice(inst, px)
	}

	now := e.now()
	for _, pos := range e.deps.Portfolio.OpenPositions() {
		if _, ok := prices[pos.InstrumentID]; !ok {
			continue
		}
		exit, reason := e.cfg.ExitRules.CheckExit(pos, now)
		if !exit {
			continue
		}
		e.exitPosition(ctx, pos, reason)
	}

	e.observePortfolio()
}

func (e *Engine) latestPrice(ctx context.Context, instrumentID string) (decimal.Decimal, bool) {
	if e.deps.OrderFeed != nil {
		if ps, ok := e.deps.OrderFeed.Price(instrumentID); ok && ps.Price.IsPositive() {
			return ps.Price, true
		}
	}
	if e.deps.Books == nil {
		return decimal.Zero, false
	}
	book, err := e.deps.Books.GetOrderBook(ctx, instrumentID)
	if err != nil {
		log.Debug().Err(err).Str("token", instrumentID).Msg("Order book unavailable for exit check")
		return decimal.Zero, false
	}
	if bid := book.BestBid(); bid.IsPositive() {
		return bid, true
	}
	return decimal.Zero, false
}

func (e *Engine) exitPosition(ctx context.Context, pos types.Position, reason risk.ExitReason) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	log.Info().
		Str("strategy", pos.Strategy).
		Str("token", short(pos.InstrumentID)).
		Str("entry", pos.EntryPrice.StringFixed(4)).
		Str("current", pos.CurrentPrice.StringFixed(4)).
		Str("pnl_pct", pos.PnLPercent.StringFixed(2)).
		Str("reason", string(reason)).
		Msg("🚪 Exit triggered")

	if e.cfg.PaperMode {
		t, err := e.deps.Paper.CloseTrade(pos.InstrumentID, pos.Strategy, pos.CurrentPrice)
		if err != nil {
			log.Error().Err(err).Str("key", pos.Key()).Msg("❌ Paper exit failed")
			return
		}
		e.persist(ctx, *t)
		e.afterClose(ctx, *t.Realized, string(reason))
		return
	}

	sig := &strategy.Signal{
		Action:       strategy.ActionSell,
		InstrumentID: pos.InstrumentID,
		MarketID:     pos.MarketID,
		MarketLabel:  pos.MarketLabel,
		Price:        pos.CurrentPrice,
		Confidence:   decimal.NewFromInt(1),
		AmountUSD:    pos.CurrentValue,
		Rationale:    string(reason),
		Strategy:     pos.Strategy,
		CreatedAt:    e.now(),
	}
	fill, err := e.live.ExecuteFAK(ctx, sig)
	if err != nil {
		log.Error().Err(err).Str("key", pos.Key()).Msg("❌ Live exit failed")
		e.deps.Recorder.ExecutionFailed(pos.Strategy)
		return
	}
	closed, err := e.deps.Portfolio.ClosePosition(pos.Key(), fill.FillPrice, decimal.Zero)
	if err != nil {
		log.Error().Err(err).Str("key", pos.Key()).Msg("❌ Live exit bookkeeping failed")
		return
	}
	e.afterClose(ctx, closed, string(reason))
}

// ═══════════════════════════════════════════════════════════════════════════════
// REPORTING & DAILY RESET
// ═══════════════════════════════════════════════════════════════════════════════

func (e *Engine) report() {
	r := e.deps.Paper.GetDailyReport()
	log.Info().Msg("📊 Report\n" + RenderReport(r))

	if e.deps.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.deps.Journal.SaveReport(ctx, r); err != nil {
			log.Warn().Err(err).Msg("Failed to journal report")
		}
	}
	e.deps.Notifier.NotifyReport(r)
	e.observePortfolio()
}

func (e *Engine) observePortfolio() {
	pf := e.deps.Portfolio
	e.deps.Recorder.ObservePortfolio(pf.Bankroll().InexactFloat64(), pf.TotalValue().InexactFloat64(), pf.GetDrawdown().InexactFloat64())
}

// NextUTCMidnight returns the first UTC midnight strictly after now
func NextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func (e *Engine) dailyLoop(ctx context.Context) {
	timer := time.NewTimer(NextUTCMidnight(e.now()).Sub(e.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.resetDaily()
			timer.Reset(24 * time.Hour)
		}
	}
}

func (e *Engine) resetDaily() {
	for _, s := range e.deps.Strategies {
		s.ResetDaily()
	}
	e.deps.Risk.ResetDaily()
	log.Info().Int("strategies", len(e.deps.Strategies)).Msg("📅 Daily reset complete")
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS
// ═══════════════════════════════════════════════════════════════════════════════

// StrategyStatus is one row of the strategy roster
type StrategyStatus struct {
	Name             string `json:"name"`
	Enabled          bool   `json:"enabled"`
	LatencySensitive bool   `json:"latencySensitive"`
	CanTrade         bool   `json:"canTrade"`
	DailyTrades      int    `json:"dailyTrades"`
	MaxDailyTrades   int    `json:"maxDailyTrades"`
}

// Status is the structured engine state for external presentation
type Status struct {
	Mode          string           `json:"mode"`
	Running       bool             `json:"running"`
	StartedAt     time.Time        `json:"startedAt"`
	Uptime        string           `json:"uptime"`
	Report        execution.Report `json:"report"`
	Strategies    []StrategyStatus `json:"strategies"`
	Risk          risk.Status      `json:"risk"`
	Feeds         []feeds.Status   `json:"feeds"`
	OpenPositions []types.Position `json:"openPositions"`
}

// Status returns a snapshot of the whole engine
func (e *Engine) Status() Status {
	e.mu.RLock()
	running, started := e.running, e.startedAt
	e.mu.RUnlock()

	st := Status{
		Mode:          e.mode(),
		Running:       running,
		StartedAt:     started,
		Report:        e.deps.Paper.GetDailyReport(),
		Risk:          e.deps.Risk.Status(),
		OpenPositions: e.deps.Portfolio.OpenPositions(),
	}
	if running {
		st.Uptime = e.now().Sub(started).Round(time.Second).String()
	}
	for _, s := range e.deps.Strategies {
		cfg := s.Config()
		st.Strategies = append(st.Strategies, StrategyStatus{
			Name:             s.Name(),
			Enabled:          cfg.Enabled,
			LatencySensitive: s.LatencySensitive(),
			CanTrade:         s.CanTrade(),
			DailyTrades:      s.DailyTradeCount(),
			MaxDailyTrades:   cfg.MaxDailyTrades,
		})
	}
	for _, f := range e.deps.Feeds {
		st.Feeds = append(st.Feeds, f.Status())
	}
	return st
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12] + "…"
	}
	return id
}

type nopNotifier struct{}

func (nopNotifier) NotifyTradeOpened(execution.Trade) {}
func (nopNotifier) NotifyTradeClosed(types.ClosedTrade, string) {}
func (nopNotifier) NotifyBreaker(string) {}
func (nopNotifier) NotifyFeedDown(string) {}
func (nopNotifier) NotifyReport(execution.Report) {}

type nopRecorder struct{}

func (nopRecorder) SignalEmitted(string) {}
func (nopRecorder) RiskDenied(string) {}
func (nopRecorder) TradeExecuted(string, strategy.Action, string) {}
func (nopRecorder) ExecutionFailed(string) {}
func (nopRecorder) StrategyFailed(string) {}
func (nopRecorder) FeedGivenUp(string) {}
func (nopRecorder) ObservePortfolio(float64, float64, float64) {}
