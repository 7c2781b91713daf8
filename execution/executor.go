package execution

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/strategy"
	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER EXECUTION ENGINE - Simulated fills against the portfolio ledger
// ═══════════════════════════════════════════════════════════════════════════════
//
// Trade Flow:
//   Signal → simulateFill (adverse slippage) → Trade OPEN → Portfolio.AddPosition
//                                                   ↓
//                               sell / CloseTrade → Portfolio.ClosePosition
//                                                   ↓
//                                              Trade CLOSED
//
// The fee is a fixed percentage of the entry notional and is charged when the
// position is realized.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoOpenTrade       = errors.New("no open trade")
)

var (
	minFillPrice = decimal.NewFromFloat(0.01)
	maxFillPrice = decimal.NewFromFloat(0.99)
	one          = decimal.NewFromInt(1)
	hundred      = decimal.NewFromInt(100)
)

// TradeState represents the lifecycle state of a paper trade
type TradeState string

const (
	TradeStateOpen   TradeState = "OPEN"
	TradeStateClosed TradeState = "CLOSED"
)

// Trade is one simulated execution
type Trade struct {
	ID           string          `json:"id"`
	Strategy     string          `json:"strategy"`
	InstrumentID string          `json:"instrumentId"`
	MarketID     string          `json:"marketId"`
	MarketLabel  string          `json:"marketLabel"`
	Action       strategy.Action `json:"action"`
	SignalPrice  decimal.Decimal `json:"signalPrice"`
	FillPrice    decimal.Decimal `json:"fillPrice"`
	Size         decimal.Decimal `json:"size"`
	AmountUSD    decimal.Decimal `json:"amountUsd"`
	Fee          decimal.Decimal `json:"fee"`
	State        TradeState      `json:"state"`
	OpenedAt     time.Time       `json:"openedAt"`

	ClosedAt   *time.Time      `json:"closedAt,omitempty"`
	ClosePrice decimal.Decimal `json:"closePrice"`
	PnL        decimal.Decimal `json:"pnl"` // Net of fee

	// Realized is set when the trade closed a portfolio position
	Realized *types.ClosedTrade `json:"-"`
}

// PaperConfig holds the simulation parameters
type PaperConfig struct {
	MaxSlippagePct decimal.Decimal // percent, e.g. 0.5
	FeePct         decimal.Decimal // percent of entry notional
}

// DefaultPaperConfig returns conservative simulation parameters
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		MaxSlippagePct: decimal.NewFromFloat(0.5),
		FeePct:         decimal.NewFromInt(2),
	}
}

// PaperEngine simulates order execution for paper trading
type PaperEngine struct {
	mu sync.Mutex

	cfg       PaperConfig
	portfolio *portfolio.Portfolio

	open   map[string]*Trade // position key → open trade
	trades []*Trade

	// slippage returns a fraction in [0, 1) scaled by MaxSlippagePct
	slippage func() decimal.Decimal
	now      func() time.Time
	started  time.Time
}

// PaperOption configures the engine
type PaperOption func(*PaperEngine)

// WithSlippage replaces the random slippage draw. The function returns a
// fraction of the price (0.003 = 0.3%).
func WithSlippage(fn func() decimal.Decimal) PaperOption {
	return func(e *PaperEngine) { e.slippage = fn }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) PaperOption {
	return func(e *PaperEngine) { e.now = now }
}

// NewPaperEngine creates a paper engine trading against pf
func NewPaperEngine(pf *portfolio.Portfolio, cfg PaperConfig, opts ...PaperOption) *PaperEngine {
	e := &PaperEngine{
		cfg:       cfg,
		portfolio: pf,
		open:      make(map[string]*Trade),
		now:       time.Now,
	}
	e.slippage = func() decimal.Decimal {
		return cfg.MaxSlippagePct.Div(hundred).Mul(decimal.NewFromFloat(rand.Float64()))
	}
	for _, o := range opts {
		o(e)
	}
	e.started = e.now()

	log.Info().
		Str("max_slippage", cfg.MaxSlippagePct.String()+"%").
		Str("fee", cfg.FeePct.String()+"%").
		Str("bankroll", pf.Bankroll().StringFixed(2)).
		Msg("📝 Paper engine initialized")

	return e
}

// Portfolio returns the ledger the engine trades against
func (e *PaperEngine) Portfolio() *portfolio.Portfolio { return e.portfolio }

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION
// ═══════════════════════════════════════════════════════════════════════════════

// ExecuteTrade simulates a fill for sig. Hold signals return nil, nil.
func (e *PaperEngine) ExecuteTrade(sig *strategy.Signal) (*Trade, error) {
	if sig == nil || sig.Action == strategy.ActionHold {
		return nil, nil
	}
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid signal: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch sig.Action {
	case strategy.ActionBuy:
		return e.buyLocked(sig)
	default:
		return e.sellLocked(sig)
	}
}

func (e *PaperEngine) buyLocked(sig *strategy.Signal) (*Trade, error) {
	if !e.portfolio.CanAfford(sig.AmountUSD) {
		log.Warn().
			Str("strategy", sig.Strategy).
			Str("amount", sig.AmountUSD.StringFixed(2)).
			Str("bankroll", e.portfolio.Bankroll().StringFixed(2)).
			Msg("⚠️ Paper buy skipped, insufficient funds")
		return nil, fmt.Errorf("%w: need $%s", ErrInsufficientFunds, sig.AmountUSD.StringFixed(2))
	}

	fill := e.simulateFill(sig)
	size := sig.AmountUSD.Div(fill)
	fee := sig.AmountUSD.Mul(e.cfg.FeePct).Div(hundred)
	now := e.now()

	err := e.portfolio.AddPosition(types.Position{
		InstrumentID: sig.InstrumentID,
		MarketID:     sig.MarketID,
		MarketLabel:  sig.MarketLabel,
		Strategy:     sig.Strategy,
		EntryPrice:   fill,
		CurrentPrice: fill,
		Size:         size,
		CostBasis:    sig.AmountUSD,
		OpenedAt:     now,
		Paper:        true,
	})
	if err != nil {
		if errors.Is(err, portfolio.ErrInsufficientFunds) {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return nil, fmt.Errorf("add position: %w", err)
	}

	key := sig.PositionKey()
	if t, ok := e.open[key]; ok {
		t.Size = t.Size.Add(size)
		t.AmountUSD = t.AmountUSD.Add(sig.AmountUSD)
		t.Fee = t.Fee.Add(fee)
		t.FillPrice = t.AmountUSD.Div(t.Size)

		log.Info().
			Str("trade_id", t.ID).
			Str("strategy", t.Strategy).
			Str("fill", fill.StringFixed(4)).
			Str("size", t.Size.StringFixed(2)).
			Msg("➕ Paper position averaged")
		return t, nil
	}

	t := &Trade{
		ID:           uuid.NewString(),
		Strategy:     sig.Strategy,
		InstrumentID: sig.InstrumentID,
		MarketID:     sig.MarketID,
		MarketLabel:  sig.MarketLabel,
		Action:       strategy.ActionBuy,
		SignalPrice:  sig.Price,
		FillPrice:    fill,
		Size:         size,
		AmountUSD:    sig.AmountUSD,
		Fee:          fee,
		State:        TradeStateOpen,
		OpenedAt:     now,
	}
	e.open[key] = t
	e.trades = append(e.trades, t)

	log.Info().
		Str("trade_id", t.ID).
		Str("strategy", t.Strategy).
		Str("signal", sig.Price.StringFixed(4)).
		Str("fill", fill.StringFixed(4)).
		Str("size", size.StringFixed(2)).
		Str("amount", sig.AmountUSD.StringFixed(2)).
		Msg("✅ Paper buy filled")

	return t, nil
}

func (e *PaperEngine) sellLocked(sig *strategy.Signal) (*Trade, error) {
	fill := e.simulateFill(sig)

	if _, ok := e.open[sig.PositionKey()]; ok {
		return e.closeLocked(sig.InstrumentID, sig.Strategy, fill)
	}

	// No position to close: record the sell without touching the ledger
	now := e.now()
	t := &Trade{
		ID:           uuid.NewString(),
		Strategy:     sig.Strategy,
		InstrumentID: sig.InstrumentID,
		MarketID:     sig.MarketID,
		MarketLabel:  sig.MarketLabel,
		Action:       strategy.ActionSell,
		SignalPrice:  sig.Price,
		FillPrice:    fill,
		Size:         sig.AmountUSD.Div(fill),
		AmountUSD:    sig.AmountUSD,
		Fee:          sig.AmountUSD.Mul(e.cfg.FeePct).Div(hundred),
		State:        TradeStateClosed,
		OpenedAt:     now,
		ClosedAt:     &now,
		ClosePrice:   fill,
	}
	e.trades = append(e.trades, t)

	log.Info().
		Str("trade_id", t.ID).
		Str("strategy", t.Strategy).
		Str("fill", fill.StringFixed(4)).
		Msg("📝 Paper sell recorded without position")

	return t, nil
}

// CloseTrade closes the open trade for instrumentID under strategyName at price
func (e *PaperEngine) CloseTrade(instrumentID, strategyName string, price decimal.Decimal) (*Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked(instrumentID, strategyName, price)
}

func (e *PaperEngine) closeLocked(instrumentID, strategyName string, price decimal.Decimal) (*Trade, error) {
	key := types.PositionKey(instrumentID, strategyName)
	t, ok := e.open[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoOpenTrade, key)
	}

	closed, err := e.portfolio.ClosePosition(key, price, t.Fee)
	if err != nil {
		return nil, fmt.Errorf("close position: %w", err)
	}

	at := closed.ClosedAt
	t.State = TradeStateClosed
	t.ClosedAt = &at
	t.ClosePrice = price
	t.PnL = closed.PnL
	t.Realized = &closed
	delete(e.open, key)

	emoji := "💰"
	if !closed.Won() {
		emoji = "📉"
	}
	log.Info().
		Str("trade_id", t.ID).
		Str("strategy", t.Strategy).
		Str("entry", t.FillPrice.StringFixed(4)).
		Str("exit", price.StringFixed(4)).
		Str("pnl", closed.PnL.StringFixed(2)).
		Msg(emoji + " Paper trade closed")

	return t, nil
}

// Restore reopens a persisted trade, debiting its cost from the bankroll
func (e *PaperEngine) Restore(t Trade) error {
	if t.State != TradeStateOpen {
		return fmt.Errorf("trade %s is %s", t.ID, t.State)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := types.PositionKey(t.InstrumentID, t.Strategy)
	if _, ok := e.open[key]; ok {
		return fmt.Errorf("trade already open for %s", key)
	}

	err := e.portfolio.AddPosition(types.Position{
		InstrumentID: t.InstrumentID,
		MarketID:     t.MarketID,
		MarketLabel:  t.MarketLabel,
		Strategy:     t.Strategy,
		EntryPrice:   t.FillPrice,
		CurrentPrice: t.FillPrice,
		Size:         t.Size,
		CostBasis:    t.AmountUSD,
		OpenedAt:     t.OpenedAt,
		Paper:        true,
	})
	if err != nil {
		return fmt.Errorf("restore %s: %w", t.ID, err)
	}

	restored := t
	e.open[key] = &restored
	e.trades = append(e.trades, &restored)
	return nil
}

// simulateFill nudges the signal price against the trader
func (e *PaperEngine) simulateFill(sig *strategy.Signal) decimal.Decimal {
	slip := e.slippage()
	if slip.IsNegative() {
		slip = slip.Neg()
	}

	if sig.Action == strategy.ActionBuy {
		fill := sig.Price.Mul(one.Add(slip))
		if fill.GreaterThan(maxFillPrice) {
			fill = maxFillPrice
		}
		return fill
	}
	fill := sig.Price.Mul(one.Sub(slip))
	if fill.LessThan(minFillPrice) {
		fill = minFillPrice
	}
	return fill
}

// UpdatePrices marks open positions to the given instrument prices and
// returns how many positions moved
func (e *PaperEngine) UpdatePrices(prices map[string]decimal.Decimal) int {
	e.mu.Lock()
	instruments := make(map[string]struct{}, len(e.open))
	for _, t := range e.open {
		instruments[t.InstrumentID] = struct{}{}
	}
	e.mu.Unlock()

	n := 0
	for inst := range instruments {
		if px, ok := prices[inst]; ok {
			n += e.portfolio.UpdatePrice(inst, px)
		}
	}
	return n
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// OpenTrades returns copies of open trades, oldest first
func (e *PaperEngine) OpenTrades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Trade, 0, len(e.open))
	for _, t := range e.open {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// OpenTrade returns the open trade for a position key
func (e *PaperEngine) OpenTrade(key string) (Trade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.open[key]
	if !ok {
		return Trade{}, false
	}
	return *t, true
}

// Trades returns copies of every trade in execution order
func (e *PaperEngine) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Trade, len(e.trades))
	for i, t := range e.trades {
		out[i] = *t
	}
	return out
}
