package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/markets"
	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET MAKER
// ═══════════════════════════════════════════════════════════════════════════════
//
//   fair  = mid + imbalance · spread/2
//   ratio = held value / max exposure            (0..1)
//   skew  = ratio · halfSpread
//   bid   = fair − halfSpread − skew              size = quote · (1 − ratio)
//   ask   = fair + halfSpread − skew              only when holding inventory
//
// Quotes only when the book spread leaves room for both sides.
//
// ═══════════════════════════════════════════════════════════════════════════════

const MarketMakerName = "market_maker"

// ActiveMarketSource lists liquid open markets
type ActiveMarketSource interface {
	GetActiveMarkets(ctx context.Context, limit int) ([]markets.Market, error)
}

// Inventory exposes the strategy's open positions
type Inventory interface {
	Position(key string) (types.Position, bool)
}

// MarketMakerConfig tunes the quoting
type MarketMakerConfig struct {
	Strategy        Config
	HalfSpread      decimal.Decimal
	MaxExposureUSD  decimal.Decimal // per instrument
	MaxMarkets      int
	MinLiquidityUSD decimal.Decimal
	MarketRefresh   time.Duration
}

func (c MarketMakerConfig) withDefaults() MarketMakerConfig {
	if !c.HalfSpread.IsPositive() {
		c.HalfSpread = decimal.NewFromFloat(0.01)
	}
	if !c.MaxExposureUSD.IsPositive() {
		c.MaxExposureUSD = c.Strategy.MaxPositionUSD.Mul(decimal.NewFromInt(3))
	}
	if c.MaxMarkets <= 0 {
		c.MaxMarkets = 5
	}
	if c.MinLiquidityUSD.IsZero() {
		c.MinLiquidityUSD = decimal.NewFromInt(5000)
	}
	if c.MarketRefresh <= 0 {
		c.MarketRefresh = 5 * time.Minute
	}
	return c
}

var (
	mmConfidence = decimal.NewFromFloat(0.55)
	tick         = decimal.NewFromFloat(0.01)
	minQuote     = decimal.NewFromFloat(0.01)
	maxQuote     = decimal.NewFromFloat(0.99)
)

type mmInstrument struct {
	token  string
	market markets.Market
}

// MarketMaker quotes around a fair price with inventory skew
type MarketMaker struct {
	*Base
	cfg MarketMakerConfig

	markets   ActiveMarketSource
	books     BookSource
	inventory Inventory

	mu          sync.Mutex
	instruments []mmInstrument
	lastRefresh time.Time
}

// NewMarketMaker creates the strategy
func NewMarketMaker(cfg MarketMakerConfig, ms ActiveMarketSource, books BookSource, inv Inventory) *MarketMaker {
	cfg = cfg.withDefaults()
	return &MarketMaker{
		Base:      NewBase(MarketMakerName, cfg.Strategy, false),
		cfg:       cfg,
		markets:   ms,
		books:     books,
		inventory: inv,
	}
}

// Analyze quotes every selected instrument
func (s *MarketMaker) Analyze(ctx context.Context) ([]*Signal, error) {
	s.refreshInstruments(ctx)

	s.mu.Lock()
	instruments := append([]mmInstrument(nil), s.instruments...)
	s.mu.Unlock()

	var signals []*Signal
	for _, inst := range instruments {
		if ctx.Err() != nil {
			return signals, ctx.Err()
		}
		book, err := s.books.GetOrderBook(ctx, inst.token)
		if err != nil {
			log.Debug().Err(err).Str("token", inst.token).Msg("Book unavailable, skipping quote")
			continue
		}
		held := decimal.Zero
		if pos, ok := s.inventory.Position(types.PositionKey(inst.token, s.Name())); ok {
			held = pos.CurrentValue
		}
		q := ComputeQuote(book.Mid(), book.Spread(), book.Imbalance(), held, s.cfg.HalfSpread, s.cfg.MaxExposureUSD, s.cfg.Strategy.MaxPositionUSD)
		if !q.Quotable {
			continue
		}

		if q.BuySize.IsPositive() {
			signals = append(signals, s.NewSignal(ActionBuy).
				Instrument(inst.token).
				Market(inst.market.ID, inst.market.Question).
				Price(q.Bid).
				Confidence(mmConfidence).
				Amount(q.BuySize).
				Rationale("MM bid %s fair %s inventory %s%%", q.Bid, q.Fair.StringFixed(4), q.Ratio.Mul(decimal.NewFromInt(100)).StringFixed(0)).
				Build())
		}
		if q.SellSize.IsPositive() {
			signals = append(signals, s.NewSignal(ActionSell).
				Instrument(inst.token).
				Market(inst.market.ID, inst.market.Question).
				Price(q.Ask).
				Confidence(mmConfidence).
				Amount(q.SellSize).
				Rationale("MM ask %s fair %s inventory $%s", q.Ask, q.Fair.StringFixed(4), held.StringFixed(2)).
				Build())
		}
	}
	return signals, nil
}

func (s *MarketMaker) refreshInstruments(ctx context.Context) {
	now := s.Now()
	s.mu.Lock()
	stale := s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= s.cfg.MarketRefresh
	s.mu.Unlock()
	if !stale {
		return
	}

	ms, err := s.markets.GetActiveMarkets(ctx, s.cfg.MaxMarkets*4)
	if err != nil {
		log.Warn().Err(err).Str("strategy", s.Name()).Msg("Market refresh failed")
		return
	}

	var picked []mmInstrument
	for _, m := range ms {
		if len(picked) >= s.cfg.MaxMarkets {
			break
		}
		if m.Closed || m.Liquidity.LessThan(s.cfg.MinLiquidityUSD) {
			continue
		}
		yes, _, ok := m.YesNoTokens()
		if !ok {
			continue
		}
		picked = append(picked, mmInstrument{token: yes, market: m})
	}

	s.mu.Lock()
	s.instruments = picked
	s.lastRefresh = now
	s.mu.Unlock()
	log.Debug().Int("instruments", len(picked)).Msg("Market maker instruments refreshed")
}

// Quote is one two-sided quote
type Quote struct {
	Quotable bool
	Fair     decimal.Decimal
	Ratio    decimal.Decimal
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	BuySize  decimal.Decimal
	SellSize decimal.Decimal
}

// ComputeQuote applies the fair-value and inventory-skew rules
func ComputeQuote(mid, spread, imbalance, heldUSD, halfSpread, maxExposure, quoteUSD decimal.Decimal) Quote {
	if !mid.IsPositive() || spread.LessThan(halfSpread.Mul(decimal.NewFromInt(2))) {
		return Quote{}
	}

	fair := mid.Add(imbalance.Mul(spread).Div(decimal.NewFromInt(2)))

	ratio := decimal.Zero
	if maxExposure.IsPositive() && heldUSD.IsPositive() {
		ratio = heldUSD.Div(maxExposure)
		if ratio.GreaterThan(one) {
			ratio = one
		}
	}
	skew := ratio.Mul(halfSpread)

	q := Quote{
		Quotable: true,
		Fair:     fair,
		Ratio:    ratio,
		Bid:      clampPrice(fair.Sub(halfSpread).Sub(skew).Div(tick).Floor().Mul(tick)),
		Ask:      clampPrice(fair.Add(halfSpread).Sub(skew).Div(tick).Ceil().Mul(tick)),
		BuySize:  decimal.Zero,
		SellSize: decimal.Zero,
	}
	if ratio.LessThan(one) {
		q.BuySize = quoteUSD.Mul(one.Sub(ratio)).Truncate(2)
	}
	if heldUSD.IsPositive() {
		q.SellSize = heldUSD.Truncate(2)
	}
	return q
}

var one = decimal.NewFromInt(1)

func clampPrice(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(minQuote) {
		return minQuote
	}
	if p.GreaterThan(maxQuote) {
		return maxQuote
	}
	return p
}
