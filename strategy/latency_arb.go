package strategy

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/feeds"
	"github.com/web3guy0/polyengine/markets"
	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LATENCY ARBITRAGE
// ═══════════════════════════════════════════════════════════════════════════════
//
// Spot moves first, prediction-market odds follow.
//
//   1. Derive price levels from market questions ("BTC above $100,000 ...")
//   2. Spot feed confirms a crossing held for the confirmation window,
//      the confirmation is recent and spot is still past the level
//   3. The matching outcome still trades below the near-certainty bound
//   4. Enough time to resolution and enough liquidity, no open position
//   → BUY the outcome the crossing implies
//
// Confidence grows with the distance past the level.
//
// ═══════════════════════════════════════════════════════════════════════════════

const LatencyArbName = "latency_arb"

// MarketSource lists markets resolving soon
type MarketSource interface {
	GetMarketsByEndDate(ctx context.Context, hours int) ([]markets.Market, error)
}

// BookSource fetches an order book for an outcome token
type BookSource interface {
	GetOrderBook(ctx context.Context, tokenID string) (*feeds.Orderbook, error)
}

// Sizer turns a probability and share price into a USD amount
type Sizer interface {
	CalculatePositionSize(winProbability, price, maxOverrideUSD decimal.Decimal) decimal.Decimal
}

// Holdings sizes entries and exposes the strategy's open positions
type Holdings interface {
	Sizer
	Inventory
}

// SpotFeed is the threshold-aware exchange feed
type SpotFeed interface {
	SubscribeCrossings() <-chan feeds.Crossing
	SetThresholds(ths []feeds.Threshold)
	Thresholds() []feeds.Threshold
	GetPrice(symbol string) (feeds.PriceState, bool)
}

// LatencyArbConfig tunes the strategy
type LatencyArbConfig struct {
	Strategy            Config
	MaxPrice            decimal.Decimal // near-certainty bound
	MinTimeToResolution time.Duration
	MinLiquidityUSD     decimal.Decimal
	LookaheadHours      int
	MarketRefresh       time.Duration
	MaxCrossingAge      time.Duration // older confirmations are discarded
}

func (c LatencyArbConfig) withDefaults() LatencyArbConfig {
	if !c.MaxPrice.IsPositive() {
		c.MaxPrice = decimal.NewFromFloat(0.90)
	}
	if c.MinTimeToResolution <= 0 {
		c.MinTimeToResolution = 10 * time.Minute
	}
	if c.MinLiquidityUSD.IsZero() {
		c.MinLiquidityUSD = decimal.NewFromInt(500)
	}
	if c.LookaheadHours <= 0 {
		c.LookaheadHours = 24
	}
	if c.MarketRefresh <= 0 {
		c.MarketRefresh = time.Minute
	}
	if c.MaxCrossingAge <= 0 {
		c.MaxCrossingAge = 30 * time.Second
	}
	return c
}

// arbTarget is one market watching one price level
type arbTarget struct {
	market    markets.Market
	symbol    string
	level     decimal.Decimal
	direction feeds.Direction
}

// LatencyArb trades prediction markets on confirmed spot crossings
type LatencyArb struct {
	*Base
	cfg LatencyArbConfig

	spot    SpotFeed
	markets MarketSource
	books   BookSource
	holding Holdings

	crossings <-chan feeds.Crossing

	mu          sync.Mutex
	targets     map[string][]arbTarget // threshold value key → markets
	lastRefresh time.Time
}

// NewLatencyArb creates the strategy and subscribes to spot crossings
func NewLatencyArb(cfg LatencyArbConfig, spot SpotFeed, ms MarketSource, books BookSource, holding Holdings) *LatencyArb {
	cfg = cfg.withDefaults()
	return &LatencyArb{
		Base:      NewBase(LatencyArbName, cfg.Strategy, true),
		cfg:       cfg,
		spot:      spot,
		markets:   ms,
		books:     books,
		holding:   holding,
		crossings: spot.SubscribeCrossings(),
		targets:   make(map[string][]arbTarget),
	}
}

// Analyze refreshes watched levels and turns confirmed crossings into signals
func (s *LatencyArb) Analyze(ctx context.Context) ([]*Signal, error) {
	s.refreshTargets(ctx)

	var signals []*Signal
	for {
		select {
		case c := <-s.crossings:
			signals = append(signals, s.evaluate(ctx, c)...)
		default:
			return signals, nil
		}
	}
}

// refreshTargets reloads markets on the refresh cadence. Failures keep the old set.
func (s *LatencyArb) refreshTargets(ctx context.Context) {
	now := s.Now()
	s.mu.Lock()
	stale := s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= s.cfg.MarketRefresh
	s.mu.Unlock()
	if !stale {
		return
	}

	ms, err := s.markets.GetMarketsByEndDate(ctx, s.cfg.LookaheadHours)
	if err != nil {
		log.Warn().Err(err).Str("strategy", s.Name()).Msg("Market refresh failed")
		return
	}

	targets := make(map[string][]arbTarget)
	var ths []feeds.Threshold
	seen := make(map[string]bool)
	for _, m := range ms {
		symbol, level, dir, ok := ParseThresholdQuestion(m.Question)
		if !ok || m.Closed {
			continue
		}
		t := arbTarget{market: m, symbol: symbol, level: level, direction: dir}
		key := levelKey(symbol, level)
		targets[key] = append(targets[key], t)
		if seen[key] {
			continue
		}
		seen[key] = true
		// Both directions: a move either way decides the market
		ths = append(ths,
			feeds.Threshold{Symbol: symbol, Value: level, Direction: feeds.DirectionAbove},
			feeds.Threshold{Symbol: symbol, Value: level, Direction: feeds.DirectionBelow},
		)
	}

	s.mu.Lock()
	s.targets = targets
	s.lastRefresh = now
	s.mu.Unlock()

	if !feeds.SameThresholds(ths, s.spot.Thresholds()) {
		s.spot.SetThresholds(ths)
		log.Info().Int("markets", len(ms)).Int("levels", len(seen)).Msg("🎯 Latency arb levels updated")
	}
}

func (s *LatencyArb) evaluate(ctx context.Context, c feeds.Crossing) []*Signal {
	if age := s.Now().Sub(c.ConfirmedAt); age > s.cfg.MaxCrossingAge {
		log.Debug().Str("symbol", c.Symbol).Str("level", c.Value.String()).Dur("age", age).Msg("Stale crossing dropped")
		return nil
	}
	// The level must still be breached at the current spot price
	ps, ok := s.spot.GetPrice(c.Symbol)
	if !ok || !c.Satisfied(ps.Price) {
		log.Debug().Str("symbol", c.Symbol).Str("level", c.Value.String()).Msg("Crossing no longer holds")
		return nil
	}

	s.mu.Lock()
	targets := s.targets[levelKey(c.Symbol, c.Value)]
	s.mu.Unlock()

	var out []*Signal
	for _, t := range targets {
		if sig := s.evaluateTarget(ctx, c, t); sig != nil {
			out = append(out, sig)
		}
	}
	return out
}

func (s *LatencyArb) evaluateTarget(ctx context.Context, c feeds.Crossing, t arbTarget) *Signal {
	yes, no, ok := t.market.YesNoTokens()
	if !ok {
		return nil
	}
	token, outcome := no, "NO"
	if c.Direction == t.direction {
		token, outcome = yes, "YES"
	}
	if _, held := s.holding.Position(types.PositionKey(token, s.Name())); held {
		log.Debug().Str("market", t.market.ID).Str("token", token).Msg("Already holding, skipping")
		return nil
	}

	ttr := t.market.TimeToResolution(s.Now())
	if ttr < s.cfg.MinTimeToResolution {
		log.Debug().Str("market", t.market.ID).Dur("ttr", ttr).Msg("Too close to resolution")
		return nil
	}
	if t.market.Liquidity.LessThan(s.cfg.MinLiquidityUSD) {
		return nil
	}

	book, err := s.books.GetOrderBook(ctx, token)
	if err != nil {
		log.Warn().Err(err).Str("token", token).Msg("Order book unavailable")
		return nil
	}
	ask := book.BestAsk()
	if !ask.IsPositive() {
		return nil
	}
	if ask.GreaterThanOrEqual(s.cfg.MaxPrice) {
		log.Debug().Str("market", t.market.ID).Str("ask", ask.String()).Msg("Odds already adjusted")
		return nil
	}

	conf := CrossingConfidence(c.Price, c.Value)
	amount := s.holding.CalculatePositionSize(conf, ask, s.cfg.Strategy.MaxPositionUSD)
	if !amount.IsPositive() {
		return nil
	}

	return s.NewSignal(ActionBuy).
		Instrument(token).
		Market(t.market.ID, t.market.Question).
		Price(ask).
		Confidence(conf).
		Amount(amount).
		Rationale("%s %s %s confirmed at %s, %s ask %s", c.Symbol, c.Direction, c.Value, c.Price, outcome, ask).
		Build()
}

var (
	confBase    = decimal.NewFromFloat(0.6)
	confSlope   = decimal.NewFromInt(20)
	confCeiling = decimal.NewFromFloat(0.99)
)

// CrossingConfidence is 0.6 + 20·|price−level|/level, capped at 0.99
func CrossingConfidence(price, level decimal.Decimal) decimal.Decimal {
	if !level.IsPositive() {
		return decimal.Zero
	}
	dist := price.Sub(level).Abs().Div(level)
	conf := confBase.Add(dist.Mul(confSlope))
	if conf.GreaterThan(confCeiling) {
		conf = confCeiling
	}
	return conf.Round(4)
}

func levelKey(symbol string, level decimal.Decimal) string {
	return symbol + "|" + level.String()
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUESTION PARSING
// ═══════════════════════════════════════════════════════════════════════════════

var (
	questionPattern = regexp.MustCompile(`(?i)\b(bitcoin|btc|ethereum|eth|ether|solana|sol)\b.*?\b(above|over|exceed|exceeds|reach|reaches|hit|hits|greater than|below|under|less than|dip to|dips to|drop to|drops to|fall to|falls to)\b[^$0-9]*\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)\s*([km])?\b`)

	assetSymbols = map[string]string{
		"bitcoin":  "BTCUSDT",
		"btc":      "BTCUSDT",
		"ethereum": "ETHUSDT",
		"eth":      "ETHUSDT",
		"ether":    "ETHUSDT",
		"solana":   "SOLUSDT",
		"sol":      "SOLUSDT",
	}
)

// ParseThresholdQuestion extracts symbol, level and direction from a market
// question such as "Will Bitcoin be above $100,000 on March 2?".
func ParseThresholdQuestion(q string) (symbol string, level decimal.Decimal, dir feeds.Direction, ok bool) {
	m := questionPattern.FindStringSubmatch(q)
	if m == nil {
		return "", decimal.Zero, "", false
	}

	symbol = assetSymbols[strings.ToLower(m[1])]

	switch word := strings.ToLower(m[2]); {
	case strings.HasPrefix(word, "below"), strings.HasPrefix(word, "under"), strings.HasPrefix(word, "less"),
		strings.HasPrefix(word, "dip"), strings.HasPrefix(word, "drop"), strings.HasPrefix(word, "fall"):
		dir = feeds.DirectionBelow
	default:
		dir = feeds.DirectionAbove
	}

	level, err := decimal.NewFromString(strings.ReplaceAll(m[3], ",", ""))
	if err != nil || !level.IsPositive() {
		return "", decimal.Zero, "", false
	}
	switch strings.ToLower(m[4]) {
	case "k":
		level = level.Mul(decimal.NewFromInt(1_000))
	case "m":
		level = level.Mul(decimal.NewFromInt(1_000_000))
	}
	return symbol, level, dir, true
}
