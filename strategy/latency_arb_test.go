package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyengine/feeds"
	"github.com/web3guy0/polyengine/markets"
	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/types"
)

type fakeSpot struct {
	mu      sync.Mutex
	ch      chan feeds.Crossing
	ths     []feeds.Threshold
	prices  map[string]decimal.Decimal
	setCall int
}

func newFakeSpot() *fakeSpot {
	return &fakeSpot{ch: make(chan feeds.Crossing, 10), prices: make(map[string]decimal.Decimal)}
}

// push publishes a crossing with the spot price still at the crossing price
func (f *fakeSpot) push(c feeds.Crossing) {
	f.setPrice(c.Symbol, c.Price)
	f.ch <- c
}

func (f *fakeSpot) setPrice(symbol string, p decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = p
}

func (f *fakeSpot) GetPrice(symbol string) (feeds.PriceState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	return feeds.PriceState{Price: p}, ok
}

func (f *fakeSpot) SubscribeCrossings() <-chan feeds.Crossing { return f.ch }

func (f *fakeSpot) SetThresholds(ths []feeds.Threshold) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ths = ths
	f.setCall++
}

func (f *fakeSpot) Thresholds() []feeds.Threshold {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ths
}

type fakeMarkets struct {
	markets []markets.Market
	err     error
	calls   int
}

func (f *fakeMarkets) GetMarketsByEndDate(context.Context, int) ([]markets.Market, error) {
	f.calls++
	return f.markets, f.err
}

func (f *fakeMarkets) GetActiveMarkets(context.Context, int) ([]markets.Market, error) {
	f.calls++
	return f.markets, f.err
}

type fakeBooks map[string]*feeds.Orderbook

func (f fakeBooks) GetOrderBook(_ context.Context, token string) (*feeds.Orderbook, error) {
	ob, ok := f[token]
	if !ok {
		return nil, errors.New("no book")
	}
	return ob, nil
}

func book(bid, ask float64) *feeds.Orderbook {
	ob := feeds.NewOrderbook("m", "t")
	ob.Update(
		[]feeds.PriceLevel{{Price: dec(bid), Size: dec(500)}},
		[]feeds.PriceLevel{{Price: dec(ask), Size: dec(500)}},
		t0,
	)
	return ob
}

func btcMarket(id, yes, no string, end time.Time) markets.Market {
	return markets.Market{
		ID:                id,
		Question:          "Will Bitcoin be above $100,000 on March 2?",
		EndDate:           end,
		Liquidity:         dec(10000),
		OutcomeTokenIDs:   []string{yes, no},
		OutcomesJSON:      `["Yes","No"]`,
		OutcomePricesJSON: `["0.6","0.4"]`,
		Active:            true,
	}
}

func newArb(t *testing.T, ms *fakeMarkets, books fakeBooks) (*LatencyArb, *fakeSpot) {
	t.Helper()
	s, spot, _ := newArbWithPortfolio(t, ms, books)
	return s, spot
}

func newArbWithPortfolio(t *testing.T, ms *fakeMarkets, books fakeBooks) (*LatencyArb, *fakeSpot, *portfolio.Portfolio) {
	t.Helper()
	spot := newFakeSpot()
	pf := portfolio.New(dec(1000))
	s := NewLatencyArb(LatencyArbConfig{
		Strategy: Config{Enabled: true, MaxPositionUSD: dec(50)},
	}, spot, ms, books, pf)
	s.SetClock(func() time.Time { return t0 })
	return s, spot, pf
}

func crossing(dir feeds.Direction, price float64) feeds.Crossing {
	return feeds.Crossing{
		Threshold:   feeds.Threshold{Symbol: "BTCUSDT", Value: decimal.NewFromInt(100000), Direction: dir},
		Price:       dec(price),
		ConfirmedAt: t0,
	}
}

func TestLatencyArb_RegistersBothDirectionsOnce(t *testing.T) {
	ms := &fakeMarkets{markets: []markets.Market{
		btcMarket("m1", "y1", "n1", t0.Add(24*time.Hour)),
		btcMarket("m2", "y2", "n2", t0.Add(48*time.Hour)),
		{ID: "x", Question: "Will it snow in Paris?"},
	}}
	s, spot := newArb(t, ms, fakeBooks{})

	sigs, err := s.Analyze(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sigs)
	assert.Len(t, spot.Thresholds(), 2)
	assert.Equal(t, 1, spot.setCall)

	// Within the refresh interval the market list is not reloaded
	_, _ = s.Analyze(context.Background())
	assert.Equal(t, 1, ms.calls)
	assert.Equal(t, 1, spot.setCall)
}

func TestLatencyArb_BuysImpliedOutcome(t *testing.T) {
	ms := &fakeMarkets{markets: []markets.Market{btcMarket("m1", "yes", "no", t0.Add(24*time.Hour))}}
	s, spot := newArb(t, ms, fakeBooks{"yes": book(0.68, 0.70), "no": book(0.28, 0.30)})

	spot.push(crossing(feeds.DirectionAbove, 101000))
	sigs, err := s.Analyze(context.Background())
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	assert.Equal(t, ActionBuy, sig.Action)
	assert.Equal(t, "yes", sig.InstrumentID)
	assert.Equal(t, "m1", sig.MarketID)
	assert.True(t, sig.Price.Equal(dec(0.70)))
	assert.True(t, sig.Confidence.Equal(dec(0.8)), sig.Confidence.String())
	assert.True(t, sig.AmountUSD.Equal(dec(50)), sig.AmountUSD.String())
	assert.NoError(t, sig.Validate())

	spot.push(crossing(feeds.DirectionBelow, 99500))
	sigs, _ = s.Analyze(context.Background())
	require.Len(t, sigs, 1)
	assert.Equal(t, "no", sigs[0].InstrumentID)
}

func TestLatencyArb_SkipsAdjustedLateOrThinMarkets(t *testing.T) {
	late := btcMarket("late", "ly", "ln", t0.Add(5*time.Minute))
	thin := btcMarket("thin", "ty", "tn", t0.Add(24*time.Hour))
	thin.Liquidity = dec(100)
	priced := btcMarket("priced", "py", "pn", t0.Add(24*time.Hour))

	ms := &fakeMarkets{markets: []markets.Market{late, thin, priced}}
	s, spot := newArb(t, ms, fakeBooks{
		"ly": book(0.5, 0.52),
		"ty": book(0.5, 0.52),
		"py": book(0.94, 0.95),
	})

	spot.push(crossing(feeds.DirectionAbove, 100500))
	sigs, err := s.Analyze(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestLatencyArb_MarketErrorIsNoData(t *testing.T) {
	ms := &fakeMarkets{err: errors.New("gamma down")}
	s, spot := newArb(t, ms, fakeBooks{})

	sigs, err := s.Analyze(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, sigs)
	assert.Equal(t, 0, spot.setCall)
}

func TestLatencyArb_DropsStaleCrossing(t *testing.T) {
	ms := &fakeMarkets{markets: []markets.Market{btcMarket("m1", "yes", "no", t0.Add(48*time.Hour))}}
	s, spot := newArb(t, ms, fakeBooks{"yes": book(0.68, 0.70), "no": book(0.28, 0.30)})

	old := crossing(feeds.DirectionAbove, 101000)
	old.ConfirmedAt = t0.Add(-6 * time.Hour)
	spot.push(old)

	sigs, err := s.Analyze(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sigs)

	// A buffered crossing still inside the freshness window trades
	recent := crossing(feeds.DirectionAbove, 101000)
	recent.ConfirmedAt = t0.Add(-5 * time.Second)
	spot.push(recent)
	sigs, _ = s.Analyze(context.Background())
	assert.Len(t, sigs, 1)
}

func TestLatencyArb_SkipsCrossingThatReverted(t *testing.T) {
	ms := &fakeMarkets{markets: []markets.Market{btcMarket("m1", "yes", "no", t0.Add(24*time.Hour))}}
	s, spot := newArb(t, ms, fakeBooks{"yes": book(0.68, 0.70), "no": book(0.28, 0.30)})

	spot.push(crossing(feeds.DirectionAbove, 101000))
	spot.setPrice("BTCUSDT", dec(99800))
	sigs, err := s.Analyze(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sigs)

	// No spot price at all is treated as no signal
	spot2 := newFakeSpot()
	s2 := NewLatencyArb(LatencyArbConfig{Strategy: Config{Enabled: true, MaxPositionUSD: dec(50)}},
		spot2, ms, fakeBooks{"yes": book(0.68, 0.70)}, portfolio.New(dec(1000)))
	s2.SetClock(func() time.Time { return t0 })
	spot2.ch <- crossing(feeds.DirectionAbove, 101000)
	sigs, _ = s2.Analyze(context.Background())
	assert.Empty(t, sigs)
}

func TestLatencyArb_SkipsMarketAlreadyHeld(t *testing.T) {
	ms := &fakeMarkets{markets: []markets.Market{
		btcMarket("m1", "yes1", "no1", t0.Add(24*time.Hour)),
		btcMarket("m2", "yes2", "no2", t0.Add(24*time.Hour)),
	}}
	s, spot, pf := newArbWithPortfolio(t, ms, fakeBooks{
		"yes1": book(0.68, 0.70),
		"yes2": book(0.68, 0.70),
	})
	require.NoError(t, pf.AddPosition(types.Position{
		InstrumentID: "yes1", MarketID: "m1", Strategy: LatencyArbName,
		EntryPrice: dec(0.70), Size: dec(50), CostBasis: dec(35),
	}))

	// Thresholds reset and the level confirms again: only the unheld market trades
	spot.push(crossing(feeds.DirectionAbove, 101000))
	sigs, err := s.Analyze(context.Background())
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "yes2", sigs[0].InstrumentID)
}

func TestCrossingConfidence(t *testing.T) {
	level := decimal.NewFromInt(100000)
	assert.True(t, CrossingConfidence(level, level).Equal(dec(0.6)))
	assert.True(t, CrossingConfidence(dec(100500), level).Equal(dec(0.7)))
	assert.True(t, CrossingConfidence(dec(120000), level).Equal(dec(0.99)))
	assert.True(t, CrossingConfidence(dec(1), decimal.Zero).IsZero())
}

func TestParseThresholdQuestion(t *testing.T) {
	cases := []struct {
		q      string
		symbol string
		level  int64
		dir    feeds.Direction
	}{
		{"Will Bitcoin be above $100,000 on March 2?", "BTCUSDT", 100000, feeds.DirectionAbove},
		{"Will ETH dip to $2,800 this week?", "ETHUSDT", 2800, feeds.DirectionBelow},
		{"Will Solana reach $300 by Friday?", "SOLUSDT", 300, feeds.DirectionAbove},
		{"Will BTC be less than $95k at noon?", "BTCUSDT", 95000, feeds.DirectionBelow},
	}
	for _, c := range cases {
		symbol, level, dir, ok := ParseThresholdQuestion(c.q)
		require.True(t, ok, c.q)
		assert.Equal(t, c.symbol, symbol, c.q)
		assert.True(t, level.Equal(decimal.NewFromInt(c.level)), "%s: %s", c.q, level)
		assert.Equal(t, c.dir, dir, c.q)
	}

	_, _, _, ok := ParseThresholdQuestion("Will the Fed cut rates in March?")
	assert.False(t, ok)
}
