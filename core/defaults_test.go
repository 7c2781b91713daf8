package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyengine/core"
	"github.com/web3guy0/polyengine/feeds"
	"github.com/web3guy0/polyengine/internal/config"
	"github.com/web3guy0/polyengine/markets"
	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/strategy"
)

type activeMarkets []markets.Market

func (a activeMarkets) GetActiveMarkets(context.Context, int) ([]markets.Market, error) {
	return a, nil
}

type staticBook struct{ ob *feeds.Orderbook }

func (b staticBook) GetOrderBook(context.Context, string) (*feeds.Orderbook, error) {
	return b.ob, nil
}

func TestDefaultConfig_MarketMakerSignalsPassFilter(t *testing.T) {
	cfg := config.Default()
	pf := portfolio.New(cfg.Bankroll(), cfg.PortfolioOptions()...)

	ob := feeds.NewOrderbook("m1", "yes")
	ob.Update(
		[]feeds.PriceLevel{{Price: decimal.NewFromFloat(0.48), Size: decimal.NewFromInt(500)}},
		[]feeds.PriceLevel{{Price: decimal.NewFromFloat(0.52), Size: decimal.NewFromInt(500)}},
		time.Now(),
	)
	ms := activeMarkets{{
		ID:              "m1",
		Question:        "Will the Lakers win the title?",
		Liquidity:       decimal.NewFromInt(20000),
		OutcomeTokenIDs: []string{"yes", "no"},
		OutcomesJSON:    `["Yes","No"]`,
		Active:          true,
	}}
	mm := strategy.NewMarketMaker(cfg.MarketMaker(), ms, staticBook{ob}, pf)

	sigs, err := mm.Analyze(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, sigs, "a two-sided book is quotable")

	e := core.NewEngine(cfg.Engine(), core.Deps{Strategies: []strategy.Strategy{mm}, Portfolio: pf})
	kept := e.FilterSignals(mm, sigs)
	assert.Len(t, kept, len(sigs))
	for _, sig := range kept {
		assert.True(t, sig.Confidence.GreaterThanOrEqual(mm.Config().MinConfidence))
	}
}
