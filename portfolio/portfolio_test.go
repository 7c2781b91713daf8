package portfolio_test

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newPosition(instrument, strategy string, price, amount float64) types.Position {
	return types.Position{
		InstrumentID: instrument,
		MarketID:     "m-" + instrument,
		Strategy:     strategy,
		EntryPrice:   d(price),
		Size:         d(amount).Div(d(price)),
		CostBasis:    d(amount),
		Paper:        true,
	}
}

func TestAddPosition_DebitsBankrollAndKeepsTotal(t *testing.T) {
	pf := portfolio.New(d(1000))

	require.NoError(t, pf.AddPosition(newPosition("tok1", "arb", 0.5, 100)))

	assert.True(t, pf.Bankroll().Equal(d(900)))
	assert.True(t, pf.TotalValue().Equal(d(1000)))
	assert.Equal(t, 1, pf.PositionCount())

	pos, ok := pf.Position("tok1:arb")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d(200)))
	assert.True(t, pos.CurrentValue.Equal(d(100)))
	assert.True(t, pos.PnL.IsZero())
}

func TestAddPosition_InsufficientFunds(t *testing.T) {
	pf := portfolio.New(d(50))

	err := pf.AddPosition(newPosition("tok1", "arb", 0.5, 100))
	require.ErrorIs(t, err, portfolio.ErrInsufficientFunds)
	assert.Equal(t, 0, pf.PositionCount())
	assert.True(t, pf.Bankroll().Equal(d(50)))
}

func TestAddPosition_AveragesSameKey(t *testing.T) {
	pf := portfolio.New(d(1000))

	require.NoError(t, pf.AddPosition(newPosition("tok1", "arb", 0.5, 100)))
	require.NoError(t, pf.AddPosition(newPosition("tok1", "arb", 0.25, 100)))

	assert.Equal(t, 1, pf.PositionCount())
	pos, _ := pf.Position("tok1:arb")
	assert.True(t, pos.Size.Equal(d(600)))
	assert.True(t, pos.CostBasis.Equal(d(200)))
	assert.Equal(t, "0.3333", pos.EntryPrice.StringFixed(4))
}

func TestUpdatePrice_RecomputesDerivedFields(t *testing.T) {
	pf := portfolio.New(d(1000))
	require.NoError(t, pf.AddPosition(newPosition("tok1", "arb", 0.5, 100)))
	require.NoError(t, pf.AddPosition(newPosition("tok1", "mm", 0.5, 50)))

	n := pf.UpdatePrice("tok1", d(0.6))
	assert.Equal(t, 2, n)

	pos, _ := pf.Position("tok1:arb")
	assert.True(t, pos.CurrentValue.Equal(d(120)))
	assert.True(t, pos.PnL.Equal(d(20)))
	assert.True(t, pos.PnLPercent.Equal(d(20)))

	assert.Equal(t, 0, pf.UpdatePrice("unknown", d(0.6)))
	assert.Equal(t, 0, pf.UpdatePrice("tok1", decimal.Zero))
}

func TestClosePosition_RealizesNetPnL(t *testing.T) {
	pf := portfolio.New(d(1000))
	require.NoError(t, pf.AddPosition(newPosition("tok1", "arb", 0.5, 100)))

	closed, err := pf.ClosePosition("tok1:arb", d(0.6), d(2))
	require.NoError(t, err)

	assert.True(t, closed.PnL.Equal(d(18)), closed.PnL.String())
	assert.True(t, closed.Fee.Equal(d(2)))
	assert.True(t, pf.Bankroll().Equal(d(1018)))
	assert.Equal(t, 0, pf.PositionCount())
	assert.Len(t, pf.History(), 1)
	assert.True(t, pf.PeakValue().Equal(d(1018)))

	_, err = pf.ClosePosition("tok1:arb", d(0.6), decimal.Zero)
	assert.ErrorIs(t, err, portfolio.ErrPositionNotFound)
}

func TestConservation_OnlyPnLAndFeesMoveValue(t *testing.T) {
	pf := portfolio.New(d(1000))

	require.NoError(t, pf.AddPosition(newPosition("a", "s1", 0.4, 120)))
	require.NoError(t, pf.AddPosition(newPosition("b", "s2", 0.7, 70)))
	assert.True(t, pf.TotalValue().Equal(d(1000)))

	pf.UpdatePrice("a", d(0.5)) // +30 unrealized
	pf.UpdatePrice("b", d(0.6)) // -10 unrealized
	assert.True(t, pf.TotalValue().Equal(d(1020)))

	// Closing at the marked price changes total value only by the fee.
	_, err := pf.ClosePosition("a:s1", d(0.5), d(1.5))
	require.NoError(t, err)
	assert.True(t, pf.TotalValue().Equal(d(1018.5)), pf.TotalValue().String())

	closed, err := pf.ClosePosition("b:s2", d(0.6), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, closed.PnL.Equal(d(-10)))
	assert.True(t, pf.Bankroll().Equal(d(1018.5)))
}

func TestGetDrawdown(t *testing.T) {
	pf := portfolio.New(d(1000))
	assert.True(t, pf.GetDrawdown().IsZero())

	require.NoError(t, pf.AddPosition(newPosition("a", "s1", 0.5, 200)))
	pf.UpdatePrice("a", d(0.25)) // value 100, total 900

	assert.True(t, pf.GetDrawdown().Equal(d(10)), pf.GetDrawdown().String())

	pf.UpdatePrice("a", d(0.9)) // above peak
	assert.True(t, pf.GetDrawdown().IsZero())

	empty := portfolio.New(decimal.Zero)
	assert.True(t, empty.GetDrawdown().IsZero())
}

func TestStrategyMetrics(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pf := portfolio.New(d(1000), portfolio.WithClock(func() time.Time { return now }))

	// +10, -20, +5 for "arb"
	trades := []struct{ entry, exit float64 }{{0.5, 0.55}, {0.5, 0.4}, {0.5, 0.525}}
	for _, tr := range trades {
		require.NoError(t, pf.AddPosition(newPosition("a", "arb", tr.entry, 100)))
		_, err := pf.ClosePosition("a:arb", d(tr.exit), decimal.Zero)
		require.NoError(t, err)
	}
	require.NoError(t, pf.AddPosition(newPosition("b", "mm", 0.5, 100)))
	_, err := pf.ClosePosition("b:mm", d(0.6), decimal.Zero)
	require.NoError(t, err)

	m := pf.StrategyMetrics("arb")
	assert.Equal(t, 3, m.Trades)
	assert.Equal(t, 2, m.Wins)
	assert.Equal(t, 1, m.Losses)
	assert.Equal(t, "66.67", m.WinRate.StringFixed(2))
	assert.True(t, m.TotalPnL.Equal(d(-5)))
	assert.Equal(t, "-1.67", m.AvgPnL.StringFixed(2))
	assert.True(t, m.MaxDrawdown.Equal(d(20)))

	// mean -5/3, sample std of {10,-20,5}
	mean := -5.0 / 3
	variance := (math.Pow(10-mean, 2) + math.Pow(-20-mean, 2) + math.Pow(5-mean, 2)) / 2
	expected := mean / math.Sqrt(variance) * math.Sqrt(252)
	assert.InDelta(t, expected, m.Sharpe, 1e-9)

	all := pf.AllStrategyMetrics()
	require.Len(t, all, 2)
	assert.Equal(t, "arb", all[0].Strategy)
	assert.Equal(t, "mm", all[1].Strategy)
	assert.Zero(t, all[1].Sharpe)

	assert.Equal(t, 0, pf.StrategyMetrics("none").Trades)
}
