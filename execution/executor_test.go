package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/polyengine/portfolio"
	"github.com/web3guy0/polyengine/risk"
	"github.com/web3guy0/polyengine/strategy"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedSlip(v float64) PaperOption {
	return WithSlippage(func() decimal.Decimal { return d(v) })
}

func newEngine(bankroll float64, slip float64, now *time.Time) *PaperEngine {
	clock := func() time.Time { return *now }
	pf := portfolio.New(d(bankroll), portfolio.WithClock(clock))
	return NewPaperEngine(pf, PaperConfig{MaxSlippagePct: d(1), FeePct: d(2)}, fixedSlip(slip), WithClock(clock))
}

func signal(action strategy.Action, inst string, price, amount float64) *strategy.Signal {
	return &strategy.Signal{
		Action:       action,
		InstrumentID: inst,
		MarketID:     "m-" + inst,
		MarketLabel:  "Will it rain in London?",
		Price:        d(price),
		Confidence:   d(0.7),
		AmountUSD:    d(amount),
		Strategy:     "arb",
	}
}

func TestExecuteTrade_Hold(t *testing.T) {
	now := t0
	e := newEngine(1000, 0, &now)

	tr, err := e.ExecuteTrade(&strategy.Signal{Action: strategy.ActionHold})
	assert.NoError(t, err)
	assert.Nil(t, tr)
	assert.Empty(t, e.Trades())
}

func TestExecuteTrade_KellySizedBuyNearCertainty(t *testing.T) {
	now := t0
	e := newEngine(1000, 0.004, &now)
	pf := e.Portfolio()

	// Kelly edge is zero when confidence equals price, so size with a small edge
	amount := pf.CalculatePositionSize(d(0.97), d(0.95), decimal.Zero)
	require.True(t, amount.IsPositive())
	assert.True(t, amount.Equal(d(100)), "capped at 10%% of bankroll, got %s", amount)

	sig := signal(strategy.ActionBuy, "yes-token", 0.95, 0)
	sig.Confidence = d(0.95)
	sig.AmountUSD = amount

	rm := risk.NewManager(risk.DefaultConfig(), pf, risk.WithClock(func() time.Time { return now }))
	dec := rm.CheckTrade(sig)
	require.True(t, dec.Allowed, dec.Reason)

	tr, err := e.ExecuteTrade(sig)
	require.NoError(t, err)
	require.NotNil(t, tr)

	pos, ok := pf.Position(sig.PositionKey())
	require.True(t, ok)
	assert.True(t, pos.CostBasis.Equal(amount))
	assert.True(t, tr.FillPrice.Equal(d(0.9538)), tr.FillPrice.String())
	assert.True(t, tr.FillPrice.Sub(d(0.95)).Abs().LessThanOrEqual(d(0.95).Mul(d(0.01))))
	assert.True(t, pos.Size.Equal(amount.Div(tr.FillPrice)))
	assert.True(t, pos.Paper)

	// Value only moves between bankroll and position on entry
	assert.True(t, pf.TotalValue().Sub(d(1000)).Abs().LessThan(d(0.000001)), pf.TotalValue().String())
}

func TestExecuteTrade_InsufficientFunds(t *testing.T) {
	now := t0
	e := newEngine(50, 0, &now)

	tr, err := e.ExecuteTrade(signal(strategy.ActionBuy, "tok", 0.5, 60))
	assert.Nil(t, tr)
	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.Empty(t, e.Trades())
	assert.True(t, e.Portfolio().Bankroll().Equal(d(50)))
}

func TestExecuteTrade_InvalidSignal(t *testing.T) {
	now := t0
	e := newEngine(1000, 0, &now)

	_, err := e.ExecuteTrade(signal(strategy.ActionBuy, "tok", 1.2, 10))
	assert.Error(t, err)
}

func TestCloseTrade_RealizesNetPnL(t *testing.T) {
	now := t0
	e := newEngine(1000, 0, &now)

	tr, err := e.ExecuteTrade(signal(strategy.ActionBuy, "tok", 0.5, 100))
	require.NoError(t, err)
	assert.True(t, tr.Size.Equal(d(200)))
	assert.True(t, tr.Fee.Equal(d(2)))

	now = t0.Add(time.Hour)
	closed, err := e.CloseTrade("tok", "arb", d(0.6))
	require.NoError(t, err)

	assert.Equal(t, TradeStateClosed, closed.State)
	assert.True(t, closed.PnL.Equal(d(18)), closed.PnL.String())
	require.NotNil(t, closed.Realized)
	assert.True(t, closed.Realized.Fee.Equal(d(2)))
	assert.True(t, e.Portfolio().Bankroll().Equal(d(1018)))
	assert.Empty(t, e.OpenTrades())

	_, err = e.CloseTrade("tok", "arb", d(0.6))
	assert.True(t, errors.Is(err, ErrNoOpenTrade))
}

func TestExecuteTrade_SellClosesPosition(t *testing.T) {
	now := t0
	e := newEngine(1000, 0.01, &now)

	_, err := e.ExecuteTrade(signal(strategy.ActionBuy, "tok", 0.5, 100))
	require.NoError(t, err)

	tr, err := e.ExecuteTrade(signal(strategy.ActionSell, "tok", 0.6, 10))
	require.NoError(t, err)
	assert.Equal(t, TradeStateClosed, tr.State)
	assert.True(t, tr.ClosePrice.Equal(d(0.594)), tr.ClosePrice.String())
	assert.NotNil(t, tr.Realized)
	assert.Equal(t, 0, e.Portfolio().PositionCount())
}

func TestExecuteTrade_SellWithoutPosition(t *testing.T) {
	now := t0
	e := newEngine(1000, 0.01, &now)

	tr, err := e.ExecuteTrade(signal(strategy.ActionSell, "tok", 0.4, 20))
	require.NoError(t, err)
	assert.Equal(t, strategy.ActionSell, tr.Action)
	assert.Equal(t, TradeStateClosed, tr.State)
	assert.Nil(t, tr.Realized)
	assert.True(t, e.Portfolio().Bankroll().Equal(d(1000)))
	assert.Len(t, e.Trades(), 1)
}

func TestExecuteTrade_AveragesIntoOpenTrade(t *testing.T) {
	now := t0
	e := newEngine(1000, 0, &now)

	first, err := e.ExecuteTrade(signal(strategy.ActionBuy, "tok", 0.5, 50))
	require.NoError(t, err)
	second, err := e.ExecuteTrade(signal(strategy.ActionBuy, "tok", 0.25, 50))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	open := e.OpenTrades()
	require.Len(t, open, 1)
	assert.True(t, open[0].AmountUSD.Equal(d(100)))
	assert.True(t, open[0].Size.Equal(d(300)))
	assert.True(t, open[0].Fee.Equal(d(2)))

	pos, ok := e.Portfolio().Position("tok:arb")
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d(300)))
}

func TestSimulateFill_Clamped(t *testing.T) {
	now := t0
	e := newEngine(1000, 0.02, &now)

	buy := signal(strategy.ActionBuy, "tok", 0.985, 10)
	assert.True(t, e.simulateFill(buy).Equal(d(0.99)))

	sell := signal(strategy.ActionSell, "tok", 0.0101, 10)
	assert.True(t, e.simulateFill(sell).Equal(d(0.01)))
}

func TestUpdatePrices(t *testing.T) {
	now := t0
	e := newEngine(1000, 0, &now)

	_, err := e.ExecuteTrade(signal(strategy.ActionBuy, "a", 0.5, 100))
	require.NoError(t, err)

	n := e.UpdatePrices(map[string]decimal.Decimal{"a": d(0.55), "unknown": d(0.3)})
	assert.Equal(t, 1, n)
	assert.True(t, e.Portfolio().TotalValue().Equal(d(1010)))
}

func TestGetDailyReport(t *testing.T) {
	now := t0
	e := newEngine(1000, 0, &now)

	_, err := e.ExecuteTrade(signal(strategy.ActionBuy, "a", 0.5, 100))
	require.NoError(t, err)
	_, err = e.ExecuteTrade(signal(strategy.ActionBuy, "b", 0.5, 50))
	require.NoError(t, err)

	now = t0.Add(90 * time.Minute)
	_, err = e.CloseTrade("a", "arb", d(0.4))
	require.NoError(t, err)

	r := e.GetDailyReport()
	assert.Equal(t, 90*time.Minute, r.Uptime)
	assert.Equal(t, 1, r.OpenTrades)
	assert.Equal(t, 2, r.TotalTrades)
	assert.Equal(t, 2, r.TodayTrades)
	assert.True(t, r.TodayPnL.Equal(d(-22)), r.TodayPnL.String())
	assert.True(t, r.Bankroll.Equal(d(928)), r.Bankroll.String())
	require.Len(t, r.Strategies, 1)
	assert.Equal(t, "arb", r.Strategies[0].Strategy)

	// Next UTC day: nothing happened today
	now = time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)
	r = e.GetDailyReport()
	assert.Equal(t, 0, r.TodayTrades)
	assert.True(t, r.TodayPnL.IsZero())
}

type memStore struct {
	saved []Trade
	open  []Trade
	err   error
}

func (m *memStore) SaveTrade(_ context.Context, t Trade) error {
	m.saved = append(m.saved, t)
	return nil
}

func (m *memStore) LoadOpenTrades(context.Context) ([]Trade, error) { return m.open, m.err }

func TestReconciler_RecoverPositions(t *testing.T) {
	now := t0
	e := newEngine(1000, 0, &now)

	store := &memStore{open: []Trade{
		{ID: "t1", Strategy: "arb", InstrumentID: "a", FillPrice: d(0.5), Size: d(200), AmountUSD: d(100), State: TradeStateOpen, OpenedAt: t0.Add(-time.Hour)},
		{ID: "t2", Strategy: "arb", InstrumentID: "a", FillPrice: d(0.5), Size: d(20), AmountUSD: d(10), State: TradeStateOpen},
		{ID: "t3", Strategy: "mm", InstrumentID: "b", FillPrice: d(0.4), Size: d(50), AmountUSD: d(20), State: TradeStateClosed},
	}}
	r := NewReconciler(e, store)

	n, err := r.RecoverPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, e.Portfolio().Bankroll().Equal(d(900)))
	_, ok := e.OpenTrade("a:arb")
	assert.True(t, ok)

	require.NoError(t, r.Persist(context.Background(), Trade{ID: "x"}))
	assert.Len(t, store.saved, 1)

	store.err = errors.New("db down")
	_, err = r.RecoverPositions(context.Background())
	assert.Error(t, err)

	nilStore := NewReconciler(e, nil)
	n, err = nilStore.RecoverPositions(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, nilStore.Persist(context.Background(), Trade{}))
}

type countingExecutor struct{ calls int }

func (c *countingExecutor) Execute(context.Context, *strategy.Signal) (*Fill, error) {
	c.calls++
	return &Fill{OrderID: "o1"}, nil
}

func (c *countingExecutor) ExecuteFAK(context.Context, *strategy.Signal) (*Fill, error) {
	c.calls++
	return &Fill{OrderID: "o2"}, nil
}

func TestGuarded_RefusesUntilConfirmed(t *testing.T) {
	inner := &countingExecutor{}
	g := NewGuarded(inner)
	confirmed := false
	g.confirmed = func() bool { return confirmed }
	sig := signal(strategy.ActionBuy, "tok", 0.5, 10)

	_, err := g.Execute(context.Background(), sig)
	assert.ErrorIs(t, err, ErrLiveNotConfirmed)
	_, err = g.ExecuteFAK(context.Background(), sig)
	assert.ErrorIs(t, err, ErrLiveNotConfirmed)
	assert.Zero(t, inner.calls)

	confirmed = true
	fill, err := g.ExecuteFAK(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, "o2", fill.OrderID)
	assert.Equal(t, 1, inner.calls)
}

func TestLiveConfirmed(t *testing.T) {
	for v, want := range map[string]bool{"true": true, "1": true, " YES ": true, "": false, "false": false, "no": false} {
		t.Setenv(LiveConfirmEnv, v)
		assert.Equal(t, want, LiveConfirmed(), v)
	}
}
