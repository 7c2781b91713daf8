package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestBase_CadenceAndDailyBudget(t *testing.T) {
	now := t0
	b := NewBase("s", Config{Enabled: true, MaxDailyTrades: 2, ScanInterval: 10 * time.Second}, false)
	b.SetClock(func() time.Time { return now })

	assert.True(t, b.ShouldScan(), "never scanned")
	b.MarkScanned()
	assert.False(t, b.ShouldScan())
	now = now.Add(9 * time.Second)
	assert.False(t, b.ShouldScan())
	now = now.Add(time.Second)
	assert.True(t, b.ShouldScan())

	assert.True(t, b.CanTrade())
	b.RecordTrade()
	b.RecordTrade()
	assert.False(t, b.CanTrade())
	assert.Equal(t, 2, b.DailyTradeCount())

	b.ResetDaily()
	assert.Equal(t, 0, b.DailyTradeCount())
	assert.True(t, b.CanTrade())
}

func TestBase_DisabledAndUnlimited(t *testing.T) {
	assert.False(t, NewBase("off", Config{Enabled: false}, false).CanTrade())

	b := NewBase("unlimited", Config{Enabled: true}, true)
	for i := 0; i < 100; i++ {
		b.RecordTrade()
	}
	assert.True(t, b.CanTrade())
	assert.True(t, b.LatencySensitive())
}

func TestSignalBuilderAndValidate(t *testing.T) {
	b := NewBase("arb", Config{Enabled: true}, false)
	b.SetClock(func() time.Time { return t0 })

	sig := b.NewSignal(ActionBuy).
		Instrument("tok").
		Market("m1", "Will it rain?").
		Price(dec(0.42)).
		Confidence(dec(0.7)).
		Amount(dec(25)).
		Rationale("edge %d%%", 5).
		Build()

	assert.NoError(t, sig.Validate())
	assert.Equal(t, "arb", sig.Strategy)
	assert.Equal(t, "tok:arb", sig.PositionKey())
	assert.Equal(t, "edge 5%", sig.Rationale)
	assert.Equal(t, t0, sig.CreatedAt)

	bad := *sig
	bad.Price = dec(1)
	assert.Error(t, bad.Validate())

	bad = *sig
	bad.AmountUSD = decimal.Zero
	assert.Error(t, bad.Validate())

	bad = *sig
	bad.Confidence = dec(1.2)
	assert.Error(t, bad.Validate())

	bad = *sig
	bad.Action = "short"
	assert.Error(t, bad.Validate())

	assert.NoError(t, (&Signal{Action: ActionHold}).Validate())
}
