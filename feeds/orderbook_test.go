package feeds

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleBook() *Orderbook {
	ob := NewOrderbook("m", "tok")
	ob.Update(
		[]PriceLevel{{px(0.40), px(100)}, {px(0.45), px(50)}, {px(0.30), px(0)}},
		[]PriceLevel{{px(0.60), px(100)}, {px(0.50), px(20)}},
		t0,
	)
	return ob
}

func TestOrderbook_SortsAndDropsEmptyLevels(t *testing.T) {
	ob := sampleBook()

	assert.Len(t, ob.Bids, 2)
	assert.Equal(t, "0.45", ob.BestBid().String())
	assert.Equal(t, "0.5", ob.BestAsk().String())
	assert.Equal(t, "0.05", ob.Spread().String())
	assert.Equal(t, "0.475", ob.Mid().String())
	assert.Equal(t, "10.53", ob.SpreadPct().StringFixed(2))
}

func TestOrderbook_ImbalanceAndDepth(t *testing.T) {
	ob := sampleBook()

	bid, ask := ob.Depth(1)
	assert.Equal(t, "50", bid.String())
	assert.Equal(t, "20", ask.String())

	// bids 150 vs asks 120
	assert.Equal(t, "0.1111", ob.Imbalance().StringFixed(4))
	assert.Equal(t, "70", ob.AskLiquidityUSD().String())
}

func TestOrderbook_SlippageForSize(t *testing.T) {
	ob := sampleBook()

	// $10 fits in the best ask level.
	avg, slip, filled := ob.SlippageForSize(true, px(10))
	assert.True(t, filled)
	assert.Equal(t, "0.5", avg.String())
	assert.True(t, slip.IsZero())

	// $40: $10 at 0.50 (20 shares) + $30 at 0.60 (50 shares) → 40/70
	avg, slip, filled = ob.SlippageForSize(true, px(40))
	assert.True(t, filled)
	assert.Equal(t, "0.5714", avg.StringFixed(4))
	assert.Equal(t, "14.29", slip.StringFixed(2))

	// More than the book holds.
	_, _, filled = ob.SlippageForSize(true, px(1000))
	assert.False(t, filled)

	_, _, filled = NewOrderbook("m", "t").SlippageForSize(false, px(1))
	assert.False(t, filled)
}

func TestOrderbook_UpdateFromLevelsSkipsBadNumbers(t *testing.T) {
	ob := NewOrderbook("m", "t")
	ob.UpdateFromLevels(
		[]WireLevel{{Price: "0.4", Size: "10"}, {Price: "x", Size: "1"}},
		[]WireLevel{{Price: "0.6", Size: "oops"}},
		t0,
	)
	assert.Len(t, ob.Bids, 1)
	assert.Empty(t, ob.Asks)
	assert.True(t, ob.Mid().IsZero())
	assert.True(t, ob.Spread().IsZero())
}
