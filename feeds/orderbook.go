package feeds

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDERBOOK - In-memory orderbook state and analytics
// ═══════════════════════════════════════════════════════════════════════════════

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// PriceLevel represents a single price level in the orderbook
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Orderbook maintains the current state of one outcome token's book
type Orderbook struct {
	mu        sync.RWMutex
	Market    string
	Asset     string
	Bids      []PriceLevel
	Asks      []PriceLevel
	UpdatedAt time.Time
}

// NewOrderbook creates a new orderbook instance
func NewOrderbook(market, asset string) *Orderbook {
	return &Orderbook{
		Market: market,
		Asset:  asset,
		Bids:   make([]PriceLevel, 0),
		Asks:   make([]PriceLevel, 0),
	}
}

// Update replaces both sides. Empty levels are dropped; bids sort
// descending and asks ascending.
func (ob *Orderbook) Update(bids, asks []PriceLevel, at time.Time) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.Bids = filterLevels(bids)
	ob.Asks = filterLevels(asks)
	sort.Slice(ob.Bids, func(i, j int) bool {
		return ob.Bids[i].Price.GreaterThan(ob.Bids[j].Price)
	})
	sort.Slice(ob.Asks, func(i, j int) bool {
		return ob.Asks[i].Price.LessThan(ob.Asks[j].Price)
	})
	ob.UpdatedAt = at
}

// UpdateFromLevels parses string price/size pairs as sent by the exchange
func (ob *Orderbook) UpdateFromLevels(bids, asks []WireLevel, at time.Time) {
	ob.Update(parseLevels(bids), parseLevels(asks), at)
}

// WireLevel is a price level as encoded in REST and WebSocket payloads
type WireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func parseLevels(in []WireLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(in))
	for _, l := range in {
		price, err := decimal.NewFromString(l.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(l.Size)
		if err != nil {
			continue
		}
		out = append(out, PriceLevel{Price: price, Size: size})
	}
	return out
}

func filterLevels(in []PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(in))
	for _, l := range in {
		if l.Size.GreaterThan(decimal.Zero) {
			out = append(out, l)
		}
	}
	return out
}

// BestBid returns the highest bid price
func (ob *Orderbook) BestBid() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.Bids) == 0 {
		return decimal.Zero
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask price
func (ob *Orderbook) BestAsk() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if len(ob.Asks) == 0 {
		return decimal.Zero
	}
	return ob.Asks[0].Price
}

// Spread returns the bid-ask spread
func (ob *Orderbook) Spread() decimal.Decimal {
	bid, ask := ob.BestBid(), ob.BestAsk()
	if bid.IsZero() || ask.IsZero() {
		return decimal.Zero
	}
	return ask.Sub(bid)
}

// SpreadPct returns the spread as a percentage of mid
func (ob *Orderbook) SpreadPct() decimal.Decimal {
	mid := ob.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return ob.Spread().Div(mid).Mul(hundred)
}

// Mid returns the mid price
func (ob *Orderbook) Mid() decimal.Decimal {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid.IsZero() || ask.IsZero() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(two)
}

// Imbalance returns top-3 depth imbalance in [-1, 1]: positive = more bids
func (ob *Orderbook) Imbalance() decimal.Decimal {
	bidVol, askVol := ob.Depth(3)
	total := bidVol.Add(askVol)
	if total.IsZero() {
		return decimal.Zero
	}
	return bidVol.Sub(askVol).Div(total)
}

// Depth returns total share volume in the top n levels of each side
func (ob *Orderbook) Depth(priceLevels int) (bidDepth, askDepth decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	for i := 0; i < priceLevels && i < len(ob.Bids); i++ {
		bidDepth = bidDepth.Add(ob.Bids[i].Size)
	}
	for i := 0; i < priceLevels && i < len(ob.Asks); i++ {
		askDepth = askDepth.Add(ob.Asks[i].Size)
	}

	return bidDepth, askDepth
}

// AskLiquidityUSD returns the USD notional resting on the ask side
func (ob *Orderbook) AskLiquidityUSD() decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	total := decimal.Zero
	for _, l := range ob.Asks {
		total = total.Add(l.Price.Mul(l.Size))
	}
	return total
}

// SlippageForSize walks the book for a USD order. Buys consume asks, sells
// consume bids. It returns the average fill price and slippage versus the
// best price in percent; filled is false when the book is too thin.
func (ob *Orderbook) SlippageForSize(buy bool, amountUSD decimal.Decimal) (avgPrice, slippagePct decimal.Decimal, filled bool) {
	ob.mu.RLock()
	levels := ob.Bids
	if buy {
		levels = ob.Asks
	}
	levels = append([]PriceLevel(nil), levels...)
	ob.mu.RUnlock()

	if len(levels) == 0 || !amountUSD.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}

	remaining := amountUSD
	shares := decimal.Zero
	for _, l := range levels {
		notional := l.Price.Mul(l.Size)
		if notional.GreaterThanOrEqual(remaining) {
			shares = shares.Add(remaining.Div(l.Price))
			remaining = decimal.Zero
			break
		}
		shares = shares.Add(l.Size)
		remaining = remaining.Sub(notional)
	}

	spent := amountUSD.Sub(remaining)
	if shares.IsZero() {
		return decimal.Zero, decimal.Zero, false
	}
	avgPrice = spent.Div(shares)
	best := levels[0].Price
	slippagePct = avgPrice.Sub(best).Abs().Div(best).Mul(hundred)
	return avgPrice, slippagePct, remaining.IsZero()
}
