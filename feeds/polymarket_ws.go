package feeds

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POLYMARKET WEBSOCKET FEED
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order-book / price feed for outcome tokens. Subscriptions are a declarative
// set owned here and re-sent on every (re)connect.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	PolymarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
)

// PriceState is the latest observation for one instrument. Last write wins.
type PriceState struct {
	Price        decimal.Decimal
	ExchangeTime time.Time
	ReceivedAt   time.Time
}

// EventType distinguishes feed events
type EventType string

const (
	EventPrice EventType = "price"
	EventTrade EventType = "trade"
	EventBook  EventType = "book"
)

// Event is pushed to listeners on every update
type Event struct {
	Type         EventType
	InstrumentID string
	MarketID     string
	Price        decimal.Decimal
	Size         decimal.Decimal
	Side         string
	ExchangeTime time.Time
}

// Status is the externally visible feed state
type Status struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	Subscriptions int       `json:"subscriptions"`
	LastMessage   time.Time `json:"lastMessage"`
}

// PolymarketFeed manages the market-channel connection and price state
type PolymarketFeed struct {
	mu sync.RWMutex

	rc *Reconnector

	subscriptions map[string]struct{}
	prices        map[string]PriceState
	orderbooks    map[string]*Orderbook
	listeners     []chan Event

	onDisconnected func(feed string)
	now            func() time.Time
}

// NewPolymarketFeed creates a new feed instance
func NewPolymarketFeed(cfg ReconnectConfig) *PolymarketFeed {
	if cfg.URL == "" {
		cfg.URL = PolymarketWSURL
	}
	f := &PolymarketFeed{
		subscriptions: make(map[string]struct{}),
		prices:        make(map[string]PriceState),
		orderbooks:    make(map[string]*Orderbook),
		now:           time.Now,
	}
	f.rc = NewReconnector("polymarket", cfg, Handlers{
		OnConnect:      f.resubscribe,
		OnMessage:      f.processMessage,
		OnDisconnected: f.handleGivenUp,
	})
	return f
}

// Name identifies the feed in status output
func (f *PolymarketFeed) Name() string { return "polymarket" }

// Reconnector exposes the underlying state machine
func (f *PolymarketFeed) Reconnector() *Reconnector { return f.rc }

// OnDisconnected registers the owner's give-up callback
func (f *PolymarketFeed) OnDisconnected(fn func(feed string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnected = fn
}

// Start connects and begins processing
func (f *PolymarketFeed) Start(ctx context.Context) {
	f.rc.Start(ctx)
	log.Info().Int("subscriptions", len(f.SubscribedIDs())).Msg("📡 Polymarket feed started")
}

// Stop closes the connection
func (f *PolymarketFeed) Stop() {
	f.rc.Stop()
	log.Info().Msg("Polymarket feed stopped")
}

// Status returns connection and subscription state
func (f *PolymarketFeed) Status() Status {
	f.mu.RLock()
	n := len(f.subscriptions)
	f.mu.RUnlock()
	return Status{
		Name:          f.Name(),
		State:         f.rc.State().String(),
		Attempts:      f.rc.Attempts(),
		Subscriptions: n,
		LastMessage:   f.rc.LastMessage(),
	}
}

// Listen returns a channel that receives feed events. Slow listeners drop events.
func (f *PolymarketFeed) Listen() <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan Event, 1000)
	f.listeners = append(f.listeners, ch)
	return ch
}

// Subscribe adds instruments to the set and subscribes them on the live socket
func (f *PolymarketFeed) Subscribe(ids ...string) {
	added := f.updateSet(ids, true)
	if len(added) == 0 {
		return
	}
	msg := map[string]any{"assets_ids": added, "operation": "subscribe"}
	if err := f.rc.WriteJSON(msg); err != nil && err != errNotConnected {
		log.Warn().Err(err).Msg("Subscribe send failed, will resend on reconnect")
	}
}

// Unsubscribe removes instruments from the set
func (f *PolymarketFeed) Unsubscribe(ids ...string) {
	removed := f.updateSet(ids, false)
	if len(removed) == 0 {
		return
	}
	msg := map[string]any{"assets_ids": removed, "operation": "unsubscribe"}
	if err := f.rc.WriteJSON(msg); err != nil && err != errNotConnected {
		log.Debug().Err(err).Msg("Unsubscribe send failed")
	}
}

func (f *PolymarketFeed) updateSet(ids []string, add bool) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var changed []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		_, exists := f.subscriptions[id]
		switch {
		case add && !exists:
			f.subscriptions[id] = struct{}{}
			changed = append(changed, id)
		case !add && exists:
			delete(f.subscriptions, id)
			delete(f.prices, id)
			delete(f.orderbooks, id)
			changed = append(changed, id)
		}
	}
	return changed
}

// SubscribedIDs returns the subscription set, sorted
func (f *PolymarketFeed) SubscribedIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.subscriptions))
	for id := range f.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Price returns the latest price for an instrument
func (f *PolymarketFeed) Price(instrumentID string) (PriceState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ps, ok := f.prices[instrumentID]
	return ps, ok
}

// Prices returns a snapshot of all prices
func (f *PolymarketFeed) Prices() map[string]PriceState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]PriceState, len(f.prices))
	for k, v := range f.prices {
		out[k] = v
	}
	return out
}

// Orderbook returns the streamed book for an instrument
func (f *PolymarketFeed) Orderbook(instrumentID string) (*Orderbook, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ob, ok := f.orderbooks[instrumentID]
	return ob, ok
}

// resubscribe sends the full set on every connect
func (f *PolymarketFeed) resubscribe() error {
	ids := f.SubscribedIDs()
	if len(ids) == 0 {
		return nil
	}
	log.Info().Int("count", len(ids)).Msg("📡 Restoring subscriptions")
	return f.rc.WriteJSON(map[string]any{"assets_ids": ids, "type": "market"})
}

func (f *PolymarketFeed) handleGivenUp() {
	f.mu.RLock()
	fn := f.onDisconnected
	f.mu.RUnlock()
	if fn != nil {
		fn(f.Name())
	}
}

// WSMessage represents a WebSocket message from Polymarket
type WSMessage struct {
	EventType    string        `json:"event_type"`
	Market       string        `json:"market"`
	Asset        string        `json:"asset_id"`
	Price        string        `json:"price"`
	Size         string        `json:"size"`
	Side         string        `json:"side"`
	Timestamp    string        `json:"timestamp"`
	Bids         []WireLevel   `json:"bids"`
	Asks         []WireLevel   `json:"asks"`
	PriceChanges []PriceChange `json:"price_changes"`
}

// PriceChange is one entry of a price_change event
type PriceChange struct {
	Asset   string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

// processMessage handles incoming WebSocket messages
func (f *PolymarketFeed) processMessage(data []byte) {
	var msgs []WSMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		msgs = []WSMessage{msg}
	}

	for _, msg := range msgs {
		switch msg.EventType {
		case "book":
			f.handleBookUpdate(msg)
		case "price_change":
			f.handlePriceChange(msg)
		case "last_trade_price":
			f.handleTradePrice(msg)
		}
	}
}

// handleBookUpdate processes full book snapshots
func (f *PolymarketFeed) handleBookUpdate(msg WSMessage) {
	ts := parseMillis(msg.Timestamp)

	f.mu.Lock()
	ob, exists := f.orderbooks[msg.Asset]
	if !exists {
		ob = NewOrderbook(msg.Market, msg.Asset)
		f.orderbooks[msg.Asset] = ob
	}
	f.mu.Unlock()

	ob.UpdateFromLevels(msg.Bids, msg.Asks, ts)

	mid := ob.Mid()
	if mid.IsZero() {
		return
	}
	f.setPrice(msg.Asset, mid, ts)
	f.broadcast(Event{Type: EventBook, InstrumentID: msg.Asset, MarketID: msg.Market, Price: mid, ExchangeTime: ts})
}

// handlePriceChange processes incremental updates
func (f *PolymarketFeed) handlePriceChange(msg WSMessage) {
	ts := parseMillis(msg.Timestamp)

	changes := msg.PriceChanges
	if len(changes) == 0 && msg.Asset != "" {
		changes = []PriceChange{{Asset: msg.Asset, Price: msg.Price, Size: msg.Size, Side: msg.Side}}
	}

	for _, pc := range changes {
		price := changePrice(pc)
		if price.IsZero() {
			continue
		}
		size, _ := decimal.NewFromString(pc.Size)
		f.setPrice(pc.Asset, price, ts)
		f.broadcast(Event{Type: EventPrice, InstrumentID: pc.Asset, MarketID: msg.Market, Price: price, Size: size, Side: pc.Side, ExchangeTime: ts})
	}
}

// changePrice prefers the best bid/ask mid when the exchange sends it
func changePrice(pc PriceChange) decimal.Decimal {
	bid, errBid := decimal.NewFromString(pc.BestBid)
	ask, errAsk := decimal.NewFromString(pc.BestAsk)
	if errBid == nil && errAsk == nil && bid.IsPositive() && ask.IsPositive() {
		return bid.Add(ask).Div(two)
	}
	price, err := decimal.NewFromString(pc.Price)
	if err != nil {
		return decimal.Zero
	}
	return price
}

// handleTradePrice processes trade events
func (f *PolymarketFeed) handleTradePrice(msg WSMessage) {
	price, err := decimal.NewFromString(msg.Price)
	if err != nil || price.IsZero() {
		return
	}
	size, _ := decimal.NewFromString(msg.Size)
	ts := parseMillis(msg.Timestamp)

	f.setPrice(msg.Asset, price, ts)
	f.broadcast(Event{Type: EventTrade, InstrumentID: msg.Asset, MarketID: msg.Market, Price: price, Size: size, Side: msg.Side, ExchangeTime: ts})
}

func (f *PolymarketFeed) setPrice(id string, price decimal.Decimal, exchangeTime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[id] = PriceState{Price: price, ExchangeTime: exchangeTime, ReceivedAt: f.now()}
}

// broadcast sends event to all listeners
func (f *PolymarketFeed) broadcast(ev Event) {
	f.mu.RLock()
	subs := f.listeners
	f.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Skip if channel full
		}
	}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
