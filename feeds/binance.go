package feeds

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BINANCE PRICE FEED - Real-time spot prices with threshold detection
// ═══════════════════════════════════════════════════════════════════════════════
//
// Used for:
//   - Latest spot price per symbol (BTCUSDT, ETHUSDT, ...)
//   - Confirmed threshold crossings on an independent checker timer
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	BinanceStreamURL        = "wss://stream.binance.com:9443/stream"
	defaultCheckInterval    = 250 * time.Millisecond
	defaultConfirmationWait = 3 * time.Second
)

// BinanceConfig configures the spot feed
type BinanceConfig struct {
	Reconnect          ReconnectConfig
	Symbols            []string
	CheckInterval      time.Duration
	ConfirmationWindow time.Duration
}

// BinanceFeed provides real-time crypto prices
type BinanceFeed struct {
	mu sync.RWMutex

	rc            *Reconnector
	symbols       []string
	checkInterval time.Duration
	tracker       *ThresholdTracker

	prices      map[string]PriceState
	crossingSub []chan Crossing

	onDisconnected func(feed string)
	running        bool
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	now            func() time.Time
}

// NewBinanceFeed creates a new Binance feed
func NewBinanceFeed(cfg BinanceConfig) *BinanceFeed {
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	if cfg.ConfirmationWindow <= 0 {
		cfg.ConfirmationWindow = defaultConfirmationWait
	}
	if cfg.Reconnect.URL == "" {
		cfg.Reconnect.URL = StreamURL(BinanceStreamURL, cfg.Symbols)
	}

	f := &BinanceFeed{
		symbols:       cfg.Symbols,
		checkInterval: cfg.CheckInterval,
		tracker:       NewThresholdTracker(cfg.ConfirmationWindow),
		prices:        make(map[string]PriceState),
		now:           time.Now,
	}
	f.rc = NewReconnector("binance", cfg.Reconnect, Handlers{
		OnMessage:      f.processMessage,
		OnDisconnected: f.handleGivenUp,
	})
	return f
}

// StreamURL builds a combined trade-stream URL for symbols
func StreamURL(base string, symbols []string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@trade")
	}
	return base + "?streams=" + strings.Join(streams, "/")
}

// Name identifies the feed in status output
func (f *BinanceFeed) Name() string { return "binance" }

// Reconnector exposes the underlying state machine
func (f *BinanceFeed) Reconnector() *Reconnector { return f.rc }

// Tracker exposes the threshold tracker
func (f *BinanceFeed) Tracker() *ThresholdTracker { return f.tracker }

// OnDisconnected registers the owner's give-up callback
func (f *BinanceFeed) OnDisconnected(fn func(feed string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnected = fn
}

// Start connects and runs the threshold checker
func (f *BinanceFeed) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	f.rc.Start(ctx)

	f.wg.Add(1)
	go f.checkLoop(ctx)

	log.Info().Strs("symbols", f.symbols).Dur("check", f.checkInterval).Msg("📈 Binance feed started")
}

// Stop stops the checker and the connection
func (f *BinanceFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.cancel
	f.mu.Unlock()

	cancel()
	f.rc.Stop()
	f.wg.Wait()
	log.Info().Msg("Binance feed stopped")
}

// Status returns connection state
func (f *BinanceFeed) Status() Status {
	return Status{
		Name:          f.Name(),
		State:         f.rc.State().String(),
		Attempts:      f.rc.Attempts(),
		Subscriptions: len(f.symbols),
		LastMessage:   f.rc.LastMessage(),
	}
}

// SubscribeCrossings returns a channel of confirmed crossings
func (f *BinanceFeed) SubscribeCrossings() <-chan Crossing {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan Crossing, 100)
	f.crossingSub = append(f.crossingSub, ch)
	return ch
}

// SetThresholds replaces the threshold set and its confirmation state
func (f *BinanceFeed) SetThresholds(ths []Threshold) {
	f.tracker.SetThresholds(ths)
	log.Debug().Int("count", len(ths)).Msg("Thresholds updated")
}

// ClearThresholds removes all thresholds
func (f *BinanceFeed) ClearThresholds() {
	f.tracker.ClearThresholds()
}

// Thresholds returns the configured threshold set
func (f *BinanceFeed) Thresholds() []Threshold {
	return f.tracker.Thresholds()
}

// GetPrice returns the current price for a symbol
func (f *BinanceFeed) GetPrice(symbol string) (PriceState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ps, ok := f.prices[symbol]
	return ps, ok
}

// GetPrices returns all current prices
func (f *BinanceFeed) GetPrices() map[string]decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()

	result := make(map[string]decimal.Decimal, len(f.prices))
	for k, v := range f.prices {
		result[k] = v.Price
	}
	return result
}

// checkLoop evaluates thresholds on its own timer, independent of message arrival
func (f *BinanceFeed) checkLoop(ctx context.Context) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.CheckThresholds()
		}
	}
}

// CheckThresholds runs one checker pass and publishes confirmed crossings
func (f *BinanceFeed) CheckThresholds() []Crossing {
	crossings := f.tracker.Check(f.GetPrices(), f.now())
	for _, c := range crossings {
		log.Info().
			Str("symbol", c.Symbol).
			Str("threshold", c.Value.String()).
			Str("direction", string(c.Direction)).
			Str("price", c.Price.String()).
			Msg("🎯 Threshold crossing confirmed")
		f.publish(c)
	}
	return crossings
}

func (f *BinanceFeed) publish(c Crossing) {
	f.mu.RLock()
	subs := f.crossingSub
	f.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- c:
		default:
			log.Warn().Str("symbol", c.Symbol).Msg("Crossing dropped, subscriber full")
		}
	}
}

type binanceEnvelope struct {
	Stream string       `json:"stream"`
	Data   binanceTrade `json:"data"`
}

type binanceTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// processMessage handles combined-stream and raw trade payloads
func (f *BinanceFeed) processMessage(data []byte) {
	var env binanceEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	trade := env.Data
	if env.Stream == "" {
		if err := json.Unmarshal(data, &trade); err != nil {
			return
		}
	}
	if trade.Symbol == "" {
		return
	}

	price, err := decimal.NewFromString(trade.Price)
	if err != nil || !price.IsPositive() {
		return
	}

	ts := trade.TradeTime
	if ts == 0 {
		ts = trade.EventTime
	}
	var exchangeTime time.Time
	if ts > 0 {
		exchangeTime = time.UnixMilli(ts).UTC()
	}

	f.mu.Lock()
	f.prices[strings.ToUpper(trade.Symbol)] = PriceState{Price: price, ExchangeTime: exchangeTime, ReceivedAt: f.now()}
	f.mu.Unlock()
}

func (f *BinanceFeed) handleGivenUp() {
	f.mu.RLock()
	fn := f.onDisconnected
	f.mu.RUnlock()
	if fn != nil {
		fn(f.Name())
	}
}
