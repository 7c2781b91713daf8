package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/web3guy0/polyengine/execution"
	"github.com/web3guy0/polyengine/strategy"
	"github.com/web3guy0/polyengine/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROUTER - Strategies → signals → risk → execution
// ═══════════════════════════════════════════════════════════════════════════════

// scan runs every eligible strategy concurrently, waits for all of them and
// returns their signals sorted by confidence, highest first. A failing or
// hung strategy only loses its own signals.
func (e *Engine) scan(ctx context.Context, strategies []strategy.Strategy) []*strategy.Signal {
	var (
		mu  sync.Mutex
		out []*strategy.Signal
		g   errgroup.Group
	)

	for _, s := range strategies {
		if !s.CanTrade() || !s.ShouldScan() {
			continue
		}
		g.Go(func() error {
			sigs, err := e.analyze(ctx, s)
			if errors.Is(err, errShuttingDown) {
				log.Debug().Str("strategy", s.Name()).Msg("Analyze abandoned on shutdown")
				return nil
			}
			if err != nil {
				log.Error().Err(err).Str("strategy", s.Name()).Msg("❌ Strategy analyze failed")
				e.deps.Recorder.StrategyFailed(s.Name())
				return nil
			}
			kept := e.filter(s, sigs)
			mu.Lock()
			out = append(out, kept...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence.GreaterThan(out[j].Confidence)
	})
	return out
}

// errShuttingDown marks an Analyze cut short by engine shutdown, not a failure
var errShuttingDown = errors.New("engine shutting down")

type analyzeResult struct {
	signals []*strategy.Signal
	err     error
}

// analyze bounds one Analyze call by the scan timeout and converts panics to errors
func (e *Engine) analyze(ctx context.Context, s strategy.Strategy) ([]*strategy.Signal, error) {
	s.MarkScanned()

	tctx, cancel := context.WithTimeout(ctx, e.cfg.ScanTimeout)
	defer cancel()

	done := make(chan analyzeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- analyzeResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		sigs, err := s.Analyze(tctx)
		done <- analyzeResult{signals: sigs, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil {
			return nil, errShuttingDown
		}
		return res.signals, res.err
	case <-tctx.Done():
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("analyze timed out after %s: %w", e.cfg.ScanTimeout, tctx.Err())
		}
		return nil, errShuttingDown
	}
}

// filter drops holds, malformed signals and those under the strategy's confidence floor
func (e *Engine) filter(s strategy.Strategy, sigs []*strategy.Signal) []*strategy.Signal {
	minConf := s.Config().MinConfidence
	kept := sigs[:0:0]
	for _, sig := range sigs {
		if sig == nil || sig.Action == strategy.ActionHold {
			continue
		}
		if sig.Strategy == "" {
			sig.Strategy = s.Name()
		}
		if err := sig.Validate(); err != nil {
			log.Warn().Err(err).Str("strategy", s.Name()).Msg("⚠️ Dropping malformed signal")
			continue
		}
		if sig.Confidence.LessThan(minConf) {
			log.Debug().
				Str("strategy", s.Name()).
				Str("confidence", sig.Confidence.StringFixed(3)).
				Str("min", minConf.StringFixed(3)).
				Msg("Signal below confidence floor")
			continue
		}
		e.deps.Recorder.SignalEmitted(s.Name())
		kept = append(kept, sig)
	}
	return kept
}

// route checks one signal with risk and executes it. fak selects fill-and-kill
// in live mode.
func (e *Engine) route(ctx context.Context, sig *strategy.Signal, fak bool) {
	e.execMu.Lock()
	defer e.execMu.Unlock()

	trips := e.deps.Risk.Breaker().Stats().Trips
	dec := e.deps.Risk.CheckTrade(sig)
	if !dec.Allowed {
		log.Info().
			Str("strategy", sig.Strategy).
			Str("action", string(sig.Action)).
			Str("token", short(sig.InstrumentID)).
			Str("reason", dec.Reason).
			Msg("🚫 Signal denied")
		e.deps.Recorder.RiskDenied(sig.Strategy)
		if stats := e.deps.Risk.Breaker().Stats(); stats.Trips > trips {
			e.deps.Notifier.NotifyBreaker(stats.Reason)
		}
		return
	}

	log.Info().
		Str("strategy", sig.Strategy).
		Str("action", string(sig.Action)).
		Str("token", short(sig.InstrumentID)).
		Str("price", sig.Price.StringFixed(4)).
		Str("amount", sig.AmountUSD.StringFixed(2)).
		Str("confidence", sig.Confidence.StringFixed(3)).
		Str("why", sig.Rationale).
		Msg("🎯 SIGNAL ACCEPTED")

	if e.cfg.PaperMode {
		e.routePaper(ctx, sig)
		return
	}
	e.routeLive(ctx, sig, fak)
}

func (e *Engine) routePaper(ctx context.Context, sig *strategy.Signal) {
	t, err := e.deps.Paper.ExecuteTrade(sig)
	if err != nil {
		log.Warn().Err(err).Str("strategy", sig.Strategy).Msg("⚠️ Paper execution failed")
		e.deps.Recorder.ExecutionFailed(sig.Strategy)
		return
	}
	if t == nil {
		return
	}

	e.recordTrade(sig)
	e.deps.Recorder.TradeExecuted(sig.Strategy, sig.Action, "paper")
	e.persist(ctx, *t)

	switch {
	case t.Realized != nil:
		e.afterClose(ctx, *t.Realized, "SIGNAL")
	case sig.Action == strategy.ActionBuy:
		e.afterOpen(sig)
		e.deps.Notifier.NotifyTradeOpened(*t)
	}
}

func (e *Engine) routeLive(ctx context.Context, sig *strategy.Signal, fak bool) {
	var (
		fill *execution.Fill
		err  error
	)
	if fak {
		fill, err = e.live.ExecuteFAK(ctx, sig)
	} else {
		fill, err = e.live.Execute(ctx, sig)
	}
	if err != nil {
		log.Error().Err(err).Str("strategy", sig.Strategy).Bool("fak", fak).Msg("❌ Live execution failed")
		e.deps.Recorder.ExecutionFailed(sig.Strategy)
		return
	}

	e.recordTrade(sig)
	e.deps.Recorder.TradeExecuted(sig.Strategy, sig.Action, "live")

	log.Info().
		Str("order_id", fill.OrderID).
		Str("strategy", sig.Strategy).
		Str("fill", fill.FillPrice.StringFixed(4)).
		Str("usd", fill.FillAmountUSD.StringFixed(2)).
		Msg("✅ Live order filled")

	pf := e.deps.Portfolio
	switch sig.Action {
	case strategy.ActionBuy:
		if !fill.FillAmountUSD.IsPositive() || !fill.FillPrice.IsPositive() {
			return
		}
		err := pf.AddPosition(types.Position{
			InstrumentID: sig.InstrumentID,
			MarketID:     sig.MarketID,
			MarketLabel:  sig.MarketLabel,
			Strategy:     sig.Strategy,
			EntryPrice:   fill.FillPrice,
			CurrentPrice: fill.FillPrice,
			Size:         fill.FillAmountUSD.Div(fill.FillPrice),
			CostBasis:    fill.FillAmountUSD,
			OpenedAt:     e.now(),
		})
		if err != nil {
			log.Error().Err(err).Str("order_id", fill.OrderID).Msg("❌ Live fill bookkeeping failed")
			return
		}
		e.afterOpen(sig)
		e.deps.Notifier.NotifyTradeOpened(execution.Trade{
			ID:           fill.OrderID,
			Strategy:     sig.Strategy,
			InstrumentID: sig.InstrumentID,
			MarketID:     sig.MarketID,
			MarketLabel:  sig.MarketLabel,
			Action:       sig.Action,
			SignalPrice:  sig.Price,
			FillPrice:    fill.FillPrice,
			Size:         fill.FillAmountUSD.Div(fill.FillPrice),
			AmountUSD:    fill.FillAmountUSD,
			State:        execution.TradeStateOpen,
			OpenedAt:     e.now(),
		})
	case strategy.ActionSell:
		if _, ok := pf.Position(sig.PositionKey()); !ok {
			return
		}
		closed, err := pf.ClosePosition(sig.PositionKey(), fill.FillPrice, decimal.Zero)
		if err != nil {
			log.Error().Err(err).Str("order_id", fill.OrderID).Msg("❌ Live close bookkeeping failed")
			return
		}
		e.afterClose(ctx, closed, "SIGNAL")
	}
}

func (e *Engine) recordTrade(sig *strategy.Signal) {
	if s, ok := e.byName[sig.Strategy]; ok {
		s.RecordTrade()
	}
}

func (e *Engine) afterOpen(sig *strategy.Signal) {
	e.deps.Risk.TrackPosition(sig.PositionKey(), sig.MarketLabel)
	e.subscribe(sig.InstrumentID)
}

// afterClose feeds realized PnL to risk and releases the position everywhere
func (e *Engine) afterClose(ctx context.Context, closed types.ClosedTrade, reason string) {
	key := types.PositionKey(closed.InstrumentID, closed.Strategy)
	e.deps.Risk.RecordTradePnl(closed.PnL)
	e.deps.Risk.UntrackPosition(key)

	still := false
	for _, p := range e.deps.Portfolio.OpenPositions() {
		if p.InstrumentID == closed.InstrumentID {
			still = true
			break
		}
	}
	if !still && e.deps.OrderFeed != nil {
		e.deps.OrderFeed.Unsubscribe(closed.InstrumentID)
	}

	if e.deps.Journal != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.deps.Journal.SaveClosedTrade(jctx, closed); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to journal closed trade")
		}
	}
	e.deps.Notifier.NotifyTradeClosed(closed, reason)

	log.Info().
		Str("key", key).
		Str("pnl", closed.PnL.StringFixed(2)).
		Str("reason", reason).
		Str("daily", e.deps.Risk.DailyPnL().StringFixed(2)).
		Msg("📊 Position closed")
}

func (e *Engine) persist(ctx context.Context, t execution.Trade) {
	if e.deps.Journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.deps.Journal.SaveTrade(jctx, t); err != nil {
		log.Warn().Err(err).Str("trade_id", t.ID).Msg("Failed to journal trade")
	}
}

func (e *Engine) subscribe(instrumentID string) {
	if e.deps.OrderFeed != nil {
		e.deps.OrderFeed.Subscribe(instrumentID)
	}
}
