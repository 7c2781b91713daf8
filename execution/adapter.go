package execution

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polyengine/strategy"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LIVE EXECUTION ADAPTER - Contract for real order placement
// ═══════════════════════════════════════════════════════════════════════════════

// LiveConfirmEnv must be true-like before any live order is placed
const LiveConfirmEnv = "LIVE_TRADING_CONFIRMED"

var ErrLiveNotConfirmed = errors.New("live trading not confirmed: set " + LiveConfirmEnv + "=true")

// Fill is the result of a live order
type Fill struct {
	OrderID       string
	FillPrice     decimal.Decimal
	FillAmountUSD decimal.Decimal
}

// LiveExecutor places real orders. Execute rests a standard order, ExecuteFAK
// fills what it can immediately and cancels the rest.
type LiveExecutor interface {
	Execute(ctx context.Context, sig *strategy.Signal) (*Fill, error)
	ExecuteFAK(ctx context.Context, sig *strategy.Signal) (*Fill, error)
}

// LiveConfirmed reads the live-trading safety flag from the environment
func LiveConfirmed() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(LiveConfirmEnv))) {
	case "true", "1", "yes":
		return true
	}
	return false
}

// Guarded refuses every dispatch while the safety flag is unset
type Guarded struct {
	inner     LiveExecutor
	confirmed func() bool
}

// NewGuarded wraps a live executor with the per-dispatch safety check
func NewGuarded(inner LiveExecutor) *Guarded {
	return &Guarded{inner: inner, confirmed: LiveConfirmed}
}

func (g *Guarded) Execute(ctx context.Context, sig *strategy.Signal) (*Fill, error) {
	if !g.confirmed() {
		log.Error().Str("strategy", sig.Strategy).Msg("🛑 Live dispatch refused, trading not confirmed")
		return nil, ErrLiveNotConfirmed
	}
	return g.inner.Execute(ctx, sig)
}

func (g *Guarded) ExecuteFAK(ctx context.Context, sig *strategy.Signal) (*Fill, error) {
	if !g.confirmed() {
		log.Error().Str("strategy", sig.Strategy).Msg("🛑 Live FAK dispatch refused, trading not confirmed")
		return nil, ErrLiveNotConfirmed
	}
	return g.inner.ExecuteFAK(ctx, sig)
}
