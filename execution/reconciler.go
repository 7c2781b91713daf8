package execution

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RECONCILIATION - Startup position recovery
// ═══════════════════════════════════════════════════════════════════════════════
//
// On startup, we need to:
// 1. Load any open paper trades persisted by the previous session
// 2. Reopen them in the paper engine so exits and reports see them
//
// This prevents "ghost positions" after crashes
//
// ═══════════════════════════════════════════════════════════════════════════════

// TradeStore persists paper trades across restarts
type TradeStore interface {
	SaveTrade(ctx context.Context, t Trade) error
	LoadOpenTrades(ctx context.Context) ([]Trade, error)
}

// Reconciler handles startup position recovery
type Reconciler struct {
	engine *PaperEngine
	store  TradeStore
}

// NewReconciler creates a position reconciler. store may be nil.
func NewReconciler(engine *PaperEngine, store TradeStore) *Reconciler {
	return &Reconciler{engine: engine, store: store}
}

// RecoverPositions reopens persisted trades and returns how many were restored
func (r *Reconciler) RecoverPositions(ctx context.Context) (int, error) {
	if r.store == nil {
		log.Info().Msg("📦 No journal - skipping position recovery")
		return 0, nil
	}

	persisted, err := r.store.LoadOpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open trades: %w", err)
	}
	if len(persisted) == 0 {
		log.Info().Msg("📦 No persisted positions to recover")
		return 0, nil
	}

	log.Warn().Int("count", len(persisted)).Msg("⚠️ Found persisted positions from previous session")

	recovered := 0
	for _, t := range persisted {
		if err := r.engine.Restore(t); err != nil {
			log.Error().Err(err).Str("trade_id", t.ID).Msg("❌ Failed to recover position")
			continue
		}
		recovered++
		log.Warn().
			Str("trade_id", t.ID).
			Str("strategy", t.Strategy).
			Str("size", t.Size.StringFixed(2)).
			Time("opened_at", t.OpenedAt).
			Msg("📥 Recovered position")
	}

	log.Info().Int("recovered", recovered).Msg("✅ Position recovery complete")
	return recovered, nil
}

// Persist saves a trade snapshot. A nil store is a no-op.
func (r *Reconciler) Persist(ctx context.Context, t Trade) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveTrade(ctx, t)
}
