package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Cooldown after a drawdown breach
// ═══════════════════════════════════════════════════════════════════════════════
//
//   armed ──trip──▶ tripped ──cooldown elapsed + Check──▶ armed
//
// ═══════════════════════════════════════════════════════════════════════════════

type CircuitBreaker struct {
	mu sync.RWMutex

	cooldownDuration time.Duration

	tripped   bool
	trippedAt time.Time
	reason    string
	trips     int
}

// NewCircuitBreaker creates an armed breaker
func NewCircuitBreaker(cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{cooldownDuration: cooldown}
}

// Check reports whether the breaker is still cooling down at now. An expired
// breaker is cleared and reports false.
func (cb *CircuitBreaker) Check(now time.Time) (active bool, remaining time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.tripped {
		return false, 0
	}
	elapsed := now.Sub(cb.trippedAt)
	if elapsed < cb.cooldownDuration {
		return true, cb.cooldownDuration - elapsed
	}

	cb.tripped = false
	cb.reason = ""
	log.Info().Dur("cooldown", cb.cooldownDuration).Msg("✅ Circuit breaker reset after cooldown")
	return false, 0
}

// Trip activates the breaker at the given time
func (cb *CircuitBreaker) Trip(reason string, at time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = true
	cb.trippedAt = at
	cb.reason = reason
	cb.trips++
	log.Error().
		Str("reason", reason).
		Dur("cooldown", cb.cooldownDuration).
		Msg("🚨 CIRCUIT BREAKER TRIPPED")
}

// IsTripped returns current trip state without clearing it
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.tripped
}

// BreakerStats is a snapshot for status output
type BreakerStats struct {
	Tripped   bool      `json:"tripped"`
	TrippedAt time.Time `json:"trippedAt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Trips     int       `json:"trips"`
}

// Stats returns circuit breaker statistics
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return BreakerStats{Tripped: cb.tripped, TrippedAt: cb.trippedAt, Reason: cb.reason, Trips: cb.trips}
}

// ForceReset manually clears the breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tripped = false
	cb.reason = ""
	log.Info().Msg("Circuit breaker manually reset")
}
