package ledger

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/types"
)

// Drift actions reported by CheckDrift.
const (
	DriftNone     = "none"
	DriftAssigned = "assigned_unknown"
	DriftLogged   = "logged"
	DriftCleared  = "cleared"
)

// DriftResult is the outcome of one drift check.
type DriftResult struct {
	Symbol string
	Drift  float64
	Action string
}

func (s *Service) recordRecon(entry types.ReconEntry) {
	entry.CreatedAt = time.Now()
	s.store.Write(func(db *gorm.DB) error {
		return db.Create(&entry).Error
	})
}

// ComputeDrift returns real quantity minus the allocation sum for a symbol.
func (s *Service) ComputeDrift(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.positions[symbol]
	if !ok {
		return 0
	}
	return ps.pos.RealQty - ps.allocSum()
}

// SyncReal replaces the real position with the broker's view. Returns true
// when a correction was made.
func (s *Service) SyncReal(symbol string, brokerQty, brokerAvg float64) bool {
	s.mu.Lock()
	ps := s.stateLocked(symbol)
	if math.Abs(ps.pos.RealQty-brokerQty) < 1e-9 {
		s.mu.Unlock()
		return false
	}

	before, _ := json.Marshal(map[string]float64{"real_qty": ps.pos.RealQty, "avg_price": ps.pos.AvgPrice})
	ps.pos.RealQty = brokerQty
	if brokerAvg > 0 {
		ps.pos.AvgPrice = brokerAvg
	}
	ps.pos.UpdatedAt = time.Now()
	after, _ := json.Marshal(map[string]float64{"real_qty": ps.pos.RealQty, "avg_price": ps.pos.AvgPrice})
	posCopy := ps.pos
	s.mu.Unlock()

	s.persistPosition(posCopy)
	s.recordRecon(types.ReconEntry{
		ReconType:   "position_sync",
		Symbol:      symbol,
		BeforeValue: string(before),
		AfterValue:  string(after),
		Action:      "real_qty_corrected",
	})
	s.logger.Warn().
		Str("symbol", symbol).
		Float64("broker_qty", brokerQty).
		Msg("real position corrected from broker")
	return true
}

// CheckDrift compares the real position against the allocation sum and
// applies the drift policy: surplus real quantity goes to the unknown
// bucket and freezes the symbol, a shortfall is logged but never
// auto-corrected, and a clean book unfreezes a drift-frozen symbol.
func (s *Service) CheckDrift(symbol string) DriftResult {
	now := time.Now()
	tol := s.cfg.Risk.DriftTolerance

	s.mu.Lock()
	ps, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return DriftResult{Symbol: symbol, Action: DriftNone}
	}
	drift := ps.pos.RealQty - ps.allocSum()

	switch {
	case drift > tol:
		before, _ := json.Marshal(map[string]any{
			"real_qty":  ps.pos.RealQty,
			"alloc_qty": ps.allocSum(),
			"frozen":    ps.pos.Frozen,
		})
		unknown, exists := ps.allocs[UnknownStrategy]
		if !exists {
			unknown = &types.Allocation{
				Symbol:     symbol,
				StrategyID: UnknownStrategy,
				CostBasis:  ps.pos.AvgPrice,
				EntryAt:    &now,
				CreatedAt:  now,
			}
			ps.allocs[UnknownStrategy] = unknown
		}
		unknown.Quantity += drift
		unknown.UpdatedAt = now
		ps.pos.Frozen = true
		cooldown := now.Add(time.Duration(s.cfg.Risk.DriftCooldownSec) * time.Second)
		ps.pos.DriftCooldownUntil = &cooldown
		ps.pos.UpdatedAt = now
		after, _ := json.Marshal(map[string]any{
			"real_qty":  ps.pos.RealQty,
			"alloc_qty": ps.allocSum(),
			"frozen":    ps.pos.Frozen,
		})
		allocCopy := *unknown
		posCopy := ps.pos
		s.mu.Unlock()

		s.persistAllocation(allocCopy)
		s.persistPosition(posCopy)
		s.recordRecon(types.ReconEntry{
			ReconType:   "allocation_drift",
			Symbol:      symbol,
			BeforeValue: string(before),
			AfterValue:  string(after),
			Action:      DriftAssigned,
			Details:     fmt.Sprintf("drift %.4f assigned to %s, symbol frozen", drift, UnknownStrategy),
		})
		s.audit.Append(audit.Record{
			EventType: audit.EventDriftDetected,
			Symbol:    symbol,
			Payload:   map[string]any{"drift": drift, "action": DriftAssigned},
		})
		s.logger.Error().
			Str("symbol", symbol).
			Float64("drift", drift).
			Msg("positive allocation drift, unknown bucket assigned and symbol frozen")
		return DriftResult{Symbol: symbol, Drift: drift, Action: DriftAssigned}

	case drift < -tol:
		s.mu.Unlock()
		s.recordRecon(types.ReconEntry{
			ReconType: "allocation_drift",
			Symbol:    symbol,
			Action:    DriftLogged,
			Details:   fmt.Sprintf("allocations exceed real position by %.4f", -drift),
		})
		s.logger.Error().
			Str("symbol", symbol).
			Float64("drift", drift).
			Msg("negative allocation drift, flagged for operator review")
		return DriftResult{Symbol: symbol, Drift: drift, Action: DriftLogged}

	default:
		_, hasUnknown := ps.allocs[UnknownStrategy]
		if ps.pos.Frozen && !hasUnknown && s.cfg.Risk.DriftAutoUnfreeze {
			ps.pos.Frozen = false
			ps.pos.DriftCooldownUntil = nil
			ps.pos.UpdatedAt = now
			posCopy := ps.pos
			s.mu.Unlock()

			s.persistPosition(posCopy)
			s.audit.Append(audit.Record{
				EventType: audit.EventDriftResolved,
				Symbol:    symbol,
				Payload:   map[string]any{"action": DriftCleared},
			})
			s.logger.Info().Str("symbol", symbol).Msg("drift cleared, symbol unfrozen")
			return DriftResult{Symbol: symbol, Drift: drift, Action: DriftCleared}
		}
		s.mu.Unlock()
		return DriftResult{Symbol: symbol, Drift: drift, Action: DriftNone}
	}
}

// ResolveDrift is the operator action for a frozen symbol: reassign the
// unknown bucket to a strategy, or drop it entirely when the quantity was
// handled outside the system. The symbol unfreezes once the book is clean.
func (s *Service) ResolveDrift(symbol, assignTo string) error {
	now := time.Now()

	s.mu.Lock()
	ps, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown symbol %s", symbol)
	}
	unknown, ok := ps.allocs[UnknownStrategy]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no unresolved drift on %s", symbol)
	}

	var target types.Allocation
	if assignTo != "" && assignTo != UnknownStrategy {
		a, exists := ps.allocs[assignTo]
		if !exists {
			a = &types.Allocation{
				Symbol:     symbol,
				StrategyID: assignTo,
				EntryAt:    &now,
				CreatedAt:  now,
			}
			ps.allocs[assignTo] = a
		}
		total := a.CostBasis*a.Quantity + unknown.CostBasis*unknown.Quantity
		a.Quantity += unknown.Quantity
		if a.Quantity != 0 {
			a.CostBasis = total / a.Quantity
		}
		a.UpdatedAt = now
		target = *a
	}
	delete(ps.allocs, UnknownStrategy)

	drift := ps.pos.RealQty - ps.allocSum()
	if math.Abs(drift) <= s.cfg.Risk.DriftTolerance {
		ps.pos.Frozen = false
		ps.pos.DriftCooldownUntil = nil
	}
	ps.pos.UpdatedAt = now
	posCopy := ps.pos
	s.mu.Unlock()

	s.deleteAllocation(symbol, UnknownStrategy)
	if target.Symbol != "" {
		s.persistAllocation(target)
	}
	s.persistPosition(posCopy)

	s.recordRecon(types.ReconEntry{
		ReconType: "allocation_drift",
		Symbol:    symbol,
		Action:    "resolved",
		Details:   fmt.Sprintf("unknown bucket assigned to %q", assignTo),
	})
	s.audit.Append(audit.Record{
		EventType: audit.EventDriftResolved,
		Symbol:    symbol,
		Payload:   map[string]any{"assigned_to": assignTo},
	})
	s.logger.Info().
		Str("symbol", symbol).
		Str("assigned_to", assignTo).
		Msg("drift resolved by operator")
	return nil
}
