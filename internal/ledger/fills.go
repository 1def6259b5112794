package ledger

import (
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/types"
)

// AllocMeta carries the intent-derived fields stamped onto an allocation
// when an entry fill first creates it.
type AllocMeta struct {
	IntentID      string
	SoftStopPrice float64
	HardStopPrice float64
	TimeStopAt    *time.Time
}

// ApplyFill folds one execution into the position and the filling
// strategy's allocation. Duplicate exec ids are dropped. Returns whether
// the fill was applied and the realized P&L of any reduction.
func (s *Service) ApplyFill(fill types.Fill, meta *AllocMeta) (applied bool, realized float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seenExecs[fill.ExecID] {
		s.logger.Debug().Str("exec_id", fill.ExecID).Msg("duplicate execution report dropped")
		return false, 0
	}
	s.seenExecs[fill.ExecID] = true

	now := time.Now()
	ps := s.stateLocked(fill.Symbol)

	if fill.Side == types.SideBuy {
		total := ps.pos.AvgPrice*ps.pos.RealQty + fill.Price*fill.Quantity
		ps.pos.RealQty += fill.Quantity
		if ps.pos.RealQty != 0 {
			ps.pos.AvgPrice = total / ps.pos.RealQty
		}
	} else {
		realized = (fill.Price - ps.pos.AvgPrice) * fill.Quantity
		ps.pos.RealQty -= fill.Quantity
		if math.Abs(ps.pos.RealQty) < 1e-9 {
			ps.pos.RealQty = 0
			ps.pos.AvgPrice = 0
		}
	}
	if meta != nil && meta.HardStopPrice > 0 {
		ps.pos.HardStopPrice = meta.HardStopPrice
	}
	ps.pos.UpdatedAt = now

	alloc, removed := s.applyAllocationLocked(ps, fill, meta, now)

	fillRow := fill
	allocCopy := types.Allocation{}
	if alloc != nil {
		allocCopy = *alloc
	}
	posCopy := ps.pos
	symbol, strategyID := fill.Symbol, fill.StrategyID

	s.store.Write(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fillRow).Error; err != nil {
				return err
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "symbol"}},
				UpdateAll: true,
			}).Create(&posCopy).Error; err != nil {
				return err
			}
			if removed {
				return tx.Where("symbol = ? AND strategy_id = ?", symbol, strategyID).
					Delete(&types.Allocation{}).Error
			}
			if allocCopy.Symbol != "" {
				return tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "symbol"}, {Name: "strategy_id"}},
					UpdateAll: true,
				}).Create(&allocCopy).Error
			}
			return nil
		})
	})

	s.audit.Append(audit.Record{
		EventType:  audit.EventFillApplied,
		OrderID:    fill.OrderID,
		StrategyID: fill.StrategyID,
		Symbol:     fill.Symbol,
		Payload: map[string]any{
			"exec_id":  fill.ExecID,
			"side":     fill.Side,
			"quantity": fill.Quantity,
			"price":    fill.Price,
			"real_qty": posCopy.RealQty,
			"realized": realized,
		},
	})
	return true, realized
}

// applyAllocationLocked adjusts the filling strategy's allocation for one
// fill. Reductions clamp at zero; quantity the strategy never owned shows
// up later as drift, which is reconciliation's problem, not fill handling's.
func (s *Service) applyAllocationLocked(ps *positionState, fill types.Fill, meta *AllocMeta, now time.Time) (alloc *types.Allocation, removed bool) {
	a, ok := ps.allocs[fill.StrategyID]
	if fill.Side == types.SideBuy {
		if !ok {
			a = &types.Allocation{
				Symbol:     fill.Symbol,
				StrategyID: fill.StrategyID,
				EntryAt:    &now,
				CreatedAt:  now,
			}
			ps.allocs[fill.StrategyID] = a
		}
		total := a.CostBasis*a.Quantity + fill.Price*fill.Quantity
		a.Quantity += fill.Quantity
		if a.Quantity != 0 {
			a.CostBasis = total / a.Quantity
		}
		if meta != nil {
			if meta.IntentID != "" {
				a.IntentID = meta.IntentID
			}
			if meta.SoftStopPrice > 0 {
				a.SoftStopPrice = meta.SoftStopPrice
			}
			if meta.TimeStopAt != nil {
				a.TimeStopAt = meta.TimeStopAt
			}
		}
		a.UpdatedAt = now
		return a, false
	}

	if !ok {
		s.logger.Warn().
			Str("symbol", fill.Symbol).
			Str("strategy_id", fill.StrategyID).
			Msg("sell fill with no allocation")
		return nil, false
	}
	a.Quantity -= fill.Quantity
	a.UpdatedAt = now
	if a.Quantity < 1e-9 {
		delete(ps.allocs, fill.StrategyID)
		return nil, true
	}
	return a, false
}

// ApplyExternalFill folds an execution that belongs to no known order into
// the real position only. The allocation book is left alone so the next
// drift check attributes the difference to the unknown bucket.
func (s *Service) ApplyExternalFill(fill types.Fill) bool {
	s.mu.Lock()
	if s.seenExecs[fill.ExecID] {
		s.mu.Unlock()
		return false
	}
	s.seenExecs[fill.ExecID] = true

	now := time.Now()
	ps := s.stateLocked(fill.Symbol)
	if fill.Side == types.SideBuy {
		total := ps.pos.AvgPrice*ps.pos.RealQty + fill.Price*fill.Quantity
		ps.pos.RealQty += fill.Quantity
		if ps.pos.RealQty != 0 {
			ps.pos.AvgPrice = total / ps.pos.RealQty
		}
	} else {
		ps.pos.RealQty -= fill.Quantity
	}
	ps.pos.UpdatedAt = now
	posCopy := ps.pos
	fillRow := fill
	s.mu.Unlock()

	s.store.Write(func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fillRow).Error; err != nil {
				return err
			}
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "symbol"}},
				UpdateAll: true,
			}).Create(&posCopy).Error
		})
	})

	s.audit.Append(audit.Record{
		EventType: audit.EventExternalFill,
		Symbol:    fill.Symbol,
		Payload: map[string]any{
			"exec_id":  fill.ExecID,
			"side":     fill.Side,
			"quantity": fill.Quantity,
			"price":    fill.Price,
			"real_qty": posCopy.RealQty,
		},
	})
	return true
}
