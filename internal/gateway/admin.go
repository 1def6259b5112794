package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/ledger"
	"github.com/ksred/trading-oms/internal/types"
)

// SetSafeMode toggles the exits-only global state.
func (s *Service) SetSafeMode(on bool, reason string) {
	s.ledger.SetSafeMode(on, reason)
}

// PauseStrategy blocks a strategy's new entries.
func (s *Service) PauseStrategy(strategyID string) {
	s.ledger.PauseStrategy(strategyID)
	s.logger.Warn().Str("strategy_id", strategyID).Msg("strategy paused")
}

func (s *Service) ResumeStrategy(strategyID string) {
	s.ledger.ResumeStrategy(strategyID)
	s.logger.Info().Str("strategy_id", strategyID).Msg("strategy resumed")
}

// ResolveDrift is the operator action to clear a frozen symbol.
func (s *Service) ResolveDrift(symbol, assignTo string) error {
	return s.ledger.ResolveDrift(symbol, assignTo)
}

// SetVICooldown blocks entries on a symbol for the given duration, or the
// configured default when durationSec is zero.
func (s *Service) SetVICooldown(symbol string, durationSec int) time.Time {
	if durationSec <= 0 {
		durationSec = s.cfg.Risk.VICooldownSec
	}
	until := time.Now().Add(time.Duration(durationSec) * time.Second)
	s.ledger.SetVICooldown(symbol, until)
	s.logger.Warn().
		Str("symbol", symbol).
		Time("until", until).
		Msg("volatility interruption cooldown set")
	return until
}

// StrategyAllocations lists one strategy's allocations keyed by symbol.
func (s *Service) StrategyAllocations(strategyID string) map[string]types.AllocationView {
	return s.ledger.StrategyAllocations(strategyID)
}

// FlattenAll cancels every live order and submits market exits for every
// open allocation. New entries stay blocked until the book is flat.
func (s *Service) FlattenAll(ctx context.Context, reason string) (submitted int, errs []string) {
	s.ledger.SetFlattenInProgress(true)
	s.ledger.SetHaltNewEntries(true)
	s.audit.Append(audit.Record{
		EventType: audit.EventFlattenAll,
		Payload:   map[string]any{"reason": reason},
	})
	s.logger.Warn().Str("reason", reason).Msg("flatten all initiated")

	for _, o := range s.orders.Live() {
		if err := s.orders.Cancel(ctx, o.OrderID, types.OrderCancelled, "flatten_all"); err != nil {
			errs = append(errs, err.Error())
		}
	}

	for _, view := range s.ledger.Views() {
		guard := s.ledger.Guard(view.Symbol)
		guard.Lock()
		for strategyID, alloc := range view.Allocations {
			if alloc.Quantity <= 0 {
				continue
			}
			exit := &types.Intent{
				IntentID:   uuid.New().String(),
				StrategyID: strategyID,
				Symbol:     view.Symbol,
				IntentType: types.IntentExit,
				DesiredQty: alloc.Quantity,
				Urgency:    types.UrgencyHigh,
				CreatedAt:  time.Now(),
			}
			meta := &ledger.AllocMeta{IntentID: exit.IntentID}
			if _, err := s.orders.CreateAndSubmit(ctx, exit, types.SideSell, alloc.Quantity, meta); err != nil {
				errs = append(errs, err.Error())
				continue
			}
			submitted++
		}
		guard.Unlock()
	}

	s.logger.Warn().Int("exits_submitted", submitted).Int("errors", len(errs)).Msg("flatten all submitted")
	return submitted, errs
}

// ClearFlatten lifts the flatten flags once the book is flat. Called by
// the reconciliation loop.
func (s *Service) ClearFlatten() {
	acct := s.ledger.Account()
	if !acct.FlattenInProgress {
		return
	}
	if s.ledger.PositionsCount() == 0 && len(s.orders.Live()) == 0 {
		s.ledger.SetFlattenInProgress(false)
		s.ledger.SetHaltNewEntries(false)
		s.logger.Info().Msg("flatten complete, entries re-enabled")
	}
}

// Health summarizes service state for operators.
func (s *Service) Health() types.HealthStatus {
	status := "ok"
	if !s.store.Durable() {
		status = "degraded"
	}
	reconStatus := "unknown"
	if s.recon != nil {
		reconStatus = s.recon.Status()
	}
	acct := s.ledger.Account()
	if acct.SafeMode {
		status = "safe_mode"
	}
	return types.HealthStatus{
		Status:               status,
		UptimeSec:            time.Since(s.started).Seconds(),
		PositionsCount:       s.ledger.PositionsCount(),
		BrokerCircuitBreaker: s.breaker.State(),
		ReconStatus:          reconStatus,
		Durable:              s.store.Durable(),
		PendingWrites:        s.store.PendingWrites(),
	}
}

// Positions exposes the ledger read models.
func (s *Service) Positions() []types.PositionView {
	views := s.ledger.Views()
	for i := range views {
		views[i].WorkingOrders = s.orders.LiveForSymbol(views[i].Symbol)
	}
	return views
}

func (s *Service) PositionFor(symbol string) (types.PositionView, bool) {
	view, ok := s.ledger.View(symbol)
	if ok {
		view.WorkingOrders = s.orders.LiveForSymbol(symbol)
	}
	return view, ok
}

func (s *Service) Account() types.AccountState {
	return s.ledger.Account()
}

// Order exposes a single order.
func (s *Service) Order(orderID string) (types.Order, bool) {
	return s.orders.Get(orderID)
}

// OpenOrders lists non-terminal orders.
func (s *Service) OpenOrders() []types.Order {
	return s.orders.Live()
}
