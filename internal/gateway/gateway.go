package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/broker"
	"github.com/ksred/trading-oms/internal/config"
	"github.com/ksred/trading-oms/internal/database"
	"github.com/ksred/trading-oms/internal/ledger"
	"github.com/ksred/trading-oms/internal/orders"
	"github.com/ksred/trading-oms/internal/risk"
	"github.com/ksred/trading-oms/internal/types"
)

// ReconReporter is what the gateway needs from the reconciliation loop for
// health reporting.
type ReconReporter interface {
	Status() string
}

// Service is the single front door for strategy intents. Every submission
// runs validation, idempotency replay, risk gating and order placement
// under the symbol's guard, so two intents for one symbol can never
// interleave.
type Service struct {
	store   *database.Monitor
	audit   *audit.Writer
	ledger  *ledger.Service
	engine  *risk.Engine
	orders  *orders.Manager
	adapter broker.Adapter
	budget  *broker.Budget
	breaker *broker.Breaker
	cfg     *config.Config
	logger  zerolog.Logger

	recon   ReconReporter
	started time.Time

	mu     sync.Mutex
	byKey  map[string]*types.Intent
	byID   map[string]*types.Intent
}

func NewService(store *database.Monitor, auditW *audit.Writer, led *ledger.Service, engine *risk.Engine, om *orders.Manager, adapter broker.Adapter, budget *broker.Budget, breaker *broker.Breaker, cfg *config.Config) *Service {
	return &Service{
		store:   store,
		audit:   auditW,
		ledger:  led,
		engine:  engine,
		orders:  om,
		adapter: adapter,
		budget:  budget,
		breaker: breaker,
		cfg:     cfg,
		logger:  log.With().Str("component", "gateway").Logger(),
		started: time.Now(),
		byKey:   make(map[string]*types.Intent),
		byID:    make(map[string]*types.Intent),
	}
}

// SetRecon wires the reconciliation loop in after construction.
func (s *Service) SetRecon(r ReconReporter) {
	s.recon = r
}

// LoadState warms the idempotency cache from recent intent rows.
func (s *Service) LoadState(window time.Duration) error {
	var rows []types.Intent
	err := s.store.DB().
		Where("created_at > ?", time.Now().Add(-window)).
		Find(&rows).Error
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rows {
		in := rows[i]
		s.byKey[in.IdempotencyKey] = &in
		s.byID[in.IntentID] = &in
	}
	s.logger.Info().Int("intents", len(rows)).Msg("idempotency cache loaded")
	return nil
}

func (s *Service) persistIntent(in types.Intent) {
	// Rows that came back out of the store carry a primary key; clear it so
	// the upsert resolves on idempotency_key alone.
	in.Model = gorm.Model{}
	s.store.Write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			UpdateAll: true,
		}).Create(&in).Error
	})
}

// claimKey makes the key's PENDING row durable before risk runs, so a
// restart cannot re-admit the same key as fresh. The insert does nothing
// when a row for the key already exists.
func (s *Service) claimKey(in types.Intent) {
	in.Model = gorm.Model{}
	s.store.Write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).Create(&in).Error
	})
}

func (s *Service) result(in *types.Intent) types.IntentResult {
	return types.IntentResult{
		IntentID:    in.IntentID,
		Status:      in.Status,
		ReasonCode:  in.ReasonCode,
		Message:     in.Message,
		OrderID:     in.OrderID,
		ModifiedQty: in.ModifiedQty,
	}
}

// record finalizes the intent's outcome, caching it for idempotent replay.
func (s *Service) record(in *types.Intent, status types.IntentStatus, reason, msg string) {
	in.Status = status
	in.ReasonCode = reason
	in.Message = msg
	in.UpdatedAt = time.Now()

	s.mu.Lock()
	s.byKey[in.IdempotencyKey] = in
	s.byID[in.IntentID] = in
	s.mu.Unlock()
	s.persistIntent(*in)
}

// Intent returns a processed intent by id, falling back to the store for
// rows that predate this process.
func (s *Service) Intent(intentID string) (types.Intent, bool) {
	s.mu.Lock()
	in, ok := s.byID[intentID]
	if ok {
		copied := *in
		s.mu.Unlock()
		return copied, true
	}
	s.mu.Unlock()

	var row types.Intent
	if err := s.store.DB().Where("intent_id = ?", intentID).First(&row).Error; err != nil {
		return types.Intent{}, false
	}
	return row, true
}

// Submit processes one intent end to end and returns the synchronous
// result. Replays of a terminal idempotency key return the recorded
// outcome without re-executing anything; a deferred key is re-evaluated
// in place.
func (s *Service) Submit(ctx context.Context, in *types.Intent) types.IntentResult {
	now := time.Now()
	if in.IntentID == "" {
		in.IntentID = uuid.New().String()
	}
	if in.IdempotencyKey == "" {
		in.IdempotencyKey = in.IntentID
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}

	// Idempotent replay first so duplicates never re-enter the pipeline.
	// The in-memory cache only covers a warm window; the durable record is
	// the intents row behind its unique key constraint.
	s.mu.Lock()
	prev, seen := s.byKey[in.IdempotencyKey]
	s.mu.Unlock()
	if !seen {
		var row types.Intent
		if err := s.store.DB().Where("idempotency_key = ?", in.IdempotencyKey).First(&row).Error; err == nil {
			prev = &row
			seen = true
			s.mu.Lock()
			s.byKey[prev.IdempotencyKey] = prev
			s.byID[prev.IntentID] = prev
			s.mu.Unlock()
		}
	}
	if seen {
		if prev.Terminal() {
			s.logger.Info().
				Str("intent_id", prev.IntentID).
				Str("idempotency_key", in.IdempotencyKey).
				Msg("duplicate submission, replaying recorded result")
			return s.result(prev)
		}
		// Deferred earlier; re-evaluate the original row.
		in = prev
	}

	s.audit.Append(audit.Record{
		EventType:  audit.EventIntentReceived,
		IntentID:   in.IntentID,
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		Payload:    map[string]any{"intent_type": in.IntentType, "quantity": in.Qty()},
	})

	if err := in.Validate(now); err != nil {
		s.record(in, types.IntentRejected, types.ReasonValidation, err.Error())
		s.audit.Append(audit.Record{
			EventType: audit.EventIntentRejected,
			IntentID:  in.IntentID,
			Symbol:    in.Symbol,
			Payload:   map[string]any{"reason": types.ReasonValidation, "error": err.Error()},
		})
		return s.result(in)
	}

	if !seen {
		in.Status = types.IntentPending
		s.mu.Lock()
		s.byKey[in.IdempotencyKey] = in
		s.byID[in.IntentID] = in
		s.mu.Unlock()
		s.claimKey(*in)
	}

	// All per-symbol work happens under the symbol guard.
	guard := s.ledger.Guard(in.Symbol)
	guard.Lock()
	defer guard.Unlock()

	snap := s.snapshot(ctx, in, now)
	decision := s.engine.Check(in, snap)

	switch decision.Verdict {
	case risk.VerdictReject:
		s.record(in, types.IntentRejected, decision.ReasonCode, decision.Message)
		s.audit.Append(audit.Record{
			EventType:  audit.EventIntentRejected,
			IntentID:   in.IntentID,
			StrategyID: in.StrategyID,
			Symbol:     in.Symbol,
			Payload:    map[string]any{"reason": decision.ReasonCode},
		})
		return s.result(in)

	case risk.VerdictDefer:
		s.record(in, types.IntentDeferred, decision.ReasonCode, decision.Message)
		s.audit.Append(audit.Record{
			EventType:  audit.EventIntentDeferred,
			IntentID:   in.IntentID,
			StrategyID: in.StrategyID,
			Symbol:     in.Symbol,
			Payload:    map[string]any{"reason": decision.ReasonCode, "retry_after_sec": decision.RetryAfterSec},
		})
		res := s.result(in)
		res.RetryAfterSec = decision.RetryAfterSec
		return res
	}

	// Approved. Entries claim the symbol before any order goes out.
	if decision.Side == types.SideBuy {
		ok, owner, until := s.ledger.AcquireEntryLock(in.Symbol, in.StrategyID, s.cfg.EntryLockTTL(in.StrategyID))
		if !ok {
			s.record(in, types.IntentDeferred, types.ReasonSymbolLocked, "entry lock held by "+owner)
			res := s.result(in)
			res.RetryAfterSec = time.Until(until).Seconds()
			return res
		}
	}

	meta := &ledger.AllocMeta{
		IntentID:      in.IntentID,
		SoftStopPrice: in.StopPrice,
		HardStopPrice: in.HardStopPrice,
	}
	order, err := s.orders.CreateAndSubmit(ctx, in, decision.Side, decision.Qty, meta)
	if err != nil {
		if decision.Side == types.SideBuy {
			s.ledger.ReleaseEntryLock(in.Symbol, in.StrategyID)
		}
		s.record(in, types.IntentRejected, types.ReasonBrokerFailed, err.Error())
		s.audit.Append(audit.Record{
			EventType:  audit.EventIntentRejected,
			IntentID:   in.IntentID,
			StrategyID: in.StrategyID,
			Symbol:     in.Symbol,
			Payload:    map[string]any{"reason": types.ReasonBrokerFailed, "error": err.Error()},
		})
		return s.result(in)
	}

	if decision.Verdict == risk.VerdictApproveModified {
		in.ModifiedQty = decision.Qty
		in.OrderID = order.OrderID
		s.record(in, types.IntentExecuted, decision.ReasonCode, decision.Message)
	} else {
		in.OrderID = order.OrderID
		s.record(in, types.IntentExecuted, "", "")
	}
	s.audit.Append(audit.Record{
		EventType:  audit.EventIntentExecuted,
		IntentID:   in.IntentID,
		OrderID:    order.OrderID,
		StrategyID: in.StrategyID,
		Symbol:     in.Symbol,
		Payload:    map[string]any{"quantity": decision.Qty, "side": decision.Side},
	})
	return s.result(in)
}

// snapshot assembles the risk view for one intent under the symbol guard.
func (s *Service) snapshot(ctx context.Context, in *types.Intent, now time.Time) risk.Snapshot {
	acct := s.ledger.Account()
	snap := risk.Snapshot{
		Now:               now,
		Equity:            acct.Equity,
		BuyableCash:       acct.BuyableCash,
		DailyPnLPct:       acct.DailyPnLPct,
		SafeMode:          acct.SafeMode,
		HaltNewEntries:    acct.HaltNewEntries,
		FlattenInProgress: acct.FlattenInProgress,
		StrategyPaused:    s.ledger.IsPaused(in.StrategyID),
		PositionsCount:    s.ledger.PositionsCount(),
		StrategyPositions: s.ledger.StrategyOpenPositions(in.StrategyID),
		StrategyRiskUsed:  s.ledger.StrategyRiskUsed(in.StrategyID),
		AllocationQty:     s.ledger.AllocationQty(in.Symbol, in.StrategyID),
		Sector:            s.cfg.Sectors[in.Symbol],
	}
	snap.HasStrategyAlloc = snap.AllocationQty > 0

	if pos, ok := s.ledger.Position(in.Symbol); ok {
		snap.HasPosition = pos.RealQty != 0
		snap.SymbolFrozen = pos.Frozen
		snap.VICooldownUntil = pos.VICooldownUntil
		snap.DriftCooldownUntil = pos.DriftCooldownUntil
		if pos.EntryLockUntil != nil && now.Before(*pos.EntryLockUntil) {
			snap.LockOwner = pos.EntryLockOwner
			snap.LockUntil = pos.EntryLockUntil
		}
	}

	prices := map[string]float64{}
	if s.budget.Allow() && s.breaker.Allow() {
		if quote, err := s.adapter.Quote(ctx, in.Symbol); err == nil {
			s.breaker.Success()
			snap.Price = quote.Price
			prices[in.Symbol] = quote.Price
		} else {
			s.breaker.Failure()
			s.logger.Warn().Err(err).Str("symbol", in.Symbol).Msg("quote failed")
		}
	}
	if snap.Price == 0 && in.EntryPrice > 0 {
		// Fall back to the strategy's own reference price.
		snap.Price = in.EntryPrice
		prices[in.Symbol] = in.EntryPrice
	}

	snap.GrossExposure = s.ledger.GrossExposure(prices)
	snap.SectorExposure = s.ledger.SectorExposure(snap.Sector, prices)
	if pos, ok := s.ledger.Position(in.Symbol); ok && snap.Price > 0 {
		snap.SymbolNotional = pos.RealQty * snap.Price
	}
	return snap
}
