package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/broker"
	"github.com/ksred/trading-oms/internal/config"
	"github.com/ksred/trading-oms/internal/database"
	"github.com/ksred/trading-oms/internal/ledger"
	"github.com/ksred/trading-oms/internal/risk"
	"github.com/ksred/trading-oms/internal/types"
)

var ErrIllegalTransition = errors.New("illegal order transition")

// transitions is the legal edge set of the order state machine. Terminal
// states have no outgoing edges; anything not listed is a bug.
var transitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderCreated:    {types.OrderSubmitting, types.OrderRejected, types.OrderFailed},
	types.OrderSubmitting: {types.OrderWorking, types.OrderRejected, types.OrderFailed},
	types.OrderWorking:    {types.OrderPartial, types.OrderFilled, types.OrderCancelled, types.OrderExpired, types.OrderRejected, types.OrderFailed},
	types.OrderPartial:    {types.OrderFilled, types.OrderCancelled, types.OrderExpired, types.OrderFailed},
}

// Legal reports whether the from->to edge exists in the state machine.
func Legal(from, to types.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Manager owns the order lifecycle: creation, broker submission with
// bounded retries, fill application and timeout enforcement. Memory is
// authoritative; rows are written through to the store best-effort.
type Manager struct {
	store   *database.Monitor
	audit   *audit.Writer
	ledger  *ledger.Service
	tracker *risk.Tracker
	adapter broker.Adapter
	budget  *broker.Budget
	breaker *broker.Breaker
	cfg     *config.Config
	logger  zerolog.Logger

	mu       sync.Mutex
	orders   map[string]*types.Order
	byBroker map[string]string
	meta     map[string]*ledger.AllocMeta
}

func NewManager(store *database.Monitor, auditW *audit.Writer, led *ledger.Service, tracker *risk.Tracker, adapter broker.Adapter, budget *broker.Budget, breaker *broker.Breaker, cfg *config.Config) *Manager {
	return &Manager{
		store:    store,
		audit:    auditW,
		ledger:   led,
		tracker:  tracker,
		adapter:  adapter,
		budget:   budget,
		breaker:  breaker,
		cfg:      cfg,
		logger:   log.With().Str("component", "order_manager").Logger(),
		orders:   make(map[string]*types.Order),
		byBroker: make(map[string]string),
		meta:     make(map[string]*ledger.AllocMeta),
	}
}

// LoadOpen rebuilds the in-memory order book from non-terminal rows at
// startup so reconciliation can pick them up.
func (m *Manager) LoadOpen() error {
	var rows []types.Order
	err := m.store.DB().
		Where("status IN ?", []types.OrderStatus{
			types.OrderCreated, types.OrderSubmitting, types.OrderWorking, types.OrderPartial,
		}).
		Find(&rows).Error
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range rows {
		o := rows[i]
		m.orders[o.OrderID] = &o
		if o.BrokerOrderID != "" {
			m.byBroker[o.BrokerOrderID] = o.OrderID
		}
	}
	m.logger.Info().Int("open_orders", len(rows)).Msg("open orders loaded")
	return nil
}

func (m *Manager) persist(o types.Order) {
	m.store.Write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			UpdateAll: true,
		}).Create(&o).Error
	})
}

// transitionLocked audits and applies a state change. The audit record is
// written before the new state is visible anywhere. Caller holds m.mu.
func (m *Manager) transitionLocked(o *types.Order, to types.OrderStatus, payload map[string]any) error {
	if !Legal(o.Status, to) {
		m.logger.Error().
			Str("order_id", o.OrderID).
			Str("from", string(o.Status)).
			Str("to", string(to)).
			Msg("illegal order transition attempted")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, to)
	}
	m.audit.Append(audit.Record{
		EventType:    audit.EventOrderTransition,
		OrderID:      o.OrderID,
		IntentID:     o.IntentID,
		StrategyID:   o.StrategyID,
		Symbol:       o.Symbol,
		StatusBefore: string(o.Status),
		StatusAfter:  string(to),
		Payload:      payload,
	})
	wasLive := o.Status == types.OrderWorking || o.Status == types.OrderPartial
	o.Status = to
	o.UpdatedAt = time.Now()
	m.persist(*o)
	if wasLive && to.Terminal() {
		m.ledger.DecWorking(o.Symbol)
	}
	return nil
}

// Get returns a copy of an order.
func (m *Manager) Get(orderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// Live returns copies of all non-terminal orders.
func (m *Manager) Live() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Order
	for _, o := range m.orders {
		if !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}

// LiveForSymbol counts non-terminal orders in one symbol.
func (m *Manager) LiveForSymbol(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.Terminal() {
			count++
		}
	}
	return count
}

// CreateAndSubmit builds an order from an approved intent and pushes it to
// the broker. Transient failures are retried with exponential backoff up
// to the configured attempt cap; exhaustion fails the order rather than
// blocking the submitting strategy.
func (m *Manager) CreateAndSubmit(ctx context.Context, intent *types.Intent, side types.Side, qty float64, meta *ledger.AllocMeta) (types.Order, error) {
	now := time.Now()
	orderType := types.OrderMarket
	if intent.LimitPrice > 0 {
		orderType = types.OrderLimit
	}
	o := &types.Order{
		OrderID:        uuid.New().String(),
		IntentID:       intent.IntentID,
		StrategyID:     intent.StrategyID,
		Symbol:         intent.Symbol,
		Side:           side,
		OrderType:      orderType,
		Quantity:       qty,
		LimitPrice:     intent.LimitPrice,
		CancelAfterSec: intent.CancelAfterSec,
		MaxChaseBps:    intent.MaxSlippageBps,
		ExpiresAt:      intent.ExpiresAt,
		Status:         types.OrderCreated,
		CreatedAt:      now,
	}

	m.mu.Lock()
	m.orders[o.OrderID] = o
	if meta != nil {
		m.meta[o.OrderID] = meta
	}
	m.persist(*o)
	m.audit.Append(audit.Record{
		EventType:  audit.EventOrderCreated,
		OrderID:    o.OrderID,
		IntentID:   o.IntentID,
		StrategyID: o.StrategyID,
		Symbol:     o.Symbol,
		Payload:    map[string]any{"side": side, "quantity": qty, "order_type": orderType},
	})
	if err := m.transitionLocked(o, types.OrderSubmitting, nil); err != nil {
		m.mu.Unlock()
		return *o, err
	}
	m.mu.Unlock()

	ack, err := m.submitWithRetry(ctx, o)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		to := types.OrderFailed
		reason := types.ReasonBrokerFailed
		if errors.Is(err, broker.ErrRejected) {
			to = types.OrderRejected
		}
		_ = m.transitionLocked(o, to, map[string]any{"error": err.Error(), "reason": reason})
		return *o, err
	}

	o.BrokerOrderID = ack.BrokerOrderID
	submitted := ack.AcceptedAt
	o.SubmittedAt = &submitted
	m.byBroker[ack.BrokerOrderID] = o.OrderID
	if err := m.transitionLocked(o, types.OrderWorking, map[string]any{"broker_order_id": ack.BrokerOrderID}); err != nil {
		return *o, err
	}
	m.ledger.IncWorking(o.Symbol)
	m.audit.Append(audit.Record{
		EventType:  audit.EventOrderSubmitted,
		OrderID:    o.OrderID,
		IntentID:   o.IntentID,
		StrategyID: o.StrategyID,
		Symbol:     o.Symbol,
		Payload:    map[string]any{"broker_order_id": ack.BrokerOrderID},
	})
	return *o, nil
}

func (m *Manager) submitWithRetry(ctx context.Context, o *types.Order) (broker.SubmitAck, error) {
	req := broker.SubmitRequest{
		OrderID:    o.OrderID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		OrderType:  o.OrderType,
		Quantity:   o.Quantity,
		LimitPrice: o.LimitPrice,
	}

	b := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.Broker.MaxSubmitTries; attempt++ {
		if !m.breaker.Allow() {
			return broker.SubmitAck{}, fmt.Errorf("broker circuit open: %w", broker.ErrTransient)
		}
		if err := m.budget.Wait(ctx); err != nil {
			return broker.SubmitAck{}, err
		}

		ack, err := m.adapter.Submit(ctx, req)
		if err == nil {
			m.breaker.Success()
			return ack, nil
		}
		m.breaker.Failure()
		if errors.Is(err, broker.ErrRejected) {
			return broker.SubmitAck{}, err
		}
		lastErr = err
		m.logger.Warn().
			Err(err).
			Str("order_id", o.OrderID).
			Int("attempt", attempt).
			Msg("broker submit failed")

		if attempt < m.cfg.Broker.MaxSubmitTries {
			select {
			case <-ctx.Done():
				return broker.SubmitAck{}, ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
	}
	return broker.SubmitAck{}, fmt.Errorf("submit retries exhausted: %w", lastErr)
}

// HandleFill folds one execution report into the order book and the
// ledger. Reports for unknown broker orders are treated as external
// executions and folded into the real position only.
func (m *Manager) HandleFill(report broker.FillReport) {
	m.mu.Lock()
	orderID, known := m.byBroker[report.BrokerOrderID]
	if !known {
		m.mu.Unlock()
		m.logger.Warn().
			Str("broker_order_id", report.BrokerOrderID).
			Str("symbol", report.Symbol).
			Msg("execution for unknown broker order, folding as external")
		m.ledger.ApplyExternalFill(types.Fill{
			ExecID:   report.ExecID,
			Symbol:   report.Symbol,
			Side:     report.Side,
			Quantity: report.Quantity,
			Price:    report.Price,
			FilledAt: report.FilledAt,
		})
		return
	}

	o := m.orders[orderID]
	if o.Status.Terminal() {
		m.mu.Unlock()
		m.logger.Debug().Str("order_id", orderID).Msg("fill for terminal order ignored")
		return
	}

	fill := types.Fill{
		ExecID:     report.ExecID,
		OrderID:    o.OrderID,
		StrategyID: o.StrategyID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   report.Quantity,
		Price:      report.Price,
		FilledAt:   report.FilledAt,
	}
	meta := m.meta[o.OrderID]
	m.mu.Unlock()

	applied, realized := m.ledger.ApplyFill(fill, meta)
	if !applied {
		return
	}
	if realized != 0 {
		m.tracker.RecordRealized(report.FilledAt.Format("2006-01-02"), o.StrategyID, realized)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	qty := report.Quantity
	if excess := o.FilledQty + qty - o.Quantity; excess > 1e-9 {
		// The ledger already carries the full execution; the order's own
		// bookkeeping never credits more than it asked for.
		m.logger.Warn().
			Str("order_id", o.OrderID).
			Str("exec_id", report.ExecID).
			Float64("excess", excess).
			Msg("broker overfill, clamping to order quantity")
		qty = o.Quantity - o.FilledQty
	}
	total := o.AvgFillPrice*o.FilledQty + report.Price*qty
	o.FilledQty += qty
	if o.FilledQty > 0 {
		o.AvgFillPrice = total / o.FilledQty
	}
	if o.FilledQty >= o.Quantity-1e-9 {
		_ = m.transitionLocked(o, types.OrderFilled, map[string]any{"exec_id": report.ExecID})
		delete(m.meta, o.OrderID)
	} else if o.Status == types.OrderWorking {
		_ = m.transitionLocked(o, types.OrderPartial, map[string]any{"exec_id": report.ExecID})
	} else {
		o.UpdatedAt = time.Now()
		m.persist(*o)
	}
}

// RunFillStream consumes the broker's execution reports until ctx ends.
func (m *Manager) RunFillStream(ctx context.Context) {
	m.logger.Info().Msg("starting fill stream consumer")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("shutting down fill stream consumer")
			return
		case report := <-m.adapter.Fills():
			m.HandleFill(report)
		}
	}
}
