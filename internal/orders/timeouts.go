package orders

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/broker"
	"github.com/ksred/trading-oms/internal/types"
)

const maxChases = 2

// Cancel pulls an order at the broker and moves it to the given terminal
// state. Orders already terminal are a no-op.
func (m *Manager) Cancel(ctx context.Context, orderID string, to types.OrderStatus, reason string) error {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok || o.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	brokerID := o.BrokerOrderID
	m.mu.Unlock()

	if brokerID != "" {
		if err := m.budget.Wait(ctx); err != nil {
			return err
		}
		if err := m.adapter.Cancel(ctx, brokerID); err != nil && !errors.Is(err, broker.ErrUnknownID) {
			m.logger.Warn().Err(err).Str("order_id", orderID).Msg("broker cancel failed")
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Status.Terminal() {
		return nil
	}
	return m.transitionLocked(o, to, map[string]any{"reason": reason})
}

// cancelAndChase pulls a stale order and, when the intent allows chasing
// and the price has not run away past the chase budget, re-submits the
// remaining quantity as a market order.
func (m *Manager) cancelAndChase(ctx context.Context, orderID string) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok || o.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	snapshot := *o
	meta := m.meta[orderID]
	m.mu.Unlock()

	if err := m.Cancel(ctx, orderID, types.OrderCancelled, "cancel_after_sec elapsed"); err != nil {
		return
	}

	remaining := snapshot.Remaining()
	if remaining <= 0 || snapshot.MaxChaseBps <= 0 || snapshot.ChaseCount >= maxChases {
		return
	}

	// Chasing only makes sense for limit orders; check the market has not
	// moved beyond the allowed band from the original limit.
	if snapshot.OrderType == types.OrderLimit && snapshot.LimitPrice > 0 {
		quote, err := m.adapter.Quote(ctx, snapshot.Symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("order_id", orderID).Msg("no quote for chase, giving up")
			return
		}
		band := snapshot.LimitPrice * snapshot.MaxChaseBps / 10000
		moved := quote.Price - snapshot.LimitPrice
		if snapshot.Side == types.SideSell {
			moved = -moved
		}
		if moved > band {
			m.logger.Info().
				Str("order_id", orderID).
				Float64("moved", moved).
				Float64("band", band).
				Msg("price beyond chase band, not chasing")
			return
		}
	}

	chaseIntent := &types.Intent{
		IntentID:       snapshot.IntentID,
		StrategyID:     snapshot.StrategyID,
		Symbol:         snapshot.Symbol,
		CancelAfterSec: snapshot.CancelAfterSec,
		MaxSlippageBps: snapshot.MaxChaseBps,
		ExpiresAt:      snapshot.ExpiresAt,
	}
	chased, err := m.CreateAndSubmit(ctx, chaseIntent, snapshot.Side, remaining, meta)
	if err != nil {
		m.logger.Warn().Err(err).Str("order_id", orderID).Msg("chase resubmit failed")
		return
	}

	m.mu.Lock()
	if c, ok := m.orders[chased.OrderID]; ok {
		c.ChaseCount = snapshot.ChaseCount + 1
		m.persist(*c)
	}
	m.mu.Unlock()

	m.audit.Append(audit.Record{
		EventType:  audit.EventOrderChased,
		OrderID:    chased.OrderID,
		IntentID:   snapshot.IntentID,
		StrategyID: snapshot.StrategyID,
		Symbol:     snapshot.Symbol,
		Payload: map[string]any{
			"replaced_order_id": orderID,
			"remaining":         remaining,
			"chase_count":       snapshot.ChaseCount + 1,
		},
	})
}

// sweepTimeouts enforces cancel-after and expiry policy across live orders.
func (m *Manager) sweepTimeouts(ctx context.Context, now time.Time) {
	for _, o := range m.Live() {
		if o.ExpiresAt != nil && now.After(*o.ExpiresAt) {
			if err := m.Cancel(ctx, o.OrderID, types.OrderExpired, "intent expired"); err == nil {
				m.logger.Info().Str("order_id", o.OrderID).Msg("order expired")
			}
			continue
		}
		if o.CancelAfterSec > 0 && o.SubmittedAt != nil &&
			now.Sub(*o.SubmittedAt) > time.Duration(o.CancelAfterSec)*time.Second {
			m.cancelAndChase(ctx, o.OrderID)
		}
	}
}

// ReconcileBroker folds the broker's view of one order into the book.
// Only broker-side terminal states are adopted; fill quantities arrive on
// the execution stream and are not trusted from polls.
func (m *Manager) ReconcileBroker(snap broker.OrderSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orderID, ok := m.byBroker[snap.BrokerOrderID]
	if !ok {
		return
	}
	o := m.orders[orderID]
	if o.Status.Terminal() || !snap.Status.Terminal() {
		return
	}
	if snap.Status == types.OrderFilled && o.FilledQty < o.Quantity {
		// Fills still in flight on the stream; leave the order live.
		return
	}
	if err := m.transitionLocked(o, snap.Status, map[string]any{"source": "reconciliation"}); err == nil {
		m.logger.Warn().
			Str("order_id", orderID).
			Str("status", string(snap.Status)).
			Msg("order state adopted from broker")
	}
}

// RunTimeouts runs the timeout sweep until ctx ends.
func (m *Manager) RunTimeouts(ctx context.Context, interval time.Duration) {
	m.logger.Info().Msg("starting order timeout sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("shutting down order timeout sweep")
			return
		case <-ticker.C:
			m.sweepTimeouts(ctx, time.Now())
		}
	}
}
