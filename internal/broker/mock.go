package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-oms/internal/types"
)

// Mock simulates a broker gateway: submissions are acknowledged, fills
// arrive asynchronously on the fill channel, and positions and the account
// are maintained from those fills so reconciliation has a real counterparty
// to compare against.
type Mock struct {
	MinLatency   int     // in milliseconds
	MaxLatency   int     // in milliseconds
	RejectRate   float64 // 0-1, probability a submission is rejected
	FailRate     float64 // 0-1, probability of a transient API failure
	PartialRate  float64 // 0-1, probability an order fills in two pieces
	FillDelay    time.Duration

	mu        sync.Mutex
	orders    map[string]*OrderSnapshot
	positions map[string]*PositionSnapshot
	prices    map[string]float64
	cash      float64
	fills     chan FillReport
	seq       int64
}

// NewMock returns a broker with a starting cash balance and reference prices.
func NewMock(cash float64, prices map[string]float64) *Mock {
	m := &Mock{
		MinLatency:  2,
		MaxLatency:  15,
		RejectRate:  0.02,
		FailRate:    0.03,
		PartialRate: 0.25,
		FillDelay:   20 * time.Millisecond,
		orders:      make(map[string]*OrderSnapshot),
		positions:   make(map[string]*PositionSnapshot),
		prices:      make(map[string]float64),
		cash:        cash,
		fills:       make(chan FillReport, 256),
	}
	for sym, px := range prices {
		m.prices[sym] = px
	}
	return m
}

func (m *Mock) Fills() <-chan FillReport {
	return m.fills
}

func (m *Mock) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%06d", prefix, m.seq)
}

func (m *Mock) simulateLatency(ctx context.Context) error {
	latency := m.MinLatency
	if m.MaxLatency > m.MinLatency {
		latency += rand.Intn(m.MaxLatency - m.MinLatency)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(latency) * time.Millisecond):
		return nil
	}
}

// Submit accepts or rejects an order. Accepted orders fill asynchronously
// after FillDelay, possibly in two pieces.
func (m *Mock) Submit(ctx context.Context, req SubmitRequest) (SubmitAck, error) {
	logger := log.With().
		Str("component", "mock_broker").
		Str("order_id", req.OrderID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Float64("quantity", req.Quantity).
		Logger()

	if err := m.simulateLatency(ctx); err != nil {
		return SubmitAck{}, err
	}
	if rand.Float64() < m.FailRate {
		logger.Warn().Msg("simulated transient submit failure")
		return SubmitAck{}, ErrTransient
	}
	if rand.Float64() < m.RejectRate {
		logger.Warn().Msg("simulated order rejection")
		return SubmitAck{}, ErrRejected
	}

	m.mu.Lock()
	brokerID := m.nextID("BRK")
	snap := &OrderSnapshot{
		BrokerOrderID: brokerID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Status:        types.OrderWorking,
	}
	m.orders[brokerID] = snap
	price := m.priceLocked(req.Symbol)
	m.mu.Unlock()

	if req.OrderType == types.OrderLimit && req.LimitPrice > 0 {
		price = req.LimitPrice
	}

	go m.fillOrder(brokerID, req, price)

	logger.Info().Str("broker_order_id", brokerID).Msg("order accepted")
	return SubmitAck{BrokerOrderID: brokerID, AcceptedAt: time.Now()}, nil
}

func (m *Mock) fillOrder(brokerID string, req SubmitRequest, price float64) {
	time.Sleep(m.FillDelay)

	pieces := []float64{req.Quantity}
	if m.PartialRate > 0 && rand.Float64() < m.PartialRate && req.Quantity > 1 {
		first := float64(int(req.Quantity / 2))
		if first > 0 && first < req.Quantity {
			pieces = []float64{first, req.Quantity - first}
		}
	}

	for i, qty := range pieces {
		if i > 0 {
			time.Sleep(m.FillDelay)
		}
		m.mu.Lock()
		snap, ok := m.orders[brokerID]
		if !ok || snap.Status.Terminal() {
			m.mu.Unlock()
			return
		}
		snap.FilledQty += qty
		if snap.FilledQty >= snap.Quantity {
			snap.Status = types.OrderFilled
		} else {
			snap.Status = types.OrderPartial
		}
		// Executed price varies a little around the reference.
		execPrice := price * (1 + (rand.Float64()*0.002 - 0.001))
		m.applyFillLocked(req.Symbol, req.Side, qty, execPrice)
		report := FillReport{
			ExecID:        m.nextID("EXEC"),
			BrokerOrderID: brokerID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      qty,
			Price:         execPrice,
			FilledAt:      time.Now(),
		}
		m.mu.Unlock()

		select {
		case m.fills <- report:
		default:
			log.Warn().Str("exec_id", report.ExecID).Msg("fill channel full, dropping report")
		}
	}
}

// applyFillLocked folds an execution into the broker's own position book.
func (m *Mock) applyFillLocked(symbol string, side types.Side, qty, price float64) {
	pos, ok := m.positions[symbol]
	if !ok {
		pos = &PositionSnapshot{Symbol: symbol}
		m.positions[symbol] = pos
	}
	if side == types.SideBuy {
		total := pos.AvgPrice*pos.Quantity + price*qty
		pos.Quantity += qty
		if pos.Quantity > 0 {
			pos.AvgPrice = total / pos.Quantity
		}
		m.cash -= price * qty
	} else {
		pos.Quantity -= qty
		m.cash += price * qty
		if pos.Quantity <= 0 {
			delete(m.positions, symbol)
		}
	}
}

// Cancel cancels a working order. Already-terminal orders are a no-op.
func (m *Mock) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := m.simulateLatency(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.orders[brokerOrderID]
	if !ok {
		return ErrUnknownID
	}
	if !snap.Status.Terminal() {
		snap.Status = types.OrderCancelled
	}
	return nil
}

func (m *Mock) OrderStatus(ctx context.Context, brokerOrderID string) (OrderSnapshot, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return OrderSnapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.orders[brokerOrderID]
	if !ok {
		return OrderSnapshot{}, ErrUnknownID
	}
	return *snap, nil
}

func (m *Mock) OpenOrders(ctx context.Context) ([]OrderSnapshot, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []OrderSnapshot
	for _, snap := range m.orders {
		if !snap.Status.Terminal() {
			open = append(open, *snap)
		}
	}
	return open, nil
}

func (m *Mock) Positions(ctx context.Context) ([]PositionSnapshot, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PositionSnapshot, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (m *Mock) Account(ctx context.Context) (AccountSnapshot, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return AccountSnapshot{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	equity := m.cash
	for sym, pos := range m.positions {
		equity += pos.Quantity * m.priceLocked(sym)
	}
	return AccountSnapshot{Equity: equity, BuyableCash: m.cash}, nil
}

func (m *Mock) Quote(ctx context.Context, symbol string) (Quote, error) {
	if err := m.simulateLatency(ctx); err != nil {
		return Quote{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	price := m.priceLocked(symbol)
	if price == 0 {
		return Quote{}, fmt.Errorf("no price for symbol %s", symbol)
	}
	return Quote{Symbol: symbol, Price: price, At: time.Now()}, nil
}

func (m *Mock) priceLocked(symbol string) float64 {
	return m.prices[symbol]
}

// SetPrice moves a reference price, simulating market movement.
func (m *Mock) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// InjectExternalFill mutates the broker position book outside any known
// order, simulating a manual trade done in another front end. When emit is
// set an execution report with a foreign broker order id is also published.
func (m *Mock) InjectExternalFill(symbol string, side types.Side, qty, price float64, emit bool) {
	m.mu.Lock()
	m.applyFillLocked(symbol, side, qty, price)
	report := FillReport{
		ExecID:        m.nextID("EXEC"),
		BrokerOrderID: m.nextID("EXT"),
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Price:         price,
		FilledAt:      time.Now(),
	}
	m.mu.Unlock()

	if emit {
		m.fills <- report
	}
	log.Info().
		Str("component", "mock_broker").
		Str("symbol", symbol).
		Float64("quantity", qty).
		Msg("external fill injected")
}
