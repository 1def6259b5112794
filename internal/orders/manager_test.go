package orders

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/broker"
	"github.com/ksred/trading-oms/internal/config"
	"github.com/ksred/trading-oms/internal/database"
	"github.com/ksred/trading-oms/internal/ledger"
	"github.com/ksred/trading-oms/internal/risk"
	"github.com/ksred/trading-oms/internal/types"
)

// fakeAdapter is a scripted broker: submit outcomes are consumed in order
// and fills are pushed by the test itself.
type fakeAdapter struct {
	mu         sync.Mutex
	submitErrs []error
	submits    int
	cancelled  []string
	quotePrice float64
	fills      chan broker.FillReport
	nextID     int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{quotePrice: 100, fills: make(chan broker.FillReport, 16)}
}

func (f *fakeAdapter) Submit(_ context.Context, _ broker.SubmitRequest) (broker.SubmitAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return broker.SubmitAck{}, err
		}
	}
	f.nextID++
	return broker.SubmitAck{
		BrokerOrderID: fmt.Sprintf("BRK-%03d", f.nextID),
		AcceptedAt:    time.Now(),
	}, nil
}

func (f *fakeAdapter) Cancel(_ context.Context, brokerOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, brokerOrderID)
	return nil
}

func (f *fakeAdapter) OrderStatus(_ context.Context, brokerOrderID string) (broker.OrderSnapshot, error) {
	return broker.OrderSnapshot{}, broker.ErrUnknownID
}

func (f *fakeAdapter) OpenOrders(_ context.Context) ([]broker.OrderSnapshot, error) {
	return nil, nil
}

func (f *fakeAdapter) Positions(_ context.Context) ([]broker.PositionSnapshot, error) {
	return nil, nil
}

func (f *fakeAdapter) Account(_ context.Context) (broker.AccountSnapshot, error) {
	return broker.AccountSnapshot{Equity: 1_000_000, BuyableCash: 500_000}, nil
}

func (f *fakeAdapter) Quote(_ context.Context, symbol string) (broker.Quote, error) {
	return broker.Quote{Symbol: symbol, Price: f.quotePrice, At: time.Now()}, nil
}

func (f *fakeAdapter) Fills() <-chan broker.FillReport {
	return f.fills
}

type fixture struct {
	manager *Manager
	ledger  *ledger.Service
	adapter *fakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)
	store := database.NewMonitor(db)

	cfg := config.Default()
	auditW := audit.NewWriter(store)
	led := ledger.NewService(store, auditW, cfg)
	tracker := risk.NewTracker(store)
	adapter := newFakeAdapter()
	budget := broker.NewBudget(1000, 1000)
	breaker := broker.NewBreaker(100, time.Minute)

	return &fixture{
		manager: NewManager(store, auditW, led, tracker, adapter, budget, breaker, cfg),
		ledger:  led,
		adapter: adapter,
	}
}

func testIntent() *types.Intent {
	return &types.Intent{
		IntentID:   "int-1",
		StrategyID: "MOMENTUM",
		Symbol:     "AAPL",
		IntentType: types.IntentEnter,
		DesiredQty: 100,
	}
}

func TestLegalTransitions(t *testing.T) {
	legal := []struct {
		from, to types.OrderStatus
	}{
		{types.OrderCreated, types.OrderSubmitting},
		{types.OrderSubmitting, types.OrderWorking},
		{types.OrderSubmitting, types.OrderRejected},
		{types.OrderWorking, types.OrderPartial},
		{types.OrderWorking, types.OrderFilled},
		{types.OrderWorking, types.OrderCancelled},
		{types.OrderPartial, types.OrderFilled},
		{types.OrderPartial, types.OrderExpired},
	}
	for _, tt := range legal {
		assert.True(t, Legal(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}

	illegal := []struct {
		from, to types.OrderStatus
	}{
		{types.OrderCreated, types.OrderWorking},
		{types.OrderFilled, types.OrderWorking},
		{types.OrderCancelled, types.OrderFilled},
		{types.OrderRejected, types.OrderSubmitting},
		{types.OrderExpired, types.OrderPartial},
	}
	for _, tt := range illegal {
		assert.False(t, Legal(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCreateAndSubmitSuccess(t *testing.T) {
	f := newFixture(t)

	order, err := f.manager.CreateAndSubmit(context.Background(), testIntent(), types.SideBuy, 100, nil)

	require.NoError(t, err)
	assert.Equal(t, types.OrderWorking, order.Status)
	assert.NotEmpty(t, order.BrokerOrderID)
	assert.NotNil(t, order.SubmittedAt)
	assert.Equal(t, 1, f.adapter.submits)

	stored, ok := f.manager.Get(order.OrderID)
	require.True(t, ok)
	assert.Equal(t, types.OrderWorking, stored.Status)
	assert.Len(t, f.manager.Live(), 1)
}

func TestCreateAndSubmitRejected(t *testing.T) {
	f := newFixture(t)
	f.adapter.submitErrs = []error{broker.ErrRejected}

	order, err := f.manager.CreateAndSubmit(context.Background(), testIntent(), types.SideBuy, 100, nil)

	require.Error(t, err)
	assert.Equal(t, types.OrderRejected, order.Status)
	assert.Equal(t, 1, f.adapter.submits)
	assert.Empty(t, f.manager.Live())
}

func TestCreateAndSubmitRetriesTransient(t *testing.T) {
	f := newFixture(t)
	f.adapter.submitErrs = []error{broker.ErrTransient, nil}

	order, err := f.manager.CreateAndSubmit(context.Background(), testIntent(), types.SideBuy, 100, nil)

	require.NoError(t, err)
	assert.Equal(t, types.OrderWorking, order.Status)
	assert.Equal(t, 2, f.adapter.submits)
}

func TestCreateAndSubmitFailsAfterExhaustedRetries(t *testing.T) {
	f := newFixture(t)
	f.adapter.submitErrs = []error{broker.ErrTransient, broker.ErrTransient, broker.ErrTransient}

	order, err := f.manager.CreateAndSubmit(context.Background(), testIntent(), types.SideBuy, 100, nil)

	require.Error(t, err)
	assert.Equal(t, types.OrderFailed, order.Status)
	assert.Equal(t, 3, f.adapter.submits)
	assert.Empty(t, f.manager.Live())
}

func TestHandleFillPartialThenFilled(t *testing.T) {
	f := newFixture(t)
	order, err := f.manager.CreateAndSubmit(context.Background(), testIntent(), types.SideBuy, 100, &ledger.AllocMeta{IntentID: "int-1"})
	require.NoError(t, err)

	f.manager.HandleFill(broker.FillReport{
		ExecID:        "e1",
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      40,
		Price:         50,
		FilledAt:      time.Now(),
	})

	partial, _ := f.manager.Get(order.OrderID)
	assert.Equal(t, types.OrderPartial, partial.Status)
	assert.Equal(t, 40.0, partial.FilledQty)

	pos, ok := f.ledger.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 40.0, pos.RealQty)

	f.manager.HandleFill(broker.FillReport{
		ExecID:        "e2",
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      60,
		Price:         51,
		FilledAt:      time.Now(),
	})

	filled, _ := f.manager.Get(order.OrderID)
	assert.Equal(t, types.OrderFilled, filled.Status)
	assert.Equal(t, 100.0, filled.FilledQty)
	assert.InDelta(t, 50.6, filled.AvgFillPrice, 0.001)
	assert.Empty(t, f.manager.Live())

	pos, _ = f.ledger.Position("AAPL")
	assert.Equal(t, 100.0, pos.RealQty)
	assert.Zero(t, f.ledger.ComputeDrift("AAPL"))
}

func TestHandleFillOverfillClampedToOrderQuantity(t *testing.T) {
	f := newFixture(t)
	order, err := f.manager.CreateAndSubmit(context.Background(), testIntent(), types.SideBuy, 100, nil)
	require.NoError(t, err)

	// The broker reports 120 across two executions for a 100 order. The
	// ledger keeps the real quantity; the order never credits more than it
	// asked for.
	for i, qty := range []float64{60, 60} {
		f.manager.HandleFill(broker.FillReport{
			ExecID:        fmt.Sprintf("e%d", i+1),
			BrokerOrderID: order.BrokerOrderID,
			Symbol:        "AAPL",
			Side:          types.SideBuy,
			Quantity:      qty,
			Price:         50,
			FilledAt:      time.Now(),
		})
	}

	stored, _ := f.manager.Get(order.OrderID)
	assert.Equal(t, types.OrderFilled, stored.Status)
	assert.Equal(t, 100.0, stored.FilledQty)
	assert.Equal(t, 50.0, stored.AvgFillPrice)

	pos, _ := f.ledger.Position("AAPL")
	assert.Equal(t, 120.0, pos.RealQty)
}

func TestHandleFillDuplicateExecIgnored(t *testing.T) {
	f := newFixture(t)
	order, err := f.manager.CreateAndSubmit(context.Background(), testIntent(), types.SideBuy, 100, nil)
	require.NoError(t, err)

	report := broker.FillReport{
		ExecID:        "e1",
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      40,
		Price:         50,
		FilledAt:      time.Now(),
	}
	f.manager.HandleFill(report)
	f.manager.HandleFill(report)

	stored, _ := f.manager.Get(order.OrderID)
	assert.Equal(t, 40.0, stored.FilledQty)
	pos, _ := f.ledger.Position("AAPL")
	assert.Equal(t, 40.0, pos.RealQty)
}

func TestHandleFillUnknownBrokerOrderFoldsExternally(t *testing.T) {
	f := newFixture(t)

	f.manager.HandleFill(broker.FillReport{
		ExecID:        "e1",
		BrokerOrderID: "EXT-001",
		Symbol:        "TSLA",
		Side:          types.SideBuy,
		Quantity:      25,
		Price:         200,
		FilledAt:      time.Now(),
	})

	pos, ok := f.ledger.Position("TSLA")
	require.True(t, ok)
	assert.Equal(t, 25.0, pos.RealQty)

	// No strategy owns the quantity, so the next drift check flags it.
	result := f.ledger.CheckDrift("TSLA")
	assert.Equal(t, ledger.DriftAssigned, result.Action)
}

func TestCancelMovesToTerminal(t *testing.T) {
	f := newFixture(t)
	order, err := f.manager.CreateAndSubmit(context.Background(), testIntent(), types.SideBuy, 100, nil)
	require.NoError(t, err)

	require.NoError(t, f.manager.Cancel(context.Background(), order.OrderID, types.OrderCancelled, "test"))

	stored, _ := f.manager.Get(order.OrderID)
	assert.Equal(t, types.OrderCancelled, stored.Status)
	assert.Equal(t, []string{order.BrokerOrderID}, f.adapter.cancelled)

	// Cancelling again is a no-op.
	require.NoError(t, f.manager.Cancel(context.Background(), order.OrderID, types.OrderCancelled, "test"))
	assert.Len(t, f.adapter.cancelled, 1)
}

func TestSweepExpiresOrders(t *testing.T) {
	f := newFixture(t)
	intent := testIntent()
	expiry := time.Now().Add(-time.Second)
	intent.ExpiresAt = &expiry

	order, err := f.manager.CreateAndSubmit(context.Background(), intent, types.SideBuy, 100, nil)
	require.NoError(t, err)

	f.manager.sweepTimeouts(context.Background(), time.Now())

	stored, _ := f.manager.Get(order.OrderID)
	assert.Equal(t, types.OrderExpired, stored.Status)
}

func TestSweepCancelsStaleOrders(t *testing.T) {
	f := newFixture(t)
	intent := testIntent()
	intent.CancelAfterSec = 1

	order, err := f.manager.CreateAndSubmit(context.Background(), intent, types.SideBuy, 100, nil)
	require.NoError(t, err)

	f.manager.sweepTimeouts(context.Background(), time.Now().Add(5*time.Second))

	stored, _ := f.manager.Get(order.OrderID)
	assert.Equal(t, types.OrderCancelled, stored.Status)
}

func TestSweepChasesRemainingQuantity(t *testing.T) {
	f := newFixture(t)
	intent := testIntent()
	intent.CancelAfterSec = 1
	intent.MaxSlippageBps = 50
	intent.LimitPrice = 100

	order, err := f.manager.CreateAndSubmit(context.Background(), intent, types.SideBuy, 100, nil)
	require.NoError(t, err)

	// Half fills before the order goes stale.
	f.manager.HandleFill(broker.FillReport{
		ExecID:        "e1",
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Quantity:      50,
		Price:         100,
		FilledAt:      time.Now(),
	})

	f.adapter.quotePrice = 100.2 // within the 50bps chase band
	f.manager.sweepTimeouts(context.Background(), time.Now().Add(5*time.Second))

	stored, _ := f.manager.Get(order.OrderID)
	assert.Equal(t, types.OrderCancelled, stored.Status)

	live := f.manager.Live()
	require.Len(t, live, 1)
	assert.Equal(t, 50.0, live[0].Quantity)
	assert.Equal(t, 1, live[0].ChaseCount)
	assert.Equal(t, order.IntentID, live[0].IntentID)
}

func TestSweepDoesNotChaseBeyondBand(t *testing.T) {
	f := newFixture(t)
	intent := testIntent()
	intent.CancelAfterSec = 1
	intent.MaxSlippageBps = 10
	intent.LimitPrice = 100

	order, err := f.manager.CreateAndSubmit(context.Background(), intent, types.SideBuy, 100, nil)
	require.NoError(t, err)

	f.adapter.quotePrice = 101 // 100bps away, beyond the 10bps band
	f.manager.sweepTimeouts(context.Background(), time.Now().Add(5*time.Second))

	stored, _ := f.manager.Get(order.OrderID)
	assert.Equal(t, types.OrderCancelled, stored.Status)
	assert.Empty(t, f.manager.Live())
}
