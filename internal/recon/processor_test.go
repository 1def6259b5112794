package recon

import (
	"context"
	"errors"
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
	"github.com/ksred/trading-oms/internal/orders"
	"github.com/ksred/trading-oms/internal/risk"
	"github.com/ksred/trading-oms/internal/types"
)

type fakeAdapter struct {
	mu           sync.Mutex
	positions    []broker.PositionSnapshot
	positionsErr error
	account      broker.AccountSnapshot
	open         []broker.OrderSnapshot
	statuses     map[string]broker.OrderSnapshot
	fills        chan broker.FillReport
	nextID       int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		account:  broker.AccountSnapshot{Equity: 1_000_000, BuyableCash: 500_000},
		statuses: map[string]broker.OrderSnapshot{},
		fills:    make(chan broker.FillReport, 16),
	}
}

func (f *fakeAdapter) Submit(_ context.Context, _ broker.SubmitRequest) (broker.SubmitAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return broker.SubmitAck{
		BrokerOrderID: fmt.Sprintf("BRK-%03d", f.nextID),
		AcceptedAt:    time.Now(),
	}, nil
}

func (f *fakeAdapter) Cancel(_ context.Context, _ string) error { return nil }

func (f *fakeAdapter) OrderStatus(_ context.Context, brokerOrderID string) (broker.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.statuses[brokerOrderID]
	if !ok {
		return broker.OrderSnapshot{}, broker.ErrUnknownID
	}
	return snap, nil
}

func (f *fakeAdapter) OpenOrders(_ context.Context) ([]broker.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open, nil
}

func (f *fakeAdapter) Positions(_ context.Context) ([]broker.PositionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.positionsErr != nil {
		return nil, f.positionsErr
	}
	return f.positions, nil
}

func (f *fakeAdapter) Account(_ context.Context) (broker.AccountSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account, nil
}

func (f *fakeAdapter) Quote(_ context.Context, symbol string) (broker.Quote, error) {
	return broker.Quote{Symbol: symbol, Price: 100, At: time.Now()}, nil
}

func (f *fakeAdapter) Fills() <-chan broker.FillReport { return f.fills }

func (f *fakeAdapter) setAccount(equity, cash float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account = broker.AccountSnapshot{Equity: equity, BuyableCash: cash}
}

type fakeClearer struct{ calls int }

func (c *fakeClearer) ClearFlatten() { c.calls++ }

type fixture struct {
	processor *Processor
	ledger    *ledger.Service
	orders    *orders.Manager
	adapter   *fakeAdapter
	clearer   *fakeClearer
	cfg       *config.Config
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
	om := orders.NewManager(store, auditW, led, tracker, adapter, budget, breaker, cfg)
	clearer := &fakeClearer{}

	return &fixture{
		processor: NewProcessor(led, om, adapter, budget, breaker, tracker, cfg, clearer),
		ledger:    led,
		orders:    om,
		adapter:   adapter,
		clearer:   clearer,
		cfg:       cfg,
	}
}

func seedAllocation(f *fixture, strategyID, symbol string, qty, price float64) {
	f.ledger.ApplyFill(types.Fill{
		ExecID:     fmt.Sprintf("seed-%s-%s", strategyID, symbol),
		OrderID:    "seed",
		StrategyID: strategyID,
		Symbol:     symbol,
		Side:       types.SideBuy,
		Quantity:   qty,
		Price:      price,
		FilledAt:   time.Now(),
	}, nil)
}

func TestCycleSyncsPositionsAndFlagsDrift(t *testing.T) {
	f := newFixture(t)
	seedAllocation(f, "MOMENTUM", "AAPL", 100, 50)

	// The broker reports 20 more shares than the allocations explain.
	f.adapter.positions = []broker.PositionSnapshot{{Symbol: "AAPL", Quantity: 120, AvgPrice: 50}}

	require.NoError(t, f.processor.Cycle(context.Background()))
	assert.Equal(t, "ok", f.processor.Status())

	view, ok := f.ledger.View("AAPL")
	require.True(t, ok)
	assert.Equal(t, 120.0, view.RealQty)
	assert.True(t, view.Frozen)
	require.Contains(t, view.Allocations, ledger.UnknownStrategy)
	assert.Equal(t, 20.0, view.Allocations[ledger.UnknownStrategy].Quantity)
}

func TestCycleZeroesPositionsGoneAtBroker(t *testing.T) {
	f := newFixture(t)
	seedAllocation(f, "MOMENTUM", "AAPL", 100, 50)

	// Broker holds nothing; the real book must follow.
	require.NoError(t, f.processor.Cycle(context.Background()))

	view, ok := f.ledger.View("AAPL")
	require.True(t, ok)
	assert.Zero(t, view.RealQty)
	// Negative drift never auto-corrects allocations.
	assert.Equal(t, 100.0, view.Allocations["MOMENTUM"].Quantity)
	assert.False(t, view.Frozen)
}

func TestCycleSyncsAccountAndEngagesDailyLossHalt(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.processor.Cycle(context.Background()))
	assert.Equal(t, 1_000_000.0, f.ledger.Account().Equity)
	assert.False(t, f.ledger.Account().HaltNewEntries)

	// Equity drops 4% intraday, past the 3% halt threshold.
	f.adapter.setAccount(960_000, 460_000)
	require.NoError(t, f.processor.Cycle(context.Background()))

	acct := f.ledger.Account()
	assert.InDelta(t, -0.04, acct.DailyPnLPct, 0.0001)
	assert.True(t, acct.HaltNewEntries)
}

func TestCycleExpiresEntryLocks(t *testing.T) {
	f := newFixture(t)
	ok, _, _ := f.ledger.AcquireEntryLock("AAPL", "MOMENTUM", -time.Second)
	require.True(t, ok)

	require.NoError(t, f.processor.Cycle(context.Background()))

	ok, _, _ = f.ledger.AcquireEntryLock("AAPL", "MEANREV", time.Minute)
	assert.True(t, ok)
	assert.Equal(t, 1, f.clearer.calls)
}

func TestCycleAdoptsBrokerTerminalOrders(t *testing.T) {
	f := newFixture(t)

	order, err := f.orders.CreateAndSubmit(context.Background(), &types.Intent{
		IntentID:   "int-1",
		StrategyID: "MOMENTUM",
		Symbol:     "AAPL",
		IntentType: types.IntentEnter,
		DesiredQty: 100,
	}, types.SideBuy, 100, nil)
	require.NoError(t, err)

	// The broker no longer lists the order as open and reports it cancelled.
	f.adapter.statuses[order.BrokerOrderID] = broker.OrderSnapshot{
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        "AAPL",
		Status:        types.OrderCancelled,
	}

	require.NoError(t, f.processor.Cycle(context.Background()))

	stored, _ := f.orders.Get(order.OrderID)
	assert.Equal(t, types.OrderCancelled, stored.Status)
	assert.Empty(t, f.orders.Live())
}

func TestCycleDegradesWhenBudgetTight(t *testing.T) {
	f := newFixture(t)
	seedAllocation(f, "MOMENTUM", "AAPL", 100, 50)
	f.adapter.positions = []broker.PositionSnapshot{{Symbol: "AAPL", Quantity: 500, AvgPrice: 50}}

	starved := broker.NewBudget(0.001, 1)
	starved.Allow() // drain the single token
	f.processor.budget = starved

	require.NoError(t, f.processor.Cycle(context.Background()))

	assert.Equal(t, "degraded", f.processor.Status())
	// No broker sync ran, so the book is untouched.
	view, _ := f.ledger.View("AAPL")
	assert.Equal(t, 100.0, view.RealQty)
}

func TestStartForcesSafeModeAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	f.cfg.Recon.IntervalSec = 1
	f.cfg.Recon.FailuresBeforeSafeMode = 2
	seedAllocation(f, "MOMENTUM", "AAPL", 100, 50)
	f.adapter.positionsErr = errors.New("broker unavailable")

	ctx, cancel := context.WithCancel(context.Background())
	go f.processor.Start(ctx)
	time.Sleep(2500 * time.Millisecond)
	cancel()

	assert.Equal(t, "failing", f.processor.Status())
	assert.True(t, f.ledger.Account().SafeMode)
}
