package broker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/trading-oms/internal/types"
)

// deterministicMock strips the randomness out so tests can rely on order
// outcomes and timing.
func deterministicMock() *Mock {
	m := NewMock(1_000_000, map[string]float64{"AAPL": 100})
	m.MinLatency = 0
	m.MaxLatency = 1
	m.RejectRate = 0
	m.FailRate = 0
	m.PartialRate = 0
	m.FillDelay = time.Millisecond
	return m
}

func waitFill(t *testing.T, m *Mock) FillReport {
	t.Helper()
	select {
	case report := <-m.Fills():
		return report
	case <-time.After(2 * time.Second):
		t.Fatal("no fill report received")
		return FillReport{}
	}
}

func TestBudgetAllowDrainsTokens(t *testing.T) {
	b := NewBudget(5, 3)

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())
	assert.Less(t, b.Tokens(), 1.0)
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	b := NewBreaker(2, 50*time.Millisecond)

	assert.True(t, b.Allow())
	assert.Equal(t, BreakerClosed, b.State())

	b.Failure()
	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// After the cooldown one probe call is admitted.
	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.Allow())

	// A failed probe re-opens immediately.
	b.Failure()
	assert.False(t, b.Allow())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.Allow())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestMockFillsSubmittedOrder(t *testing.T) {
	m := deterministicMock()

	ack, err := m.Submit(context.Background(), SubmitRequest{
		OrderID:   "ord-1",
		Symbol:    "AAPL",
		Side:      types.SideBuy,
		OrderType: types.OrderMarket,
		Quantity:  10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, ack.BrokerOrderID)

	report := waitFill(t, m)
	assert.Equal(t, ack.BrokerOrderID, report.BrokerOrderID)
	assert.Equal(t, 10.0, report.Quantity)
	assert.InDelta(t, 100, report.Price, 0.2)

	snap, err := m.OrderStatus(context.Background(), ack.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, snap.Status)

	positions, err := m.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 10.0, positions[0].Quantity)

	acct, err := m.Account(context.Background())
	require.NoError(t, err)
	assert.Less(t, acct.BuyableCash, 1_000_000.0)
}

func TestMockPartialFills(t *testing.T) {
	m := deterministicMock()
	m.PartialRate = 1

	ack, err := m.Submit(context.Background(), SubmitRequest{
		OrderID:   "ord-1",
		Symbol:    "AAPL",
		Side:      types.SideBuy,
		OrderType: types.OrderMarket,
		Quantity:  10,
	})
	require.NoError(t, err)

	first := waitFill(t, m)
	second := waitFill(t, m)
	assert.Equal(t, 10.0, first.Quantity+second.Quantity)
	assert.NotEqual(t, first.ExecID, second.ExecID)

	snap, err := m.OrderStatus(context.Background(), ack.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderFilled, snap.Status)
}

func TestMockCancelStopsFills(t *testing.T) {
	m := deterministicMock()
	m.FillDelay = time.Second

	ack, err := m.Submit(context.Background(), SubmitRequest{
		OrderID:   "ord-1",
		Symbol:    "AAPL",
		Side:      types.SideBuy,
		OrderType: types.OrderMarket,
		Quantity:  10,
	})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), ack.BrokerOrderID))

	snap, err := m.OrderStatus(context.Background(), ack.BrokerOrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, snap.Status)

	select {
	case report := <-m.Fills():
		t.Fatalf("unexpected fill after cancel: %+v", report)
	case <-time.After(1200 * time.Millisecond):
	}

	assert.Error(t, m.Cancel(context.Background(), "unknown"))
}

func TestMockInjectExternalFill(t *testing.T) {
	m := deterministicMock()

	m.InjectExternalFill("AAPL", types.SideBuy, 25, 99, true)

	report := waitFill(t, m)
	assert.True(t, strings.HasPrefix(report.BrokerOrderID, "EXT-"))
	assert.Equal(t, 25.0, report.Quantity)

	positions, err := m.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 25.0, positions[0].Quantity)
}

func TestMockQuote(t *testing.T) {
	m := deterministicMock()

	quote, err := m.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 100.0, quote.Price)

	m.SetPrice("AAPL", 105)
	quote, err = m.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 105.0, quote.Price)

	_, err = m.Quote(context.Background(), "UNKNOWN")
	assert.Error(t, err)
}
