package ledger

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/trading-oms/internal/audit"
	"github.com/ksred/trading-oms/internal/config"
	"github.com/ksred/trading-oms/internal/database"
	"github.com/ksred/trading-oms/internal/types"
)

func testStore(t *testing.T) *database.Monitor {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.NewDatabase(dsn)
	require.NoError(t, err)
	return database.NewMonitor(db)
}

func testService(t *testing.T) *Service {
	t.Helper()
	store := testStore(t)
	return NewService(store, audit.NewWriter(store), config.Default())
}

func buyFill(execID, strategyID string, qty, price float64) types.Fill {
	return types.Fill{
		ExecID:     execID,
		OrderID:    "ord-1",
		StrategyID: strategyID,
		Symbol:     "AAPL",
		Side:       types.SideBuy,
		Quantity:   qty,
		Price:      price,
		FilledAt:   time.Now(),
	}
}

func sellFill(execID, strategyID string, qty, price float64) types.Fill {
	f := buyFill(execID, strategyID, qty, price)
	f.Side = types.SideSell
	return f
}

func TestApplyFillCreatesPositionAndAllocation(t *testing.T) {
	svc := testService(t)

	applied, realized := svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), &AllocMeta{
		IntentID:      "int-1",
		SoftStopPrice: 48,
		HardStopPrice: 45,
	})

	require.True(t, applied)
	assert.Zero(t, realized)

	pos, ok := svc.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 100.0, pos.RealQty)
	assert.Equal(t, 50.0, pos.AvgPrice)
	assert.Equal(t, 45.0, pos.HardStopPrice)

	view, ok := svc.View("AAPL")
	require.True(t, ok)
	alloc := view.Allocations["MOMENTUM"]
	assert.Equal(t, 100.0, alloc.Quantity)
	assert.Equal(t, 50.0, alloc.CostBasis)
	assert.Equal(t, 48.0, alloc.SoftStopPrice)
	assert.Equal(t, "int-1", alloc.IntentID)
}

func TestApplyFillDeduplicatesExecID(t *testing.T) {
	svc := testService(t)

	applied, _ := svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)
	require.True(t, applied)

	applied, _ = svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)
	assert.False(t, applied)

	pos, _ := svc.Position("AAPL")
	assert.Equal(t, 100.0, pos.RealQty)
}

func TestApplyFillConservesAllocationSum(t *testing.T) {
	svc := testService(t)

	svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)
	svc.ApplyFill(buyFill("e2", "MEANREV", 40, 52), nil)
	svc.ApplyFill(sellFill("e3", "MOMENTUM", 30, 55), nil)

	pos, _ := svc.Position("AAPL")
	assert.Equal(t, 110.0, pos.RealQty)
	assert.Zero(t, svc.ComputeDrift("AAPL"))
}

func TestApplyFillSellRealizesAndRemovesEmptyAllocation(t *testing.T) {
	svc := testService(t)

	svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)
	applied, realized := svc.ApplyFill(sellFill("e2", "MOMENTUM", 100, 55), nil)

	require.True(t, applied)
	assert.Equal(t, 500.0, realized)

	pos, _ := svc.Position("AAPL")
	assert.Zero(t, pos.RealQty)

	view, _ := svc.View("AAPL")
	assert.NotContains(t, view.Allocations, "MOMENTUM")
}

func TestCheckDriftAssignsUnknownAndFreezes(t *testing.T) {
	store := testStore(t)
	svc := NewService(store, audit.NewWriter(store), config.Default())

	svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)
	// An external buy shows up in the real position only.
	svc.ApplyExternalFill(buyFill("e2", "", 25, 51))

	result := svc.CheckDrift("AAPL")

	require.Equal(t, DriftAssigned, result.Action)
	assert.Equal(t, 25.0, result.Drift)

	view, _ := svc.View("AAPL")
	assert.True(t, view.Frozen)
	require.Contains(t, view.Allocations, UnknownStrategy)
	assert.Equal(t, 25.0, view.Allocations[UnknownStrategy].Quantity)
	assert.NotNil(t, view.DriftCooldownUntil)

	// The recon entry carries the book before and after the assignment.
	var entry types.ReconEntry
	require.NoError(t, store.DB().
		Where("recon_type = ? AND symbol = ?", "allocation_drift", "AAPL").
		First(&entry).Error)
	assert.Equal(t, DriftAssigned, entry.Action)
	assert.JSONEq(t, `{"real_qty":125,"alloc_qty":100,"frozen":false}`, entry.BeforeValue)
	assert.JSONEq(t, `{"real_qty":125,"alloc_qty":125,"frozen":true}`, entry.AfterValue)

	// The book is consistent again, but the unknown bucket keeps the
	// symbol frozen until an operator resolves it.
	result = svc.CheckDrift("AAPL")
	assert.Equal(t, DriftNone, result.Action)
	view, _ = svc.View("AAPL")
	assert.True(t, view.Frozen)
}

func TestCheckDriftNegativeOnlyLogs(t *testing.T) {
	svc := testService(t)

	svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)
	svc.SyncReal("AAPL", 80, 50)

	result := svc.CheckDrift("AAPL")

	require.Equal(t, DriftLogged, result.Action)
	assert.Equal(t, -20.0, result.Drift)

	view, _ := svc.View("AAPL")
	assert.False(t, view.Frozen)
	assert.Equal(t, 100.0, view.Allocations["MOMENTUM"].Quantity)
}

func TestResolveDriftAssignsToStrategy(t *testing.T) {
	svc := testService(t)

	svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)
	svc.ApplyExternalFill(buyFill("e2", "", 25, 52))
	require.Equal(t, DriftAssigned, svc.CheckDrift("AAPL").Action)

	require.NoError(t, svc.ResolveDrift("AAPL", "MOMENTUM"))

	view, _ := svc.View("AAPL")
	assert.False(t, view.Frozen)
	assert.NotContains(t, view.Allocations, UnknownStrategy)
	assert.Equal(t, 125.0, view.Allocations["MOMENTUM"].Quantity)
	assert.Zero(t, svc.ComputeDrift("AAPL"))
}

func TestResolveDriftWithoutUnknownFails(t *testing.T) {
	svc := testService(t)
	svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)

	assert.Error(t, svc.ResolveDrift("AAPL", "MOMENTUM"))
	assert.Error(t, svc.ResolveDrift("TSLA", ""))
}

func TestCheckDriftAutoUnfreezesCleanBook(t *testing.T) {
	svc := testService(t)

	svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)
	svc.Freeze("AAPL")

	result := svc.CheckDrift("AAPL")

	assert.Equal(t, DriftCleared, result.Action)
	view, _ := svc.View("AAPL")
	assert.False(t, view.Frozen)
}

func TestEntryLockMutualExclusion(t *testing.T) {
	svc := testService(t)

	ok, owner, _ := svc.AcquireEntryLock("AAPL", "MOMENTUM", time.Minute)
	require.True(t, ok)
	assert.Equal(t, "MOMENTUM", owner)

	ok, owner, until := svc.AcquireEntryLock("AAPL", "MEANREV", time.Minute)
	assert.False(t, ok)
	assert.Equal(t, "MOMENTUM", owner)
	assert.True(t, until.After(time.Now()))

	// Re-entrant for the holder.
	ok, _, _ = svc.AcquireEntryLock("AAPL", "MOMENTUM", time.Minute)
	assert.True(t, ok)

	svc.ReleaseEntryLock("AAPL", "MOMENTUM")
	ok, _, _ = svc.AcquireEntryLock("AAPL", "MEANREV", time.Minute)
	assert.True(t, ok)
}

func TestEntryLockExpiry(t *testing.T) {
	svc := testService(t)

	ok, _, _ := svc.AcquireEntryLock("AAPL", "MOMENTUM", 10*time.Millisecond)
	require.True(t, ok)

	expired := svc.ExpireEntryLocks(time.Now().Add(time.Second))
	assert.Equal(t, 1, expired)

	ok, _, _ = svc.AcquireEntryLock("AAPL", "MEANREV", time.Minute)
	assert.True(t, ok)
}

func TestEntryLockExpiredLockIsClaimable(t *testing.T) {
	svc := testService(t)

	ok, _, _ := svc.AcquireEntryLock("AAPL", "MOMENTUM", -time.Second)
	require.True(t, ok)

	// No sweep has run, but the TTL has passed.
	ok, owner, _ := svc.AcquireEntryLock("AAPL", "MEANREV", time.Minute)
	assert.True(t, ok)
	assert.Equal(t, "MEANREV", owner)
}

func TestSetAccountTracksDailyPnL(t *testing.T) {
	svc := testService(t)
	now := time.Now()

	svc.SetAccount(1_000_000, 500_000, now)
	svc.SetAccount(970_000, 480_000, now.Add(time.Hour))

	acct := svc.Account()
	assert.Equal(t, 970_000.0, acct.Equity)
	assert.InDelta(t, -30_000, acct.DailyPnL, 0.01)
	assert.InDelta(t, -0.03, acct.DailyPnLPct, 0.0001)

	// A new trade date resets the baseline.
	svc.SetAccount(970_000, 480_000, now.Add(48*time.Hour))
	acct = svc.Account()
	assert.Zero(t, acct.DailyPnL)
}

func TestLoadStateRebuildsBook(t *testing.T) {
	store := testStore(t)
	cfg := config.Default()
	first := NewService(store, audit.NewWriter(store), cfg)

	first.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), &AllocMeta{IntentID: "int-1"})
	first.ApplyFill(buyFill("e2", "MEANREV", 40, 52), nil)

	second := NewService(store, audit.NewWriter(store), cfg)
	require.NoError(t, second.LoadState())

	pos, ok := second.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, 140.0, pos.RealQty)
	assert.Zero(t, second.ComputeDrift("AAPL"))

	// Replayed exec ids stay deduplicated across restarts.
	applied, _ := second.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)
	assert.False(t, applied)
}

func TestStrategyRiskUsed(t *testing.T) {
	svc := testService(t)

	svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), &AllocMeta{SoftStopPrice: 48})

	// 2.00 of stop distance across 100 shares.
	assert.Equal(t, 200.0, svc.StrategyRiskUsed("MOMENTUM"))
	assert.Zero(t, svc.StrategyRiskUsed("MEANREV"))
}

func TestGrossExposureUsesPricesWithCostFallback(t *testing.T) {
	svc := testService(t)

	svc.ApplyFill(buyFill("e1", "MOMENTUM", 100, 50), nil)

	assert.Equal(t, 5000.0, svc.GrossExposure(nil))
	assert.Equal(t, 6000.0, svc.GrossExposure(map[string]float64{"AAPL": 60}))
}
