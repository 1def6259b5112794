package recon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-oms/internal/broker"
	"github.com/ksred/trading-oms/internal/config"
	"github.com/ksred/trading-oms/internal/ledger"
	"github.com/ksred/trading-oms/internal/orders"
	"github.com/ksred/trading-oms/internal/risk"
)

// FlattenClearer lets the loop lift the flatten flags once the book is flat.
type FlattenClearer interface {
	ClearFlatten()
}

// Processor periodically reconciles the OMS against the broker: order
// states, real positions, allocation drift, the account snapshot and lock
// expiry. The loop is the safety net for everything the live paths miss;
// a run of failed cycles forces safe mode.
type Processor struct {
	ledger  *ledger.Service
	orders  *orders.Manager
	adapter broker.Adapter
	budget  *broker.Budget
	breaker *broker.Breaker
	tracker *risk.Tracker
	cfg     *config.Config
	clearer FlattenClearer

	mu       sync.Mutex
	status   string
	failures int
	lastRun  time.Time
}

func NewProcessor(led *ledger.Service, om *orders.Manager, adapter broker.Adapter, budget *broker.Budget, breaker *broker.Breaker, tracker *risk.Tracker, cfg *config.Config, clearer FlattenClearer) *Processor {
	return &Processor{
		ledger:  led,
		orders:  om,
		adapter: adapter,
		budget:  budget,
		breaker: breaker,
		tracker: tracker,
		cfg:     cfg,
		clearer: clearer,
		status:  "starting",
	}
}

// Status reports the loop state for health checks.
func (p *Processor) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Processor) setStatus(status string) {
	p.mu.Lock()
	p.status = status
	p.lastRun = time.Now()
	p.mu.Unlock()
}

// Start begins the reconciliation loop. Blocks until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "recon").Logger()
	logger.Info().Msg("starting reconciliation loop")

	interval := time.Duration(p.cfg.Recon.IntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down reconciliation loop")
			return
		case <-ticker.C:
			if err := p.Cycle(ctx); err != nil {
				p.mu.Lock()
				p.failures++
				failures := p.failures
				p.status = "failing"
				p.mu.Unlock()
				logger.Error().Err(err).Int("consecutive_failures", failures).Msg("reconciliation cycle failed")

				if failures >= p.cfg.Recon.FailuresBeforeSafeMode {
					p.ledger.SetSafeMode(true,
						fmt.Sprintf("%d consecutive reconciliation failures", failures))
				}
				continue
			}
			p.mu.Lock()
			p.failures = 0
			p.mu.Unlock()
		}
	}
}

// Cycle runs one reconciliation pass. When the shared broker budget is
// tight the pass degrades to lock expiry only, leaving the tokens for
// trading, and does not count as a failure.
func (p *Processor) Cycle(ctx context.Context) error {
	logger := log.With().Str("component", "recon").Logger()
	now := time.Now()

	expired := p.ledger.ExpireEntryLocks(now)

	if p.budget.Tokens() < 3 || !p.breaker.Allow() {
		p.setStatus("degraded")
		logger.Warn().Float64("tokens", p.budget.Tokens()).Msg("broker budget tight, skipping broker sync")
		return nil
	}

	if err := p.syncOrders(ctx); err != nil {
		p.breaker.Failure()
		return fmt.Errorf("order sync: %w", err)
	}
	if err := p.syncPositions(ctx); err != nil {
		p.breaker.Failure()
		return fmt.Errorf("position sync: %w", err)
	}
	drifted := p.checkDrift()
	if err := p.syncAccount(ctx, now); err != nil {
		p.breaker.Failure()
		return fmt.Errorf("account sync: %w", err)
	}
	p.breaker.Success()

	if p.clearer != nil {
		p.clearer.ClearFlatten()
	}

	p.setStatus("ok")
	logger.Info().
		Int("locks_expired", expired).
		Int("symbols_drifted", drifted).
		Int("open_orders", len(p.orders.Live())).
		Msg("reconciliation heartbeat")
	return nil
}

// syncOrders adopts broker-side terminal states for orders the OMS still
// believes are live.
func (p *Processor) syncOrders(ctx context.Context) error {
	live := p.orders.Live()
	if len(live) == 0 {
		return nil
	}
	if err := p.budget.Wait(ctx); err != nil {
		return err
	}
	open, err := p.adapter.OpenOrders(ctx)
	if err != nil {
		return err
	}
	stillOpen := make(map[string]bool, len(open))
	for _, snap := range open {
		stillOpen[snap.BrokerOrderID] = true
	}

	for _, o := range live {
		if o.BrokerOrderID == "" || stillOpen[o.BrokerOrderID] {
			continue
		}
		if err := p.budget.Wait(ctx); err != nil {
			return err
		}
		snap, err := p.adapter.OrderStatus(ctx, o.BrokerOrderID)
		if err != nil {
			continue
		}
		p.orders.ReconcileBroker(snap)
	}
	return nil
}

// syncPositions corrects the real position book from the broker, including
// symbols the broker no longer holds.
func (p *Processor) syncPositions(ctx context.Context) error {
	if err := p.budget.Wait(ctx); err != nil {
		return err
	}
	positions, err := p.adapter.Positions(ctx)
	if err != nil {
		return err
	}

	atBroker := make(map[string]bool, len(positions))
	for _, pos := range positions {
		atBroker[pos.Symbol] = true
		p.ledger.SyncReal(pos.Symbol, pos.Quantity, pos.AvgPrice)
	}
	for _, symbol := range p.ledger.Symbols() {
		if atBroker[symbol] {
			continue
		}
		if pos, ok := p.ledger.Position(symbol); ok && pos.RealQty != 0 {
			p.ledger.SyncReal(symbol, 0, 0)
		}
	}
	return nil
}

func (p *Processor) checkDrift() int {
	drifted := 0
	for _, symbol := range p.ledger.Symbols() {
		result := p.ledger.CheckDrift(symbol)
		if result.Action == ledger.DriftAssigned || result.Action == ledger.DriftLogged {
			drifted++
		}
	}
	return drifted
}

// syncAccount refreshes equity and cash, enforces the daily loss halt and
// updates the daily risk rows.
func (p *Processor) syncAccount(ctx context.Context, now time.Time) error {
	if err := p.budget.Wait(ctx); err != nil {
		return err
	}
	acct, err := p.adapter.Account(ctx)
	if err != nil {
		return err
	}
	p.ledger.SetAccount(acct.Equity, acct.BuyableCash, now)

	state := p.ledger.Account()
	halted := false
	haltReason := ""
	if state.DailyPnLPct <= -p.cfg.Risk.DailyLossHaltPct {
		halted = true
		haltReason = "daily_loss_exceeded"
		if !state.HaltNewEntries {
			log.Warn().
				Str("component", "recon").
				Float64("daily_pnl_pct", state.DailyPnLPct).
				Msg("daily loss halt engaged")
			p.ledger.SetHaltNewEntries(true)
		}
	}

	date := p.ledger.TradeDate()
	p.tracker.UpdatePortfolio(date, state, p.ledger.GrossExposure(nil), p.ledger.PositionsCount(), halted, haltReason)
	for strategyID := range p.cfg.StrategyBudgets {
		p.tracker.UpdateStrategy(date, strategyID,
			p.ledger.StrategyRiskUsed(strategyID),
			p.ledger.StrategyOpenPositions(strategyID))
	}
	return nil
}
