package risk

import (
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/trading-oms/internal/database"
	"github.com/ksred/trading-oms/internal/types"
)

// Tracker maintains the daily risk snapshot rows, one per trade date at
// the portfolio level and one per date and strategy. Past dates are never
// touched; rolling to a new date simply starts fresh rows.
type Tracker struct {
	store *database.Monitor

	mu         sync.Mutex
	date       string
	portfolio  types.RiskDailyPortfolio
	strategies map[string]*types.RiskDailyStrategy
}

func NewTracker(store *database.Monitor) *Tracker {
	return &Tracker{
		store:      store,
		strategies: make(map[string]*types.RiskDailyStrategy),
	}
}

func (t *Tracker) rollLocked(date string) {
	if t.date == date {
		return
	}
	t.date = date
	t.portfolio = types.RiskDailyPortfolio{TradeDate: date}
	t.strategies = make(map[string]*types.RiskDailyStrategy)
}

func (t *Tracker) strategyLocked(strategyID string) *types.RiskDailyStrategy {
	row, ok := t.strategies[strategyID]
	if !ok {
		row = &types.RiskDailyStrategy{TradeDate: t.date, StrategyID: strategyID}
		t.strategies[strategyID] = row
	}
	return row
}

func (t *Tracker) persistPortfolioLocked() {
	row := t.portfolio
	t.store.Write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trade_date"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
}

func (t *Tracker) persistStrategyLocked(strategyID string) {
	row := *t.strategies[strategyID]
	t.store.Write(func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trade_date"}, {Name: "strategy_id"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
}

// RecordRealized accumulates realized P&L from a fill into both levels.
func (t *Tracker) RecordRealized(date, strategyID string, pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(date)

	t.portfolio.RealizedPnL += pnl
	t.portfolio.UpdatedAt = time.Now()
	row := t.strategyLocked(strategyID)
	row.RealizedPnL += pnl
	row.UpdatedAt = time.Now()

	t.persistPortfolioLocked()
	t.persistStrategyLocked(strategyID)
}

// UpdatePortfolio refreshes the portfolio-level snapshot from the latest
// account and exposure figures.
func (t *Tracker) UpdatePortfolio(date string, acct types.AccountState, gross float64, positions int, halted bool, haltReason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(date)

	t.portfolio.Equity = acct.Equity
	t.portfolio.BuyableCash = acct.BuyableCash
	t.portfolio.DailyPnLPct = acct.DailyPnLPct
	t.portfolio.UnrealizedPnL = acct.DailyPnL - t.portfolio.RealizedPnL
	t.portfolio.GrossExposure = gross
	t.portfolio.PositionsCount = positions
	t.portfolio.Halted = halted
	t.portfolio.HaltReason = haltReason
	t.portfolio.SafeMode = acct.SafeMode
	t.portfolio.UpdatedAt = time.Now()

	t.persistPortfolioLocked()
}

// UpdateStrategy refreshes one strategy's daily exposure snapshot.
func (t *Tracker) UpdateStrategy(date, strategyID string, exposure float64, openPositions int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(date)

	row := t.strategyLocked(strategyID)
	row.Exposure = exposure
	row.OpenPositions = openPositions
	row.UpdatedAt = time.Now()
	t.persistStrategyLocked(strategyID)
}

// Portfolio returns the current portfolio snapshot.
func (t *Tracker) Portfolio() types.RiskDailyPortfolio {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.portfolio
}

// StrategyRealized returns today's realized P&L for a strategy.
func (t *Tracker) StrategyRealized(strategyID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.strategies[strategyID]; ok {
		return row.RealizedPnL
	}
	return 0
}
