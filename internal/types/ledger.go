package types

import (
	"time"

	"gorm.io/gorm"
)

// Position is the real broker position for a symbol, one row per symbol.
// real_qty and avg_price are written only by fill application and by
// reconciliation.
type Position struct {
	gorm.Model         `json:"-"`
	Symbol             string     `gorm:"uniqueIndex" json:"symbol"`
	RealQty            float64    `json:"real_qty"`
	AvgPrice           float64    `json:"avg_price"`
	HardStopPrice      float64    `json:"hard_stop_px,omitempty"`
	Frozen             bool       `json:"frozen"`
	EntryLockOwner     string     `json:"entry_lock_owner,omitempty"`
	EntryLockUntil     *time.Time `json:"entry_lock_until,omitempty"`
	VICooldownUntil    *time.Time `json:"vi_cooldown_until,omitempty"`
	DriftCooldownUntil *time.Time `json:"drift_cooldown_until,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Allocation is a strategy's virtual share of a symbol's real position.
// Invariant: the per-symbol sum of allocation quantities equals the
// position's real quantity outside an active drift window.
type Allocation struct {
	gorm.Model    `json:"-"`
	Symbol        string     `gorm:"uniqueIndex:idx_alloc_symbol_strategy" json:"symbol"`
	StrategyID    string     `gorm:"uniqueIndex:idx_alloc_symbol_strategy" json:"strategy_id"`
	Quantity      float64    `json:"quantity"`
	CostBasis     float64    `json:"cost_basis"`
	SoftStopPrice float64    `json:"soft_stop_px,omitempty"`
	TimeStopAt    *time.Time `json:"time_stop_at,omitempty"`
	IntentID      string     `json:"intent_id,omitempty"`
	EntryAt       *time.Time `json:"entry_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ReconEntry records a reconciliation finding with before/after snapshots.
type ReconEntry struct {
	gorm.Model  `json:"-"`
	ReconType   string    `gorm:"index" json:"recon_type"`
	Symbol      string    `gorm:"index" json:"symbol,omitempty"`
	StrategyID  string    `json:"strategy_id,omitempty"`
	BeforeValue string    `json:"before_value,omitempty"`
	AfterValue  string    `json:"after_value,omitempty"`
	Action      string    `json:"action,omitempty"`
	Details     string    `json:"details,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RiskDailyPortfolio is the portfolio-level daily risk snapshot. A new row
// is created per trade date; rows for past dates are never mutated.
type RiskDailyPortfolio struct {
	gorm.Model     `json:"-"`
	TradeDate      string    `gorm:"uniqueIndex" json:"trade_date"`
	Equity         float64   `json:"equity"`
	BuyableCash    float64   `json:"buyable_cash"`
	RealizedPnL    float64   `json:"realized_pnl"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	DailyPnLPct    float64   `json:"daily_pnl_pct"`
	GrossExposure  float64   `json:"gross_exposure"`
	PositionsCount int       `json:"positions_count"`
	Halted         bool      `json:"halted"`
	HaltReason     string    `json:"halt_reason,omitempty"`
	SafeMode       bool      `json:"safe_mode"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RiskDailyStrategy is the per-strategy daily risk snapshot.
type RiskDailyStrategy struct {
	gorm.Model    `json:"-"`
	TradeDate     string    `gorm:"uniqueIndex:idx_risk_date_strategy" json:"trade_date"`
	StrategyID    string    `gorm:"uniqueIndex:idx_risk_date_strategy" json:"strategy_id"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	Exposure      float64   `json:"exposure"`
	OpenPositions int       `json:"open_positions"`
	Halted        bool      `json:"halted"`
	HaltReason    string    `json:"halt_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
