package types

import "time"

// AllocationView is the read model for a single strategy allocation.
type AllocationView struct {
	StrategyID    string     `json:"strategy_id"`
	Quantity      float64    `json:"quantity"`
	CostBasis     float64    `json:"cost_basis"`
	SoftStopPrice float64    `json:"soft_stop_px,omitempty"`
	TimeStopAt    *time.Time `json:"time_stop_at,omitempty"`
	IntentID      string     `json:"intent_id,omitempty"`
}

// PositionView is the read model for a symbol position including its
// virtual allocations and lock/freeze state.
type PositionView struct {
	Symbol             string                    `json:"symbol"`
	RealQty            float64                   `json:"real_qty"`
	AvgPrice           float64                   `json:"avg_price"`
	HardStopPrice      float64                   `json:"hard_stop_px,omitempty"`
	Frozen             bool                      `json:"frozen"`
	EntryLockOwner     string                    `json:"entry_lock_owner,omitempty"`
	EntryLockUntil     *time.Time                `json:"entry_lock_until,omitempty"`
	VICooldownUntil    *time.Time                `json:"vi_cooldown_until,omitempty"`
	DriftCooldownUntil *time.Time                `json:"drift_cooldown_until,omitempty"`
	WorkingOrders      int                       `json:"working_orders"`
	Allocations        map[string]AllocationView `json:"allocations"`
}

// AccountState is the account-level snapshot consulted by the risk engine
// and served to strategies.
type AccountState struct {
	Equity            float64 `json:"equity"`
	BuyableCash       float64 `json:"buyable_cash"`
	DailyPnL          float64 `json:"daily_pnl"`
	DailyPnLPct       float64 `json:"daily_pnl_pct"`
	SafeMode          bool    `json:"safe_mode"`
	HaltNewEntries    bool    `json:"halt_new_entries"`
	FlattenInProgress bool    `json:"flatten_in_progress"`
}

// HealthStatus is the operator-facing service health summary.
type HealthStatus struct {
	Status               string  `json:"status"`
	UptimeSec            float64 `json:"uptime_sec"`
	PositionsCount       int     `json:"positions_count"`
	BrokerCircuitBreaker string  `json:"broker_circuit_breaker"`
	ReconStatus          string  `json:"recon_status"`
	Durable              bool    `json:"durable"`
	PendingWrites        int     `json:"pending_writes"`
}
