package types

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type IntentType string

const (
	IntentEnter IntentType = "ENTER"
	IntentExit  IntentType = "EXIT"
	IntentScale IntentType = "SCALE"
)

type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyNormal Urgency = "NORMAL"
	UrgencyHigh   Urgency = "HIGH"
)

type TimeHorizon string

const (
	HorizonIntraday TimeHorizon = "INTRADAY"
	HorizonSwing    TimeHorizon = "SWING"
)

type IntentStatus string

const (
	IntentPending  IntentStatus = "PENDING"
	IntentExecuted IntentStatus = "EXECUTED"
	IntentRejected IntentStatus = "REJECTED"
	IntentDeferred IntentStatus = "DEFERRED"
)

// Machine-readable reason codes returned to strategies. These are stable:
// strategies branch on them to decide whether and when to retry.
const (
	ReasonValidation        = "validation"
	ReasonDuplicate         = "duplicate"
	ReasonSafeMode          = "safe_mode"
	ReasonEntriesHalted     = "entries_halted"
	ReasonFlattenInProgress = "flatten_in_progress"
	ReasonDailyLoss         = "daily_loss_exceeded"
	ReasonStrategyPaused    = "strategy_paused"
	ReasonSymbolFrozen      = "symbol_frozen"
	ReasonVICooldown        = "vi_cooldown"
	ReasonDriftCooldown     = "drift_cooldown"
	ReasonSymbolLocked      = "symbol_locked"
	ReasonMaxPositions      = "max_positions"
	ReasonStrategyPositions = "strategy_max_positions"
	ReasonExposureCap       = "exposure_cap"
	ReasonSectorCap         = "sector_cap"
	ReasonRiskBudget        = "risk_budget"
	ReasonDustOrder         = "dust_order"
	ReasonNoAllocation      = "no_allocation"
	ReasonPriceUnavailable  = "price_unavailable"
	ReasonBrokerFailed      = "broker_failed"
)

var (
	ErrMissingSymbol   = errors.New("symbol required")
	ErrMissingStrategy = errors.New("strategy_id required")
	ErrMissingQuantity = errors.New("desired_qty or target_qty required")
	ErrIntentExpired   = errors.New("intent expired")
	ErrBadIntentType   = errors.New("unknown intent type")
)

// Intent is a strategy's declarative request to change its exposure in a
// symbol. The row doubles as the durable idempotency record: IdempotencyKey
// carries a unique constraint, and the recorded result columns are what a
// replayed submission returns.
type Intent struct {
	gorm.Model     `json:"-"`
	IntentID       string      `gorm:"uniqueIndex" json:"intent_id"`
	IdempotencyKey string      `gorm:"uniqueIndex" json:"idempotency_key"`
	StrategyID     string      `gorm:"index" json:"strategy_id"`
	Symbol         string      `gorm:"index" json:"symbol"`
	IntentType     IntentType  `json:"intent_type"`
	DesiredQty     float64     `json:"desired_qty"`
	TargetQty      float64     `json:"target_qty"`
	Urgency        Urgency     `json:"urgency"`
	TimeHorizon    TimeHorizon `json:"time_horizon"`

	// Execution constraints
	LimitPrice     float64    `json:"limit_price,omitempty"`
	MaxSlippageBps float64    `json:"max_slippage_bps,omitempty"`
	CancelAfterSec int        `json:"cancel_after_sec,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	// Risk payload
	EntryPrice    float64 `json:"entry_px,omitempty"`
	StopPrice     float64 `json:"stop_px,omitempty"`
	HardStopPrice float64 `json:"hard_stop_px,omitempty"`
	RationaleCode string  `json:"rationale_code,omitempty"`

	// Recorded outcome
	Status      IntentStatus `json:"status"`
	ReasonCode  string       `json:"reason_code,omitempty"`
	Message     string       `json:"message,omitempty"`
	ModifiedQty float64      `json:"modified_qty,omitempty"`
	OrderID     string       `json:"order_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Qty returns the quantity the intent is asking for.
func (i *Intent) Qty() float64 {
	if i.DesiredQty > 0 {
		return i.DesiredQty
	}
	return i.TargetQty
}

// Terminal reports whether the recorded outcome is immutable.
func (i *Intent) Terminal() bool {
	return i.Status == IntentExecuted || i.Status == IntentRejected
}

// Validate checks the fields a strategy must supply. Malformed intents are
// rejected synchronously and never persisted as retryable.
func (i *Intent) Validate(now time.Time) error {
	if i.Symbol == "" {
		return ErrMissingSymbol
	}
	if i.StrategyID == "" {
		return ErrMissingStrategy
	}
	switch i.IntentType {
	case IntentEnter, IntentScale:
		if i.Qty() <= 0 {
			return ErrMissingQuantity
		}
	case IntentExit:
		// Exit with zero qty means "close the full allocation".
		if i.DesiredQty < 0 {
			return ErrMissingQuantity
		}
	default:
		return ErrBadIntentType
	}
	if i.ExpiresAt != nil && now.After(*i.ExpiresAt) {
		return ErrIntentExpired
	}
	return nil
}

// IntentResult is the synchronous answer returned to the submitting strategy.
type IntentResult struct {
	IntentID      string       `json:"intent_id"`
	Status        IntentStatus `json:"status"`
	ReasonCode    string       `json:"reason_code,omitempty"`
	Message       string       `json:"message,omitempty"`
	OrderID       string       `json:"order_id,omitempty"`
	ModifiedQty   float64      `json:"modified_qty,omitempty"`
	RetryAfterSec float64      `json:"retry_after_sec,omitempty"`
}
