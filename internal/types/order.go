package types

import (
	"time"

	"gorm.io/gorm"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

type OrderStatus string

const (
	OrderCreated    OrderStatus = "CREATED"
	OrderSubmitting OrderStatus = "SUBMITTING"
	OrderWorking    OrderStatus = "WORKING"
	OrderPartial    OrderStatus = "PARTIAL"
	OrderFilled     OrderStatus = "FILLED"
	OrderCancelled  OrderStatus = "CANCELLED"
	OrderRejected   OrderStatus = "REJECTED"
	OrderExpired    OrderStatus = "EXPIRED"
	OrderFailed     OrderStatus = "FAILED"
)

// Terminal reports whether no further transitions are legal from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderFailed:
		return true
	}
	return false
}

// Order is the OMS's working representation of a broker order. Rows are
// never deleted; terminal orders are retained for audit.
type Order struct {
	gorm.Model    `json:"-"`
	OrderID       string    `gorm:"uniqueIndex" json:"order_id"`
	IntentID      string    `gorm:"index" json:"intent_id"`
	StrategyID    string    `gorm:"index" json:"strategy_id"`
	Symbol        string    `gorm:"index" json:"symbol"`
	Side          Side      `json:"side"`
	OrderType     OrderType `json:"order_type"`
	Quantity      float64   `json:"quantity"`
	FilledQty     float64   `json:"filled_qty"`
	LimitPrice    float64   `json:"limit_price,omitempty"`
	AvgFillPrice  float64   `json:"avg_fill_price,omitempty"`
	BrokerOrderID string    `gorm:"index" json:"broker_order_id,omitempty"`

	// Lifecycle policy
	CancelAfterSec int        `json:"cancel_after_sec,omitempty"`
	MaxChaseBps    float64    `json:"max_chase_bps,omitempty"`
	ChaseCount     int        `json:"chase_count"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`

	Status    OrderStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQty
}

// Fill is an immutable execution report, deduplicated by the broker's
// execution id.
type Fill struct {
	gorm.Model `json:"-"`
	ExecID     string    `gorm:"uniqueIndex" json:"exec_id"`
	OrderID    string    `gorm:"index" json:"order_id"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `gorm:"index" json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	FilledAt   time.Time `json:"filled_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event is the append-only audit record written before any state change is
// reflected in a read path. Payload is a JSON blob of the triggering data.
type Event struct {
	gorm.Model   `json:"-"`
	EventID      string    `gorm:"uniqueIndex" json:"event_id"`
	EventType    string    `gorm:"index" json:"event_type"`
	OrderID      string    `gorm:"index" json:"order_id,omitempty"`
	IntentID     string    `gorm:"index" json:"intent_id,omitempty"`
	StrategyID   string    `json:"strategy_id,omitempty"`
	Symbol       string    `json:"symbol,omitempty"`
	StatusBefore string    `json:"status_before,omitempty"`
	StatusAfter  string    `json:"status_after,omitempty"`
	Payload      string    `json:"payload,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
