package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ksred/trading-oms/internal/types"
)

// Broker call failures are classified so callers can pick a recovery path:
// rate limits and transient faults are retryable, rejections are not.
var (
	ErrRateLimited = errors.New("broker rate limited")
	ErrTransient   = errors.New("broker transient failure")
	ErrRejected    = errors.New("broker rejected order")
	ErrUnknownID   = errors.New("unknown broker order id")
)

// SubmitRequest is the order the OMS hands to the broker.
type SubmitRequest struct {
	OrderID    string
	Symbol     string
	Side       types.Side
	OrderType  types.OrderType
	Quantity   float64
	LimitPrice float64
}

// SubmitAck acknowledges acceptance of a submitted order.
type SubmitAck struct {
	BrokerOrderID string
	AcceptedAt    time.Time
}

// OrderSnapshot is the broker's view of one order.
type OrderSnapshot struct {
	BrokerOrderID string
	Symbol        string
	Side          types.Side
	Quantity      float64
	FilledQty     float64
	Status        types.OrderStatus
}

// PositionSnapshot is the broker's view of one position.
type PositionSnapshot struct {
	Symbol   string
	Quantity float64
	AvgPrice float64
}

// AccountSnapshot is the broker's account summary.
type AccountSnapshot struct {
	Equity      float64
	BuyableCash float64
}

// Quote is a last-trade price for a symbol.
type Quote struct {
	Symbol string
	Price  float64
	At     time.Time
}

// FillReport is an asynchronous execution report. ExecID is unique per
// execution and is the deduplication key downstream.
type FillReport struct {
	ExecID        string
	BrokerOrderID string
	Symbol        string
	Side          types.Side
	Quantity      float64
	Price         float64
	FilledAt      time.Time
}

// Adapter is the broker connectivity surface. All calls observe ctx; blocking
// calls return early on cancellation.
type Adapter interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitAck, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	OrderStatus(ctx context.Context, brokerOrderID string) (OrderSnapshot, error)
	OpenOrders(ctx context.Context) ([]OrderSnapshot, error)
	Positions(ctx context.Context) ([]PositionSnapshot, error)
	Account(ctx context.Context) (AccountSnapshot, error)
	Quote(ctx context.Context, symbol string) (Quote, error)
	Fills() <-chan FillReport
}

// Budget is the shared broker API call budget. Order placement waits for a
// token; background consumers poll Allow and skip work when the budget is
// tight, so trading always outranks reconciliation.
type Budget struct {
	limiter *rate.Limiter
}

func NewBudget(callsPerSec float64, burst int) *Budget {
	return &Budget{limiter: rate.NewLimiter(rate.Limit(callsPerSec), burst)}
}

// Wait blocks until a call token is available or ctx is done.
func (b *Budget) Wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

// Allow consumes a token if one is immediately available.
func (b *Budget) Allow() bool {
	return b.limiter.Allow()
}

// Tokens reports the currently accumulated tokens.
func (b *Budget) Tokens() float64 {
	return b.limiter.Tokens()
}

// Breaker is a simple circuit breaker over broker calls. It opens after a
// run of consecutive failures and half-opens after a cooldown to probe.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	threshold   int
	openedAt    time.Time
	cooldown    time.Duration
	state       string
}

const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown, state: BreakerClosed}
}

// Allow reports whether a call may proceed. While open, one probe call is
// admitted per cooldown interval.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	default:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
}

// Success records a successful call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

// Failure records a failed call, opening the breaker at the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold || b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}
