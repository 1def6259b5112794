package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/trading-oms/internal/auth"
	"github.com/ksred/trading-oms/internal/types"
	"github.com/ksred/trading-oms/pkg/response"
)

// GinHandlers contains HTTP handlers for intent and portfolio endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SubmitIntentHandler handles POST requests to submit trading intents.
// Requires a valid JWT token; the strategy id is taken from the token and
// must match the intent body when both are set.
func (h *GinHandlers) SubmitIntentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var intent types.Intent
		if err := c.ShouldBindJSON(&intent); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		claims, exists := c.Get("claims")
		if exists {
			strategyID := auth.GetStrategyID(claims)
			if strategyID != "" {
				if intent.StrategyID != "" && intent.StrategyID != strategyID {
					response.Forbidden(c, "strategy_id does not match token")
					return
				}
				intent.StrategyID = strategyID
			}
		}

		if key := c.GetHeader("Idempotency-Key"); key != "" {
			intent.IdempotencyKey = key
		}

		result := h.service.Submit(c.Request.Context(), &intent)
		response.Success(c, result)
	}
}

// GetIntentHandler handles GET requests for a processed intent.
func (h *GinHandlers) GetIntentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		intentID := c.Param("intent_id")
		if intentID == "" {
			response.BadRequest(c, "intent_id is required")
			return
		}
		intent, ok := h.service.Intent(intentID)
		if !ok {
			response.NotFound(c, "Intent not found")
			return
		}
		response.Success(c, intent)
	}
}

// GetOrderHandler handles GET requests for a single order.
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		order, ok := h.service.Order(orderID)
		if !ok {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}

// GetOrdersHandler lists open orders.
func (h *GinHandlers) GetOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.OpenOrders())
	}
}

// GetPositionsHandler lists all positions with their allocations.
func (h *GinHandlers) GetPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Positions())
	}
}

// GetPositionHandler returns one symbol's position view.
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		view, ok := h.service.PositionFor(symbol)
		if !ok {
			response.NotFound(c, "Position not found")
			return
		}
		response.Success(c, view)
	}
}

// GetAllocationsHandler lists a strategy's allocations across symbols.
func (h *GinHandlers) GetAllocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")
		if strategyID == "" {
			response.BadRequest(c, "strategy_id is required")
			return
		}
		response.Success(c, h.service.StrategyAllocations(strategyID))
	}
}

// GetAccountHandler returns the account state.
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Account())
	}
}

// HealthHandler returns the operator health summary. Degraded durability
// is reported with a 200 because the service is still trading.
func (h *GinHandlers) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Health())
	}
}

// SafeModeHandler toggles safe mode.
func (h *GinHandlers) SafeModeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Enabled bool   `json:"enabled"`
			Reason  string `json:"reason"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.service.SetSafeMode(req.Enabled, req.Reason)
		response.Success(c, h.service.Account())
	}
}

// FlattenAllHandler cancels all orders and exits all allocations.
func (h *GinHandlers) FlattenAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&req)

		submitted, errs := h.service.FlattenAll(c.Request.Context(), req.Reason)
		response.Success(c, gin.H{"exits_submitted": submitted, "errors": errs})
	}
}

// VICooldownHandler puts a symbol into a volatility interruption cooldown.
func (h *GinHandlers) VICooldownHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Symbol      string `json:"symbol" binding:"required"`
			DurationSec int    `json:"duration_sec"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		until := h.service.SetVICooldown(req.Symbol, req.DurationSec)
		response.Success(c, gin.H{"symbol": req.Symbol, "cooldown_until": until})
	}
}

// PauseStrategyHandler blocks one strategy's entries.
func (h *GinHandlers) PauseStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")
		if strategyID == "" {
			response.BadRequest(c, "strategy_id is required")
			return
		}
		h.service.PauseStrategy(strategyID)
		response.Success(c, gin.H{"strategy_id": strategyID, "paused": true})
	}
}

// ResumeStrategyHandler re-enables one strategy's entries.
func (h *GinHandlers) ResumeStrategyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		strategyID := c.Param("strategy_id")
		if strategyID == "" {
			response.BadRequest(c, "strategy_id is required")
			return
		}
		h.service.ResumeStrategy(strategyID)
		response.Success(c, gin.H{"strategy_id": strategyID, "paused": false})
	}
}

// ResolveDriftHandler clears a frozen symbol by assigning or dropping the
// unknown allocation bucket.
func (h *GinHandlers) ResolveDriftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		var req struct {
			AssignTo string `json:"assign_to"`
		}
		_ = c.ShouldBindJSON(&req)

		if err := h.service.ResolveDrift(symbol, req.AssignTo); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		view, _ := h.service.PositionFor(symbol)
		response.Success(c, view)
	}
}
