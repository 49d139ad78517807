package coordinator

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/ksred/trade-coordinator/internal/auth"
	"github.com/ksred/trade-coordinator/internal/types"
	"github.com/ksred/trade-coordinator/pkg/response"
)

// GinHandlers contains HTTP handlers for the coordinator endpoints
type GinHandlers struct {
	coordinator *Coordinator
}

// NewGinHandlers creates a new set of HTTP handlers for the coordinator
func NewGinHandlers(coordinator *Coordinator) *GinHandlers {
	return &GinHandlers{
		coordinator: coordinator,
	}
}

// SubmitTradeHandler handles POST requests to submit trades
// Requires a valid JWT token; the token's client ID becomes the lock owner
// Request body should contain the trade parameters
func (h *GinHandlers) SubmitTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		clientID := auth.GetClientID(claims)
		if clientID == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var params types.TradeParameters
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.coordinator.Submit(c.Request.Context(), clientID, &params)
		if err != nil {
			var tradeErr *types.TradeError
			if errors.As(err, &tradeErr) {
				response.TradeFailure(c, tradeErr)
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		// Queued and duplicate submissions did not execute anything yet.
		if result.Status == StatusQueued || result.Status == StatusInProgress {
			response.Accepted(c, result)
			return
		}
		response.Success(c, result)
	}
}

// GetStatusHandler handles GET requests for a symbol's lock and
// position state
// URL parameter: symbol
func (h *GinHandlers) GetStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "Symbol is required")
			return
		}

		status, err := h.coordinator.GetStatus(symbol)
		response.Handle(c, status, err)
	}
}

// GetPositionsHandler handles GET requests for all supervised positions
func (h *GinHandlers) GetPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.coordinator.GetActivePositions())
	}
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// ClosePositionHandler handles POST requests to close one position
// URL parameter: id
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id == "" {
			response.BadRequest(c, "Position ID is required")
			return
		}

		var req closeRequest
		_ = c.ShouldBindJSON(&req) // reason is optional

		result := h.coordinator.ClosePosition(c.Request.Context(), id, req.Reason)
		if !result.Found {
			response.NotFound(c, "Position not found or already closed")
			return
		}
		if !result.Closed && result.ErrorCode != "" {
			response.TradeFailure(c, types.NewTradeError(result.ErrorCode, "%s", result.Error))
			return
		}
		response.Success(c, result)
	}
}

// CloseAllPositionsHandler handles POST requests to close every open
// position; partial failures are reported, not rolled back
func (h *GinHandlers) CloseAllPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req closeRequest
		_ = c.ShouldBindJSON(&req)

		summary := h.coordinator.CloseAllPositions(c.Request.Context(), req.Reason)
		response.Success(c, summary)
	}
}
