package exits

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/attribution-api/internal/auth"
	"github.com/ksred/attribution-api/internal/types"
	"github.com/ksred/attribution-api/pkg/response"
)

// GinHandlers contains HTTP handlers for exit event and position endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SubmitExitHandler handles POST requests that submit an exit event.
// Requires a valid JWT token; the token's client id is recorded as the actor.
// Request body: SubmitRequest
func (h *GinHandlers) SubmitExitHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		actor := auth.GetClientID(claims)
		if actor == "" {
			response.Unauthorized(c, "Invalid client ID in token")
			return
		}

		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		outcome, err := h.service.ProcessExit(req, actor)
		response.Handle(c, outcome, err)
	}
}

// SeedPositionHandler handles POST requests to record an open position.
// Internal surface used for provisioning and simulation.
func (h *GinHandlers) SeedPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var position types.Position
		if err := c.ShouldBindJSON(&position); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		if position.TradingAccountID == "" || position.Symbol == "" || position.Quantity <= 0 {
			response.BadRequest(c, "trading_account_id, symbol and positive quantity are required")
			return
		}

		err := h.service.SeedPosition(&position)
		response.Handle(c, position, err)
	}
}

// ListPositionsHandler handles GET requests for an account's positions.
// Query parameters: trading_account_id (required), symbol
func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := c.Query("trading_account_id")
		if accountID == "" {
			response.BadRequest(c, "trading_account_id is required")
			return
		}

		positions, err := h.service.ListPositions(accountID, c.Query("symbol"))
		response.Handle(c, positions, err)
	}
}
