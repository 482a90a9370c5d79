package position

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/vault-api/internal/auth"
	"github.com/ksred/vault-api/pkg/response"
)

// GinHandlers contains HTTP handlers for position endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type openPositionBody struct {
	AllocationID string  `json:"allocation_id" binding:"required"`
	Symbol       string  `json:"symbol" binding:"required"`
	Side         string  `json:"side" binding:"required"`
	Collateral   float64 `json:"collateral" binding:"required"`
	Leverage     float64 `json:"leverage" binding:"required"`
	EntryPrice   float64 `json:"entry_price" binding:"required"`
}

// OpenPositionHandler handles POST requests to open a position against an
// active allocation. The allocation must belong to the token's agent.
func (h *GinHandlers) OpenPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.Param("id")
		claims, _ := c.Get("claims")
		if auth.GetAgentID(claims) != agentID {
			response.Forbidden(c, "Token agent does not match requested agent")
			return
		}

		var body openPositionBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		alloc, err := h.service.db.GetAllocation(body.AllocationID)
		if err != nil {
			response.NotFound(c, "Allocation not found")
			return
		}
		if alloc.AgentID != agentID {
			response.Forbidden(c, "Allocation belongs to another agent")
			return
		}

		position, err := h.service.OpenPosition(body.AllocationID, body.Symbol, body.Side, body.Collateral, body.Leverage, body.EntryPrice)
		response.Handle(c, position, err)
	}
}

// ownedPosition loads the position and rejects callers whose token belongs to
// a different agent.
func (h *GinHandlers) ownedPosition(c *gin.Context, positionID string) (string, bool) {
	position, err := h.service.GetPosition(positionID)
	if err != nil {
		response.NotFound(c, "Position not found")
		return "", false
	}
	claims, _ := c.Get("claims")
	if auth.GetAgentID(claims) != position.AgentID {
		response.Forbidden(c, "Position belongs to another agent")
		return "", false
	}
	return position.PositionID, true
}

type markBody struct {
	Price float64 `json:"price" binding:"required"`
}

// UpdateMarkHandler handles POST requests to refresh a position's advisory
// mark-to-market P&L.
func (h *GinHandlers) UpdateMarkHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positionID, ok := h.ownedPosition(c, c.Param("position_id"))
		if !ok {
			return
		}

		var body markBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		position, err := h.service.UpdateMark(positionID, body.Price)
		response.Handle(c, position, err)
	}
}

type closePositionBody struct {
	ExitPrice float64 `json:"exit_price" binding:"required"`
	Reason    string  `json:"reason"`
}

// ClosePositionHandler handles POST requests to close a position and settle
// its allocation.
func (h *GinHandlers) ClosePositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positionID, ok := h.ownedPosition(c, c.Param("position_id"))
		if !ok {
			return
		}

		var body closePositionBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		reason := body.Reason
		if reason == "" {
			reason = "agent_close"
		}

		result, err := h.service.ClosePosition(c.Request.Context(), positionID, body.ExitPrice, reason)
		response.Handle(c, result, err)
	}
}

// GetPositionHandler handles GET requests for one position.
func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positionID, ok := h.ownedPosition(c, c.Param("position_id"))
		if !ok {
			return
		}

		position, err := h.service.GetPosition(positionID)
		response.Handle(c, position, err)
	}
}
