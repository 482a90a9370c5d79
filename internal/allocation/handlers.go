package allocation

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ksred/vault-api/internal/auth"
	"github.com/ksred/vault-api/pkg/response"
)

// GinHandlers contains HTTP handlers for capital allocation endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type requestCapitalBody struct {
	Amount   float64 `json:"amount" binding:"required"`
	Strategy string  `json:"strategy"`
	TTLHours float64 `json:"ttl_hours" binding:"required"`
	Reason   string  `json:"reason"`
}

// RequestCapitalHandler handles POST requests for new capital allocations.
// Requires an Idempotency-Key header; replays return the original allocation.
func (h *GinHandlers) RequestCapitalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		agentID := c.Param("id")
		if !tokenMatchesAgent(c, agentID) {
			return
		}
		var body requestCapitalBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		ttl := time.Duration(body.TTLHours * float64(time.Hour))
		allocation, err := h.service.RequestAllocation(c.Request.Context(), agentID, body.Amount, body.Strategy, ttl, idempotencyKey)
		response.Handle(c, allocation, err)
	}
}

type returnCapitalBody struct {
	AllocationID   string            `json:"allocation_id" binding:"required"`
	ReturnedAmount float64           `json:"returned_amount"`
	PnLMetadata    map[string]string `json:"pnl_metadata"`
}

// ReturnCapitalHandler handles POST requests to settle capital back to the
// vault. Idempotent once the allocation is terminal.
func (h *GinHandlers) ReturnCapitalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.Param("id")
		if !tokenMatchesAgent(c, agentID) {
			return
		}
		var body returnCapitalBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		alloc, err := h.service.GetAllocation(body.AllocationID)
		if err != nil {
			response.NotFound(c, "Allocation not found")
			return
		}
		if alloc.AgentID != agentID {
			response.Forbidden(c, "Allocation belongs to another agent")
			return
		}

		reason := body.PnLMetadata["reason"]
		if reason == "" {
			reason = "agent_return"
		}

		result, err := h.service.ReturnAllocation(c.Request.Context(), body.AllocationID, body.ReturnedAmount, reason)
		response.Handle(c, result, err)
	}
}

type cancelBody struct {
	AllocationID string `json:"allocation_id" binding:"required"`
}

// CancelHandler handles POST requests to abort a Pending allocation before
// its capital movement is dispatched.
func (h *GinHandlers) CancelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.Param("id")
		if !tokenMatchesAgent(c, agentID) {
			return
		}
		var body cancelBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		alloc, err := h.service.GetAllocation(body.AllocationID)
		if err != nil {
			response.NotFound(c, "Allocation not found")
			return
		}
		if alloc.AgentID != agentID {
			response.Forbidden(c, "Allocation belongs to another agent")
			return
		}

		if err := h.service.CancelAllocation(body.AllocationID); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"allocation_id": body.AllocationID, "status": "FAILED"})
	}
}

// ListAllocationsHandler handles GET requests for an agent's allocations.
func (h *GinHandlers) ListAllocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.Param("id")
		if !tokenMatchesAgent(c, agentID) {
			return
		}

		allocations, err := h.service.AllocationsForAgent(agentID)
		response.Handle(c, allocations, err)
	}
}

// tokenMatchesAgent rejects requests whose bearer token was issued to a
// different agent than the one named in the path.
func tokenMatchesAgent(c *gin.Context, agentID string) bool {
	claims, _ := c.Get("claims")
	if auth.GetAgentID(claims) != agentID {
		response.Forbidden(c, "Token agent does not match requested agent")
		return false
	}
	return true
}
