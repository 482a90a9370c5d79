package recall

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/vault-api/internal/allocation"
	"github.com/ksred/vault-api/internal/ledger"
	"github.com/ksred/vault-api/internal/position"
	"github.com/ksred/vault-api/internal/types"
	"github.com/ksred/vault-api/pkg/response"
)

// Controller forces immediate closure of agents' positions and allocations,
// bypassing normal expiry. Allocations are processed independently; one
// failure never blocks the rest of the batch.
type Controller struct {
	db          *ledger.Database
	allocations *allocation.Service
	positions   *position.Service
}

func NewController(gormDB *gorm.DB, allocations *allocation.Service, positions *position.Service) *Controller {
	return &Controller{
		db:          ledger.NewDatabase(gormDB),
		allocations: allocations,
		positions:   positions,
	}
}

// RecallAgent recalls every active allocation of one agent. Open positions
// are force-closed at last-known mark; position-less allocations return at
// face value.
func (c *Controller) RecallAgent(ctx context.Context, agentID, reason string) (*types.AgentRecallSummary, error) {
	logger := log.With().
		Str("service", "recall").
		Str("agent_id", agentID).
		Str("reason", reason).
		Logger()

	allocs, err := c.db.ActiveAllocationsForAgent(agentID)
	if err != nil {
		return nil, err
	}

	logger.Info().Int("active_allocations", len(allocs)).Msg("starting agent recall")

	summary := &types.AgentRecallSummary{AgentID: agentID}
	for _, alloc := range allocs {
		result := c.recallAllocation(ctx, &alloc, reason)
		summary.Allocations = append(summary.Allocations, result)
		if result.Error != "" {
			summary.Failed++
		} else {
			summary.Recalled++
		}
	}

	logger.Info().
		Int("recalled", summary.Recalled).
		Int("failed", summary.Failed).
		Msg("agent recall completed")

	return summary, nil
}

// RecallAll recalls every agent holding active allocations.
func (c *Controller) RecallAll(ctx context.Context, reason string) ([]types.AgentRecallSummary, error) {
	agentIDs, err := c.db.GetAgentsWithActiveAllocations()
	if err != nil {
		return nil, err
	}

	summaries := make([]types.AgentRecallSummary, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		summary, err := c.RecallAgent(ctx, agentID, reason)
		if err != nil {
			// Keep going; the per-agent failure is reported in the batch.
			summaries = append(summaries, types.AgentRecallSummary{
				AgentID: agentID,
				Allocations: []types.RecallResult{
					{Error: err.Error()},
				},
				Failed: 1,
			})
			continue
		}
		summaries = append(summaries, *summary)
	}
	return summaries, nil
}

// ForceCloseAllocation implements allocation.ForcedCloser for the expiry
// sweeper: one allocation recalled outside a full agent recall.
func (c *Controller) ForceCloseAllocation(ctx context.Context, allocationID, reason string) error {
	alloc, err := c.db.GetAllocation(allocationID)
	if err != nil {
		return err
	}
	if result := c.recallAllocation(ctx, alloc, reason); result.Error != "" {
		return fmt.Errorf("forced closure of %s failed: %s", allocationID, result.Error)
	}
	return nil
}

func (c *Controller) recallAllocation(ctx context.Context, alloc *types.Allocation, reason string) types.RecallResult {
	logger := log.With().
		Str("service", "recall").
		Str("allocation_id", alloc.AllocationID).
		Logger()

	result := types.RecallResult{AllocationID: alloc.AllocationID}

	returnedAmount := alloc.Amount
	open, err := c.positions.OpenPositionForAllocation(alloc.AllocationID)
	if err != nil {
		return c.failResult(result, alloc, err)
	}

	if open != nil {
		// Force-close at the last cached mark; the venue is not consulted
		// during an emergency.
		_, amount, err := c.positions.CloseForRecall(open.PositionID, open.LastMarkPrice, "emergency_recall")
		if err != nil {
			return c.failResult(result, alloc, err)
		}
		returnedAmount = amount
		result.PositionClosed = true
		logger.Info().
			Str("position_id", open.PositionID).
			Float64("mark_price", open.LastMarkPrice).
			Msg("open position force-closed")
	}

	settled, err := c.allocations.SettleRecalled(ctx, alloc.AllocationID, returnedAmount, reason)
	if err != nil {
		return c.failResult(result, alloc, err)
	}

	result.ReturnedAmount = settled.ReturnedAmount
	return result
}

// failResult records the failure for operator follow-up and reports it in
// the batch without aborting the recall.
func (c *Controller) failResult(result types.RecallResult, alloc *types.Allocation, err error) types.RecallResult {
	result.Error = err.Error()

	if evtErr := c.db.RecordRiskEvent(&types.RiskEvent{
		AgentID:      alloc.AgentID,
		AllocationID: alloc.AllocationID,
		EventType:    types.EventRecallFailure,
		Severity:     types.SeverityCritical,
		Details:      fmt.Sprintf("recall failed: %v", err),
	}); evtErr != nil {
		log.Error().Err(evtErr).Str("allocation_id", alloc.AllocationID).Msg("failed to record recall failure")
	}

	return result
}

// GinHandlers contains HTTP handlers for emergency recall endpoints
type GinHandlers struct {
	controller *Controller
}

func NewGinHandlers(controller *Controller) *GinHandlers {
	return &GinHandlers{
		controller: controller,
	}
}

type recallBody struct {
	Reason string `json:"reason" binding:"required"`
}

// RecallAgentHandler handles POST requests to recall one agent's capital.
func (h *GinHandlers) RecallAgentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.Param("id")

		var body recallBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		summary, err := h.controller.RecallAgent(c.Request.Context(), agentID, body.Reason)
		response.Handle(c, summary, err)
	}
}

// RecallAllHandler handles POST requests to recall all agents.
func (h *GinHandlers) RecallAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body recallBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		summaries, err := h.controller.RecallAll(c.Request.Context(), body.Reason)
		response.Handle(c, summaries, err)
	}
}
