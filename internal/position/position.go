package position

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/vault-api/internal/allocation"
	"github.com/ksred/vault-api/internal/ledger"
	"github.com/ksred/vault-api/internal/types"
)

// Service is the position tracker: the only mutator of position state. It
// records opens, marks and closes against allocations and hands realized
// P&L to the allocation manager for settlement.
type Service struct {
	db          *ledger.Database
	locks       *ledger.VaultLocks
	allocations *allocation.Service
}

func NewService(gormDB *gorm.DB, locks *ledger.VaultLocks, allocations *allocation.Service) *Service {
	return &Service{
		db:          ledger.NewDatabase(gormDB),
		locks:       locks,
		allocations: allocations,
	}
}

// OpenPosition opens a trade against an Active allocation. At most one open
// position per allocation; collateral is bounded by the allocation amount
// and notional by the agent's position-size limit.
func (s *Service) OpenPosition(allocationID, symbol, side string, collateral, leverage, entryPrice float64) (*types.Position, error) {
	logger := log.With().
		Str("service", "position").
		Str("allocation_id", allocationID).
		Logger()

	if side != types.SideLong && side != types.SideShort {
		return nil, &types.ValidationError{
			Reason:  "invalid_side",
			Message: fmt.Sprintf("side must be %s or %s", types.SideLong, types.SideShort),
		}
	}
	if collateral <= 0 || leverage < 1 || entryPrice <= 0 {
		return nil, &types.ValidationError{
			Reason:  "invalid_position_params",
			Message: "collateral and entry price must be positive, leverage at least 1",
		}
	}

	alloc, err := s.db.GetAllocation(allocationID)
	if err != nil {
		return nil, err
	}

	// The one-open-position check and the create run under the vault lock so
	// two concurrent opens cannot both pass the check and pledge collateral
	// twice against the same allocation.
	var position *types.Position
	err = s.locks.WithVaultLock(alloc.VaultID, func() error {
		current, err := s.db.GetAllocation(allocationID)
		if err != nil {
			return err
		}
		if current.Status != types.AllocationActive || current.PendingSettlement {
			return &types.ConsistencyError{
				Message: fmt.Sprintf("allocation %s is not available for trading", allocationID),
			}
		}

		if collateral > current.Amount {
			return &types.ValidationError{
				Reason:  "collateral_exceeds_allocation",
				Message: fmt.Sprintf("collateral %.2f exceeds allocation amount %.2f", collateral, current.Amount),
			}
		}

		limits, err := s.db.GetAgentLimits(current.AgentID)
		if err != nil {
			return err
		}
		if limits.MaxPositionSize > 0 && collateral*leverage > limits.MaxPositionSize {
			return &types.ValidationError{
				Reason:  "max_position_size",
				Message: fmt.Sprintf("notional %.2f exceeds position size limit %.2f", collateral*leverage, limits.MaxPositionSize),
			}
		}

		open, err := s.db.OpenPositionForAllocation(allocationID)
		if err != nil {
			return err
		}
		if open != nil {
			return &types.ConsistencyError{
				Message: fmt.Sprintf("allocation %s already has open position %s", allocationID, open.PositionID),
			}
		}

		position = &types.Position{
			PositionID:    "POS_" + uuid.New().String(),
			AllocationID:  allocationID,
			AgentID:       current.AgentID,
			Symbol:        symbol,
			Side:          side,
			Collateral:    collateral,
			Leverage:      leverage,
			EntryPrice:    entryPrice,
			Status:        types.PositionOpen,
			LastMarkPrice: entryPrice,
		}
		return s.db.CreatePosition(position)
	})
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("position_id", position.PositionID).
		Str("side", side).
		Float64("collateral", collateral).
		Float64("leverage", leverage).
		Float64("entry_price", entryPrice).
		Msg("position opened")

	return position, nil
}

// UpdateMark recomputes the advisory mark-to-market P&L at the given price.
// Used for dashboards and drawdown monitoring, never for settlement.
func (s *Service) UpdateMark(positionID string, price float64) (*types.Position, error) {
	if price <= 0 {
		return nil, &types.ValidationError{
			Reason:  "invalid_price",
			Message: "mark price must be positive",
		}
	}

	position, err := s.db.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	alloc, err := s.db.GetAllocation(position.AllocationID)
	if err != nil {
		return nil, err
	}

	// Re-read and write under the vault lock so a stale mark cannot overwrite
	// a close that landed in between.
	var previousPnL float64
	err = s.locks.WithVaultLock(alloc.VaultID, func() error {
		position, err = s.db.GetPosition(positionID)
		if err != nil {
			return err
		}
		if position.Status != types.PositionOpen {
			return &types.ConsistencyError{
				Message: fmt.Sprintf("position %s is %s, marks only apply to open positions", positionID, position.Status),
			}
		}

		previousPnL = position.CurrentPnL
		position.CurrentPnL = position.MarkPnL(price)
		position.LastMarkPrice = price
		return s.db.UpdatePosition(position)
	})
	if err != nil {
		return nil, err
	}

	s.checkDrawdown(position, previousPnL)
	return position, nil
}

// checkDrawdown records a risk event the first time an unrealized loss
// crosses the agent's drawdown limit.
func (s *Service) checkDrawdown(position *types.Position, previousPnL float64) {
	logger := log.With().
		Str("service", "position").
		Str("position_id", position.PositionID).
		Logger()

	alloc, err := s.db.GetAllocation(position.AllocationID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load allocation for drawdown check")
		return
	}
	limits, err := s.db.GetAgentLimits(position.AgentID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load limits for drawdown check")
		return
	}
	if limits.MaxDrawdownPct <= 0 {
		return
	}

	threshold := -alloc.Amount * limits.MaxDrawdownPct / 100
	if position.CurrentPnL > threshold || previousPnL <= threshold {
		return
	}

	if err := s.db.RecordRiskEvent(&types.RiskEvent{
		AgentID:      position.AgentID,
		AllocationID: position.AllocationID,
		EventType:    types.EventDrawdownBreach,
		Severity:     types.SeverityWarning,
		Details: fmt.Sprintf("position %s unrealized pnl %.2f breached drawdown limit %.1f%% of %.2f",
			position.PositionID, position.CurrentPnL, limits.MaxDrawdownPct, alloc.Amount),
	}); err != nil {
		logger.Error().Err(err).Msg("failed to record drawdown breach")
	}
}

// ClosePosition freezes the realized P&L and settles the allocation. A loss
// beyond the allocation amount clamps the return at zero and records a
// liquidation shortfall instead of a negative return.
func (s *Service) ClosePosition(ctx context.Context, positionID string, exitPrice float64, reason string) (*types.SettlementResult, error) {
	position, returnedAmount, err := s.close(positionID, exitPrice, reason)
	if err != nil {
		return nil, err
	}
	return s.allocations.ReturnAllocation(ctx, position.AllocationID, returnedAmount, reason)
}

// CloseForRecall closes the position without settling. The recall controller
// settles through the Recalled path afterwards.
func (s *Service) CloseForRecall(positionID string, exitPrice float64, reason string) (*types.Position, float64, error) {
	position, returnedAmount, err := s.close(positionID, exitPrice, reason)
	if err != nil {
		return nil, 0, err
	}
	return position, returnedAmount, nil
}

func (s *Service) close(positionID string, exitPrice float64, reason string) (*types.Position, float64, error) {
	logger := log.With().
		Str("service", "position").
		Str("position_id", positionID).
		Logger()

	if exitPrice <= 0 {
		return nil, 0, &types.ValidationError{
			Reason:  "invalid_price",
			Message: "exit price must be positive",
		}
	}

	position, err := s.db.GetPosition(positionID)
	if err != nil {
		return nil, 0, err
	}
	alloc, err := s.db.GetAllocation(position.AllocationID)
	if err != nil {
		return nil, 0, err
	}

	target := types.PositionClosed
	if reason == "liquidation" {
		target = types.PositionLiquidated
	}

	// The transition check and the write run under the vault lock so two
	// concurrent closes cannot both pass and overwrite the realized P&L.
	var realized, returnedAmount float64
	err = s.locks.WithVaultLock(alloc.VaultID, func() error {
		current, err := s.db.GetPosition(positionID)
		if err != nil {
			return err
		}
		if !types.CanTransitionPosition(current.Status, target) {
			return &types.ConsistencyError{
				Message: fmt.Sprintf("position %s is %s, cannot close", positionID, current.Status),
			}
		}

		realized = current.MarkPnL(exitPrice)
		current.Status = target
		current.ExitPrice = &exitPrice
		current.RealizedPnL = &realized
		current.CurrentPnL = realized
		current.LastMarkPrice = exitPrice
		current.CloseReason = reason
		if err := s.db.UpdatePosition(current); err != nil {
			return err
		}
		position = current

		returnedAmount = alloc.Amount + realized
		if returnedAmount < 0 {
			shortfall := -returnedAmount
			returnedAmount = 0
			if evtErr := s.db.RecordRiskEvent(&types.RiskEvent{
				AgentID:      current.AgentID,
				AllocationID: current.AllocationID,
				EventType:    types.EventLiquidationShortfall,
				Severity:     types.SeverityWarning,
				Details: fmt.Sprintf("position %s realized %.2f, shortfall %.2f beyond allocation %.2f",
					positionID, realized, shortfall, alloc.Amount),
			}); evtErr != nil {
				logger.Error().Err(evtErr).Msg("failed to record liquidation shortfall")
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	logger.Info().
		Str("allocation_id", position.AllocationID).
		Float64("exit_price", exitPrice).
		Float64("realized_pnl", realized).
		Float64("returned_amount", returnedAmount).
		Str("reason", reason).
		Msg("position closed")

	return position, returnedAmount, nil
}

// OpenPositionForAllocation returns the allocation's open position, if any.
// Recall uses it to price forced closures at the last cached mark.
func (s *Service) OpenPositionForAllocation(allocationID string) (*types.Position, error) {
	return s.db.OpenPositionForAllocation(allocationID)
}

// GetPosition retrieves one position.
func (s *Service) GetPosition(positionID string) (*types.Position, error) {
	return s.db.GetPosition(positionID)
}
