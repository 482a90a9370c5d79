package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/vault-api/internal/custodian"
	"github.com/ksred/vault-api/internal/ledger"
	"github.com/ksred/vault-api/internal/risk"
	"github.com/ksred/vault-api/internal/settlement"
	"github.com/ksred/vault-api/internal/types"
	"github.com/ksred/vault-api/pkg/metrics"
	"github.com/ksred/vault-api/pkg/retry"
)

// Service is the allocation manager: the only writer of allocation status
// transitions. Capital requests run in two phases around the custodian call
// so the vault lock is held only for validation and the balance reservation,
// never across the network.
type Service struct {
	db         *ledger.Database
	locks      *ledger.VaultLocks
	custodian  custodian.Custodian
	settlement *settlement.Service
	policy     retry.Policy

	mu         sync.Mutex
	dispatched map[string]bool // allocation ids with a custodian call in flight
}

func NewService(gormDB *gorm.DB, locks *ledger.VaultLocks, cust custodian.Custodian, settle *settlement.Service) *Service {
	return &Service{
		db:         ledger.NewDatabase(gormDB),
		locks:      locks,
		custodian:  cust,
		settlement: settle,
		policy:     retry.DefaultPolicy,
		dispatched: make(map[string]bool),
	}
}

// RequestAllocation validates, reserves and activates a capital grant.
//
// Phase 1 holds the vault lock: risk checks against a consistent snapshot and
// a Pending row that reserves the capital. Phase 2, outside the lock, moves
// the capital via the custodian. Phase 3 retakes the lock to finalize Active
// or Failed. The Pending reservation is what stops two concurrent requests
// from both passing the available-capital check.
func (s *Service) RequestAllocation(ctx context.Context, agentID string, amount float64, strategyTag string, ttl time.Duration, idempotencyKey string) (*types.AllocationResponse, error) {
	logger := log.With().
		Str("service", "allocation").
		Str("agent_id", agentID).
		Float64("amount", amount).
		Logger()

	// Replay: an idempotency key we already served returns the same allocation.
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err == nil && record.ResourceID != "" && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetAllocation(record.ResourceID)
		if err != nil {
			return nil, err
		}
		return allocationResponse(existing), nil
	}

	if amount <= 0 {
		return nil, &types.ValidationError{
			Reason:  types.ReasonMaxAllocationAmount,
			Message: "allocation amount must be positive",
		}
	}
	if ttl <= 0 {
		return nil, &types.ValidationError{
			Reason:  types.ReasonMaxAllocationAmount,
			Message: "allocation ttl must be positive",
		}
	}

	agent, err := s.db.GetAgent(agentID)
	if err != nil {
		return nil, err
	}
	limits, err := s.db.GetAgentLimits(agentID)
	if err != nil {
		return nil, err
	}

	// Phase 1: validate and reserve under the vault lock.
	alloc := &types.Allocation{
		AllocationID: "ALLOC_" + uuid.New().String(),
		VaultID:      agent.VaultID,
		AgentID:      agentID,
		Amount:       amount,
		StrategyTag:  strategyTag,
		Status:       types.AllocationPending,
	}

	err = s.locks.WithVaultLock(agent.VaultID, func() error {
		vault, err := s.db.GetVault(agent.VaultID)
		if err != nil {
			return err
		}
		activeSum, err := s.db.ActiveAllocationSum(agent.VaultID)
		if err != nil {
			return err
		}
		agentCount, err := s.db.CountNonTerminalAllocationsForAgent(agentID)
		if err != nil {
			return err
		}

		now := time.Now()
		if rejection := risk.Validate(risk.Snapshot{
			Vault:             vault,
			Agent:             agent,
			Limits:            limits,
			RequestedAmount:   amount,
			ActiveAllocations: agentCount,
			VaultActiveSum:    activeSum,
			Now:               now,
		}); rejection != nil {
			if evtErr := s.db.RecordRiskEvent(&types.RiskEvent{
				AgentID:   agentID,
				EventType: types.EventLimitBreach,
				Severity:  types.SeverityInfo,
				Details:   rejection.Error(),
			}); evtErr != nil {
				logger.Error().Err(evtErr).Msg("failed to record limit breach")
			}
			return rejection
		}

		if err := s.db.CreateAllocationWithIdempotency(alloc, idempotencyKey); err != nil {
			return err
		}
		metrics.CapitalAllocated.WithLabelValues(agent.VaultID).Set(activeSum + amount)

		agent.LastRequestAt = &now
		return s.db.UpdateAgent(agent)
	})
	if err != nil {
		return nil, err
	}

	metrics.AllocationsTotal.WithLabelValues(string(types.AllocationPending)).Inc()
	logger.Info().Str("allocation_id", alloc.AllocationID).Msg("capital reserved, dispatching custodian unlock")

	// Phase 2: move the capital. The dispatch mark closes the cancellation
	// window; from here the request runs to completion.
	if err := s.markDispatched(agent.VaultID, alloc.AllocationID); err != nil {
		return nil, err
	}
	defer s.clearDispatched(alloc.AllocationID)

	var txRef custodian.TxRef
	custodianErr := s.policy.Do(ctx, func(ctx context.Context) error {
		ref, unlockErr := s.custodian.Unlock(ctx, agent.VaultID, amount, agent.WalletAddress, alloc.AllocationID)
		if unlockErr != nil {
			return unlockErr
		}
		txRef = ref
		return nil
	})

	// Phase 3: finalize under the vault lock.
	return s.finalizeRequest(alloc, ttl, txRef, custodianErr)
}

func (s *Service) finalizeRequest(alloc *types.Allocation, ttl time.Duration, txRef custodian.TxRef, custodianErr error) (*types.AllocationResponse, error) {
	logger := log.With().
		Str("service", "allocation").
		Str("allocation_id", alloc.AllocationID).
		Logger()

	var response *types.AllocationResponse
	err := s.locks.WithVaultLock(alloc.VaultID, func() error {
		current, err := s.db.GetAllocation(alloc.AllocationID)
		if err != nil {
			return err
		}

		if custodianErr != nil {
			// A timed-out call may have moved capital anyway. Leave the
			// reservation in place for the operator rather than guessing.
			if errors.Is(custodianErr, context.DeadlineExceeded) || errors.Is(custodianErr, context.Canceled) {
				if evtErr := s.db.RecordRiskEvent(&types.RiskEvent{
					AgentID:      current.AgentID,
					AllocationID: current.AllocationID,
					EventType:    types.EventSettlementStuck,
					Severity:     types.SeverityCritical,
					Details:      fmt.Sprintf("custodian unlock outcome unknown: %v", custodianErr),
				}); evtErr != nil {
					logger.Error().Err(evtErr).Msg("failed to record custodian risk event")
				}
				return &types.CustodianError{Op: "unlock", Err: custodianErr}
			}

			if err := current.Transition(types.AllocationFailed); err != nil {
				return err
			}
			if err := s.db.UpdateAllocation(current); err != nil {
				return err
			}
			if sum, sumErr := s.db.ActiveAllocationSum(current.VaultID); sumErr == nil {
				metrics.CapitalAllocated.WithLabelValues(current.VaultID).Set(sum)
			}
			metrics.AllocationsTotal.WithLabelValues(string(types.AllocationFailed)).Inc()
			logger.Warn().Err(custodianErr).Msg("custodian unlock rejected, reservation released")
			return &types.CustodianError{Op: "unlock", Err: custodianErr}
		}

		now := time.Now()
		expires := now.Add(ttl)
		if err := current.Transition(types.AllocationActive); err != nil {
			return err
		}
		current.AllocatedAt = &now
		current.ExpiresAt = &expires
		current.UnlockTxRef = string(txRef)
		if err := s.db.UpdateAllocation(current); err != nil {
			return err
		}

		response = allocationResponse(current)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.AllocationsTotal.WithLabelValues(string(types.AllocationActive)).Inc()
	logger.Info().
		Str("tx_ref", string(txRef)).
		Time("expires_at", response.ExpiresAt).
		Msg("allocation active")
	return response, nil
}

// CancelAllocation aborts a Pending allocation, legal only before the
// custodian call is issued. Once capital may be in flight the request must
// run to completion.
func (s *Service) CancelAllocation(allocationID string) error {
	alloc, err := s.db.GetAllocation(allocationID)
	if err != nil {
		return err
	}

	return s.locks.WithVaultLock(alloc.VaultID, func() error {
		current, err := s.db.GetAllocation(allocationID)
		if err != nil {
			return err
		}
		if current.Status != types.AllocationPending {
			return &types.ConsistencyError{
				Message: fmt.Sprintf("allocation %s is %s, only Pending allocations cancel", allocationID, current.Status),
			}
		}

		s.mu.Lock()
		inFlight := s.dispatched[allocationID]
		s.mu.Unlock()
		if inFlight {
			return &types.ConsistencyError{
				Message: fmt.Sprintf("allocation %s has a capital movement in flight", allocationID),
			}
		}

		if err := current.Transition(types.AllocationFailed); err != nil {
			return err
		}
		current.ReturnReason = "cancelled"
		if err := s.db.UpdateAllocation(current); err != nil {
			return err
		}
		if sum, sumErr := s.db.ActiveAllocationSum(current.VaultID); sumErr == nil {
			metrics.CapitalAllocated.WithLabelValues(current.VaultID).Set(sum)
		}
		metrics.AllocationsTotal.WithLabelValues(string(types.AllocationFailed)).Inc()
		return nil
	})
}

// ReturnAllocation settles capital back to the vault. Only legal from Active
// with no open position; idempotent once terminal.
func (s *Service) ReturnAllocation(ctx context.Context, allocationID string, returnedAmount float64, reason string) (*types.SettlementResult, error) {
	alloc, err := s.db.GetAllocation(allocationID)
	if err != nil {
		return nil, err
	}

	if !alloc.IsTerminal() {
		open, err := s.db.OpenPositionForAllocation(allocationID)
		if err != nil {
			return nil, err
		}
		if open != nil {
			return nil, &types.ConsistencyError{
				Message: fmt.Sprintf("allocation %s has open position %s, close it before returning capital", allocationID, open.PositionID),
			}
		}
	}

	return s.settlement.Settle(ctx, allocationID, returnedAmount, types.AllocationReturned, reason)
}

// SettleRecalled settles an allocation through the emergency recall path.
func (s *Service) SettleRecalled(ctx context.Context, allocationID string, returnedAmount float64, reason string) (*types.SettlementResult, error) {
	return s.settlement.Settle(ctx, allocationID, returnedAmount, types.AllocationRecalled, reason)
}

// AllocationsForAgent returns the agent's allocation history.
func (s *Service) AllocationsForAgent(agentID string) ([]types.Allocation, error) {
	return s.db.AllocationsForAgent(agentID)
}

// GetAllocation retrieves one allocation.
func (s *Service) GetAllocation(allocationID string) (*types.Allocation, error) {
	return s.db.GetAllocation(allocationID)
}

// markDispatched flags the custodian call as issued, under the vault lock so
// it cannot race a concurrent cancel.
func (s *Service) markDispatched(vaultID, allocationID string) error {
	return s.locks.WithVaultLock(vaultID, func() error {
		current, err := s.db.GetAllocation(allocationID)
		if err != nil {
			return err
		}
		if current.Status != types.AllocationPending {
			return &types.ConsistencyError{
				Message: fmt.Sprintf("allocation %s was %s before dispatch", allocationID, current.Status),
			}
		}
		s.mu.Lock()
		s.dispatched[allocationID] = true
		s.mu.Unlock()
		return nil
	})
}

func (s *Service) clearDispatched(allocationID string) {
	s.mu.Lock()
	delete(s.dispatched, allocationID)
	s.mu.Unlock()
}

func allocationResponse(alloc *types.Allocation) *types.AllocationResponse {
	response := &types.AllocationResponse{
		AllocationID:    alloc.AllocationID,
		AgentID:         alloc.AgentID,
		AmountAllocated: alloc.Amount,
		Status:          string(alloc.Status),
	}
	if alloc.ExpiresAt != nil {
		response.ExpiresAt = *alloc.ExpiresAt
	}
	return response
}
