package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/vault-api/internal/custodian"
	"github.com/ksred/vault-api/internal/ledger"
	"github.com/ksred/vault-api/internal/types"
	"github.com/ksred/vault-api/pkg/metrics"
	"github.com/ksred/vault-api/pkg/retry"
)

// Service confirms capital returns with the custodian and closes allocations.
// An allocation is never marked terminal without a confirmed capital
// movement; a failed movement leaves it Active with pending_settlement set
// for the retry processor.
type Service struct {
	db        *ledger.Database
	locks     *ledger.VaultLocks
	custodian custodian.Custodian
	policy    retry.Policy
}

func NewService(gormDB *gorm.DB, locks *ledger.VaultLocks, cust custodian.Custodian) *Service {
	return &Service{
		db:        ledger.NewDatabase(gormDB),
		locks:     locks,
		custodian: cust,
		policy:    retry.DefaultPolicy,
	}
}

// Settle returns returnedAmount to the vault and moves the allocation to the
// given terminal status. Idempotent: settling an already-terminal allocation
// replays the stored result without a second custodian movement. Amounts
// below zero are clamped; the agent cannot return less than nothing.
func (s *Service) Settle(ctx context.Context, allocationID string, returnedAmount float64, terminal types.AllocationStatus, reason string) (*types.SettlementResult, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("allocation_id", allocationID).
		Logger()

	if !types.IsTerminalAllocationStatus(terminal) {
		return nil, &types.ConsistencyError{
			Message: fmt.Sprintf("settlement target %s is not terminal", terminal),
		}
	}

	if returnedAmount < 0 {
		returnedAmount = 0
	}

	alloc, err := s.db.GetAllocation(allocationID)
	if err != nil {
		return nil, err
	}

	if alloc.IsTerminal() {
		logger.Debug().Str("status", string(alloc.Status)).Msg("allocation already settled, replaying result")
		return storedResult(alloc), nil
	}

	if alloc.Status != types.AllocationActive {
		return nil, &types.ConsistencyError{
			Message: fmt.Sprintf("allocation %s is %s, only Active allocations settle", allocationID, alloc.Status),
		}
	}

	// Record the intended return before touching the custodian so a crash or
	// exhausted retry leaves enough state for the retry processor. Re-check
	// status under the lock: a concurrent settle may have won since the read
	// above, and its terminal row must not be clobbered.
	var replay *types.SettlementResult
	err = s.locks.WithVaultLock(alloc.VaultID, func() error {
		current, err := s.db.GetAllocation(allocationID)
		if err != nil {
			return err
		}
		if current.IsTerminal() {
			replay = storedResult(current)
			return nil
		}

		current.PendingSettlement = true
		current.PendingReturnAmount = &returnedAmount
		current.PendingStatus = terminal
		current.ReturnReason = reason
		if err := s.db.UpdateAllocation(current); err != nil {
			return err
		}
		alloc = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return replay, nil
	}

	// Capital flowing agent -> vault. Zero-value returns have nothing to
	// move and settle directly.
	var txRef custodian.TxRef
	if returnedAmount > 0 {
		err = s.policy.Do(ctx, func(ctx context.Context) error {
			ref, lockErr := s.custodian.Lock(ctx, alloc.VaultID, returnedAmount, allocationID)
			if lockErr != nil {
				return lockErr
			}
			txRef = ref
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("custodian lock failed after retries, settlement left pending")
			metrics.SettlementsTotal.WithLabelValues("retry_scheduled").Inc()

			if evtErr := s.db.RecordRiskEvent(&types.RiskEvent{
				AgentID:      alloc.AgentID,
				AllocationID: alloc.AllocationID,
				EventType:    types.EventSettlementStuck,
				Severity:     types.SeverityCritical,
				Details:      fmt.Sprintf("custodian lock of %.2f failed: %v", returnedAmount, err),
			}); evtErr != nil {
				logger.Error().Err(evtErr).Msg("failed to record settlement risk event")
			}

			return nil, &types.CustodianError{Op: "lock", Err: err}
		}
	}

	return s.finalize(alloc.AllocationID, alloc.VaultID, returnedAmount, terminal, reason, txRef)
}

// finalize marks the allocation terminal under the vault lock and folds the
// net P&L into the vault balance. Only reached after a confirmed movement.
func (s *Service) finalize(allocationID, vaultID string, returnedAmount float64, terminal types.AllocationStatus, reason string, txRef custodian.TxRef) (*types.SettlementResult, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("allocation_id", allocationID).
		Logger()

	var result *types.SettlementResult
	err := s.locks.WithVaultLock(vaultID, func() error {
		alloc, err := s.db.GetAllocation(allocationID)
		if err != nil {
			return err
		}

		// A concurrent settle may have won; the custodian replay gave both
		// callers the same TxRef, so the stored result is the right answer.
		if alloc.IsTerminal() {
			result = storedResult(alloc)
			return nil
		}

		if err := alloc.Transition(terminal); err != nil {
			return err
		}

		now := time.Now()
		alloc.ReturnedAmount = &returnedAmount
		alloc.ReturnReason = reason
		alloc.SettlementTxRef = string(txRef)
		alloc.PendingSettlement = false
		alloc.PendingReturnAmount = nil
		alloc.PendingStatus = ""
		alloc.UpdatedAt = now

		if err := s.db.UpdateAllocation(alloc); err != nil {
			return err
		}

		vault, err := s.db.GetVault(vaultID)
		if err != nil {
			return err
		}
		vault.TotalLocked += returnedAmount - alloc.Amount
		if err := s.db.UpdateVault(vault); err != nil {
			return err
		}
		if sum, sumErr := s.db.ActiveAllocationSum(vaultID); sumErr == nil {
			metrics.CapitalAllocated.WithLabelValues(vaultID).Set(sum)
		}

		result = &types.SettlementResult{
			AllocationID:   alloc.AllocationID,
			Status:         string(alloc.Status),
			ReturnedAmount: returnedAmount,
			NetPnL:         returnedAmount - alloc.Amount,
			SettlementTx:   string(txRef),
			SettledAt:      now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	metrics.AllocationsTotal.WithLabelValues(string(terminal)).Inc()

	logger.Info().
		Str("status", result.Status).
		Float64("returned_amount", result.ReturnedAmount).
		Float64("net_pnl", result.NetPnL).
		Str("settlement_tx", result.SettlementTx).
		Msg("allocation settled")

	return result, nil
}

func storedResult(alloc *types.Allocation) *types.SettlementResult {
	result := &types.SettlementResult{
		AllocationID: alloc.AllocationID,
		Status:       string(alloc.Status),
		SettlementTx: alloc.SettlementTxRef,
		SettledAt:    alloc.UpdatedAt,
	}
	if alloc.ReturnedAmount != nil {
		result.ReturnedAmount = *alloc.ReturnedAmount
		result.NetPnL = *alloc.ReturnedAmount - alloc.Amount
	}
	return result
}

// GetDB exposes the ledger handle for the retry processor.
func (s *Service) GetDB() *ledger.Database {
	return s.db
}
