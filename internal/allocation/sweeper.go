package allocation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/vault-api/internal/types"
)

// ForcedCloser force-closes an allocation's open position and settles the
// allocation. Implemented by the emergency recall controller.
type ForcedCloser interface {
	ForceCloseAllocation(ctx context.Context, allocationID, reason string) error
}

// Sweeper expires allocations past their deadline on a periodic tick, so
// resource usage stays bounded instead of one timer per allocation.
type Sweeper struct {
	service      *Service
	forcedCloser ForcedCloser
	sweepDelay   time.Duration
}

func NewSweeper(service *Service, sweepDelay time.Duration) *Sweeper {
	return &Sweeper{
		service:    service,
		sweepDelay: sweepDelay,
	}
}

// SetForcedCloser wires the recall controller in. Set once at startup.
func (s *Sweeper) SetForcedCloser(closer ForcedCloser) {
	s.forcedCloser = closer
}

// Start begins the expiry sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiry_sweeper").Logger()
	logger.Info().Dur("sweep_delay", s.sweepDelay).Msg("starting expiry sweeper")

	ticker := time.NewTicker(s.sweepDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry sweeper")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				logger.Error().Err(err).Msg("expiry sweep failed")
			}
		}
	}
}

// Sweep expires every Active allocation past its deadline. Allocations with
// no open position settle at face value; an allocation still trading past
// expiry goes through the forced-closure path, never a silent expiry
// mid-trade.
func (s *Sweeper) Sweep(ctx context.Context) error {
	logger := log.With().Str("component", "expiry_sweeper").Logger()

	expired, err := s.service.db.ExpiredActiveAllocations(time.Now())
	if err != nil {
		return err
	}

	for _, alloc := range expired {
		if alloc.PendingSettlement {
			// Already settling; the retry processor owns it.
			continue
		}

		open, err := s.service.db.OpenPositionForAllocation(alloc.AllocationID)
		if err != nil {
			logger.Error().Err(err).Str("allocation_id", alloc.AllocationID).Msg("failed to check open position")
			continue
		}

		if open != nil {
			if evtErr := s.service.db.RecordRiskEvent(&types.RiskEvent{
				AgentID:      alloc.AgentID,
				AllocationID: alloc.AllocationID,
				EventType:    types.EventExpiryForcedClosure,
				Severity:     types.SeverityWarning,
				Details:      fmt.Sprintf("allocation expired with open position %s", open.PositionID),
			}); evtErr != nil {
				logger.Error().Err(evtErr).Msg("failed to record forced closure event")
			}

			if s.forcedCloser == nil {
				logger.Warn().Str("allocation_id", alloc.AllocationID).Msg("no forced closer wired, leaving for operator")
				continue
			}
			if err := s.forcedCloser.ForceCloseAllocation(ctx, alloc.AllocationID, "expiry_forced_closure"); err != nil {
				logger.Error().Err(err).Str("allocation_id", alloc.AllocationID).Msg("forced closure failed")
			}
			continue
		}

		if _, err := s.service.settlement.Settle(ctx, alloc.AllocationID, alloc.Amount, types.AllocationExpired, "expired"); err != nil {
			logger.Error().Err(err).Str("allocation_id", alloc.AllocationID).Msg("expiry settlement failed")
			continue
		}

		logger.Info().
			Str("allocation_id", alloc.AllocationID).
			Float64("amount", alloc.Amount).
			Msg("allocation expired at face value")
	}

	return nil
}
