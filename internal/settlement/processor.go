package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor retries allocations stuck in pending settlement. A settlement
// only sticks when the custodian exhausted its retry budget, so the sweep
// runs on a slower cadence than the in-request backoff.
type Processor struct {
	service      *Service
	processDelay time.Duration
}

func NewProcessor(service *Service) *Processor {
	return &Processor{
		service:      service,
		processDelay: 30 * time.Second,
	}
}

// Start begins the settlement retry loop.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Msg("starting settlement retry processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement retry processor")
			return
		case <-ticker.C:
			if err := p.processPendingSettlements(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process pending settlements")
			}
		}
	}
}

func (p *Processor) processPendingSettlements(ctx context.Context) error {
	logger := log.With().Str("component", "settlement_processor").Logger()

	pending, err := p.service.GetDB().PendingSettlementAllocations()
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		return nil
	}
	logger.Info().Int("pending_count", len(pending)).Msg("retrying pending settlements")

	for _, alloc := range pending {
		if alloc.PendingReturnAmount == nil || alloc.PendingStatus == "" {
			logger.Warn().
				Str("allocation_id", alloc.AllocationID).
				Msg("pending settlement missing intent, skipping")
			continue
		}

		if _, err := p.service.Settle(ctx, alloc.AllocationID, *alloc.PendingReturnAmount, alloc.PendingStatus, alloc.ReturnReason); err != nil {
			logger.Error().
				Err(err).
				Str("allocation_id", alloc.AllocationID).
				Msg("settlement retry failed, will try again next sweep")
			continue
		}

		logger.Info().
			Str("allocation_id", alloc.AllocationID).
			Msg("pending settlement recovered")
	}

	return nil
}
