package risk

import (
	"fmt"
	"time"

	"github.com/ksred/vault-api/internal/types"
)

// Snapshot is the consistent view of vault and agent state an allocation
// request is validated against. It is assembled under the vault lock so two
// concurrent requests can never both pass the capital checks on stale data.
type Snapshot struct {
	Vault             *types.Vault
	Agent             *types.Agent
	Limits            *types.AgentLimits
	RequestedAmount   float64
	ActiveAllocations int64              // agent's Pending + Active allocations
	VaultActiveSum    float64            // vault-wide Pending + Active amount
	Now               time.Time
}

// Validate runs the risk checks in a fixed order, first failure wins. Pure:
// no side effects, no clock reads, safe to call speculatively.
func Validate(s Snapshot) *types.ValidationError {
	if s.Agent.Status != types.AgentActive {
		return &types.ValidationError{
			Reason:  types.ReasonAgentNotActive,
			Message: fmt.Sprintf("agent %s is %s", s.Agent.AgentID, s.Agent.Status),
		}
	}

	if s.RequestedAmount > s.Limits.MaxAllocationAmount {
		return &types.ValidationError{
			Reason: types.ReasonMaxAllocationAmount,
			Message: fmt.Sprintf("requested %.2f exceeds per-agent cap %.2f",
				s.RequestedAmount, s.Limits.MaxAllocationAmount),
		}
	}

	available := s.Vault.AvailableForAllocation(s.VaultActiveSum)
	pctCap := available * s.Limits.MaxAllocationPctOfVault / 100
	if s.RequestedAmount > pctCap {
		return &types.ValidationError{
			Reason: types.ReasonMaxAllocationPctOfVault,
			Message: fmt.Sprintf("requested %.2f exceeds %.1f%% of available vault capital (%.2f)",
				s.RequestedAmount, s.Limits.MaxAllocationPctOfVault, pctCap),
		}
	}

	if s.ActiveAllocations >= int64(s.Limits.MaxConcurrentAllocations) {
		return &types.ValidationError{
			Reason: types.ReasonMaxConcurrentAllocs,
			Message: fmt.Sprintf("agent already holds %d of %d concurrent allocations",
				s.ActiveAllocations, s.Limits.MaxConcurrentAllocations),
		}
	}

	if s.Agent.LastRequestAt != nil && s.Limits.MinTimeBetweenRequests > 0 {
		elapsed := s.Now.Sub(*s.Agent.LastRequestAt)
		if elapsed < s.Limits.MinTimeBetweenRequests {
			return &types.ValidationError{
				Reason: types.ReasonMinTimeBetweenRequests,
				Message: fmt.Sprintf("only %s since last request, minimum is %s",
					elapsed.Round(time.Second), s.Limits.MinTimeBetweenRequests),
			}
		}
	}

	allocatable := s.Vault.TotalLocked * (1 - s.Vault.ReserveRatio)
	if s.VaultActiveSum+s.RequestedAmount > allocatable {
		return &types.ValidationError{
			Reason: types.ReasonVaultReserveExceeded,
			Message: fmt.Sprintf("allocation would push vault to %.2f of %.2f allocatable",
				s.VaultActiveSum+s.RequestedAmount, allocatable),
		}
	}

	return nil
}
