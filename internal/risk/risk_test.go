package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/vault-api/internal/types"
)

func baseSnapshot() Snapshot {
	lastRequest := time.Now().Add(-time.Hour)
	return Snapshot{
		Vault: &types.Vault{
			VaultID:      "VAULT_1",
			TotalLocked:  10000,
			ReserveRatio: 0.1,
		},
		Agent: &types.Agent{
			AgentID:       "AGENT_1",
			VaultID:       "VAULT_1",
			Status:        types.AgentActive,
			LastRequestAt: &lastRequest,
		},
		Limits: &types.AgentLimits{
			AgentID:                  "AGENT_1",
			MaxAllocationAmount:      2000,
			MaxAllocationPctOfVault:  50,
			MaxDrawdownPct:           30,
			MaxConcurrentAllocations: 3,
			MinTimeBetweenRequests:   time.Minute,
		},
		RequestedAmount:   500,
		ActiveAllocations: 0,
		VaultActiveSum:    0,
		Now:               time.Now(),
	}
}

func TestValidatePasses(t *testing.T) {
	assert.Nil(t, Validate(baseSnapshot()))
}

func TestValidateChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
		reason string
	}{
		{
			name:   "paused agent",
			mutate: func(s *Snapshot) { s.Agent.Status = types.AgentPaused },
			reason: types.ReasonAgentNotActive,
		},
		{
			name:   "suspended agent",
			mutate: func(s *Snapshot) { s.Agent.Status = types.AgentSuspended },
			reason: types.ReasonAgentNotActive,
		},
		{
			name:   "amount over per-agent cap",
			mutate: func(s *Snapshot) { s.RequestedAmount = 2500 },
			reason: types.ReasonMaxAllocationAmount,
		},
		{
			name: "amount over vault percentage",
			mutate: func(s *Snapshot) {
				// 50% of 9000 available is 4500; cap the agent limit higher
				// so the percentage check is the one that fires.
				s.Limits.MaxAllocationAmount = 10000
				s.RequestedAmount = 5000
			},
			reason: types.ReasonMaxAllocationPctOfVault,
		},
		{
			name:   "concurrency limit reached",
			mutate: func(s *Snapshot) { s.ActiveAllocations = 3 },
			reason: types.ReasonMaxConcurrentAllocs,
		},
		{
			name: "request too soon after previous",
			mutate: func(s *Snapshot) {
				recent := s.Now.Add(-10 * time.Second)
				s.Agent.LastRequestAt = &recent
			},
			reason: types.ReasonMinTimeBetweenRequests,
		},
		{
			name: "vault reserve would be breached",
			mutate: func(s *Snapshot) {
				// A pct limit above 100 lets the request through the
				// percentage check, leaving the reserve as the backstop:
				// 8600 active + 500 requested exceeds the 9000 allocatable.
				s.Limits.MaxAllocationPctOfVault = 200
				s.VaultActiveSum = 8600
			},
			reason: types.ReasonVaultReserveExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshot := baseSnapshot()
			tt.mutate(&snapshot)

			rejection := Validate(snapshot)
			require.NotNil(t, rejection)
			assert.Equal(t, tt.reason, rejection.Reason)
		})
	}
}

func TestValidateFirstFailureWins(t *testing.T) {
	snapshot := baseSnapshot()
	snapshot.Agent.Status = types.AgentSuspended
	snapshot.RequestedAmount = 50000
	snapshot.ActiveAllocations = 10

	rejection := Validate(snapshot)
	require.NotNil(t, rejection)
	assert.Equal(t, types.ReasonAgentNotActive, rejection.Reason)
}

func TestValidateNoRateLimitOnFirstRequest(t *testing.T) {
	snapshot := baseSnapshot()
	snapshot.Agent.LastRequestAt = nil

	assert.Nil(t, Validate(snapshot))
}

func TestValidatePctCapShrinksWithUtilization(t *testing.T) {
	snapshot := baseSnapshot()
	snapshot.Limits.MaxAllocationAmount = 10000

	// 9000 allocatable, 6000 already out: 50% of the remaining 3000 is 1500.
	snapshot.VaultActiveSum = 6000
	snapshot.RequestedAmount = 1500
	assert.Nil(t, Validate(snapshot))

	snapshot.RequestedAmount = 1501
	rejection := Validate(snapshot)
	require.NotNil(t, rejection)
	assert.Equal(t, types.ReasonMaxAllocationPctOfVault, rejection.Reason)
}
