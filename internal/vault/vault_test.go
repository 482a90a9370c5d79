package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/vault-api/internal/database"
	"github.com/ksred/vault-api/internal/ledger"
	"github.com/ksred/vault-api/internal/types"
)

func setupTest(t *testing.T) (*ledger.Database, *Service) {
	t.Helper()

	gormDB, err := database.NewTestDatabase()
	require.NoError(t, err)

	return ledger.NewDatabase(gormDB), NewService(gormDB, ledger.NewVaultLocks())
}

func TestCreateVault(t *testing.T) {
	_, service := setupTest(t)

	err := service.CreateVault(&types.Vault{
		VaultID:      "VAULT_1",
		Currency:     "USDC",
		TotalLocked:  10000,
		ReserveRatio: 0.15,
	})
	require.NoError(t, err)
}

func TestCreateVaultValidations(t *testing.T) {
	_, service := setupTest(t)

	tests := []struct {
		name  string
		vault types.Vault
	}{
		{"missing id", types.Vault{TotalLocked: 1000}},
		{"negative balance", types.Vault{VaultID: "VAULT_neg", TotalLocked: -1}},
		{"reserve ratio of one", types.Vault{VaultID: "VAULT_r1", TotalLocked: 1000, ReserveRatio: 1}},
		{"negative reserve ratio", types.Vault{VaultID: "VAULT_r2", TotalLocked: 1000, ReserveRatio: -0.1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vault := tt.vault
			err := service.CreateVault(&vault)
			var validationErr *types.ValidationError
			require.ErrorAs(t, err, &validationErr)
		})
	}
}

func TestRegisterAgentRequiresVault(t *testing.T) {
	_, service := setupTest(t)

	agent := &types.Agent{AgentID: "AGENT_orphan", VaultID: "VAULT_missing"}
	err := service.RegisterAgent(agent, &types.AgentLimits{})
	require.Error(t, err)
}

func TestRegisterAgentDefaultsToActive(t *testing.T) {
	db, service := setupTest(t)

	require.NoError(t, service.CreateVault(&types.Vault{
		VaultID:     "VAULT_agents",
		TotalLocked: 5000,
	}))

	agent := &types.Agent{
		AgentID:      "AGENT_new",
		VaultID:      "VAULT_agents",
		StrategyType: "momentum",
	}
	limits := &types.AgentLimits{
		MaxAllocationAmount:      1000,
		MaxAllocationPctOfVault:  50,
		MaxConcurrentAllocations: 2,
	}
	require.NoError(t, service.RegisterAgent(agent, limits))

	stored, err := db.GetAgent("AGENT_new")
	require.NoError(t, err)
	assert.Equal(t, types.AgentActive, stored.Status)

	storedLimits, err := db.GetAgentLimits("AGENT_new")
	require.NoError(t, err)
	assert.InDelta(t, 1000, storedLimits.MaxAllocationAmount, 0.0001)
}

func TestOverview(t *testing.T) {
	db, service := setupTest(t)

	require.NoError(t, service.CreateVault(&types.Vault{
		VaultID:      "VAULT_ov",
		Currency:     "USDC",
		TotalLocked:  10000,
		ReserveRatio: 0.2,
	}))

	now := time.Now()
	expires := now.Add(time.Hour)
	require.NoError(t, db.CreateAllocation(&types.Allocation{
		AllocationID: "ALLOC_ov_1",
		VaultID:      "VAULT_ov",
		AgentID:      "AGENT_ov",
		Amount:       2000,
		Status:       types.AllocationActive,
		AllocatedAt:  &now,
		ExpiresAt:    &expires,
	}))
	require.NoError(t, db.CreateAllocation(&types.Allocation{
		AllocationID: "ALLOC_ov_2",
		VaultID:      "VAULT_ov",
		AgentID:      "AGENT_ov",
		Amount:       1000,
		Status:       types.AllocationPending,
	}))
	// Terminal allocations do not count towards utilization.
	returned := 500.0
	require.NoError(t, db.CreateAllocation(&types.Allocation{
		AllocationID:   "ALLOC_ov_3",
		VaultID:        "VAULT_ov",
		AgentID:        "AGENT_ov",
		Amount:         500,
		Status:         types.AllocationReturned,
		ReturnedAmount: &returned,
	}))

	overview, err := service.Overview("VAULT_ov")
	require.NoError(t, err)

	assert.InDelta(t, 10000, overview.TotalLocked, 0.0001)
	assert.InDelta(t, 2000, overview.Reserve, 0.0001)
	assert.InDelta(t, 3000, overview.Allocated, 0.0001, "pending reservations count as allocated")
	assert.InDelta(t, 5000, overview.Available, 0.0001)
	assert.InDelta(t, 37.5, overview.UtilizationPct, 0.0001)
}

func TestOverviewDefaultsToSoleVault(t *testing.T) {
	_, service := setupTest(t)

	require.NoError(t, service.CreateVault(&types.Vault{
		VaultID:     "VAULT_only",
		TotalLocked: 1000,
	}))

	overview, err := service.Overview("")
	require.NoError(t, err)
	assert.Equal(t, "VAULT_only", overview.VaultID)

	require.NoError(t, service.CreateVault(&types.Vault{
		VaultID:     "VAULT_second",
		TotalLocked: 1000,
	}))

	_, err = service.Overview("")
	var validationErr *types.ValidationError
	require.ErrorAs(t, err, &validationErr)
}
