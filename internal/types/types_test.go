package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocationTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    AllocationStatus
		to      AllocationStatus
		allowed bool
	}{
		{"pending to active", AllocationPending, AllocationActive, true},
		{"pending to failed", AllocationPending, AllocationFailed, true},
		{"pending to returned", AllocationPending, AllocationReturned, false},
		{"pending to expired", AllocationPending, AllocationExpired, false},
		{"active to returned", AllocationActive, AllocationReturned, true},
		{"active to expired", AllocationActive, AllocationExpired, true},
		{"active to recalled", AllocationActive, AllocationRecalled, true},
		{"active to failed", AllocationActive, AllocationFailed, true},
		{"active to pending", AllocationActive, AllocationPending, false},
		{"returned is terminal", AllocationReturned, AllocationActive, false},
		{"expired is terminal", AllocationExpired, AllocationActive, false},
		{"recalled is terminal", AllocationRecalled, AllocationReturned, false},
		{"failed is terminal", AllocationFailed, AllocationActive, false},
		{"no self transition", AllocationActive, AllocationActive, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransitionAllocation(tt.from, tt.to))
		})
	}
}

func TestIsTerminalAllocationStatus(t *testing.T) {
	assert.False(t, IsTerminalAllocationStatus(AllocationPending))
	assert.False(t, IsTerminalAllocationStatus(AllocationActive))
	assert.True(t, IsTerminalAllocationStatus(AllocationReturned))
	assert.True(t, IsTerminalAllocationStatus(AllocationExpired))
	assert.True(t, IsTerminalAllocationStatus(AllocationRecalled))
	assert.True(t, IsTerminalAllocationStatus(AllocationFailed))
}

func TestAllocationTransitionRejectsIllegalMove(t *testing.T) {
	alloc := &Allocation{
		AllocationID: "ALLOC_test",
		Status:       AllocationReturned,
	}

	err := alloc.Transition(AllocationActive)
	require.Error(t, err)

	var consistencyErr *ConsistencyError
	require.ErrorAs(t, err, &consistencyErr)
	assert.Equal(t, AllocationReturned, alloc.Status, "status must not change on a rejected transition")
}

func TestAllocationTransitionAppliesLegalMove(t *testing.T) {
	alloc := &Allocation{
		AllocationID: "ALLOC_test",
		Status:       AllocationPending,
	}

	require.NoError(t, alloc.Transition(AllocationActive))
	assert.Equal(t, AllocationActive, alloc.Status)

	require.NoError(t, alloc.Transition(AllocationReturned))
	assert.Equal(t, AllocationReturned, alloc.Status)
}

func TestPositionTransitions(t *testing.T) {
	assert.True(t, CanTransitionPosition(PositionOpen, PositionClosed))
	assert.True(t, CanTransitionPosition(PositionOpen, PositionLiquidated))
	assert.False(t, CanTransitionPosition(PositionClosed, PositionOpen))
	assert.False(t, CanTransitionPosition(PositionLiquidated, PositionClosed))
	assert.False(t, CanTransitionPosition(PositionOpen, PositionOpen))
}

func TestNetPnL(t *testing.T) {
	alloc := &Allocation{Amount: 1000}
	assert.Nil(t, alloc.NetPnL(), "pnl is undefined until capital is returned")

	returned := 1150.0
	alloc.ReturnedAmount = &returned
	pnl := alloc.NetPnL()
	require.NotNil(t, pnl)
	assert.InDelta(t, 150.0, *pnl, 0.0001)

	loss := 800.0
	alloc.ReturnedAmount = &loss
	pnl = alloc.NetPnL()
	require.NotNil(t, pnl)
	assert.InDelta(t, -200.0, *pnl, 0.0001)
}

func TestMarkPnL(t *testing.T) {
	tests := []struct {
		name     string
		side     string
		entry    float64
		mark     float64
		expected float64
	}{
		{"long profit", SideLong, 100, 110, 500},   // +10% * 1000 collateral * 5x
		{"long loss", SideLong, 100, 90, -500},     // -10%
		{"short profit", SideShort, 100, 90, 500},  // price down, short wins
		{"short loss", SideShort, 100, 110, -500},  // price up, short loses
		{"flat", SideLong, 100, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			position := &Position{
				Side:       tt.side,
				Collateral: 1000,
				Leverage:   5,
				EntryPrice: tt.entry,
			}
			assert.InDelta(t, tt.expected, position.MarkPnL(tt.mark), 0.0001)
		})
	}
}

func TestVaultAvailableForAllocation(t *testing.T) {
	vault := &Vault{TotalLocked: 10000, ReserveRatio: 0.2}

	assert.InDelta(t, 2000, vault.Reserve(), 0.0001)
	assert.InDelta(t, 8000, vault.AvailableForAllocation(0), 0.0001)
	assert.InDelta(t, 3000, vault.AvailableForAllocation(5000), 0.0001)

	// A loss can shrink the balance below what is already allocated; the
	// derived availability clamps at zero rather than going negative.
	assert.Equal(t, 0.0, vault.AvailableForAllocation(9500))
}
