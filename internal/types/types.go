package types

import (
	"time"

	"gorm.io/gorm"
)

// AllocationStatus is the lifecycle state of an allocation.
type AllocationStatus string

const (
	AllocationPending  AllocationStatus = "PENDING"
	AllocationActive   AllocationStatus = "ACTIVE"
	AllocationReturned AllocationStatus = "RETURNED"
	AllocationExpired  AllocationStatus = "EXPIRED"
	AllocationRecalled AllocationStatus = "RECALLED"
	AllocationFailed   AllocationStatus = "FAILED"
)

// allocationTransitions is the single source of truth for legal status moves.
// Terminal states have no outgoing edges.
var allocationTransitions = map[AllocationStatus][]AllocationStatus{
	AllocationPending: {AllocationActive, AllocationFailed},
	AllocationActive:  {AllocationReturned, AllocationExpired, AllocationRecalled, AllocationFailed},
}

// CanTransitionAllocation reports whether from -> to is a legal allocation
// status transition.
func CanTransitionAllocation(from, to AllocationStatus) bool {
	for _, next := range allocationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalAllocationStatus reports whether the status is terminal.
func IsTerminalAllocationStatus(s AllocationStatus) bool {
	switch s {
	case AllocationReturned, AllocationExpired, AllocationRecalled, AllocationFailed:
		return true
	}
	return false
}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "OPEN"
	PositionClosed     PositionStatus = "CLOSED"
	PositionLiquidated PositionStatus = "LIQUIDATED"
)

// CanTransitionPosition reports whether from -> to is a legal position
// status transition. Closed and Liquidated are terminal.
func CanTransitionPosition(from, to PositionStatus) bool {
	if from != PositionOpen {
		return false
	}
	return to == PositionClosed || to == PositionLiquidated
}

// Agent statuses.
const (
	AgentActive    = "ACTIVE"
	AgentPaused    = "PAUSED"
	AgentSuspended = "SUSPENDED"
)

// Position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Risk event severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Risk event types.
const (
	EventLimitBreach          = "LIMIT_BREACH"
	EventDrawdownBreach       = "DRAWDOWN_BREACH"
	EventLiquidationShortfall = "LIQUIDATION_SHORTFALL"
	EventSettlementStuck      = "SETTLEMENT_STUCK"
	EventRecallFailure        = "RECALL_FAILURE"
	EventExpiryForcedClosure  = "EXPIRY_FORCED_CLOSURE"
)

// Vault is a pooled custodial account. TotalLocked is the authoritative
// balance per the custodian and is only mutated on confirmed capital
// movements, never optimistically.
type Vault struct {
	gorm.Model   `json:"-"`
	VaultID      string    `gorm:"uniqueIndex" json:"vault_id"`
	OwnerID      string    `json:"owner_id"`
	Currency     string    `json:"currency"`
	TotalLocked  float64   `json:"total_locked"`
	ReserveRatio float64   `json:"reserve_ratio"` // fraction of TotalLocked kept unallocatable
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Reserve returns the portion of the vault balance that can never be allocated.
func (v *Vault) Reserve() float64 {
	return v.TotalLocked * v.ReserveRatio
}

// AvailableForAllocation derives the allocatable balance from the current
// sum of non-terminal allocation amounts. Never negative.
func (v *Vault) AvailableForAllocation(activeSum float64) float64 {
	available := v.TotalLocked - v.Reserve() - activeSum
	if available < 0 {
		return 0
	}
	return available
}

// Agent is a trading identity drawing capital from one vault.
type Agent struct {
	gorm.Model       `json:"-"`
	AgentID          string     `gorm:"uniqueIndex" json:"agent_id"`
	VaultID          string     `gorm:"index" json:"vault_id"`
	WalletAddress    string     `json:"wallet_address"`
	StrategyType     string     `json:"strategy_type"`
	Status           string     `json:"status"` // ACTIVE, PAUSED, SUSPENDED
	PerformanceScore float64    `json:"performance_score"`
	LastRequestAt    *time.Time `json:"last_request_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AgentLimits is the per-agent risk configuration. It is read as an immutable
// snapshot at validation time and only updated between allocation cycles.
type AgentLimits struct {
	gorm.Model               `json:"-"`
	AgentID                  string        `gorm:"uniqueIndex" json:"agent_id"`
	MaxAllocationAmount      float64       `json:"max_allocation_amount"`
	MaxAllocationPctOfVault  float64       `json:"max_allocation_pct_of_vault"` // 0-100
	MaxDrawdownPct           float64       `json:"max_drawdown_pct"`            // 0-100
	MaxConcurrentAllocations int           `json:"max_concurrent_allocations"`
	MaxPositionSize          float64       `json:"max_position_size"` // notional cap
	MinTimeBetweenRequests   time.Duration `json:"min_time_between_requests"`
}

// Allocation is a bounded, time-limited grant of vault capital to one agent.
type Allocation struct {
	gorm.Model        `json:"-"`
	AllocationID      string           `gorm:"uniqueIndex" json:"allocation_id"`
	VaultID           string           `gorm:"index:idx_alloc_vault_status" json:"vault_id"`
	AgentID           string           `gorm:"index:idx_alloc_agent_status" json:"agent_id"`
	Amount            float64          `json:"amount"`
	StrategyTag       string           `json:"strategy_tag"`
	Status            AllocationStatus `gorm:"index:idx_alloc_vault_status;index:idx_alloc_agent_status" json:"status"`
	AllocatedAt       *time.Time       `json:"allocated_at,omitempty"`
	ExpiresAt         *time.Time       `gorm:"index" json:"expires_at,omitempty"`
	ReturnedAmount    *float64         `json:"returned_amount,omitempty"`
	ReturnReason      string           `json:"return_reason,omitempty"`
	PendingSettlement bool             `gorm:"index" json:"pending_settlement"`
	// Intended return recorded while a settlement awaits custodian
	// confirmation; promoted to ReturnedAmount only once confirmed.
	PendingReturnAmount *float64         `json:"pending_return_amount,omitempty"`
	PendingStatus       AllocationStatus `json:"pending_status,omitempty"`
	UnlockTxRef         string           `json:"unlock_tx_ref,omitempty"`
	SettlementTxRef     string           `json:"settlement_tx_ref,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// IsTerminal reports whether the allocation has reached a terminal status.
func (a *Allocation) IsTerminal() bool {
	return IsTerminalAllocationStatus(a.Status)
}

// NetPnL derives the realized profit or loss. Nil while the allocation is
// still active.
func (a *Allocation) NetPnL() *float64 {
	if a.ReturnedAmount == nil {
		return nil
	}
	pnl := *a.ReturnedAmount - a.Amount
	return &pnl
}

// Transition moves the allocation to the given status, rejecting illegal
// moves so terminal states stay immutable.
func (a *Allocation) Transition(to AllocationStatus) error {
	if !CanTransitionAllocation(a.Status, to) {
		return &ConsistencyError{
			Message: "illegal allocation transition " + string(a.Status) + " -> " + string(to) + " for " + a.AllocationID,
		}
	}
	a.Status = to
	return nil
}

// Position is a single trade drawing on an allocation's capital. At most one
// open position exists per allocation at a time.
type Position struct {
	gorm.Model    `json:"-"`
	PositionID    string         `gorm:"uniqueIndex" json:"position_id"`
	AllocationID  string         `gorm:"index:idx_pos_alloc_status" json:"allocation_id"`
	AgentID       string         `gorm:"index" json:"agent_id"`
	Symbol        string         `json:"symbol"`
	Side          string         `json:"side"` // LONG or SHORT
	Collateral    float64        `json:"collateral"`
	Leverage      float64        `json:"leverage"`
	EntryPrice    float64        `json:"entry_price"`
	Status        PositionStatus `gorm:"index:idx_pos_alloc_status" json:"status"`
	CurrentPnL    float64        `json:"current_pnl"` // advisory mark-to-market
	LastMarkPrice float64        `json:"last_mark_price"`
	ExitPrice     *float64       `json:"exit_price,omitempty"`
	RealizedPnL   *float64       `json:"realized_pnl,omitempty"` // authoritative for settlement
	CloseReason   string         `json:"close_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Direction returns +1 for long, -1 for short.
func (p *Position) Direction() float64 {
	if p.Side == SideShort {
		return -1
	}
	return 1
}

// MarkPnL computes the position P&L at the given price.
func (p *Position) MarkPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Direction() * p.Collateral * p.Leverage / p.EntryPrice
}

// RiskEvent is an append-only audit record. Rows are never updated.
type RiskEvent struct {
	gorm.Model   `json:"-"`
	EventID      string    `gorm:"uniqueIndex" json:"event_id"`
	AgentID      string    `gorm:"index" json:"agent_id,omitempty"`
	AllocationID string    `gorm:"index" json:"allocation_id,omitempty"`
	EventType    string    `json:"event_type"`
	Severity     string    `json:"severity"` // INFO, WARNING, CRITICAL
	Details      string    `json:"details"`
	CreatedAt    time.Time `json:"created_at"`
}

// IdempotencyRecord maps a caller-supplied idempotency key to the resource
// created for it.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}
