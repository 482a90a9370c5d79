package types

import "time"

// AllocationResponse is returned from the capital request endpoint.
type AllocationResponse struct {
	AllocationID    string    `json:"allocation_id"`
	AgentID         string    `json:"agent_id"`
	AmountAllocated float64   `json:"amount_allocated"`
	Status          string    `json:"status"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// SettlementResult is returned from the capital return endpoint.
type SettlementResult struct {
	AllocationID   string    `json:"allocation_id"`
	Status         string    `json:"status"`
	ReturnedAmount float64   `json:"returned_amount"`
	NetPnL         float64   `json:"net_pnl"`
	SettlementTx   string    `json:"settlement_tx"`
	SettledAt      time.Time `json:"settled_at"`
}

// VaultOverview summarizes a vault's capital utilization.
type VaultOverview struct {
	VaultID        string  `json:"vault_id"`
	Currency       string  `json:"currency"`
	TotalLocked    float64 `json:"total_locked"`
	Reserve        float64 `json:"reserve"`
	Allocated      float64 `json:"allocated"`
	Available      float64 `json:"available"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// RecallResult reports the outcome of recalling one allocation.
type RecallResult struct {
	AllocationID   string  `json:"allocation_id"`
	PositionClosed bool    `json:"position_closed"`
	ReturnedAmount float64 `json:"returned_amount"`
	Error          string  `json:"error,omitempty"`
}

// AgentRecallSummary aggregates recall results for one agent.
type AgentRecallSummary struct {
	AgentID     string         `json:"agent_id"`
	Recalled    int            `json:"recalled"`
	Failed      int            `json:"failed"`
	Allocations []RecallResult `json:"allocations"`
}
