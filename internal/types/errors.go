package types

import "fmt"

// Risk rejection reason codes, one per check in the risk limit engine.
// These are part of the API contract and must stay machine-readable.
const (
	ReasonAgentNotActive          = "agent_not_active"
	ReasonMaxAllocationAmount     = "max_allocation_amount"
	ReasonMaxAllocationPctOfVault = "max_allocation_pct_of_vault"
	ReasonMaxConcurrentAllocs     = "max_concurrent_allocations"
	ReasonMinTimeBetweenRequests  = "min_time_between_requests"
	ReasonVaultReserveExceeded    = "vault_reserve_exceeded"
)

// ValidationError is a risk-limit rejection. It is returned synchronously to
// the caller and never retried.
type ValidationError struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %s", e.Reason, e.Message)
}

// ConsistencyError marks an attempted ledger corruption: double settlement,
// terminal-state mutation, and similar. Fatal to the request, never ignored.
type ConsistencyError struct {
	Message string `json:"message"`
}

func (e *ConsistencyError) Error() string {
	return "consistency error: " + e.Message
}

// CustodianError wraps a failed capital movement after retries are exhausted.
// Capital is never assumed lost or returned without confirmation.
type CustodianError struct {
	Op  string
	Err error
}

func (e *CustodianError) Error() string {
	return fmt.Sprintf("custodian %s failed: %v", e.Op, e.Err)
}

func (e *CustodianError) Unwrap() error {
	return e.Err
}
