package custodian

import "context"

// TxRef identifies a confirmed capital movement at the custodian.
type TxRef string

// Custodian moves capital between the pooled vault and agent wallets. Calls
// are at-least-once retriable; the caller supplies an idempotency key (the
// allocation id) so replays return the original transaction reference.
type Custodian interface {
	// Lock moves capital from an agent back into the vault.
	Lock(ctx context.Context, vaultID string, amount float64, idempotencyKey string) (TxRef, error)
	// Unlock releases vault capital to the destination wallet.
	Unlock(ctx context.Context, vaultID string, amount float64, destination, idempotencyKey string) (TxRef, error)
}
