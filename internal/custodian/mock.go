package custodian

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MockCustodian simulates a custodial backend: random latency inside a
// bounded window, a configurable success rate, and idempotency-key replay.
type MockCustodian struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64 // 0-1, probability a call confirms

	mu        sync.Mutex
	processed map[string]TxRef
}

// NewMockCustodian returns a custodian tuned for local development.
func NewMockCustodian() *MockCustodian {
	return &MockCustodian{
		MinLatency:  5 * time.Millisecond,
		MaxLatency:  50 * time.Millisecond,
		SuccessRate: 0.98,
		processed:   make(map[string]TxRef),
	}
}

func (m *MockCustodian) Lock(ctx context.Context, vaultID string, amount float64, idempotencyKey string) (TxRef, error) {
	return m.execute(ctx, "lock", vaultID, amount, idempotencyKey)
}

func (m *MockCustodian) Unlock(ctx context.Context, vaultID string, amount float64, destination, idempotencyKey string) (TxRef, error) {
	return m.execute(ctx, "unlock", vaultID, amount, idempotencyKey)
}

func (m *MockCustodian) execute(ctx context.Context, op, vaultID string, amount float64, idempotencyKey string) (TxRef, error) {
	logger := log.With().
		Str("component", "mock_custodian").
		Str("op", op).
		Str("vault_id", vaultID).
		Float64("amount", amount).
		Logger()

	// Replay: a key we already confirmed returns the original reference.
	key := op + ":" + idempotencyKey
	m.mu.Lock()
	if ref, ok := m.processed[key]; ok {
		m.mu.Unlock()
		logger.Debug().Str("tx_ref", string(ref)).Msg("idempotent replay")
		return ref, nil
	}
	m.mu.Unlock()

	latency := m.MinLatency + time.Duration(rand.Int63n(int64(m.MaxLatency-m.MinLatency)+1))
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(latency):
	}

	if rand.Float64() > m.SuccessRate {
		logger.Warn().Msg("simulated custodian failure")
		return "", fmt.Errorf("custodian %s rejected for vault %s", op, vaultID)
	}

	ref := TxRef(fmt.Sprintf("TX-%s-%d", vaultID, rand.Int63()))
	m.mu.Lock()
	m.processed[key] = ref
	m.mu.Unlock()

	logger.Info().Str("tx_ref", string(ref)).Msg("capital movement confirmed")
	return ref, nil
}
