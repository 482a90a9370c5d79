package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ksred/vault-api/internal/types"
	"github.com/ksred/vault-api/pkg/metrics"
)

// Database is the ledger store. It exclusively owns persisted vault,
// allocation, position and risk-event state; mutators in other packages go
// through it.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GORM exposes the underlying handle for package-local wrappers.
func (d *Database) GORM() *gorm.DB {
	return d.db
}

func (d *Database) CreateVault(vault *types.Vault) error {
	return d.db.Create(vault).Error
}

func (d *Database) GetVault(vaultID string) (*types.Vault, error) {
	var vault types.Vault
	if err := d.db.Where("vault_id = ?", vaultID).First(&vault).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch vault: %w", err)
	}
	return &vault, nil
}

func (d *Database) UpdateVault(vault *types.Vault) error {
	return d.db.Save(vault).Error
}

func (d *Database) ListVaults() ([]types.Vault, error) {
	var vaults []types.Vault
	if err := d.db.Order("created_at ASC").Find(&vaults).Error; err != nil {
		return nil, fmt.Errorf("failed to list vaults: %w", err)
	}
	return vaults, nil
}

func (d *Database) CreateAgent(agent *types.Agent, limits *types.AgentLimits) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(agent).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Create(limits).Error; err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

func (d *Database) GetAgent(agentID string) (*types.Agent, error) {
	var agent types.Agent
	if err := d.db.Where("agent_id = ?", agentID).First(&agent).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch agent: %w", err)
	}
	return &agent, nil
}

func (d *Database) UpdateAgent(agent *types.Agent) error {
	return d.db.Save(agent).Error
}

func (d *Database) GetAgentLimits(agentID string) (*types.AgentLimits, error) {
	var limits types.AgentLimits
	if err := d.db.Where("agent_id = ?", agentID).First(&limits).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch agent limits: %w", err)
	}
	return &limits, nil
}

// GetAgentsWithActiveAllocations returns the distinct agent ids holding
// non-terminal allocations. Used by recall-all.
func (d *Database) GetAgentsWithActiveAllocations() ([]string, error) {
	var agentIDs []string
	if err := d.db.Model(&types.Allocation{}).
		Where("status = ?", types.AllocationActive).
		Distinct("agent_id").
		Pluck("agent_id", &agentIDs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch agents with active allocations: %w", err)
	}
	return agentIDs, nil
}

func (d *Database) CreateAllocation(alloc *types.Allocation) error {
	return d.db.Create(alloc).Error
}

func (d *Database) GetAllocation(allocationID string) (*types.Allocation, error) {
	var alloc types.Allocation
	if err := d.db.Where("allocation_id = ?", allocationID).First(&alloc).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch allocation: %w", err)
	}
	return &alloc, nil
}

func (d *Database) UpdateAllocation(alloc *types.Allocation) error {
	return d.db.Save(alloc).Error
}

// ActiveAllocationSum is the sum of amounts in Pending and Active allocations
// for a vault. Pending rows count as reserved capital.
func (d *Database) ActiveAllocationSum(vaultID string) (float64, error) {
	var sum float64
	if err := d.db.Model(&types.Allocation{}).
		Where("vault_id = ? AND status IN ?", vaultID, []types.AllocationStatus{types.AllocationPending, types.AllocationActive}).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error; err != nil {
		return 0, fmt.Errorf("failed to sum active allocations: %w", err)
	}
	return sum, nil
}

// ActiveAllocationsForAgent returns an agent's Active allocations.
func (d *Database) ActiveAllocationsForAgent(agentID string) ([]types.Allocation, error) {
	var allocs []types.Allocation
	if err := d.db.Where("agent_id = ? AND status = ?", agentID, types.AllocationActive).
		Order("created_at ASC").
		Find(&allocs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch active allocations: %w", err)
	}
	return allocs, nil
}

// CountNonTerminalAllocationsForAgent counts Pending plus Active allocations.
// The concurrency limit check uses this so in-flight requests occupy a slot.
func (d *Database) CountNonTerminalAllocationsForAgent(agentID string) (int64, error) {
	var count int64
	if err := d.db.Model(&types.Allocation{}).
		Where("agent_id = ? AND status IN ?", agentID, []types.AllocationStatus{types.AllocationPending, types.AllocationActive}).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count allocations: %w", err)
	}
	return count, nil
}

// AllocationsForAgent returns the agent's full allocation history.
func (d *Database) AllocationsForAgent(agentID string) ([]types.Allocation, error) {
	var allocs []types.Allocation
	if err := d.db.Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&allocs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch allocations: %w", err)
	}
	return allocs, nil
}

// ExpiredActiveAllocations returns Active allocations whose expiry has passed.
// Feeds the periodic expiry sweep.
func (d *Database) ExpiredActiveAllocations(now time.Time) ([]types.Allocation, error) {
	var allocs []types.Allocation
	if err := d.db.Where("status = ? AND expires_at IS NOT NULL AND expires_at <= ?", types.AllocationActive, now).
		Find(&allocs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch expired allocations: %w", err)
	}
	return allocs, nil
}

// PendingSettlementAllocations returns Active allocations whose capital
// return is awaiting a confirmed custodian movement.
func (d *Database) PendingSettlementAllocations() ([]types.Allocation, error) {
	var allocs []types.Allocation
	if err := d.db.Where("status = ? AND pending_settlement = ?", types.AllocationActive, true).
		Find(&allocs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pending settlements: %w", err)
	}
	return allocs, nil
}

func (d *Database) CreatePosition(position *types.Position) error {
	return d.db.Create(position).Error
}

func (d *Database) GetPosition(positionID string) (*types.Position, error) {
	var position types.Position
	if err := d.db.Where("position_id = ?", positionID).First(&position).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch position: %w", err)
	}
	return &position, nil
}

func (d *Database) UpdatePosition(position *types.Position) error {
	return d.db.Save(position).Error
}

// OpenPositionForAllocation returns the allocation's open position, or nil
// when none exists.
func (d *Database) OpenPositionForAllocation(allocationID string) (*types.Position, error) {
	var position types.Position
	err := d.db.Where("allocation_id = ? AND status = ?", allocationID, types.PositionOpen).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch open position: %w", err)
	}
	return &position, nil
}

// RecordRiskEvent appends an immutable audit entry.
func (d *Database) RecordRiskEvent(event *types.RiskEvent) error {
	if event.EventID == "" {
		event.EventID = "EVT_" + uuid.New().String()
	}
	event.CreatedAt = time.Now()
	if err := d.db.Create(event).Error; err != nil {
		return fmt.Errorf("failed to record risk event: %w", err)
	}
	metrics.RiskEventsTotal.WithLabelValues(event.Severity).Inc()
	return nil
}

// RiskEventsForAgent returns the agent's audit trail, newest first.
func (d *Database) RiskEventsForAgent(agentID string) ([]types.RiskEvent, error) {
	var events []types.RiskEvent
	if err := d.db.Where("agent_id = ?", agentID).
		Order("created_at DESC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch risk events: %w", err)
	}
	return events, nil
}

// GetIdempotencyRecord retrieves an idempotency record by key. Returns an
// empty record when none exists, matching how callers probe for replays.
func (d *Database) GetIdempotencyRecord(key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &record, nil
		}
		return nil, err
	}
	return &record, nil
}

// CreateAllocationWithIdempotency writes the allocation and its idempotency
// record in one transaction. A key whose replay window has lapsed is reusable:
// the expired record is cleared before the new one is written, so the unique
// index only rejects keys still inside their window.
func (d *Database) CreateAllocationWithIdempotency(alloc *types.Allocation, idempotencyKey string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Unscoped().
		Where("idempotency_key = ? AND expires_at <= ?", idempotencyKey, time.Now()).
		Delete(&types.IdempotencyRecord{}).Error; err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Create(alloc).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := types.IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     alloc.AllocationID,
		ResourceType:   "allocation",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
