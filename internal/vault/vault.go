package vault

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/vault-api/internal/auth"
	"github.com/ksred/vault-api/internal/ledger"
	"github.com/ksred/vault-api/internal/types"
	"github.com/ksred/vault-api/pkg/response"
)

// Service handles vault and agent administration plus capital overview reads.
type Service struct {
	db    *ledger.Database
	locks *ledger.VaultLocks
}

func NewService(gormDB *gorm.DB, locks *ledger.VaultLocks) *Service {
	return &Service{
		db:    ledger.NewDatabase(gormDB),
		locks: locks,
	}
}

// CreateVault registers a pooled custodial account. TotalLocked reflects the
// balance already confirmed at the custodian.
func (s *Service) CreateVault(vault *types.Vault) error {
	if vault.VaultID == "" || vault.TotalLocked < 0 {
		return &types.ValidationError{
			Reason:  "invalid_vault",
			Message: "vault id required and balance must be non-negative",
		}
	}
	if vault.ReserveRatio < 0 || vault.ReserveRatio >= 1 {
		return &types.ValidationError{
			Reason:  "invalid_vault",
			Message: "reserve ratio must be in [0, 1)",
		}
	}

	if err := s.db.CreateVault(vault); err != nil {
		return err
	}

	log.Info().
		Str("vault_id", vault.VaultID).
		Float64("total_locked", vault.TotalLocked).
		Float64("reserve_ratio", vault.ReserveRatio).
		Msg("vault created")
	return nil
}

// RegisterAgent creates a trading identity and its limit configuration.
func (s *Service) RegisterAgent(agent *types.Agent, limits *types.AgentLimits) error {
	if agent.AgentID == "" || agent.VaultID == "" {
		return &types.ValidationError{
			Reason:  "invalid_agent",
			Message: "agent id and vault id are required",
		}
	}
	if _, err := s.db.GetVault(agent.VaultID); err != nil {
		return err
	}
	if agent.Status == "" {
		agent.Status = types.AgentActive
	}
	limits.AgentID = agent.AgentID

	if err := s.db.CreateAgent(agent, limits); err != nil {
		return err
	}

	log.Info().
		Str("agent_id", agent.AgentID).
		Str("vault_id", agent.VaultID).
		Str("strategy_type", agent.StrategyType).
		Msg("agent registered")
	return nil
}

// Overview builds a capital utilization snapshot under the vault lock so the
// numbers are mutually consistent.
func (s *Service) Overview(vaultID string) (*types.VaultOverview, error) {
	if vaultID == "" {
		vaults, err := s.db.ListVaults()
		if err != nil {
			return nil, err
		}
		if len(vaults) != 1 {
			return nil, &types.ValidationError{
				Reason:  "vault_id_required",
				Message: fmt.Sprintf("%d vaults exist, pass vault_id", len(vaults)),
			}
		}
		vaultID = vaults[0].VaultID
	}

	var overview *types.VaultOverview
	err := s.locks.WithVaultLock(vaultID, func() error {
		vault, err := s.db.GetVault(vaultID)
		if err != nil {
			return err
		}
		allocated, err := s.db.ActiveAllocationSum(vaultID)
		if err != nil {
			return err
		}

		utilization := 0.0
		allocatable := vault.TotalLocked - vault.Reserve()
		if allocatable > 0 {
			utilization = allocated / allocatable * 100
		}

		overview = &types.VaultOverview{
			VaultID:        vault.VaultID,
			Currency:       vault.Currency,
			TotalLocked:    vault.TotalLocked,
			Reserve:        vault.Reserve(),
			Allocated:      allocated,
			Available:      vault.AvailableForAllocation(allocated),
			UtilizationPct: utilization,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return overview, nil
}

// RiskEventsForAgent returns the agent's audit trail.
func (s *Service) RiskEventsForAgent(agentID string) ([]types.RiskEvent, error) {
	return s.db.RiskEventsForAgent(agentID)
}

// GinHandlers contains HTTP handlers for vault administration endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type createVaultBody struct {
	VaultID      string  `json:"vault_id" binding:"required"`
	OwnerID      string  `json:"owner_id"`
	Currency     string  `json:"currency"`
	TotalLocked  float64 `json:"total_locked" binding:"required"`
	ReserveRatio float64 `json:"reserve_ratio"`
}

// CreateVaultHandler handles POST requests to register a vault.
func (h *GinHandlers) CreateVaultHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body createVaultBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		vault := &types.Vault{
			VaultID:      body.VaultID,
			OwnerID:      body.OwnerID,
			Currency:     body.Currency,
			TotalLocked:  body.TotalLocked,
			ReserveRatio: body.ReserveRatio,
		}
		if err := h.service.CreateVault(vault); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, vault)
	}
}

type registerAgentBody struct {
	AgentID       string            `json:"agent_id" binding:"required"`
	VaultID       string            `json:"vault_id" binding:"required"`
	WalletAddress string            `json:"wallet_address"`
	StrategyType  string            `json:"strategy_type"`
	Limits        types.AgentLimits `json:"limits"`
}

// RegisterAgentHandler handles POST requests to register an agent with its
// risk limits.
func (h *GinHandlers) RegisterAgentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body registerAgentBody
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		agent := &types.Agent{
			AgentID:       body.AgentID,
			VaultID:       body.VaultID,
			WalletAddress: body.WalletAddress,
			StrategyType:  body.StrategyType,
			Status:        types.AgentActive,
		}
		if err := h.service.RegisterAgent(agent, &body.Limits); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, agent)
	}
}

// OverviewHandler handles GET requests for the vault capital overview.
func (h *GinHandlers) OverviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		overview, err := h.service.Overview(c.Query("vault_id"))
		response.Handle(c, overview, err)
	}
}

// RiskEventsHandler handles GET requests for an agent's risk events.
func (h *GinHandlers) RiskEventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		agentID := c.Param("id")
		claims, _ := c.Get("claims")
		if auth.GetAgentID(claims) != agentID {
			response.Forbidden(c, "Token agent does not match requested agent")
			return
		}

		events, err := h.service.RiskEventsForAgent(agentID)
		response.Handle(c, events, err)
	}
}
