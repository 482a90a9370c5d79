package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/vault-api/internal/allocation"
	"github.com/ksred/vault-api/internal/auth"
	"github.com/ksred/vault-api/internal/custodian"
	"github.com/ksred/vault-api/internal/database"
	"github.com/ksred/vault-api/internal/ledger"
	"github.com/ksred/vault-api/internal/position"
	"github.com/ksred/vault-api/internal/recall"
	"github.com/ksred/vault-api/internal/settlement"
	"github.com/ksred/vault-api/internal/types"
	"github.com/ksred/vault-api/internal/vault"
	"github.com/ksred/vault-api/internal/venue"
	"github.com/ksred/vault-api/pkg/middleware"
)

const (
	numAgents       = 4
	cyclesPerAgent  = 8
	serverAddress   = "http://localhost:8080"
	simulationVault = "VAULT_MAIN"
	jwtSecret       = "vault-secret-key"
)

var symbols = map[string]float64{
	"BTC-PERP": 65000,
	"ETH-PERP": 3200,
	"SOL-PERP": 140,
	"ADA-PERP": 0.45,
}

// priceFeed drives entry and mark prices for all simulated agents
var priceFeed = venue.NewMockVenue(symbols)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes min, max, mean, median, 95th and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the allocation API
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"request":  {name: "Request Capital"},
			"open":     {name: "Open Position"},
			"mark":     {name: "Update Mark"},
			"close":    {name: "Close Position"},
			"return":   {name: "Return Capital"},
			"overview": {name: "Vault Overview"},
		},
	}
}

func (sc *simulationClient) record(route string, start time.Time, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(time.Since(start))
	if failed {
		sc.stats[route].failures++
	}
}

// do sends an authenticated JSON request and decodes the standard envelope.
func (sc *simulationClient) do(method, path, token string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewBuffer(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == "POST" {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}

	envelope := struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	start := time.Now()

	var result struct {
		Token string `json:"jwt_token"`
	}
	err := sc.do("POST", "/api/v1/auth/token", "", auth.Credentials{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}, &result)
	sc.record("auth", start, err != nil)
	if err != nil {
		return "", err
	}
	return result.Token, nil
}

// agentStats aggregates outcomes for one simulated agent
type agentStats struct {
	agentID     string
	allocations int
	rejections  int
	positions   int
	settled     int
	totalPnL    float64
}

// runAgent drives one agent through request -> trade -> return cycles
func (sc *simulationClient) runAgent(agentID, token string, cycles int) *agentStats {
	stats := &agentStats{agentID: agentID}
	symbolNames := make([]string, 0, len(symbols))
	for name := range symbols {
		symbolNames = append(symbolNames, name)
	}

	for i := 0; i < cycles; i++ {
		amount := float64(rand.Intn(400) + 100)

		start := time.Now()
		var alloc types.AllocationResponse
		err := sc.do("POST", fmt.Sprintf("/api/v1/agents/%s/capital/request", agentID), token, map[string]interface{}{
			"amount":    amount,
			"strategy":  "momentum",
			"ttl_hours": 1.0,
		}, &alloc)
		sc.record("request", start, err != nil)
		if err != nil {
			stats.rejections++
			log.Debug().Err(err).Str("agent_id", agentID).Msg("capital request rejected")
			time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			continue
		}
		stats.allocations++

		symbol := symbolNames[rand.Intn(len(symbolNames))]
		entryPrice := priceFeed.MarkPrice(symbol)

		// Half the cycles trade, the rest return capital untouched
		if rand.Float64() < 0.5 {
			start = time.Now()
			var pos types.Position
			err = sc.do("POST", fmt.Sprintf("/api/v1/agents/%s/positions", agentID), token, map[string]interface{}{
				"allocation_id": alloc.AllocationID,
				"symbol":        symbol,
				"side":          []string{types.SideLong, types.SideShort}[rand.Intn(2)],
				"collateral":    amount * 0.8,
				"leverage":      float64(rand.Intn(3) + 1),
				"entry_price":   entryPrice,
			}, &pos)
			sc.record("open", start, err != nil)
			if err != nil {
				log.Error().Err(err).Str("agent_id", agentID).Msg("failed to open position")
			} else {
				stats.positions++

				// A few marks while the trade runs
				price := entryPrice
				for m := 0; m < 3; m++ {
					price = priceFeed.MarkPrice(symbol)
					start = time.Now()
					err = sc.do("POST", fmt.Sprintf("/api/v1/positions/%s/mark", pos.PositionID), token, map[string]interface{}{
						"price": price,
					}, nil)
					sc.record("mark", start, err != nil)
				}

				start = time.Now()
				var settled types.SettlementResult
				err = sc.do("POST", fmt.Sprintf("/api/v1/positions/%s/close", pos.PositionID), token, map[string]interface{}{
					"exit_price": price,
					"reason":     "strategy_exit",
				}, &settled)
				sc.record("close", start, err != nil)
				if err != nil {
					log.Error().Err(err).Str("agent_id", agentID).Msg("failed to close position")
				} else {
					stats.settled++
					stats.totalPnL += settled.NetPnL
				}
				continue
			}
		}

		start = time.Now()
		var settled types.SettlementResult
		err = sc.do("POST", fmt.Sprintf("/api/v1/agents/%s/capital/return", agentID), token, map[string]interface{}{
			"allocation_id":   alloc.AllocationID,
			"returned_amount": amount,
		}, &settled)
		sc.record("return", start, err != nil)
		if err != nil {
			log.Error().Err(err).Str("agent_id", agentID).Msg("failed to return capital")
			continue
		}
		stats.settled++
		stats.totalPnL += settled.NetPnL
	}

	return stats
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the capital allocation simulation
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient := newSimulationClient()

	// Operator bootstraps the vault and agents
	operatorToken, err := simClient.authenticate(auth.TestOperatorKey, auth.TestOperatorSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate operator")
	}

	if err := simClient.do("POST", "/api/v1/internal/vaults", operatorToken, map[string]interface{}{
		"vault_id":      simulationVault,
		"owner_id":      "simulation",
		"currency":      "USDC",
		"total_locked":  50000.0,
		"reserve_ratio": 0.1,
	}, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to create vault")
	}

	agentIDs := make([]string, numAgents)
	for i := range agentIDs {
		agentIDs[i] = fmt.Sprintf("AGENT_%d", i)
		if err := simClient.do("POST", "/api/v1/internal/agents", operatorToken, map[string]interface{}{
			"agent_id":       agentIDs[i],
			"vault_id":       simulationVault,
			"wallet_address": fmt.Sprintf("addr_sim_%d", i),
			"strategy_type":  "momentum",
			"limits": map[string]interface{}{
				"max_allocation_amount":       2000.0,
				"max_allocation_pct_of_vault": 25.0,
				"max_drawdown_pct":            40.0,
				"max_concurrent_allocations":  3,
				"max_position_size":           10000.0,
			},
		}, nil); err != nil {
			log.Fatal().Err(err).Str("agent_id", agentIDs[i]).Msg("Failed to register agent")
		}
	}

	log.Info().Int("agents", numAgents).Int("cycles_per_agent", cyclesPerAgent).Msg("Starting simulation")
	startTime := time.Now()

	var wg sync.WaitGroup
	results := make(chan *agentStats, numAgents)
	for _, agentID := range agentIDs {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()

			token, err := simClient.authenticate(agentID, agentID+"-secret")
			if err != nil {
				log.Error().Err(err).Str("agent_id", agentID).Msg("Failed to authenticate agent")
				return
			}
			results <- simClient.runAgent(agentID, token, cyclesPerAgent)
		}(agentID)
	}
	wg.Wait()
	close(results)

	var overview types.VaultOverview
	start := time.Now()
	err = simClient.do("GET", "/api/v1/vault/overview?vault_id="+simulationVault, operatorToken, nil, &overview)
	simClient.record("overview", start, err != nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch vault overview")
	}

	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("CAPITAL ALLOCATION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	totalAllocations, totalRejections, totalSettled := 0, 0, 0
	totalPnL := 0.0
	for stats := range results {
		totalAllocations += stats.allocations
		totalRejections += stats.rejections
		totalSettled += stats.settled
		totalPnL += stats.totalPnL
		fmt.Printf("%-10s allocations=%-3d rejected=%-3d positions=%-3d settled=%-3d pnl=%+.2f\n",
			stats.agentID, stats.allocations, stats.rejections, stats.positions, stats.settled, stats.totalPnL)
	}

	fmt.Printf(`
Totals
------
Allocations:  %d
Rejections:   %d
Settled:      %d
Net P&L:      %+.2f
Duration:     %v

Vault
-----
Total Locked: %.2f
Allocated:    %.2f
Available:    %.2f
Utilization:  %.1f%%
`, totalAllocations, totalRejections, totalSettled, totalPnL, duration.Round(time.Millisecond),
		overview.TotalLocked, overview.Allocated, overview.Available, overview.UtilizationPct)

	fmt.Println(strings.Repeat("=", 80))
	simClient.printPerformanceStats()
}

// startServer initializes and starts the allocation API server against an
// in-memory database
func startServer() error {
	db, err := database.NewMemoryDatabase()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	locks := ledger.NewVaultLocks()
	cust := custodian.NewMockCustodian()

	authService := auth.NewService(jwtSecret)
	authService.RegisterAPICredentials(auth.TestOperatorKey, auth.TestOperatorSecret, "allocate", "operator")
	for i := 0; i < numAgents; i++ {
		agentID := fmt.Sprintf("AGENT_%d", i)
		authService.RegisterAPICredentials(agentID, agentID+"-secret", "allocate")
	}

	settlementService := settlement.NewService(db, locks, cust)
	allocationService := allocation.NewService(db, locks, cust, settlementService)
	positionService := position.NewService(db, locks, allocationService)
	recallController := recall.NewController(db, allocationService, positionService)
	vaultService := vault.NewService(db, locks)

	sweeper := allocation.NewSweeper(allocationService, 15*time.Second)
	sweeper.SetForcedCloser(recallController)
	go sweeper.Start(context.Background())
	go settlement.NewProcessor(settlementService).Start(context.Background())

	router := gin.Default()
	setupRoutes(router, jwtSecret,
		auth.NewGinHandlers(authService),
		allocation.NewGinHandlers(allocationService),
		position.NewGinHandlers(positionService),
		recall.NewGinHandlers(recallController),
		vault.NewGinHandlers(vaultService))

	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	secret string,
	authHandlers *auth.GinHandlers,
	allocationHandlers *allocation.GinHandlers,
	positionHandlers *position.GinHandlers,
	recallHandlers *recall.GinHandlers,
	vaultHandlers *vault.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		agents := v1.Group("/agents")
		agents.Use(middleware.JWTAuth(secret))
		{
			agents.POST("/:id/capital/request", allocationHandlers.RequestCapitalHandler())
			agents.POST("/:id/capital/return", allocationHandlers.ReturnCapitalHandler())
			agents.POST("/:id/capital/cancel", allocationHandlers.CancelHandler())
			agents.GET("/:id/allocations", allocationHandlers.ListAllocationsHandler())
			agents.GET("/:id/risk-events", vaultHandlers.RiskEventsHandler())
			agents.POST("/:id/positions", positionHandlers.OpenPositionHandler())
		}

		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth(secret))
		{
			positions.POST("/:position_id/mark", positionHandlers.UpdateMarkHandler())
			positions.POST("/:position_id/close", positionHandlers.ClosePositionHandler())
			positions.GET("/:position_id", positionHandlers.GetPositionHandler())
		}

		vaultGroup := v1.Group("/vault")
		vaultGroup.Use(middleware.JWTAuth(secret))
		{
			vaultGroup.GET("/overview", vaultHandlers.OverviewHandler())
		}

		emergency := v1.Group("/emergency")
		emergency.Use(middleware.OperatorAuth(secret))
		{
			emergency.POST("/recall-all", recallHandlers.RecallAllHandler())
		}
		agentEmergency := v1.Group("/agents/:id/emergency")
		agentEmergency.Use(middleware.OperatorAuth(secret))
		{
			agentEmergency.POST("/recall", recallHandlers.RecallAgentHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.OperatorAuth(secret))
		{
			internal.POST("/vaults", vaultHandlers.CreateVaultHandler())
			internal.POST("/agents", vaultHandlers.RegisterAgentHandler())
		}
	}
}
