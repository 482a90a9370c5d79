package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/vault-api/internal/allocation"
	"github.com/ksred/vault-api/internal/auth"
	"github.com/ksred/vault-api/internal/custodian"
	"github.com/ksred/vault-api/internal/database"
	"github.com/ksred/vault-api/internal/ledger"
	"github.com/ksred/vault-api/internal/position"
	"github.com/ksred/vault-api/internal/recall"
	"github.com/ksred/vault-api/internal/settlement"
	"github.com/ksred/vault-api/internal/vault"
	"github.com/ksred/vault-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the capital allocation API server with graceful
// shutdown support
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "vault-secret-key"
	}

	// Shared vault serialization and external collaborators
	locks := ledger.NewVaultLocks()
	cust := custodian.NewMockCustodian()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, "allocate")
	authService.RegisterAPICredentials(auth.TestOperatorKey, auth.TestOperatorSecret, "allocate", "operator")

	settlementService := settlement.NewService(db, locks, cust)
	allocationService := allocation.NewService(db, locks, cust, settlementService)
	allocationHandlers := allocation.NewGinHandlers(allocationService)

	positionService := position.NewService(db, locks, allocationService)
	positionHandlers := position.NewGinHandlers(positionService)

	recallController := recall.NewController(db, allocationService, positionService)
	recallHandlers := recall.NewGinHandlers(recallController)

	vaultService := vault.NewService(db, locks)
	vaultHandlers := vault.NewGinHandlers(vaultService)

	// Background processors: expiry sweep and stuck-settlement retry
	sweeper := allocation.NewSweeper(allocationService, 15*time.Second)
	sweeper.SetForcedCloser(recallController)
	settlementProcessor := settlement.NewProcessor(settlementService)

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	go sweeper.Start(processorCtx)
	go settlementProcessor.Start(processorCtx)

	// Initialize router
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, jwtSecret, authHandlers, allocationHandlers, positionHandlers, recallHandlers, vaultHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop background processors before closing the listener so no sweep
	// runs against a closing database
	processorCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Agent routes: Protected by JWT authentication
// - Emergency and internal routes: Protected by operator authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	allocationHandlers *allocation.GinHandlers,
	positionHandlers *position.GinHandlers,
	recallHandlers *recall.GinHandlers,
	vaultHandlers *vault.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Agent capital and position routes
		agents := v1.Group("/agents")
		agents.Use(middleware.JWTAuth(jwtSecret))
		{
			agents.POST("/:id/capital/request", allocationHandlers.RequestCapitalHandler())
			agents.POST("/:id/capital/return", allocationHandlers.ReturnCapitalHandler())
			agents.POST("/:id/capital/cancel", allocationHandlers.CancelHandler())
			agents.GET("/:id/allocations", allocationHandlers.ListAllocationsHandler())
			agents.GET("/:id/risk-events", vaultHandlers.RiskEventsHandler())
			agents.POST("/:id/positions", positionHandlers.OpenPositionHandler())
		}

		positions := v1.Group("/positions")
		positions.Use(middleware.JWTAuth(jwtSecret))
		{
			positions.POST("/:position_id/mark", positionHandlers.UpdateMarkHandler())
			positions.POST("/:position_id/close", positionHandlers.ClosePositionHandler())
			positions.GET("/:position_id", positionHandlers.GetPositionHandler())
		}

		// Vault overview
		vaultGroup := v1.Group("/vault")
		vaultGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			vaultGroup.GET("/overview", vaultHandlers.OverviewHandler())
		}

		// Emergency routes (operator only)
		emergency := v1.Group("/emergency")
		emergency.Use(middleware.OperatorAuth(jwtSecret))
		{
			emergency.POST("/recall-all", recallHandlers.RecallAllHandler())
		}
		agentEmergency := v1.Group("/agents/:id/emergency")
		agentEmergency.Use(middleware.OperatorAuth(jwtSecret))
		{
			agentEmergency.POST("/recall", recallHandlers.RecallAgentHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.OperatorAuth(jwtSecret))
		{
			internal.POST("/vaults", vaultHandlers.CreateVaultHandler())
			internal.POST("/agents", vaultHandlers.RegisterAgentHandler())
		}
	}
}
