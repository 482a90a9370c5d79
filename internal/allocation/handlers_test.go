package allocation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/vault-api/internal/auth"
	"github.com/ksred/vault-api/internal/types"
	"github.com/ksred/vault-api/pkg/middleware"
)

const handlerTestSecret = "handler-test-secret"

func newTestRouter(service *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	handlers := NewGinHandlers(service)
	agents := router.Group("/api/v1/agents")
	agents.Use(middleware.JWTAuth(handlerTestSecret))
	agents.POST("/:id/capital/request", handlers.RequestCapitalHandler())
	agents.POST("/:id/capital/return", handlers.ReturnCapitalHandler())
	agents.POST("/:id/capital/cancel", handlers.CancelHandler())
	agents.GET("/:id/allocations", handlers.ListAllocationsHandler())
	return router
}

func bearerFor(t *testing.T, agentID string) string {
	t.Helper()

	authService := auth.NewService(handlerTestSecret)
	authService.RegisterAPICredentials(agentID, agentID+"-secret", "allocate")
	token, err := authService.GenerateToken(auth.Credentials{APIKey: agentID, APISecret: agentID + "-secret"})
	require.NoError(t, err)
	return "Bearer " + token.Token
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)
	req.Header.Set("Idempotency-Key", fmt.Sprintf("key-%d", time.Now().UnixNano()))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequestCapitalRejectsForeignToken(t *testing.T) {
	db, service, _ := setupTest(t)
	_, agent := seedVaultAndAgent(t, db, 10000, 0.1, defaultLimits())
	router := newTestRouter(service)

	body := gin.H{"amount": 500, "ttl_hours": 1}
	w := doJSON(t, router, "POST", "/api/v1/agents/"+agent.AgentID+"/capital/request", bearerFor(t, "AGENT_intruder"), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	allocs, err := service.AllocationsForAgent(agent.AgentID)
	require.NoError(t, err)
	assert.Empty(t, allocs, "a rejected request reserves nothing")

	w = doJSON(t, router, "POST", "/api/v1/agents/"+agent.AgentID+"/capital/request", bearerFor(t, agent.AgentID), body)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestReturnCapitalRejectsForeignAllocation(t *testing.T) {
	db, service, _ := setupTest(t)
	_, agent := seedVaultAndAgent(t, db, 10000, 0.1, defaultLimits())
	router := newTestRouter(service)

	granted, err := service.RequestAllocation(context.Background(), agent.AgentID, 500, "momentum", time.Hour, "key-return-auth")
	require.NoError(t, err)

	// The intruder's token matches its own path but not the allocation.
	body := gin.H{"allocation_id": granted.AllocationID, "returned_amount": 500}
	w := doJSON(t, router, "POST", "/api/v1/agents/AGENT_intruder/capital/return", bearerFor(t, "AGENT_intruder"), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	stored, err := db.GetAllocation(granted.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, types.AllocationActive, stored.Status)
}

func TestCancelRejectsForeignToken(t *testing.T) {
	db, service, _ := setupTest(t)
	_, agent := seedVaultAndAgent(t, db, 10000, 0.1, defaultLimits())
	router := newTestRouter(service)

	w := doJSON(t, router, "POST", "/api/v1/agents/"+agent.AgentID+"/capital/cancel", bearerFor(t, "AGENT_intruder"), gin.H{"allocation_id": "ALLOC_any"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListAllocationsRejectsForeignToken(t *testing.T) {
	db, service, _ := setupTest(t)
	_, agent := seedVaultAndAgent(t, db, 10000, 0.1, defaultLimits())
	router := newTestRouter(service)

	w := doJSON(t, router, "GET", "/api/v1/agents/"+agent.AgentID+"/allocations", bearerFor(t, "AGENT_intruder"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, "GET", "/api/v1/agents/"+agent.AgentID+"/allocations", bearerFor(t, agent.AgentID), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
