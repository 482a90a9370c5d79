package position

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

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
	agents.POST("/:id/positions", handlers.OpenPositionHandler())

	positions := router.Group("/api/v1/positions")
	positions.Use(middleware.JWTAuth(handlerTestSecret))
	positions.POST("/:position_id/mark", handlers.UpdateMarkHandler())
	positions.POST("/:position_id/close", handlers.ClosePositionHandler())
	positions.GET("/:position_id", handlers.GetPositionHandler())
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
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestOpenPositionRejectsForeignAllocation(t *testing.T) {
	env := setupTest(t)
	allocationID := env.activeAllocation(t, 1000)
	router := newTestRouter(env.positions)

	body := gin.H{
		"allocation_id": allocationID,
		"symbol":        "BTC-PERP",
		"side":          types.SideLong,
		"collateral":    500.0,
		"leverage":      2.0,
		"entry_price":   100.0,
	}

	// Token issued to a different agent than the path names.
	w := doJSON(t, router, "POST", "/api/v1/agents/"+env.agent.AgentID+"/positions", bearerFor(t, "AGENT_intruder"), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Token and path agree but the allocation belongs to someone else.
	w = doJSON(t, router, "POST", "/api/v1/agents/AGENT_intruder/positions", bearerFor(t, "AGENT_intruder"), body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	open, err := env.db.OpenPositionForAllocation(allocationID)
	require.NoError(t, err)
	assert.Nil(t, open, "no position was opened on the foreign allocation")

	w = doJSON(t, router, "POST", "/api/v1/agents/"+env.agent.AgentID+"/positions", bearerFor(t, env.agent.AgentID), body)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestPositionRoutesRejectForeignToken(t *testing.T) {
	env := setupTest(t)
	allocationID := env.activeAllocation(t, 1000)
	router := newTestRouter(env.positions)

	position, err := env.positions.OpenPosition(allocationID, "BTC-PERP", types.SideLong, 500, 2, 100)
	require.NoError(t, err)

	intruder := bearerFor(t, "AGENT_intruder")
	owner := bearerFor(t, env.agent.AgentID)

	w := doJSON(t, router, "POST", "/api/v1/positions/"+position.PositionID+"/mark", intruder, gin.H{"price": 110.0})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, "POST", "/api/v1/positions/"+position.PositionID+"/close", intruder, gin.H{"exit_price": 110.0})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, "GET", "/api/v1/positions/"+position.PositionID, intruder, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	current, err := env.positions.GetPosition(position.PositionID)
	require.NoError(t, err)
	assert.Equal(t, types.PositionOpen, current.Status)
	assert.InDelta(t, 100, current.LastMarkPrice, 0.0001, "the foreign mark never landed")

	w = doJSON(t, router, "GET", "/api/v1/positions/"+position.PositionID, owner, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
