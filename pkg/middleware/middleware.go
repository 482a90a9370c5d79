package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ksred/vault-api/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.RWMutex

	// Configure limits per endpoint type
	authLimit      = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	capitalLimit   = rate.Limit(60.0 / 60.0)   // 60 requests per minute
	positionLimit  = rate.Limit(300.0 / 60.0)  // 300 requests per minute
	overviewLimit  = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
	emergencyLimit = rate.Limit(30.0 / 60.0)   // 30 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

func getLimiter(path, clientID string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientID + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
		case strings.Contains(path, "/capital/"):
			limit = capitalLimit
		case strings.Contains(path, "/positions"):
			limit = positionLimit
		case strings.HasPrefix(path, "/api/v1/vault"):
			limit = overviewLimit
		case strings.Contains(path, "/emergency/"):
			limit = emergencyLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, 5), // small burst allowance
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles callers per client and path.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetString("agentID")
		if clientID == "" {
			clientID = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientID)
		if !limiter.Allow() {
			response.BadRequest(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates agent bearer tokens and loads claims into the context.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parseBearerToken(c, secret)
		if err != nil {
			return
		}

		// Ensure required claims exist
		requiredClaims := []string{"agent_id", "exp"}
		for _, claim := range requiredClaims {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		c.Set("claims", claims)
		if agentID, ok := claims["agent_id"].(string); ok {
			c.Set("agentID", agentID)
		}

		c.Next()
	}
}

// OperatorAuth protects emergency and internal routes. Requires the operator
// permission in the token.
func OperatorAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := parseBearerToken(c, secret)
		if err != nil {
			return
		}

		if !hasPermission(claims, "operator") {
			response.Forbidden(c, "Operator permission required")
			c.Abort()
			return
		}

		if agentID, ok := claims["agent_id"].(string); ok {
			c.Set("agentID", agentID)
		}
		c.Next()
	}
}

func hasPermission(claims jwt.MapClaims, permission string) bool {
	raw, ok := claims["permissions"].([]interface{})
	if !ok {
		return false
	}
	for _, p := range raw {
		if s, ok := p.(string); ok && s == permission {
			return true
		}
	}
	return false
}

func parseBearerToken(c *gin.Context, secret string) (jwt.MapClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		response.Unauthorized(c, "Authorization header required")
		c.Abort()
		return nil, fmt.Errorf("authorization header required")
	}

	bearerToken := strings.Split(authHeader, " ")
	if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
		response.Unauthorized(c, "Invalid authorization header format")
		c.Abort()
		return nil, fmt.Errorf("invalid authorization header format")
	}

	token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		response.Unauthorized(c, "Invalid token")
		c.Abort()
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		response.Unauthorized(c, "Invalid token claims")
		c.Abort()
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
