package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	service := NewService("test-secret")
	service.RegisterAPICredentials("AGENT_7", "agent-secret")

	token, err := service.GenerateToken(Credentials{APIKey: "AGENT_7", APISecret: "agent-secret"})
	require.NoError(t, err)
	assert.NotEmpty(t, token.Token)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), token.Expiration, time.Minute)

	claims, err := service.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "AGENT_7", claims.AgentID)
	assert.Equal(t, []string{"allocate"}, claims.Permissions)
}

func TestGenerateTokenRejectsBadCredentials(t *testing.T) {
	service := NewService("test-secret")
	service.RegisterAPICredentials("AGENT_7", "agent-secret")

	_, err := service.GenerateToken(Credentials{APIKey: "AGENT_7", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.GenerateToken(Credentials{APIKey: "unknown", APISecret: "agent-secret"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestOperatorPermissionsCarryThroughToken(t *testing.T) {
	service := NewService("test-secret")
	service.RegisterAPICredentials("operator-key", "operator-secret", "allocate", "operator")

	token, err := service.GenerateToken(Credentials{APIKey: "operator-key", APISecret: "operator-secret"})
	require.NoError(t, err)

	claims, err := service.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Contains(t, claims.Permissions, "operator")
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewService("secret-a")
	issuer.RegisterAPICredentials("AGENT_7", "agent-secret")

	token, err := issuer.GenerateToken(Credentials{APIKey: "AGENT_7", APISecret: "agent-secret"})
	require.NoError(t, err)

	verifier := NewService("secret-b")
	_, err = verifier.ValidateToken(token.Token)
	assert.Error(t, err)
}
