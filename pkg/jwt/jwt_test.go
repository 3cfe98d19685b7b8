package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_GenerateAndVerify(t *testing.T) {
	manager := NewJWTManager("secret", "1h")

	token, err := manager.GenerateToken(42, "octocat", "octo@example.com", true)
	require.NoError(t, err)

	claims, err := manager.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, "octocat", claims.Username)
	assert.Equal(t, "octo@example.com", claims.Email)
	assert.True(t, claims.IsAdmin)
}

func TestJWTManager_WrongKey(t *testing.T) {
	token, err := NewJWTManager("secret-a", "1h").GenerateToken(1, "a", "", false)
	require.NoError(t, err)

	_, err = NewJWTManager("secret-b", "1h").VerifyToken(token)
	assert.Error(t, err)
}

func TestJWTManager_Expired(t *testing.T) {
	manager := NewJWTManager("secret", "1h")
	manager.tokenDuration = -time.Minute

	token, err := manager.GenerateToken(1, "a", "", false)
	require.NoError(t, err)

	_, err = manager.VerifyToken(token)
	assert.Error(t, err)
}

func TestNewJWTManager_InvalidDuration(t *testing.T) {
	assert.Equal(t, 24*time.Hour, NewJWTManager("secret", "soon").GetTokenDuration())
}
