package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterStrategy("MOMENTUM", "momentum-api-key", "momentum-api-key-secret")

	token, err := svc.GenerateToken(Credentials{
		APIKey:    "momentum-api-key",
		APISecret: "momentum-api-key-secret",
	})
	require.NoError(t, err)
	require.NotEmpty(t, token.Token)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "MOMENTUM", claims.StrategyID)
	assert.Equal(t, []string{"trade"}, claims.Permissions)
}

func TestGenerateTokenInvalidCredentials(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterStrategy("MOMENTUM", "momentum-api-key", "momentum-api-key-secret")

	_, err := svc.GenerateToken(Credentials{APIKey: "momentum-api-key", APISecret: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.GenerateToken(Credentials{APIKey: "unknown", APISecret: "whatever"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestOperatorTokenCarriesAdminPermission(t *testing.T) {
	svc := NewService("test-secret")
	svc.RegisterOperator("operator-api-key", "operator-api-secret")

	token, err := svc.GenerateToken(Credentials{
		APIKey:    "operator-api-key",
		APISecret: "operator-api-secret",
	})
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "_OPERATOR_", claims.StrategyID)
	assert.Contains(t, claims.Permissions, "admin")
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewService("secret-a")
	issuer.RegisterStrategy("MOMENTUM", "k", "s")
	token, err := issuer.GenerateToken(Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	verifier := NewService("secret-b")
	_, err = verifier.ValidateToken(token.Token)
	assert.Error(t, err)
}

func TestGetStrategyID(t *testing.T) {
	assert.Equal(t, "MOMENTUM", GetStrategyID(jwt.MapClaims{"strategy_id": "MOMENTUM"}))
	assert.Empty(t, GetStrategyID(jwt.MapClaims{}))
	assert.Empty(t, GetStrategyID(nil))
}
