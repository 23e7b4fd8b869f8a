package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	svc := NewService("secret", 5)

	token, err := svc.GenerateToken("user-1", "admin")
	require.NoError(t, err)

	userID, role, err := svc.ParseAuthContext(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, "admin", role)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := NewService("one", 5).GenerateToken("user-1", "user")
	require.NoError(t, err)

	_, _, err = NewService("two", 5).ParseAuthContext(token)
	assert.Error(t, err)
}

func TestParseRejectsExpired(t *testing.T) {
	claims := Claims{
		UserID: "user-1",
		Role:   "user",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewService("secret", 5).ParseToken(token)
	assert.Error(t, err)
}

func TestParseRejectsMissingUser(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Role: "user"}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewService("secret", 5).ParseToken(token)
	assert.Error(t, err)
}

func TestGenerateRequiresIdentity(t *testing.T) {
	_, err := NewService("secret", 5).GenerateToken("", "user")
	assert.Error(t, err)
}
