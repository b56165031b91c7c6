package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("secret", 1)
	assert.Equal(t, time.Hour, m.TTL())

	tok, err := m.GenerateToken("web")
	require.NoError(t, err)

	claims, err := m.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "web", claims.Scope)
	assert.Equal(t, "tgstate", claims.Subject)
}

func TestJWTManager_Rejects(t *testing.T) {
	m := NewJWTManager("secret", 1)
	other := NewJWTManager("other", 1)

	tok, err := other.GenerateToken("web")
	require.NoError(t, err)
	_, err = m.VerifyToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.VerifyToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, CustomClaims{
		Scope: "web",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	s, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.VerifyToken(s)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTManager_RandomSecret(t *testing.T) {
	a := NewJWTManager("", 0)
	b := NewJWTManager("", 0)
	assert.Equal(t, 24*time.Hour, a.TTL())

	tok, err := a.GenerateToken("web")
	require.NoError(t, err)
	_, err = b.VerifyToken(tok)
	assert.Error(t, err)
	assert.Len(t, GenerateRandomString(8), 16)
}
