package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "visitsync", IssuedAt: jwt.NewNumericDate(time.Now())}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, ok := Expiry(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = Expiry(signedToken(t, time.Time{}))
	assert.False(t, ok, "no exp claim")

	_, ok = Expiry("opaque-token")
	assert.False(t, ok)
}

func TestStatic_ExpiredJWT(t *testing.T) {
	_, err := Static(signedToken(t, time.Now().Add(-time.Minute))).Token(context.Background())
	assert.ErrorIs(t, err, ErrTokenExpired)

	// inside the skew window counts as expired
	_, err = Static(signedToken(t, time.Now().Add(10*time.Second))).Token(context.Background())
	assert.ErrorIs(t, err, ErrTokenExpired)

	valid := signedToken(t, time.Now().Add(time.Hour))
	tok, err := Static(valid).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, valid, tok)
}
