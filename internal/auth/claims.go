package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew keeps a token that is about to lapse from being sent
const expirySkew = 30 * time.Second

var ErrTokenExpired = errors.New("auth: token expired")

// Expiry reads the exp claim of a JWT bearer token without verifying its signature.
// Opaque tokens, and JWTs without exp, report ok=false.
func Expiry(token string) (exp time.Time, ok bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func expired(token string, now time.Time) bool {
	exp, ok := Expiry(token)
	return ok && !now.Add(expirySkew).Before(exp)
}
