package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v4"
)

// Claims is the shape of the bearer tokens the Control API accepts.
// RunnerHub never issues these - an external identity provider mints them
// against the same JWT_SECRET - so this package only ever parses and
// verifies, never signs.
type Claims struct {
	Subject string   `json:"sub"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

// ParseBearerToken validates tokenString's signature against secret and
// returns its claims. Only HMAC-signed tokens are accepted - rejecting
// any other alg up front closes off the classic "alg: none" / RSA-to-HMAC
// confusion attacks against jwt.Parse.
func ParseBearerToken(secret []byte, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("auth: token missing subject")
	}
	return claims, nil
}
