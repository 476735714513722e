package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignToken issues an HS256 bearer token accepted by a Resolver built from
// the same Config. Used by the operator CLI to mint admin tokens.
func SignToken(cfg Config, userID, email string, expiry time.Duration, now time.Time) (string, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return "", errors.New("identity: jwt secret is required")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("identity: user id is required")
	}
	if expiry <= 0 {
		return "", errors.New("identity: expiry must be positive")
	}

	claims := Claims{
		Email: strings.TrimSpace(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		},
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		claims.Issuer = issuer
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
