package coordination

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// heartbeatClaims identifies the container a coordination heartbeat bearer
// token was issued to, so the /coordination/heartbeat endpoint can trust
// the caller without re-validating a claim row on every request.
type heartbeatClaims struct {
	ContainerID string `json:"container_id"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies short-lived heartbeat bearer tokens for
// collector containers, scoped narrowly to the coordination heartbeat
// endpoint (not a general auth mechanism — service accounts cover that).
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a token bound to containerID, valid for the issuer's configured ttl.
func (t *TokenIssuer) Issue(containerID string) (string, error) {
	now := time.Now()
	claims := heartbeatClaims{
		ContainerID: containerID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			Subject:   containerID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify parses and validates tokenString, returning the container_id it was
// issued to.
func (t *TokenIssuer) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &heartbeatClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse heartbeat token: %w", err)
	}
	claims, ok := token.Claims.(*heartbeatClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid heartbeat token")
	}
	return claims.ContainerID, nil
}
