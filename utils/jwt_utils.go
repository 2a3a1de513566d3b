package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const serviceTokenIssuer = "conteo-collector"

// ErrEmptySecret is returned when no signing secret is configured.
var ErrEmptySecret = errors.New("jwt secret is not configured")

// ServiceClaims identify an internal caller (account management, ops tooling)
// allowed to use the collector's internal routes.
type ServiceClaims struct {
	Service string `json:"service"`
	jwt.RegisteredClaims
}

// GenerateServiceToken signs a token for service valid for ttl.
func GenerateServiceToken(secret []byte, service string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	now := time.Now()

	claims := &ServiceClaims{
		Service: service,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    serviceTokenIssuer,
			Subject:   service,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateServiceToken parses and validates a service token.
func ValidateServiceToken(secret []byte, tokenString string) (*ServiceClaims, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	claims := &ServiceClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(serviceTokenIssuer))

	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	return claims, nil
}
