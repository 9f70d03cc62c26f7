package utils

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type partnerClaims struct {
	PartnerID string `json:"partner_id"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed JWT carrying the partner's external id.
func GenerateToken(secret, partnerID string, ttl time.Duration) (string, error) {
	claims := &partnerClaims{
		PartnerID: partnerID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   partnerID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseToken validates the token and returns the embedded partner id.
func ParseToken(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &partnerClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(*partnerClaims); ok && token.Valid {
		return claims.PartnerID, nil
	}

	return "", jwt.ErrTokenInvalidClaims
}
