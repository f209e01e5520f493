package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	PurposeAdmin      = "admin"
	PurposeOAuthState = "oauth_state"

	issuer = "postpilot"
)

// Claims is shared by admin bearer tokens and the signed OAuth state
// parameter. Purpose keeps one from being replayed as the other.
type Claims struct {
	UserID   string `json:"user_id"`
	Platform string `json:"platform,omitempty"`
	Purpose  string `json:"purpose"`
	jwt.RegisteredClaims
}

func GenerateToken(secretKey string, claims Claims, tokenDuration time.Duration) (string, error) {
	if secretKey == "" {
		return "", errors.New("signing key is empty")
	}

	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   claims.UserID,
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    issuer,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secretKey))
}

func ValidateToken(secretKey, tokenString, purpose string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid token signing method")
		}
		return []byte(secretKey), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Purpose != purpose {
		return nil, fmt.Errorf("token issued for %q, not %q", claims.Purpose, purpose)
	}

	return claims, nil
}
