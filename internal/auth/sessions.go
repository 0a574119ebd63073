// ABOUTME: JWT session tokens for the dashboard API.
// ABOUTME: HS256 signing with a configurable secret; distinct from agent tokens.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session errors
var (
	ErrInvalidSession = errors.New("invalid session token")
	ErrExpiredSession = errors.New("session expired")
	ErrMissingClaim   = errors.New("missing required claim")
)

// SessionVerifier validates dashboard session tokens.
type SessionVerifier interface {
	Verify(tokenString string) (subject string, err error)
}

// JWTSessions implements SessionVerifier using HS256 signed JWTs.
type JWTSessions struct {
	secret []byte
}

// NewJWTSessions creates a session verifier/issuer with the given secret.
func NewJWTSessions(secret []byte) *JWTSessions {
	return &JWTSessions{secret: secret}
}

// Verify validates the token and extracts the subject claim.
func (s *JWTSessions) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredSession
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if !token.Valid {
		return "", ErrInvalidSession
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidSession
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate creates a new session token for the given subject with expiration.
func (s *JWTSessions) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
