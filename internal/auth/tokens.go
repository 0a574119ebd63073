// ABOUTME: Token authority for agent tunnel credentials.
// ABOUTME: Issues opaque bearer tokens and validates them against salted hashes.

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/capstan-io/capstan/internal/store"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrRevokedToken = errors.New("token revoked")
)

// tokenPrefix marks capstan agent tokens. Raw format: cap_<tokenID>_<secret>.
const tokenPrefix = "cap"

// secretBytes is the entropy of the random secret half of a token.
const secretBytes = 32

// AgentTokenStore is the persistence the authority needs. Only hashes are
// ever stored; the raw secret exists in memory during issuance and validation.
type AgentTokenStore interface {
	CreateAgentToken(ctx context.Context, token *store.AgentToken) error
	GetAgentToken(ctx context.Context, id string) (*store.AgentToken, error)
	TouchAgentToken(ctx context.Context, id string, usedAt time.Time) error
}

// Authority issues and validates agent tunnel tokens.
type Authority struct {
	tokens AgentTokenStore
	logger *slog.Logger
}

// NewAuthority creates a token authority backed by the given store.
func NewAuthority(tokens AgentTokenStore, logger *slog.Logger) *Authority {
	return &Authority{
		tokens: tokens,
		logger: logger.With("component", "auth"),
	}
}

// Issue creates a new agent token bound to an environment and returns the raw
// token. The raw value is shown exactly once; only its bcrypt hash persists.
func (a *Authority) Issue(ctx context.Context, environmentID, label string, expiresAt *time.Time) (string, *store.AgentToken, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("generating token secret: %w", err)
	}
	encoded := hex.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(encoded), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing token secret: %w", err)
	}

	token := &store.AgentToken{
		ID:            uuid.New().String(),
		SecretHash:    string(hash),
		Label:         label,
		EnvironmentID: environmentID,
		Active:        true,
		ExpiresAt:     expiresAt,
		CreatedAt:     time.Now().UTC(),
	}
	if err := a.tokens.CreateAgentToken(ctx, token); err != nil {
		return "", nil, fmt.Errorf("persisting token: %w", err)
	}

	a.logger.Info("agent token issued",
		"token_id", token.ID,
		"environment_id", environmentID,
		"label", label,
	)
	raw := tokenPrefix + "_" + token.ID + "_" + encoded
	return raw, token, nil
}

// ValidateAgentToken checks a presented raw token and returns the bound
// environment and token ids. Comparison runs through bcrypt, never plain
// equality on the secret. On success the last-used timestamp is updated
// best-effort; a persistence failure there is non-fatal.
func (a *Authority) ValidateAgentToken(ctx context.Context, raw string) (environmentID, tokenID string, err error) {
	prefix, id, secret, ok := splitToken(raw)
	if !ok || prefix != tokenPrefix {
		return "", "", ErrInvalidToken
	}

	token, err := a.tokens.GetAgentToken(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", "", ErrInvalidToken
		}
		return "", "", fmt.Errorf("looking up token: %w", err)
	}

	if !token.Active {
		return "", "", ErrRevokedToken
	}
	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return "", "", ErrExpiredToken
	}
	if bcrypt.CompareHashAndPassword([]byte(token.SecretHash), []byte(secret)) != nil {
		return "", "", ErrInvalidToken
	}

	if err := a.tokens.TouchAgentToken(ctx, token.ID, time.Now().UTC()); err != nil {
		a.logger.Warn("updating token last-used failed", "token_id", token.ID, "error", err)
	}
	return token.EnvironmentID, token.ID, nil
}

// splitToken parses cap_<id>_<secret>. The secret is hex and the id is a
// uuid; neither contains underscores, so the split is unambiguous.
func splitToken(raw string) (prefix, id, secret string, ok bool) {
	first := strings.Index(raw, "_")
	last := strings.LastIndex(raw, "_")
	if first < 0 || last <= first {
		return "", "", "", false
	}
	prefix = raw[:first]
	id = raw[first+1 : last]
	secret = raw[last+1:]
	if id == "" || secret == "" {
		return "", "", "", false
	}
	return prefix, id, secret, true
}
