// ABOUTME: Store interface and data types for capstan persistence.
// ABOUTME: Defines Environment, AgentToken, AuditEntry and the Store interface.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity whose id already exists.
var ErrDuplicate = errors.New("already exists")

// Environment kinds.
const (
	// EnvironmentLocal is an engine the server dials directly.
	EnvironmentLocal = "local"
	// EnvironmentTunnel is an engine reached through a dialed-in agent.
	EnvironmentTunnel = "tunnel"
)

// Environment is one Docker engine in the fleet.
type Environment struct {
	ID   string
	Name string
	Kind string // "local" or "tunnel"

	// DockerHost is the engine address for local environments
	// (e.g. unix:///var/run/docker.sock or tcp://10.0.0.5:2375).
	DockerHost string

	// Agent identity, populated from the most recent tunnel handshake.
	AgentID       string
	AgentName     string
	AgentVersion  string
	DockerVersion string
	Hostname      string
	Capabilities  []string
	LastSeen      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgentToken is a tunnel credential. SecretHash is a bcrypt hash; the raw
// secret is never persisted.
type AgentToken struct {
	ID            string
	SecretHash    string
	Label         string
	EnvironmentID string
	Active        bool
	LastUsed      *time.Time
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// Audit actions recorded by the dashboard API.
const (
	AuditCreateEnvironment = "create_environment"
	AuditDeleteEnvironment = "delete_environment"
	AuditCreateToken       = "create_token"
	AuditRevokeToken       = "revoke_token"
	AuditForceDisconnect   = "force_disconnect"
)

// AuditEntry is one append-only audit log record.
type AuditEntry struct {
	ID         string
	Actor      string
	Action     string
	TargetType string
	TargetID   string
	Detail     map[string]any
	CreatedAt  time.Time
}

// AgentSighting is the identity snapshot persisted when a tunnel connects or
// disconnects.
type AgentSighting struct {
	AgentID       string
	AgentName     string
	AgentVersion  string
	DockerVersion string
	Hostname      string
	Capabilities  []string
}

// Store defines persistence for environments, tokens, and the audit log.
type Store interface {
	// Environments
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	ListEnvironments(ctx context.Context) ([]*Environment, error)
	UpdateEnvironment(ctx context.Context, env *Environment) error
	DeleteEnvironment(ctx context.Context, id string) error

	// RecordAgentSighting updates an environment's agent identity and
	// last-seen timestamp after a tunnel connect or disconnect.
	RecordAgentSighting(ctx context.Context, environmentID string, sighting AgentSighting, seenAt time.Time) error

	// Agent tokens
	CreateAgentToken(ctx context.Context, token *AgentToken) error
	GetAgentToken(ctx context.Context, id string) (*AgentToken, error)
	ListAgentTokens(ctx context.Context, environmentID string) ([]*AgentToken, error)
	TouchAgentToken(ctx context.Context, id string, usedAt time.Time) error
	SetAgentTokenActive(ctx context.Context, id string, active bool) error

	// Audit log
	AppendAuditLog(ctx context.Context, entry *AuditEntry) error
	ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error)

	// Close releases any resources held by the store.
	Close() error
}
