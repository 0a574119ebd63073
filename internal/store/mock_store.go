// ABOUTME: In-memory Store implementation for tests.
// ABOUTME: Mirrors SQLiteStore semantics including ErrNotFound and cascade delete.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu           sync.Mutex
	environments map[string]*Environment
	tokens       map[string]*AgentToken
	audit        []*AuditEntry

	// FailSightings makes RecordAgentSighting return an error, for
	// exercising the best-effort persistence path.
	FailSightings bool
}

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		environments: make(map[string]*Environment),
		tokens:       make(map[string]*AgentToken),
	}
}

func (m *MockStore) CreateEnvironment(_ context.Context, env *Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.environments[env.ID]; ok {
		return ErrDuplicate
	}
	for _, e := range m.environments {
		if e.Name == env.Name {
			return ErrDuplicate
		}
	}
	cp := *env
	m.environments[env.ID] = &cp
	return nil
}

func (m *MockStore) GetEnvironment(_ context.Context, id string) (*Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.environments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *env
	return &cp, nil
}

func (m *MockStore) ListEnvironments(_ context.Context) ([]*Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	envs := make([]*Environment, 0, len(m.environments))
	for _, env := range m.environments {
		cp := *env
		envs = append(envs, &cp)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Name < envs[j].Name })
	return envs, nil
}

func (m *MockStore) UpdateEnvironment(_ context.Context, env *Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.environments[env.ID]; !ok {
		return ErrNotFound
	}
	cp := *env
	cp.UpdatedAt = time.Now().UTC()
	m.environments[env.ID] = &cp
	return nil
}

func (m *MockStore) DeleteEnvironment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.environments[id]; !ok {
		return ErrNotFound
	}
	delete(m.environments, id)
	for tid, token := range m.tokens {
		if token.EnvironmentID == id {
			delete(m.tokens, tid)
		}
	}
	return nil
}

func (m *MockStore) RecordAgentSighting(_ context.Context, environmentID string, sighting AgentSighting, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSightings {
		return context.DeadlineExceeded
	}
	env, ok := m.environments[environmentID]
	if !ok {
		return ErrNotFound
	}
	env.AgentID = sighting.AgentID
	env.AgentName = sighting.AgentName
	env.AgentVersion = sighting.AgentVersion
	env.DockerVersion = sighting.DockerVersion
	env.Hostname = sighting.Hostname
	env.Capabilities = sighting.Capabilities
	t := seenAt.UTC()
	env.LastSeen = &t
	env.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) CreateAgentToken(_ context.Context, token *AgentToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token.ID]; ok {
		return ErrDuplicate
	}
	cp := *token
	m.tokens[token.ID] = &cp
	return nil
}

func (m *MockStore) GetAgentToken(_ context.Context, id string) (*AgentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *token
	return &cp, nil
}

func (m *MockStore) ListAgentTokens(_ context.Context, environmentID string) ([]*AgentToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tokens []*AgentToken
	for _, token := range m.tokens {
		if environmentID != "" && token.EnvironmentID != environmentID {
			continue
		}
		cp := *token
		tokens = append(tokens, &cp)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})
	return tokens, nil
}

func (m *MockStore) TouchAgentToken(_ context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	t := usedAt.UTC()
	token.LastUsed = &t
	return nil
}

func (m *MockStore) SetAgentTokenActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[id]
	if !ok {
		return ErrNotFound
	}
	token.Active = active
	return nil
}

func (m *MockStore) AppendAuditLog(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MockStore) ListAuditLog(_ context.Context, limit int) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]*AuditEntry, 0, limit)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.audit[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockStore) Close() error { return nil }
