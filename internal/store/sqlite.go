// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides environment/token/audit persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS environments (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL UNIQUE,
			kind           TEXT NOT NULL,
			docker_host    TEXT NOT NULL DEFAULT '',
			agent_id       TEXT NOT NULL DEFAULT '',
			agent_name     TEXT NOT NULL DEFAULT '',
			agent_version  TEXT NOT NULL DEFAULT '',
			docker_version TEXT NOT NULL DEFAULT '',
			hostname       TEXT NOT NULL DEFAULT '',
			capabilities   TEXT NOT NULL DEFAULT '[]',
			last_seen      DATETIME,
			created_at     DATETIME NOT NULL,
			updated_at     DATETIME NOT NULL,

			CHECK (kind IN ('local', 'tunnel'))
		);

		CREATE TABLE IF NOT EXISTS agent_tokens (
			id             TEXT PRIMARY KEY,
			secret_hash    TEXT NOT NULL,
			label          TEXT NOT NULL,
			environment_id TEXT NOT NULL,
			active         INTEGER NOT NULL DEFAULT 1,
			last_used      DATETIME,
			expires_at     DATETIME,
			created_at     DATETIME NOT NULL,

			FOREIGN KEY (environment_id) REFERENCES environments(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_agent_tokens_environment
			ON agent_tokens(environment_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			detail_json TEXT,
			created_at  DATETIME NOT NULL,

			CHECK (action IN (
				'create_environment',
				'delete_environment',
				'create_token',
				'revoke_token',
				'force_disconnect'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateEnvironment inserts a new environment.
func (s *SQLiteStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	caps, err := json.Marshal(env.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO environments
			(id, name, kind, docker_host, agent_id, agent_name, agent_version,
			 docker_version, hostname, capabilities, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.Name, env.Kind, env.DockerHost,
		env.AgentID, env.AgentName, env.AgentVersion,
		env.DockerVersion, env.Hostname, string(caps),
		env.LastSeen, env.CreatedAt, env.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting environment: %w", err)
	}
	return nil
}

// GetEnvironment fetches one environment by id.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, docker_host, agent_id, agent_name, agent_version,
		       docker_version, hostname, capabilities, last_seen, created_at, updated_at
		FROM environments WHERE id = ?`, id)
	return scanEnvironment(row)
}

// ListEnvironments returns all environments ordered by name.
func (s *SQLiteStore) ListEnvironments(ctx context.Context) ([]*Environment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, docker_host, agent_id, agent_name, agent_version,
		       docker_version, hostname, capabilities, last_seen, created_at, updated_at
		FROM environments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	defer rows.Close()

	var envs []*Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, rows.Err()
}

// UpdateEnvironment rewrites all mutable fields of an environment.
func (s *SQLiteStore) UpdateEnvironment(ctx context.Context, env *Environment) error {
	caps, err := json.Marshal(env.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE environments SET
			name = ?, kind = ?, docker_host = ?, agent_id = ?, agent_name = ?,
			agent_version = ?, docker_version = ?, hostname = ?, capabilities = ?,
			last_seen = ?, updated_at = ?
		WHERE id = ?`,
		env.Name, env.Kind, env.DockerHost, env.AgentID, env.AgentName,
		env.AgentVersion, env.DockerVersion, env.Hostname, string(caps),
		env.LastSeen, time.Now().UTC(), env.ID,
	)
	if err != nil {
		return fmt.Errorf("updating environment: %w", err)
	}
	return requireRow(res)
}

// DeleteEnvironment removes an environment; its tokens cascade.
func (s *SQLiteStore) DeleteEnvironment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting environment: %w", err)
	}
	return requireRow(res)
}

// RecordAgentSighting updates agent identity and last-seen for an environment.
func (s *SQLiteStore) RecordAgentSighting(ctx context.Context, environmentID string, sighting AgentSighting, seenAt time.Time) error {
	caps, err := json.Marshal(sighting.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE environments SET
			agent_id = ?, agent_name = ?, agent_version = ?, docker_version = ?,
			hostname = ?, capabilities = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`,
		sighting.AgentID, sighting.AgentName, sighting.AgentVersion,
		sighting.DockerVersion, sighting.Hostname, string(caps),
		seenAt.UTC(), time.Now().UTC(), environmentID,
	)
	if err != nil {
		return fmt.Errorf("recording agent sighting: %w", err)
	}
	return requireRow(res)
}

// CreateAgentToken inserts a new token row.
func (s *SQLiteStore) CreateAgentToken(ctx context.Context, token *AgentToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tokens
			(id, secret_hash, label, environment_id, active, last_used, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.SecretHash, token.Label, token.EnvironmentID,
		boolToInt(token.Active), token.LastUsed, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

// GetAgentToken fetches one token by id.
func (s *SQLiteStore) GetAgentToken(ctx context.Context, id string) (*AgentToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, secret_hash, label, environment_id, active, last_used, expires_at, created_at
		FROM agent_tokens WHERE id = ?`, id)
	return scanAgentToken(row)
}

// ListAgentTokens returns tokens, optionally filtered to one environment.
func (s *SQLiteStore) ListAgentTokens(ctx context.Context, environmentID string) ([]*AgentToken, error) {
	query := `
		SELECT id, secret_hash, label, environment_id, active, last_used, expires_at, created_at
		FROM agent_tokens`
	args := []any{}
	if environmentID != "" {
		query += ` WHERE environment_id = ?`
		args = append(args, environmentID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*AgentToken
	for rows.Next() {
		token, err := scanAgentToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// TouchAgentToken updates a token's last-used timestamp.
func (s *SQLiteStore) TouchAgentToken(ctx context.Context, id string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tokens SET last_used = ? WHERE id = ?`, usedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("touching token: %w", err)
	}
	return requireRow(res)
}

// SetAgentTokenActive flips a token's active flag (revocation/reactivation).
func (s *SQLiteStore) SetAgentTokenActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tokens SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("setting token active flag: %w", err)
	}
	return requireRow(res)
}

// AppendAuditLog records one audit entry. The id is assigned if empty.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var detail *string
	if entry.Detail != nil {
		data, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("encoding audit detail: %w", err)
		}
		str := string(data)
		detail = &str
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, target_type, target_id, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Actor, entry.Action, entry.TargetType, entry.TargetID,
		detail, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("appending audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns the most recent entries, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, target_type, target_id, detail_json, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.TargetType, &e.TargetID, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decoding audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvironment(row rowScanner) (*Environment, error) {
	var env Environment
	var caps string
	var lastSeen sql.NullTime
	err := row.Scan(
		&env.ID, &env.Name, &env.Kind, &env.DockerHost,
		&env.AgentID, &env.AgentName, &env.AgentVersion,
		&env.DockerVersion, &env.Hostname, &caps,
		&lastSeen, &env.CreatedAt, &env.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning environment: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &env.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		env.LastSeen = &t
	}
	return &env, nil
}

func scanAgentToken(row rowScanner) (*AgentToken, error) {
	var token AgentToken
	var active int
	var lastUsed, expiresAt sql.NullTime
	err := row.Scan(
		&token.ID, &token.SecretHash, &token.Label, &token.EnvironmentID,
		&active, &lastUsed, &expiresAt, &token.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning token: %w", err)
	}
	token.Active = active != 0
	if lastUsed.Valid {
		t := lastUsed.Time
		token.LastUsed = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		token.ExpiresAt = &t
	}
	return &token, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
