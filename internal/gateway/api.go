// ABOUTME: HTTP API handlers for environments, agent tokens, and the audit log.
// ABOUTME: Implements the dashboard CRUD surface over the store and registry.

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capstan-io/capstan/internal/auth"
	"github.com/capstan-io/capstan/internal/store"
)

// CreateEnvironmentRequest is the JSON request body for POST /api/environments.
type CreateEnvironmentRequest struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	DockerHost string `json:"docker_host,omitempty"`
}

// UpdateEnvironmentRequest is the JSON request body for PUT /api/environments/{id}.
type UpdateEnvironmentRequest struct {
	Name       string `json:"name"`
	DockerHost string `json:"docker_host,omitempty"`
}

// EnvironmentResponse is the JSON representation of one environment.
type EnvironmentResponse struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	DockerHost    string   `json:"docker_host,omitempty"`
	Connected     bool     `json:"connected"`
	AgentName     string   `json:"agent_name,omitempty"`
	AgentVersion  string   `json:"agent_version,omitempty"`
	DockerVersion string   `json:"docker_version,omitempty"`
	Hostname      string   `json:"hostname,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	LastSeen      string   `json:"last_seen,omitempty"`
	CreatedAt     string   `json:"created_at"`
}

// IssueTokenRequest is the JSON request body for POST /api/environments/{id}/tokens.
type IssueTokenRequest struct {
	Label     string `json:"label"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// IssueTokenResponse returns the raw token exactly once, at issuance.
type IssueTokenResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Label string `json:"label"`
}

// TokenResponse is the JSON representation of one issued token. The
// secret is never included.
type TokenResponse struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Active    bool   `json:"active"`
	LastUsed  string `json:"last_used,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"`
	CreatedAt string `json:"created_at"`
}

// AuditEntryResponse is the JSON representation of one audit record.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// handleEnvironments handles GET and POST /api/environments.
func (g *Gateway) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		g.handleListEnvironments(w, r)
	case http.MethodPost:
		g.handleCreateEnvironment(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := g.store.ListEnvironments(r.Context())
	if err != nil {
		g.logger.Error("failed to list environments", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]EnvironmentResponse, 0, len(envs))
	for _, env := range envs {
		response = append(response, g.environmentResponse(env))
	}
	g.sendJSON(w, http.StatusOK, response)
}

func (g *Gateway) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	req, err := parseCreateEnvironmentRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	env := &store.Environment{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Kind:       req.Kind,
		DockerHost: req.DockerHost,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := g.store.CreateEnvironment(r.Context(), env); err != nil {
		g.logger.Error("failed to create environment", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.audit(r, store.AuditCreateEnvironment, "environment", env.ID, map[string]any{
		"name": env.Name,
		"kind": env.Kind,
	})

	created, err := g.store.GetEnvironment(r.Context(), env.ID)
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusCreated, g.environmentResponse(created))
}

// handleEnvironmentRoutes dispatches /api/environments/{id}[/...] by
// path shape and method.
func (g *Gateway) handleEnvironmentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/environments/")
	parts := strings.SplitN(rest, "/", 3)
	if parts[0] == "" {
		g.sendJSONError(w, http.StatusBadRequest, "environment id required")
		return
	}
	envID := parts[0]

	if len(parts) == 1 {
		g.handleEnvironmentByID(w, r, envID)
		return
	}

	switch parts[1] {
	case "tokens":
		if len(parts) == 3 && parts[2] != "" {
			g.handleRevokeToken(w, r, envID, parts[2])
			return
		}
		g.handleTokens(w, r, envID)
	case "docker":
		enginePath := "/"
		if len(parts) == 3 {
			enginePath += parts[2]
		}
		g.handleDockerProxy(w, r, envID, enginePath)
	case "logs":
		if len(parts) != 3 || parts[2] == "" {
			g.sendJSONError(w, http.StatusBadRequest, "container id required")
			return
		}
		g.handleContainerLogs(w, r, envID, parts[2])
	case "events":
		g.handleEventStream(w, r, envID)
	case "disconnect":
		g.handleForceDisconnect(w, r, envID)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

func (g *Gateway) handleEnvironmentByID(w http.ResponseWriter, r *http.Request, envID string) {
	switch r.Method {
	case http.MethodGet:
		env, ok := g.loadEnvironment(w, r, envID)
		if !ok {
			return
		}
		g.sendJSON(w, http.StatusOK, g.environmentResponse(env))

	case http.MethodPut:
		env, ok := g.loadEnvironment(w, r, envID)
		if !ok {
			return
		}
		var req UpdateEnvironmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name != "" {
			env.Name = req.Name
		}
		if env.Kind == store.EnvironmentLocal && req.DockerHost != "" {
			env.DockerHost = req.DockerHost
		}
		if err := g.store.UpdateEnvironment(r.Context(), env); err != nil {
			g.logger.Error("failed to update environment", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.dropLocalClients(envID)
		g.sendJSON(w, http.StatusOK, g.environmentResponse(env))

	case http.MethodDelete:
		if _, ok := g.loadEnvironment(w, r, envID); !ok {
			return
		}
		if err := g.store.DeleteEnvironment(r.Context(), envID); err != nil {
			g.logger.Error("failed to delete environment", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		// A connected agent for a deleted environment has nothing left
		// to serve.
		_ = g.registry.CloseConnection(envID)
		g.dropLocalClients(envID)
		g.audit(r, store.AuditDeleteEnvironment, "environment", envID, nil)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleTokens handles GET (list) and POST (issue) on
// /api/environments/{id}/tokens.
func (g *Gateway) handleTokens(w http.ResponseWriter, r *http.Request, envID string) {
	env, ok := g.loadEnvironment(w, r, envID)
	if !ok {
		return
	}
	if env.Kind != store.EnvironmentTunnel {
		g.sendJSONError(w, http.StatusBadRequest, "tokens apply only to tunnel environments")
		return
	}

	switch r.Method {
	case http.MethodGet:
		tokens, err := g.store.ListAgentTokens(r.Context(), envID)
		if err != nil {
			g.logger.Error("failed to list tokens", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		response := make([]TokenResponse, 0, len(tokens))
		for _, tok := range tokens {
			response = append(response, tokenResponse(tok))
		}
		g.sendJSON(w, http.StatusOK, response)

	case http.MethodPost:
		var req IssueTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		var expiresAt *time.Time
		if req.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, req.ExpiresAt)
			if err != nil {
				g.sendJSONError(w, http.StatusBadRequest, "expires_at must be RFC3339")
				return
			}
			expiresAt = &t
		}

		raw, tok, err := g.authority.Issue(r.Context(), envID, req.Label, expiresAt)
		if err != nil {
			g.logger.Error("failed to issue token", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.audit(r, store.AuditCreateToken, "token", tok.ID, map[string]any{
			"environment_id": envID,
			"label":          tok.Label,
		})
		g.sendJSON(w, http.StatusCreated, IssueTokenResponse{ID: tok.ID, Token: raw, Label: tok.Label})

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleRevokeToken handles DELETE /api/environments/{id}/tokens/{tokenID}.
// Revocation deactivates the token; the row stays for the audit trail.
func (g *Gateway) handleRevokeToken(w http.ResponseWriter, r *http.Request, envID, tokenID string) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tok, err := g.store.GetAgentToken(r.Context(), tokenID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "token not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if tok.EnvironmentID != envID {
		g.sendJSONError(w, http.StatusNotFound, "token not found")
		return
	}

	if err := g.store.SetAgentTokenActive(r.Context(), tokenID, false); err != nil {
		g.logger.Error("failed to revoke token", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.audit(r, store.AuditRevokeToken, "token", tokenID, map[string]any{"environment_id": envID})
	w.WriteHeader(http.StatusNoContent)
}

// handleForceDisconnect handles POST /api/environments/{id}/disconnect.
// The agent will typically redial; pair with token revocation to keep
// it out.
func (g *Gateway) handleForceDisconnect(w http.ResponseWriter, r *http.Request, envID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := g.registry.CloseConnection(envID); err != nil {
		g.sendJSONError(w, http.StatusConflict, "agent not connected")
		return
	}
	g.audit(r, store.AuditForceDisconnect, "environment", envID, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleListConnections handles GET /api/connections.
func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.sendJSON(w, http.StatusOK, g.registry.ListConnections())
}

// handleAuditLog handles GET /api/audit with an optional ?limit=N.
func (g *Gateway) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := g.store.ListAuditLog(r.Context(), limit)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, AuditEntryResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     e.Action,
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Detail:     e.Detail,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	g.sendJSON(w, http.StatusOK, response)
}

// loadEnvironment fetches an environment, writing the error response
// itself when the lookup fails.
func (g *Gateway) loadEnvironment(w http.ResponseWriter, r *http.Request, envID string) (*store.Environment, bool) {
	env, err := g.store.GetEnvironment(r.Context(), envID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "environment not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to load environment", "environment_id", envID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return env, true
}

func (g *Gateway) environmentResponse(env *store.Environment) EnvironmentResponse {
	resp := EnvironmentResponse{
		ID:            env.ID,
		Name:          env.Name,
		Kind:          env.Kind,
		DockerHost:    env.DockerHost,
		Connected:     env.Kind == store.EnvironmentLocal || g.registry.IsConnected(env.ID),
		AgentName:     env.AgentName,
		AgentVersion:  env.AgentVersion,
		DockerVersion: env.DockerVersion,
		Hostname:      env.Hostname,
		Capabilities:  env.Capabilities,
		CreatedAt:     env.CreatedAt.UTC().Format(time.RFC3339),
	}
	if env.LastSeen != nil {
		resp.LastSeen = env.LastSeen.UTC().Format(time.RFC3339)
	}
	return resp
}

func tokenResponse(tok *store.AgentToken) TokenResponse {
	resp := TokenResponse{
		ID:        tok.ID,
		Label:     tok.Label,
		Active:    tok.Active,
		CreatedAt: tok.CreatedAt.UTC().Format(time.RFC3339),
	}
	if tok.LastUsed != nil {
		resp.LastUsed = tok.LastUsed.UTC().Format(time.RFC3339)
	}
	if tok.ExpiresAt != nil {
		resp.ExpiresAt = tok.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// audit appends one audit record. Failures are logged, never surfaced:
// the mutation already happened.
func (g *Gateway) audit(r *http.Request, action, targetType, targetID string, detail map[string]any) {
	actor := auth.SubjectFromContext(r.Context())
	if actor == "" {
		actor = "anonymous"
	}
	entry := &store.AuditEntry{
		ID:         uuid.NewString(),
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	}
	if err := g.store.AppendAuditLog(r.Context(), entry); err != nil {
		g.logger.Error("failed to append audit log", "action", action, "error", err)
	}
}

// parseCreateEnvironmentRequest parses and validates a create request.
func parseCreateEnvironmentRequest(r io.Reader) (*CreateEnvironmentRequest, error) {
	var req CreateEnvironmentRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Name == "" {
		return nil, errors.New("name is required")
	}
	switch req.Kind {
	case store.EnvironmentLocal:
		if req.DockerHost == "" {
			req.DockerHost = "unix:///var/run/docker.sock"
		}
	case store.EnvironmentTunnel:
		if req.DockerHost != "" {
			return nil, errors.New("docker_host applies only to local environments")
		}
	default:
		return nil, errors.New(`kind must be "local" or "tunnel"`)
	}
	return &req, nil
}

// sendJSON writes a JSON response body with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
