// ABOUTME: Tests for the environments, tokens, and audit HTTP API.
// ABOUTME: Drives the full handler stack against the in-memory store.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/capstan-io/capstan/internal/config"
	"github.com/capstan-io/capstan/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testGateway(t *testing.T) (*Gateway, *store.MockStore) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = ":memory:"
	st := store.NewMockStore()
	gw, err := NewWithStore(cfg, st, testLogger())
	if err != nil {
		t.Fatalf("NewWithStore: %v", err)
	}
	return gw, st
}

func doRequest(t *testing.T, gw *Gateway, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	return v
}

func seedEnvironment(t *testing.T, st *store.MockStore, id, name, kind string) {
	t.Helper()
	env := &store.Environment{ID: id, Name: name, Kind: kind, CreatedAt: time.Now().UTC()}
	if kind == store.EnvironmentLocal {
		env.DockerHost = "unix:///var/run/docker.sock"
	}
	if err := st.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatalf("seeding environment: %v", err)
	}
}

func TestCreateAndListEnvironments(t *testing.T) {
	gw, _ := testGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/environments",
		CreateEnvironmentRequest{Name: "prod", Kind: "local"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got status %d, want 201: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[EnvironmentResponse](t, rec)
	if created.ID == "" {
		t.Error("created environment has no id")
	}
	if created.DockerHost != "unix:///var/run/docker.sock" {
		t.Errorf("got docker_host %q, want default socket", created.DockerHost)
	}
	if !created.Connected {
		t.Error("local environments should always report connected")
	}

	rec = doRequest(t, gw, http.MethodGet, "/api/environments", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got status %d, want 200", rec.Code)
	}
	envs := decodeBody[[]EnvironmentResponse](t, rec)
	if len(envs) != 1 || envs[0].Name != "prod" {
		t.Errorf("got environments %+v, want one named prod", envs)
	}
}

func TestCreateEnvironmentValidation(t *testing.T) {
	gw, _ := testGateway(t)

	tests := []struct {
		name string
		req  CreateEnvironmentRequest
	}{
		{"missing name", CreateEnvironmentRequest{Kind: "local"}},
		{"bad kind", CreateEnvironmentRequest{Name: "x", Kind: "cloud"}},
		{"docker_host on tunnel", CreateEnvironmentRequest{Name: "x", Kind: "tunnel", DockerHost: "tcp://1.2.3.4:2375"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, gw, http.MethodPost, "/api/environments", tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got status %d, want 400", rec.Code)
			}
		})
	}
}

func TestGetEnvironmentNotFound(t *testing.T) {
	gw, _ := testGateway(t)
	rec := doRequest(t, gw, http.MethodGet, "/api/environments/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["error"] == "" {
		t.Error("error responses must carry an error field")
	}
}

func TestUpdateEnvironment(t *testing.T) {
	gw, st := testGateway(t)
	seedEnvironment(t, st, "env-1", "old-name", store.EnvironmentLocal)

	rec := doRequest(t, gw, http.MethodPut, "/api/environments/env-1",
		UpdateEnvironmentRequest{Name: "new-name", DockerHost: "tcp://10.0.0.5:2375"})
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[EnvironmentResponse](t, rec)
	if updated.Name != "new-name" || updated.DockerHost != "tcp://10.0.0.5:2375" {
		t.Errorf("update not applied: %+v", updated)
	}
}

func TestDeleteEnvironmentCascades(t *testing.T) {
	gw, st := testGateway(t)
	seedEnvironment(t, st, "env-1", "remote", store.EnvironmentTunnel)

	rec := doRequest(t, gw, http.MethodPost, "/api/environments/env-1/tokens",
		IssueTokenRequest{Label: "laptop"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue token: got status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, gw, http.MethodDelete, "/api/environments/env-1", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got status %d, want 204", rec.Code)
	}

	rec = doRequest(t, gw, http.MethodGet, "/api/environments/env-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("after delete: got status %d, want 404", rec.Code)
	}
	tokens, err := st.ListAgentTokens(context.Background(), "env-1")
	if err != nil || len(tokens) != 0 {
		t.Errorf("tokens survived environment delete: %v %v", tokens, err)
	}
}

func TestIssueAndListTokens(t *testing.T) {
	gw, _ := testGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/environments",
		CreateEnvironmentRequest{Name: "remote", Kind: "tunnel"})
	env := decodeBody[EnvironmentResponse](t, rec)

	rec = doRequest(t, gw, http.MethodPost, "/api/environments/"+env.ID+"/tokens",
		IssueTokenRequest{Label: "ci"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("issue: got status %d: %s", rec.Code, rec.Body.String())
	}
	issued := decodeBody[IssueTokenResponse](t, rec)
	if !strings.HasPrefix(issued.Token, "cap_") {
		t.Errorf("raw token %q missing cap_ prefix", issued.Token)
	}

	rec = doRequest(t, gw, http.MethodGet, "/api/environments/"+env.ID+"/tokens", nil)
	tokens := decodeBody[[]TokenResponse](t, rec)
	if len(tokens) != 1 || tokens[0].Label != "ci" || !tokens[0].Active {
		t.Errorf("got tokens %+v, want one active ci token", tokens)
	}
}

func TestTokensRejectedForLocalEnvironment(t *testing.T) {
	gw, st := testGateway(t)
	seedEnvironment(t, st, "env-1", "box", store.EnvironmentLocal)

	rec := doRequest(t, gw, http.MethodPost, "/api/environments/env-1/tokens",
		IssueTokenRequest{Label: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
}

func TestRevokeToken(t *testing.T) {
	gw, st := testGateway(t)
	seedEnvironment(t, st, "env-1", "remote", store.EnvironmentTunnel)

	rec := doRequest(t, gw, http.MethodPost, "/api/environments/env-1/tokens",
		IssueTokenRequest{Label: "old"})
	issued := decodeBody[IssueTokenResponse](t, rec)

	rec = doRequest(t, gw, http.MethodDelete, "/api/environments/env-1/tokens/"+issued.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke: got status %d, want 204", rec.Code)
	}
	tok, err := st.GetAgentToken(context.Background(), issued.ID)
	if err != nil {
		t.Fatalf("revoked token should still exist: %v", err)
	}
	if tok.Active {
		t.Error("revoked token still active")
	}

	// A token id under the wrong environment must not be revocable.
	seedEnvironment(t, st, "env-2", "other", store.EnvironmentTunnel)
	rec = doRequest(t, gw, http.MethodPost, "/api/environments/env-2/tokens",
		IssueTokenRequest{Label: "theirs"})
	theirs := decodeBody[IssueTokenResponse](t, rec)
	rec = doRequest(t, gw, http.MethodDelete, "/api/environments/env-1/tokens/"+theirs.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-environment revoke: got status %d, want 404", rec.Code)
	}
}

func TestForceDisconnectWithoutAgent(t *testing.T) {
	gw, st := testGateway(t)
	seedEnvironment(t, st, "env-1", "remote", store.EnvironmentTunnel)

	rec := doRequest(t, gw, http.MethodPost, "/api/environments/env-1/disconnect", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("got status %d, want 409", rec.Code)
	}
}

func TestAuditLogRecordsMutations(t *testing.T) {
	gw, _ := testGateway(t)

	rec := doRequest(t, gw, http.MethodPost, "/api/environments",
		CreateEnvironmentRequest{Name: "a", Kind: "local"})
	env := decodeBody[EnvironmentResponse](t, rec)
	doRequest(t, gw, http.MethodDelete, "/api/environments/"+env.ID, nil)

	rec = doRequest(t, gw, http.MethodGet, "/api/audit", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	entries := decodeBody[[]AuditEntryResponse](t, rec)
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Action != store.AuditDeleteEnvironment || entries[1].Action != store.AuditCreateEnvironment {
		t.Errorf("got actions %q then %q", entries[0].Action, entries[1].Action)
	}
	if entries[0].Actor != "anonymous" {
		t.Errorf("got actor %q, want anonymous when auth is disabled", entries[0].Actor)
	}

	rec = doRequest(t, gw, http.MethodGet, "/api/audit?limit=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got status %d, want 400", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	gw, _ := testGateway(t)

	rec := doRequest(t, gw, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health: got %d %q", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, gw, http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready: got status %d, want 200", rec.Code)
	}
}

func TestSessionMiddlewareProtectsAPI(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = ":memory:"
	cfg.Auth.JWTSecret = "test-secret"
	st := store.NewMockStore()
	gw, err := NewWithStore(cfg, st, testLogger())
	if err != nil {
		t.Fatalf("NewWithStore: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/environments", nil)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got status %d, want 401", rec.Code)
	}

	token, err := gw.sessions.Generate("ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("generating session token: %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/api/environments", strings.NewReader(`{"name":"a","kind":"local"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("with token: got status %d, want 201: %s", rec.Code, rec.Body.String())
	}

	// Mutations made with a session must be attributed to its subject.
	entries, err := st.ListAuditLog(context.Background(), 1)
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit log: %v %v", entries, err)
	}
	if entries[0].Actor != "ops@example.com" {
		t.Errorf("got actor %q, want ops@example.com", entries[0].Actor)
	}
}
