// Package auth covers capstan's two credential kinds.
//
// # Agent Tokens
//
// Agents authenticate their tunnel handshake with an opaque bearer token of
// the form cap_<tokenID>_<secret>. The Authority issues them bound to one
// environment and stores only a bcrypt hash of the secret half; the raw
// value is shown once at issuance and never persisted or logged. Validation
// looks up the token by id, checks the active flag and expiry, and compares
// the secret through bcrypt.
//
// # Dashboard Sessions
//
// Dashboard API callers use short-lived HS256 JWTs (JWTSessions). The
// RequireSession middleware extracts the bearer token, verifies it, and puts
// the subject on the request context.
package auth
