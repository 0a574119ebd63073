// Package store persists capstan's fleet state.
//
// # Entities
//
//   - Environment: one Docker engine, either dialed directly (local) or
//     reached through a dialed-in agent (tunnel). Tunnel environments carry
//     the agent identity and last-seen timestamp from the latest handshake.
//   - AgentToken: a tunnel credential. Only the bcrypt hash of the secret
//     half is stored.
//   - AuditEntry: append-only record of mutating dashboard operations.
//
// # Implementations
//
// SQLiteStore (modernc.org/sqlite, WAL mode, schema bootstrap on open) is
// the production store. MockStore is an in-memory equivalent for tests.
// Both return ErrNotFound/ErrDuplicate sentinels.
package store
