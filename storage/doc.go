// Package storage provides interfaces and shared types for persisting SSO
// consumers and handshake tokens.
//
// The storage package defines the two storage interfaces used throughout the
// ssokit library:
//   - ConsumerStore: Manages registered consumer applications and their
//     signing secrets
//   - TokenStore: Manages the lifecycle of handshake tokens (creation,
//     lookup, atomic touch-or-expire, one-time binding, cascade deletion)
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
