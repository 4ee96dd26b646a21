// Package valkey provides a Valkey storage backend for the ssokit library.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// This package implements both storage interfaces required by the ssokit library,
// making it suitable for production deployments that require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based safety-net expiration
//   - High availability with clustering
//
// # Implemented Interfaces
//
// The Store type implements both required storage interfaces:
//
//   - [storage.ConsumerStore]: Consumer registration management
//   - [storage.TokenStore]: Token lifecycle management
//
// # Key Schema
//
// All keys use a configurable prefix (default "sso:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}consumer:{publicKey}   -> JSON(Consumer)
//	{prefix}token:{requestToken}   -> JSON(Token)
//	{prefix}access:{accessToken}   -> requestToken (reverse lookup)
//	{prefix}session:{sessionID}    -> SET of requestTokens (logout cascade)
//	{prefix}ctokens:{consumerKey}  -> SET of requestTokens (consumer cascade)
//
// # Atomic Operations
//
// The single-sign-on token lifecycle requires certain operations to be atomic:
//
//   - TouchOrExpire: the expiry check and the timestamp refresh happen in one
//     step, so a token observed as live is always refreshed and a token
//     observed as expired is always deleted
//   - Bind: only ONE concurrent request can bind a token to a user; all other
//     attempts fail without overwriting the original binding
//
// These operations use Lua scripts to ensure atomicity in Valkey, providing
// the same guarantees as the in-memory implementation but with distributed
// storage benefits.
//
// Tokens expire lazily at touch time. The TTLs applied to token keys are a
// safety net that bounds storage growth for tokens that are never touched
// again; they are deliberately much longer than the business expiry windows.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "sso:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Security Considerations
//
//   - Lua scripts ensure atomic operations for security-critical transitions
//   - TLS support enables encrypted connections to Valkey servers
//   - Optional consumer secret encryption at rest via SetEncryptor() using AES-256-GCM
//   - Input size validation prevents DoS attacks via oversized payloads
//   - Generic error messages prevent consumer and token enumeration
package valkey
