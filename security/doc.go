// Package security provides security features for the SSO server including
// secret encryption at rest, rate limiting, audit logging, request IDs, and
// secure header management.
package security
