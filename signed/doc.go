// Package signed implements the shared-secret signing primitives for the
// consumer/server channel.
//
// Two independent primitives are provided, with signing keys derived from the
// consumer's private key via HKDF so a signature from one context can never
// be replayed in the other:
//   - request/response envelopes: HMAC-SHA256 over the serialized payload
//     plus a timestamp, verified in constant time within a short skew window
//   - access tokens: timestamped HS256 JWTs carrying the access token,
//     verifiable by the consumer for a bounded max age
package signed
