// Package suite provides the cryptographic collaborator used by FIXLINK.
//
// The protocol treats its primitives as black boxes behind the Suite
// interface:
//   - Ed25519 signatures for long-term device identities
//   - HMAC-SHA256 for per-message authentication
//   - HKDF-SHA256 for session key derivation
//   - X25519 for ephemeral key agreement
//
// Randomness is injected through an io.Reader so discovery and handshake
// can run against fixed nonces and keys in tests (see NewDeterministic).
package suite
