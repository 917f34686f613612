// Package crypto provides the cryptographic primitives for backend pairing.
//
// This package implements the low-level operations the trust subsystem is
// built on:
//
//   - Digital signatures (Ed25519) for backend identity and signed sync payloads
//   - A durable keystore for long-lived identity keys
//   - HMAC-SHA256 token signing for session binding tokens, behind a small
//     TokenSigner interface so the concrete scheme can be swapped
//   - X25519 key agreement plus HKDF for deriving the per-session shared
//     secret that both paired backends compute independently
//
// All signature and MAC comparisons are constant-time. Private key material is
// only ever written to disk by the keystore, with owner-only permissions, and
// is never part of any wire message.
package crypto
