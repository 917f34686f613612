// Package protocol defines the pairsync wire protocol: the messages, the
// session binding token, and the conversation merge rules shared by both
// backends of a pair.
//
// # Pairing Model
//
// Pairsync links exactly two independently-operated backends: a user-local
// instance and a hosted instance. The protocol is explicitly pairwise; there
// is no multi-way consensus and no central coordinator.
//
// Trust is established in three steps:
//
//  1. Each backend holds a long-lived Ed25519 identity key. The backend
//     identifier is derived from the public key, so identity survives restarts
//     as long as the key does.
//
//  2. Both backends independently derive a per-session shared secret from an
//     X25519 exchange mixed with an out-of-band pairing secret
//     (crypto.DeriveSessionSecret). The secret signs the SessionToken, a
//     short-lived credential binding the local backend, the hosted backend,
//     and the user into one session.
//
//  3. Registration presents the token; a verified token yields an opaque
//     peer id that gates every subsequent sync and telemetry call.
//
// # State Reconciliation
//
// Conversations carry a per-conversation monotonic version (a Lamport-style
// logical clock bumped on every locally-originated mutation) and merge
// deterministically under a total order: version, then last-modified
// timestamp, then source backend. Applying the same sync payload twice yields
// identical state; running the merge with the inputs swapped between the two
// peers converges on the same winner. Conflicts are resolved by this rule and
// reported, never raised as errors.
//
// All request and response bodies are JSON. Mutating requests travel inside a
// Signed envelope carrying the sender's Ed25519 signature.
package protocol
