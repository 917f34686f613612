/*
# Pairsync Services Package

The services package contains the running system: the identity manager, the
peer registry, the conversation syncer, and the resilience layer wrapped
around them.

## Components

1. **IdentityManager** (`identity.go`)
   - Loads or creates the backend's long-lived Ed25519 identity key
   - Derives the stable backend id from the public key
   - Exposes sign/verify for the rest of the system

2. **Registry** (`registry.go`, `peer_store.go`, `postgres_store.go`)
   - The trust store: verified peer registrations, capabilities, revocation
   - Storage behind the PeerStore interface: in-memory or PostgreSQL
   - IsTrusted is the single enforcement choke point for every inbound call

3. **Syncer** (`syncer.go`, `conversation_store.go`)
   - Outbound: snapshots locally-mutated conversations and pushes them signed
   - Inbound: applies the deterministic merge rule under a per-conversation
     critical section

4. **Resilience** (`queue.go`, `sqlite_queue.go`, `retry.go`, `netmonitor.go`)
   - Durable size-bounded offline queue absorbing payloads while the peer is
     unreachable (at-least-once delivery)
   - Bounded exponential backoff per operation key
   - Periodic reachability probe feeding an online/offline signal

5. **Security layer** (`rotation.go`, `ratelimit.go`, `audit.go`)
   - Key rotation with a grace window during which the previous key verifies
   - Per-peer rate limiting (in-memory or Redis-backed)
   - Append-only audit log of registrations, revocations, and token failures

## HTTP surfaces

`Server` (`http_server.go`) exposes the wire endpoints on a chi router:

  - `GET  /identity`
  - `POST /register-peer`
  - `POST /sync/{peer_id}`
  - `POST /telemetry/{peer_id}`
  - `POST /peers/{peer_id}/rotate-key`
  - `DELETE /peers/{peer_id}`  (admin)
  - `GET  /health`

`PeerClient` (`http_client.go`) is the outbound counterpart used by the sync
loop, the telemetry reporter, and the rotation notifier.
*/
package services
