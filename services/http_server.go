package services

import (
	"bufio"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tandemnet/pairsync/crypto"
	"github.com/tandemnet/pairsync/protocol"
)

// Version identifies this build on the identity endpoint.
const Version = "1.0.0"

// Server exposes the pairing protocol over HTTP. Every mutating endpoint
// passes through the registry trust check before touching state.
type Server struct {
	identity   *IdentityManager
	registry   *Registry
	syncer     *Syncer
	rotator    *KeyRotator
	limiter    RateLimiter
	audit      *AuditLog
	secrets    SecretsProvider
	adminToken string
	cfg        *protocol.Config
	log        *slog.Logger
}

// NewServer wires the HTTP surface over the service layer. An empty admin
// token disables the revocation endpoint rather than leaving it open.
func NewServer(identity *IdentityManager, registry *Registry, syncer *Syncer, rotator *KeyRotator, limiter RateLimiter, audit *AuditLog, secrets SecretsProvider, adminToken string, cfg *protocol.Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		identity:   identity,
		registry:   registry,
		syncer:     syncer,
		rotator:    rotator,
		limiter:    limiter,
		audit:      audit,
		secrets:    secrets,
		adminToken: adminToken,
		cfg:        cfg,
		log:        log,
	}
}

// RegisterRoutes mounts all endpoints on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/identity", s.handleIdentity)
	r.Post("/register-peer", s.handleRegisterPeer)
	r.Post("/sync/{peer_id}", s.handleSync)
	r.Post("/telemetry/{peer_id}", s.handleTelemetry)
	r.Post("/peers/{peer_id}/rotate-key", s.handleRotateKey)
	r.Delete("/peers/{peer_id}", s.handleRevoke)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id := s.identity.Identity()
	if id == nil {
		writeError(w, fmt.Errorf("identity not initialized"))
		return
	}
	writeJSON(w, http.StatusOK, protocol.IdentityResponse{
		BackendID:    id.BackendID,
		BackendType:  string(id.Kind),
		PublicKey:    id.PublicKey.String(),
		ExchangeKey:  id.ExchangeKey.PublicKey().String(),
		Capabilities: id.Capabilities,
		Version:      Version,
		CreatedAt:    id.CreatedAt,
	})
}

func (s *Server) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	req, err := protocol.DecodeMessage[protocol.RegisterRequest](r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Status: "error", Error: "malformed request"})
		return
	}

	signer, err := s.sessionSigner(req.Identity.ExchangeKey, req.Token.SessionID)
	if err != nil {
		writeError(w, protocol.ErrAuthentication)
		return
	}
	peerID, err := s.registry.Register(req.Identity, req.Token, signer)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.RegisterResponse{
		Status:            "registered",
		PeerID:            peerID,
		SyncEndpoint:      "/sync/" + peerID,
		TelemetryEndpoint: "/telemetry/" + peerID,
		SyncIntervalMS:    s.cfg.SyncInterval.Milliseconds(),
	})
}

// sessionSigner recreates the per-session token signer from the peer's key
// exchange material and the provisioned pairing secret. Both backends derive
// the same secret independently; without the pairing secret no registration
// can verify, since the exchange keys alone are public.
func (s *Server) sessionSigner(peerExchangeKey, sessionID string) (crypto.TokenSigner, error) {
	if s.secrets == nil {
		return nil, fmt.Errorf("no pairing secret provisioned")
	}
	pairingSecret, err := s.secrets.PairingSecret(sessionID)
	if err != nil {
		return nil, err
	}
	peerKey, err := crypto.ParseExchangePublicKey(peerExchangeKey)
	if err != nil {
		return nil, err
	}
	id := s.identity.Identity()
	if id == nil {
		return nil, fmt.Errorf("identity not initialized")
	}
	secret, err := crypto.DeriveSessionSecret(id.ExchangeKey, peerKey, pairingSecret, sessionID)
	if err != nil {
		return nil, err
	}
	return crypto.NewHMACSigner(secret), nil
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	peer, ok := s.authorizePeer(w, r)
	if !ok {
		return
	}

	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.SyncRequest]](r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Status: "error", Error: "malformed request"})
		return
	}
	req, senderKey, err := signed.Recover()
	if err != nil {
		writeError(w, protocol.ErrAuthentication)
		return
	}
	// Recover already verified the envelope; what remains is binding its key
	// to this peer, allowing the retired key inside the rotation grace.
	if !s.registry.PeerKeyTrusted(peer, senderKey) {
		writeError(w, protocol.ErrAuthentication)
		return
	}

	resp, err := s.syncer.ApplyRemote(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTelemetry consumes a newline-delimited stream of telemetry events,
// acking each one as it is accepted.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizePeer(w, r); !ok {
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	enc := json.NewEncoder(w)
	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	index := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev protocol.TelemetryEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			enc.Encode(protocol.TelemetryAck{Status: "error", Index: index})
		} else {
			s.log.Debug("telemetry event received",
				"event_type", ev.EventType,
				"session_id", ev.SessionID,
				"source", ev.SourceBackend)
			enc.Encode(protocol.TelemetryAck{Status: "ok", Index: index})
		}
		index++
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	peer, ok := s.authorizePeer(w, r)
	if !ok {
		return
	}

	signed, err := protocol.DecodeMessage[protocol.Signed[protocol.RotateKeyRequest]](r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Status: "error", Error: "malformed request"})
		return
	}
	if err := s.rotator.HandlePeerRotation(peer.PeerID, signed, s.cfg.RotationGrace); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRevoke is the admin surface for severing a pairing. Revocation is
// terminal, so the call must present the configured admin token; a backend
// without one refuses the endpoint outright.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeAdmin(r) {
		writeError(w, protocol.ErrAuthentication)
		return
	}
	peerID := chi.URLParam(r, "peer_id")
	if err := s.registry.Revoke(peerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) authorizeAdmin(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return hmac.Equal([]byte(presented), []byte(s.adminToken))
}

// authorizePeer runs the shared checks for peer-scoped endpoints: registry
// trust first, then the rate budget. Unknown or revoked callers are turned
// away before any state is touched, including the limiter's own window
// accounting. It writes the error response itself.
func (s *Server) authorizePeer(w http.ResponseWriter, r *http.Request) (*PeerRegistration, bool) {
	peerID := chi.URLParam(r, "peer_id")
	peer, err := s.registry.Trusted(peerID)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	if !s.allow(w, r, peerID) {
		return nil, false
	}
	return peer, true
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, peerID string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(r.Context(), peerID)
	if err != nil {
		s.log.Error("rate limiter unavailable", "err", err)
		writeError(w, err)
		return false
	}
	if !ok {
		writeError(w, protocol.ErrQuotaExceeded)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps service errors onto the wire error shape. Unrecognized
// errors become opaque 500s; internals never leak.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrAuthentication):
		writeJSON(w, http.StatusUnauthorized, protocol.ErrorResponse{Status: "error", Error: "authentication failed"})
	case errors.Is(err, protocol.ErrPeerNotFound):
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Status: "error", Error: "peer not found"})
	case errors.Is(err, protocol.ErrPeerRevoked):
		writeJSON(w, http.StatusForbidden, protocol.ErrorResponse{Status: "error", Error: "peer revoked"})
	case errors.Is(err, protocol.ErrQuotaExceeded):
		writeJSON(w, http.StatusTooManyRequests, protocol.ErrorResponse{Status: "error", Error: "rate budget exceeded"})
	default:
		writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{Status: "error", Error: "internal error"})
	}
}
