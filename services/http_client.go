package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tandemnet/pairsync/crypto"
	"github.com/tandemnet/pairsync/protocol"
)

// PeerClient is the HTTP client side of the pairing protocol. It implements
// SyncSender and RotationNotifier. Network failures and 5xx responses come
// back as transient errors so the retry and queueing layers treat them as
// recoverable.
type PeerClient struct {
	baseURL  string
	identity *IdentityManager
	secrets  SecretsProvider
	http     *http.Client
}

// NewPeerClient creates a client for the peer at baseURL. The secrets
// provider supplies the pairing secret Register derives the token signing
// key from; it may be nil for clients that never register.
func NewPeerClient(baseURL string, identity *IdentityManager, secrets SecretsProvider) *PeerClient {
	return &PeerClient{
		baseURL:  baseURL,
		identity: identity,
		secrets:  secrets,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchIdentity retrieves the peer's public identity.
func (c *PeerClient) FetchIdentity(ctx context.Context) (*protocol.IdentityResponse, error) {
	resp, err := c.get(ctx, "/identity")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "fetch identity"); err != nil {
		return nil, err
	}
	return protocol.DecodeMessage[protocol.IdentityResponse](resp.Body)
}

// Register performs mutual registration with the peer: derives the shared
// session secret from the peer's exchange key and the provisioned pairing
// secret, mints the session binding token with it, and submits this
// backend's identity.
func (c *PeerClient) Register(ctx context.Context, sessionID, userID string) (*protocol.RegisterResponse, error) {
	if c.secrets == nil {
		return nil, fmt.Errorf("register: no pairing secret provisioned")
	}
	pairingSecret, err := c.secrets.PairingSecret(sessionID)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}

	peerIdentity, err := c.FetchIdentity(ctx)
	if err != nil {
		return nil, err
	}

	id := c.identity.Identity()
	if id == nil {
		return nil, fmt.Errorf("register: identity not initialized")
	}

	peerExchange, err := crypto.ParseExchangePublicKey(peerIdentity.ExchangeKey)
	if err != nil {
		return nil, fmt.Errorf("register: peer exchange key: %w", err)
	}
	secret, err := crypto.DeriveSessionSecret(id.ExchangeKey, peerExchange, pairingSecret, sessionID)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	signer := crypto.NewHMACSigner(secret)

	localID, hostedID := id.BackendID, peerIdentity.BackendID
	if id.Kind == protocol.KindHosted {
		localID, hostedID = peerIdentity.BackendID, id.BackendID
	}
	token := protocol.IssueToken(signer, sessionID, localID, hostedID, userID, time.Now())

	req := protocol.RegisterRequest{
		Identity: id.WireIdentity(),
		Token:    token,
	}
	resp, err := c.post(ctx, "/register-peer", &req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "register"); err != nil {
		return nil, err
	}
	return protocol.DecodeMessage[protocol.RegisterResponse](resp.Body)
}

// PushSync delivers a signed sync payload to the peer.
func (c *PeerClient) PushSync(ctx context.Context, peer *PeerRegistration, req *protocol.Signed[protocol.SyncRequest]) (*protocol.SyncResponse, error) {
	resp, err := c.post(ctx, "/sync/"+peer.PeerID, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "push sync"); err != nil {
		return nil, err
	}
	return protocol.DecodeMessage[protocol.SyncResponse](resp.Body)
}

// SendTelemetry streams events as newline-delimited JSON and checks the
// per-event acks. A non-ok ack fails the whole batch so it is retried.
func (c *PeerClient) SendTelemetry(ctx context.Context, peer *PeerRegistration, events []protocol.TelemetryEvent) error {
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("send telemetry: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/telemetry/"+peer.PeerID, &body)
	if err != nil {
		return fmt.Errorf("send telemetry: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return protocol.NewTransientError("send telemetry", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "send telemetry"); err != nil {
		return err
	}

	acked := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ack protocol.TelemetryAck
		if err := json.Unmarshal(scanner.Bytes(), &ack); err != nil {
			return fmt.Errorf("send telemetry: malformed ack: %w", err)
		}
		if ack.Status != "ok" {
			return fmt.Errorf("send telemetry: event %d rejected", ack.Index)
		}
		acked++
	}
	if acked != len(events) {
		return protocol.NewTransientError("send telemetry",
			fmt.Errorf("%d of %d events acked", acked, len(events)))
	}
	return nil
}

// NotifyKeyRotation announces a key rotation to the peer.
func (c *PeerClient) NotifyKeyRotation(ctx context.Context, peer *PeerRegistration, req *protocol.Signed[protocol.RotateKeyRequest]) error {
	resp, err := c.post(ctx, "/peers/"+peer.PeerID+"/rotate-key", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, "notify rotation")
}

// Probe reports whether the peer answers its health endpoint. Used as the
// network monitor's probe function.
func (c *PeerClient) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *PeerClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, protocol.NewTransientError("GET "+path, err)
	}
	return resp, nil
}

func (c *PeerClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, protocol.NewTransientError("POST "+path, err)
	}
	return resp, nil
}

// checkStatus maps HTTP status codes back onto service errors. 5xx is
// transient; 4xx carries the protocol error it encodes.
func checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode >= 500:
		return protocol.NewTransientError(op, fmt.Errorf("peer returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized:
		return protocol.ErrAuthentication
	case resp.StatusCode == http.StatusNotFound:
		return protocol.ErrPeerNotFound
	case resp.StatusCode == http.StatusForbidden:
		return protocol.ErrPeerRevoked
	case resp.StatusCode == http.StatusTooManyRequests:
		return protocol.ErrQuotaExceeded
	default:
		return fmt.Errorf("%s: peer returned %d", op, resp.StatusCode)
	}
}
