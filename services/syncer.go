package services

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tandemnet/pairsync/protocol"
)

const conversationLockStripes = 64

// SyncSender pushes a signed sync payload to a peer and returns its
// acknowledgement.
type SyncSender interface {
	PushSync(ctx context.Context, peer *PeerRegistration, req *protocol.Signed[protocol.SyncRequest]) (*protocol.SyncResponse, error)
	SendTelemetry(ctx context.Context, peer *PeerRegistration, events []protocol.TelemetryEvent) error
}

// Syncer runs the conversation synchronization protocol against trusted
// peers: an outbound loop pushing local changes, an inbound apply path for
// the HTTP handler, and an offline queue drained on reconnect.
type Syncer struct {
	identity *IdentityManager
	registry *Registry
	store    ConversationStore
	queue    OfflineQueue
	sender   SyncSender
	monitor  *NetworkMonitor
	retry    *RetryController
	cfg      *protocol.Config
	log      *slog.Logger

	// Per-conversation striped locks keep concurrent applies of the same
	// conversation serialized without one global lock.
	stripes [conversationLockStripes]sync.Mutex

	mu       sync.Mutex
	lastSync map[string]time.Time
	now      func() time.Time
}

// NewSyncer wires a syncer. All collaborators are required except monitor,
// which may be nil when reachability gating is not wanted (tests).
func NewSyncer(identity *IdentityManager, registry *Registry, store ConversationStore, queue OfflineQueue, sender SyncSender, monitor *NetworkMonitor, retry *RetryController, cfg *protocol.Config, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{
		identity: identity,
		registry: registry,
		store:    store,
		queue:    queue,
		sender:   sender,
		monitor:  monitor,
		retry:    retry,
		cfg:      cfg,
		log:      log,
		lastSync: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *Syncer) stripe(conversationID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &s.stripes[h.Sum32()%conversationLockStripes]
}

// ApplyRemote merges an inbound sync payload into the conversation store and
// returns the acknowledgement. Re-applying the same payload is a no-op.
func (s *Syncer) ApplyRemote(ctx context.Context, req *protocol.SyncRequest) (*protocol.SyncResponse, error) {
	resp := &protocol.SyncResponse{
		Status:       "ok",
		AckedSyncID:  req.SyncID,
		NextSyncInMS: s.cfg.SyncInterval.Milliseconds(),
	}

	for _, remote := range req.Conversations {
		result, localVersion, err := s.applyOne(ctx, remote)
		if err != nil {
			return nil, err
		}
		if result.Conflict {
			resp.Conflicts = append(resp.Conflicts, protocol.ConflictInfo{
				ConversationID: remote.ConversationID,
				LocalVersion:   localVersion,
				RemoteVersion:  remote.Version,
				Winner:         result.Winner,
			})
			s.log.Info("sync conflict resolved",
				"conversation_id", remote.ConversationID,
				"winner", result.Winner)
		}
	}
	return resp, nil
}

func (s *Syncer) applyOne(ctx context.Context, remote protocol.ConversationRecord) (protocol.MergeResult, int64, error) {
	lock := s.stripe(remote.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	local, found, err := s.store.Get(ctx, remote.ConversationID)
	if err != nil {
		return protocol.MergeResult{}, 0, fmt.Errorf("sync: %w", err)
	}
	var localVersion int64
	if !found {
		local = nil
	} else {
		localVersion = local.Version
	}

	result := protocol.Merge(local, remote)
	switch result.Outcome {
	case protocol.OutcomeNew:
		if err := s.store.Create(ctx, result.Record); err != nil {
			return protocol.MergeResult{}, 0, fmt.Errorf("sync: %w", err)
		}
	case protocol.OutcomeRemoteAccepted:
		if err := s.store.Update(ctx, result.Record); err != nil {
			return protocol.MergeResult{}, 0, fmt.Errorf("sync: %w", err)
		}
	case protocol.OutcomeLocalKept:
		// Nothing to write.
	}
	return result, localVersion, nil
}

// SyncOnce pushes conversations modified since the last successful sync to
// the given peer. When the peer is unreachable the payload is queued for the
// drain loop instead of being lost.
func (s *Syncer) SyncOnce(ctx context.Context, peerID string) error {
	peer, err := s.registry.Trusted(peerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	since := s.lastSync[peerID]
	s.mu.Unlock()

	changed, err := s.store.ModifiedSince(ctx, since)
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if len(changed) == 0 {
		return nil
	}

	req := protocol.SyncRequest{
		SyncID:        uuid.NewString(),
		Timestamp:     s.now().UTC(),
		Conversations: changed,
	}

	if s.monitor != nil && !s.monitor.Online() {
		return s.enqueueSync(ctx, peerID, &req)
	}

	err = s.retry.Do(ctx, "sync:"+peerID, func(ctx context.Context) error {
		return s.push(ctx, peer, &req)
	})
	if err != nil {
		if protocol.IsTransient(err) {
			s.log.Warn("sync deferred to offline queue", "peer_id", peerID, "err", err)
			return s.enqueueSync(ctx, peerID, &req)
		}
		return err
	}

	s.mu.Lock()
	s.lastSync[peerID] = req.Timestamp
	s.mu.Unlock()
	return nil
}

func (s *Syncer) push(ctx context.Context, peer *PeerRegistration, req *protocol.SyncRequest) error {
	signed, err := protocol.NewSigned(s.identity.PrivateKey(), req)
	if err != nil {
		return fmt.Errorf("sync: signing: %w", err)
	}
	resp, err := s.sender.PushSync(ctx, peer, signed)
	if err != nil {
		return err
	}
	if resp.AckedSyncID != req.SyncID {
		return fmt.Errorf("sync: peer acked %q, sent %q", resp.AckedSyncID, req.SyncID)
	}
	for _, c := range resp.Conflicts {
		s.log.Info("peer reported conflict",
			"conversation_id", c.ConversationID,
			"winner", c.Winner)
	}
	return nil
}

func (s *Syncer) enqueueSync(ctx context.Context, peerID string, req *protocol.SyncRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("sync: encoding queued payload: %w", err)
	}
	return s.queue.Enqueue(ctx, QueueItem{
		PeerID:  peerID,
		Type:    QueueItemSync,
		Payload: payload,
	})
}

// DrainQueue replays queued operations in order. Items that still fail
// transiently stay queued for the next drain; items that fail permanently
// are dropped with a log line so one poisoned payload cannot wedge the
// queue.
func (s *Syncer) DrainQueue(ctx context.Context) error {
	items, err := s.queue.DequeueBatch(ctx, 0)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	s.log.Info("draining offline queue", "items", len(items))

	var done []string
	for _, item := range items {
		err := s.replay(ctx, item)
		switch {
		case err == nil:
			done = append(done, item.ID)
		case protocol.IsTransient(err):
			s.log.Warn("queued item still failing", "item_id", item.ID, "err", err)
		default:
			s.log.Error("dropping unreplayable queued item", "item_id", item.ID, "type", item.Type, "err", err)
			done = append(done, item.ID)
		}
	}
	return s.queue.MarkProcessed(ctx, done)
}

func (s *Syncer) replay(ctx context.Context, item QueueItem) error {
	peer, err := s.registry.Trusted(item.PeerID)
	if err != nil {
		return err
	}
	switch item.Type {
	case QueueItemSync:
		var req protocol.SyncRequest
		if err := json.Unmarshal(item.Payload, &req); err != nil {
			return fmt.Errorf("sync: decoding queued payload: %w", err)
		}
		return s.push(ctx, peer, &req)
	case QueueItemTelemetry:
		var events []protocol.TelemetryEvent
		if err := json.Unmarshal(item.Payload, &events); err != nil {
			return fmt.Errorf("sync: decoding queued telemetry: %w", err)
		}
		return s.sender.SendTelemetry(ctx, peer, events)
	default:
		return fmt.Errorf("sync: unknown queue item type %q", item.Type)
	}
}

// Run drives the outbound sync loop for every trusted peer until ctx is
// cancelled. A reconnect triggers an immediate queue drain.
func (s *Syncer) Run(ctx context.Context) {
	if s.monitor != nil {
		s.monitor.OnChange(func(online bool) {
			if online {
				if err := s.DrainQueue(ctx); err != nil {
					s.log.Error("queue drain failed", "err", err)
				}
			}
		})
		// The monitor may already have come online before the callback
		// registration; that transition will not fire it.
		if s.monitor.Online() {
			if err := s.DrainQueue(ctx); err != nil {
				s.log.Error("queue drain failed", "err", err)
			}
		}
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			peers, err := s.registry.TrustedPeers()
			if err != nil {
				s.log.Error("listing trusted peers failed", "err", err)
				continue
			}
			for _, peer := range peers {
				if err := s.SyncOnce(ctx, peer.PeerID); err != nil {
					s.log.Warn("sync cycle failed", "peer_id", peer.PeerID, "err", err)
				}
			}
		}
	}
}
