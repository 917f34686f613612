package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tandemnet/pairsync/protocol"
)

// TelemetryReporter batches session telemetry events and streams them to a
// peer. Events are buffered in a bounded channel; when the buffer is full the
// newest event is dropped rather than blocking the caller.
type TelemetryReporter struct {
	registry *Registry
	sender   SyncSender
	queue    OfflineQueue
	monitor  *NetworkMonitor
	log      *slog.Logger

	peerID   string
	events   chan protocol.TelemetryEvent
	interval time.Duration
}

// NewTelemetryReporter creates a reporter streaming to the given peer.
func NewTelemetryReporter(registry *Registry, sender SyncSender, queue OfflineQueue, monitor *NetworkMonitor, peerID string, interval time.Duration, log *slog.Logger) *TelemetryReporter {
	if log == nil {
		log = slog.Default()
	}
	return &TelemetryReporter{
		registry: registry,
		sender:   sender,
		queue:    queue,
		monitor:  monitor,
		log:      log,
		peerID:   peerID,
		events:   make(chan protocol.TelemetryEvent, 1024),
		interval: interval,
	}
}

// Report buffers one event for the next flush. It never blocks.
func (t *TelemetryReporter) Report(ev protocol.TelemetryEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case t.events <- ev:
	default:
		t.log.Warn("telemetry buffer full, dropping event", "event_type", ev.EventType)
	}
}

// Run flushes buffered events on the configured interval until ctx is
// cancelled, with a final flush on shutdown.
func (t *TelemetryReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.Flush(context.Background())
			return
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Flush drains the buffer and sends one batch. While the peer is offline the
// batch goes to the offline queue instead.
func (t *TelemetryReporter) Flush(ctx context.Context) {
	batch := t.drain()
	if len(batch) == 0 {
		return
	}

	if t.monitor != nil && !t.monitor.Online() {
		t.enqueue(ctx, batch)
		return
	}

	peer, err := t.registry.Trusted(t.peerID)
	if err != nil {
		t.log.Warn("telemetry peer not trusted, dropping batch", "peer_id", t.peerID, "events", len(batch), "err", err)
		return
	}
	if err := t.sender.SendTelemetry(ctx, peer, batch); err != nil {
		if protocol.IsTransient(err) {
			t.enqueue(ctx, batch)
			return
		}
		t.log.Error("telemetry send failed", "peer_id", t.peerID, "events", len(batch), "err", err)
	}
}

func (t *TelemetryReporter) drain() []protocol.TelemetryEvent {
	var batch []protocol.TelemetryEvent
	for {
		select {
		case ev := <-t.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

func (t *TelemetryReporter) enqueue(ctx context.Context, batch []protocol.TelemetryEvent) {
	payload, err := json.Marshal(batch)
	if err != nil {
		t.log.Error("telemetry encode failed", "err", err)
		return
	}
	if err := t.queue.Enqueue(ctx, QueueItem{
		PeerID:  t.peerID,
		Type:    QueueItemTelemetry,
		Payload: payload,
	}); err != nil {
		t.log.Error("telemetry enqueue failed", "err", err)
	}
}
