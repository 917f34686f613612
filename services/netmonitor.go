package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ProbeFunc reports whether the peer is currently reachable. Probes should
// be cheap; the monitor calls them on every interval tick.
type ProbeFunc func(ctx context.Context) bool

// NetworkMonitor tracks peer reachability. Sync work consults Online and
// skips network sends while the peer is down; transitions are logged and
// surfaced through OnChange.
type NetworkMonitor struct {
	probe    ProbeFunc
	interval time.Duration
	log      *slog.Logger

	online *atomic.Bool

	mu       sync.Mutex
	onChange func(online bool)
}

// NewNetworkMonitor creates a monitor that assumes the peer is offline until
// the first successful probe.
func NewNetworkMonitor(probe ProbeFunc, interval time.Duration, log *slog.Logger) *NetworkMonitor {
	if log == nil {
		log = slog.Default()
	}
	return &NetworkMonitor{
		probe:    probe,
		interval: interval,
		log:      log,
		online:   atomic.NewBool(false),
	}
}

// OnChange registers a callback invoked on every connectivity transition.
// Safe to call while Run is probing; the callback sees transitions observed
// after registration.
func (m *NetworkMonitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Online reports the last observed connectivity state.
func (m *NetworkMonitor) Online() bool {
	return m.online.Load()
}

// CheckNow probes immediately and updates the state.
func (m *NetworkMonitor) CheckNow(ctx context.Context) bool {
	now := m.probe(ctx)
	prev := m.online.Swap(now)
	if prev != now {
		if now {
			m.log.Info("peer reachable")
		} else {
			m.log.Warn("peer unreachable")
		}
		m.mu.Lock()
		fn := m.onChange
		m.mu.Unlock()
		if fn != nil {
			fn(now)
		}
	}
	return now
}

// Run probes on the configured interval until ctx is cancelled.
func (m *NetworkMonitor) Run(ctx context.Context) {
	m.CheckNow(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}
