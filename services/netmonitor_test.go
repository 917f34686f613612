package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.uber.org/atomic"
)

func TestNetworkMonitorTransitions(t *testing.T) {
	ctx := context.Background()
	up := atomic.NewBool(false)
	m := NewNetworkMonitor(func(context.Context) bool { return up.Load() }, time.Hour, testLogger())

	var transitions []bool
	m.OnChange(func(online bool) { transitions = append(transitions, online) })

	require.False(t, m.Online())
	require.False(t, m.CheckNow(ctx))
	require.Empty(t, transitions)

	up.Store(true)
	require.True(t, m.CheckNow(ctx))
	require.True(t, m.Online())

	// Steady state does not re-fire the callback.
	require.True(t, m.CheckNow(ctx))

	up.Store(false)
	require.False(t, m.CheckNow(ctx))

	require.Equal(t, []bool{true, false}, transitions)
}

func TestNetworkMonitorOnChangeWhileRunning(t *testing.T) {
	up := atomic.NewBool(false)
	m := NewNetworkMonitor(func(context.Context) bool { return up.Load() }, time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Registering after Run has started must be safe and must still see
	// later transitions.
	fired := atomic.NewBool(false)
	m.OnChange(func(online bool) {
		if online {
			fired.Store(true)
		}
	})

	up.Store(true)
	require.Eventually(t, fired.Load, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestNetworkMonitorRunStopsOnCancel(t *testing.T) {
	m := NewNetworkMonitor(func(context.Context) bool { return true }, time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, m.Online, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
