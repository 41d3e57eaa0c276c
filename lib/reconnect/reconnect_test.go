package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxideterm/core/lib/bridge"
	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/forward"
	"github.com/oxideterm/core/lib/noderouter"
	"github.com/oxideterm/core/lib/session"
	"github.com/oxideterm/core/lib/sshreg"
)

func newOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()

	bus := events.NewBus()
	conns, err := sshreg.New(sshreg.Config{Bus: bus})
	require.NoError(t, err)
	router, err := noderouter.New(noderouter.Config{Bus: bus})
	require.NoError(t, err)
	bridgeSrv, err := bridge.New(bridge.Config{})
	require.NoError(t, err)
	_, err = bridgeSrv.Start()
	require.NoError(t, err)
	sessions, err := session.New(session.Config{Connections: conns, Bridge: bridgeSrv})
	require.NoError(t, err)
	forwards, err := forward.New(forward.Config{Connections: conns, Bus: bus})
	require.NoError(t, err)

	o, err := New(Config{
		Connections: conns,
		Router:      router,
		Sessions:    sessions,
		Forwards:    forwards,
		Bus:         bus,
	})
	require.NoError(t, err)
	return o
}

func TestDefaultsPinned(t *testing.T) {
	o := newOrchestrator(t)
	require.Equal(t, 5, o.cfg.MaxAttempts)
	require.Equal(t, 1*time.Second, o.cfg.RetryInitial)
	require.Equal(t, 30*time.Second, o.cfg.RetryMax)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 1000; i++ {
		d := jitter(base)
		require.GreaterOrEqual(t, d, 8*time.Second)
		require.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestCancelUnknownConnectionIsNoop(t *testing.T) {
	o := newOrchestrator(t)
	o.Cancel("never-seen")
}

func TestSingleInstancePerConnection(t *testing.T) {
	o := newOrchestrator(t)

	// Simulate an in-flight run by occupying the guard directly; a second Run
	// for the same connection must refuse immediately.
	o.mu.Lock()
	o.inflight["conn-1"] = func() {}
	o.mu.Unlock()

	err := o.Run(context.Background(), "conn-1", "node-1")
	require.Error(t, err)
}
