package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestDefaultsPinned(t *testing.T) {
	var cfg Config
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	require.Equal(t, 10*time.Second, cfg.KeepAliveTimeout)
	require.Equal(t, 3, cfg.FailureThreshold)
}

func TestLinkDownAfterThreeFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var pingCalls int32
	var downs int32

	tr, err := New("conn-1", Config{
		Clock:             clock,
		HeartbeatInterval: time.Second,
		FailureThreshold:  3,
		Ping: func(ctx context.Context) (time.Duration, error) {
			atomic.AddInt32(&pingCalls, 1)
			return 0, context.DeadlineExceeded
		},
		OnLinkDown: func() { atomic.AddInt32(&downs, 1) },
	})
	require.NoError(t, err)
	defer tr.Stop()

	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(time.Second)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&downs) == 1 }, time.Second, time.Millisecond)
	require.True(t, tr.LinkDown())
}

func TestResetClearsLinkDown(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, err := New("conn-2", Config{
		Clock:            clock,
		FailureThreshold: 1,
		Ping: func(ctx context.Context) (time.Duration, error) {
			return 0, context.DeadlineExceeded
		},
	})
	require.NoError(t, err)
	defer tr.Stop()

	clock.BlockUntil(1)
	clock.Advance(DefaultHeartbeatInterval)
	require.Eventually(t, func() bool { return tr.LinkDown() }, time.Second, time.Millisecond)

	tr.Reset()
	require.False(t, tr.LinkDown())
}

func TestIdleTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, err := New("conn-3", Config{Clock: clock, IdleTimeout: time.Minute})
	require.NoError(t, err)
	defer tr.Stop()

	require.False(t, tr.IsIdleTimedOut())
	clock.Advance(2 * time.Minute)
	require.True(t, tr.IsIdleTimedOut())

	tr.Touch()
	require.False(t, tr.IsIdleTimedOut())
}
