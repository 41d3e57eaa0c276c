package sftppool

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/oxerr"
	"github.com/oxideterm/core/lib/sshreg"
)

func newPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Connections == nil {
		reg, err := sshreg.New(sshreg.Config{Bus: events.NewBus()})
		require.NoError(t, err)
		cfg.Connections = reg
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestDefaultsPinned(t *testing.T) {
	p := newPool(t, Config{})
	require.Equal(t, 3, p.cfg.MaxConcurrentTransfers)
	require.Equal(t, 60*time.Second, p.cfg.ControlTimeout)
	require.Equal(t, 30*time.Second, p.cfg.StreamIdleTimeout)
	require.Nil(t, p.limiter)
}

func TestSpeedLimitToggle(t *testing.T) {
	p := newPool(t, Config{})
	p.SetSpeedLimit(1024)
	require.NotNil(t, p.limiter)
	p.SetSpeedLimit(0)
	require.Nil(t, p.limiter)
}

func TestCopyStreamMovesBytesAndReportsProgress(t *testing.T) {
	bus := events.NewBus()
	sub, unsub := bus.Subscribe(64)
	defer unsub()

	p := newPool(t, Config{Bus: bus})

	payload := bytes.Repeat([]byte("x"), 300*1024)
	var dst bytes.Buffer
	n, err := p.copyStream(context.Background(), &dst, bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	require.EqualValues(t, len(payload), n)
	require.Equal(t, payload, dst.Bytes())

	// At minimum the completion event fires.
	select {
	case ev := <-sub:
		progress, ok := ev.(events.SftpProgress)
		require.True(t, ok)
		require.EqualValues(t, len(payload), progress.TotalBytes)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress event")
	}
}

func TestCopyStreamHonorsCancellation(t *testing.T) {
	p := newPool(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var dst bytes.Buffer
	_, err := p.copyStream(ctx, &dst, bytes.NewReader([]byte("data")), 4)
	require.True(t, oxerr.Is(err, oxerr.Cancelled))
}

// stalledReader blocks forever, standing in for a wedged SFTP channel.
type stalledReader struct{}

func (stalledReader) Read([]byte) (int, error) {
	select {}
}

func TestCopyStreamIdleWatchdog(t *testing.T) {
	p := newPool(t, Config{StreamIdleTimeout: 50 * time.Millisecond})

	var dst bytes.Buffer
	_, err := p.copyStream(context.Background(), &dst, stalledReader{}, 0)
	require.True(t, oxerr.Is(err, oxerr.IO))
}

func TestControlUnknownConnection(t *testing.T) {
	p := newPool(t, Config{})
	_, err := p.Stat(context.Background(), "missing", "/tmp")
	require.Error(t, err)
}

func TestDropUnknownConnectionIsNoop(t *testing.T) {
	p := newPool(t, Config{})
	p.Drop("missing")
}

// slowReader yields one byte per read so the limiter has boundaries to
// throttle on.
type slowReader struct {
	remaining int
}

func (s *slowReader) Read(b []byte) (int, error) {
	if s.remaining == 0 {
		return 0, io.EOF
	}
	s.remaining--
	b[0] = 'y'
	return 1, nil
}

func TestCopyStreamAppliesSpeedLimit(t *testing.T) {
	p := newPool(t, Config{SpeedLimitBps: 64})

	start := time.Now()
	var dst bytes.Buffer
	n, err := p.copyStream(context.Background(), &dst, &slowReader{remaining: 96}, 96)
	require.NoError(t, err)
	require.EqualValues(t, 96, n)
	// 96 bytes at 64 B/s with a 64-byte burst needs at least ~0.5s.
	require.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}
