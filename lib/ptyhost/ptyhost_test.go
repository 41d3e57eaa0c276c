//go:build !noptyhost

package ptyhost

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.NotEmpty(t, cfg.Shell)
	require.NotZero(t, cfg.Cols)
	require.NotZero(t, cfg.Rows)
}

func TestShellEchoRoundTrip(t *testing.T) {
	p, err := Start(Config{Shell: "/bin/sh", Cols: 80, Rows: 24})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Write([]byte("echo oxide_$((40+2))\n"))
	require.NoError(t, err)

	var out bytes.Buffer
	deadline := time.Now().Add(10 * time.Second)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if err != nil {
			break
		}
		out.Write(buf[:n])
		if bytes.Contains(out.Bytes(), []byte("oxide_42")) {
			return
		}
	}
	t.Fatalf("expected shell output, got %q", out.String())
}

func TestResize(t *testing.T) {
	p, err := Start(Config{Shell: "/bin/sh"})
	require.NoError(t, err)
	defer p.Close()
	require.NoError(t, p.Resize(132, 43))
}

func TestCloseIsIdempotent(t *testing.T) {
	p, err := Start(Config{Shell: "/bin/sh"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}
