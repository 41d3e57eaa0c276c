package sshreg

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/lib/events"
)

// testServer is a minimal loopback SSH server used to exercise the Registry
// without a real network dependency; each test spins up a throwaway
// ssh.ServerConfig of its own.
type testServer struct {
	listener   net.Listener
	hostSigner ssh.Signer
	handshakes int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromSigner(priv)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{listener: ln, hostSigner: signer}
	go s.serve(t)
	return s
}

func (s *testServer) addr() string { return s.listener.Addr().String() }

func (s *testServer) serve(t *testing.T) {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	cfg.AddHostKey(s.hostSigner)

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		atomic.AddInt32(&s.handshakes, 1)
		go func() {
			sc, chans, reqs, err := ssh.NewServerConn(nc, cfg)
			if err != nil {
				return
			}
			go ssh.DiscardRequests(reqs)
			go func() {
				for newCh := range chans {
					newCh.Reject(ssh.UnknownChannelType, "unsupported")
				}
			}()
			_ = sc
		}()
	}
}

func (s *testServer) close() { s.listener.Close() }

func testSpec(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(Config{Bus: events.NewBus()})
	require.NoError(t, err)
	return reg
}

func connectSpec(addr string) ConnectSpec {
	host, port := testSpec(addr)
	return ConnectSpec{
		Host:        host,
		Port:        port,
		Username:    "alice",
		Auth:        []ssh.AuthMethod{ssh.Password("anything")},
		AuthClass:   AuthClassPassword,
		KeyOrCredID: "cred-1",
	}
}

func TestConnectReuse(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	reg := newRegistry(t)
	spec := connectSpec(srv.addr())

	id1, err := reg.Connect(context.Background(), spec)
	require.NoError(t, err)

	id2, err := reg.Connect(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	snap, err := reg.Snapshot(id1)
	require.NoError(t, err)
	require.Equal(t, 2, snap.RefCount)
	require.EqualValues(t, 1, atomic.LoadInt32(&srv.handshakes))
}

func TestConnectConcurrentCoalesces(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	reg := newRegistry(t)
	spec := connectSpec(srv.addr())

	const n = 10
	ids := make([]string, n)
	errs := make([]error, n)
	done := make(chan int, n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			ids[i], errs[i] = reg.Connect(context.Background(), spec)
			done <- i
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&srv.handshakes))

	snap, err := reg.Snapshot(ids[0])
	require.NoError(t, err)
	require.Equal(t, n, snap.RefCount)
}

func TestDifferentFingerprintDoesNotReuse(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	reg := newRegistry(t)
	spec1 := connectSpec(srv.addr())
	spec2 := spec1
	spec2.KeyOrCredID = "cred-2"

	id1, err := reg.Connect(context.Background(), spec1)
	require.NoError(t, err)
	id2, err := reg.Connect(context.Background(), spec2)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestDisconnectRefCounting(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	reg := newRegistry(t)
	spec := connectSpec(srv.addr())

	id, err := reg.Connect(context.Background(), spec)
	require.NoError(t, err)
	_, err = reg.Connect(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, reg.Disconnect(id))
	snap, err := reg.Snapshot(id)
	require.NoError(t, err)
	require.Equal(t, 1, snap.RefCount)
	require.Equal(t, StateActive, snap.State)

	require.NoError(t, reg.Disconnect(id))
	snap, err = reg.Snapshot(id)
	require.NoError(t, err)
	require.Equal(t, 0, snap.RefCount)
	require.Equal(t, StateIdle, snap.State)
}

func TestSetKeepAlivePinsRegardlessOfRefCount(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	reg := newRegistry(t)
	spec := connectSpec(srv.addr())

	id, err := reg.Connect(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, reg.SetKeepAlive(id, true))
	require.NoError(t, reg.Disconnect(id))

	snap, err := reg.Snapshot(id)
	require.NoError(t, err)
	require.Equal(t, StateActive, snap.State)
}

func TestGetHandleUnknownConnection(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.GetHandle("nope")
	require.Error(t, err)
}

func TestGlobalRequestRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	defer srv.close()

	reg := newRegistry(t)
	spec := connectSpec(srv.addr())

	id, err := reg.Connect(context.Background(), spec)
	require.NoError(t, err)

	h, err := reg.GetHandle(id)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = h.GlobalRequest(ctx, "unknown@oxideterm.dev", true, nil)
	require.NoError(t, err)
}
