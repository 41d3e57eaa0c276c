package forward

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/sshreg"
)

func newManager(t *testing.T, bus *events.Bus) *Manager {
	t.Helper()
	reg, err := sshreg.New(sshreg.Config{Bus: events.NewBus()})
	require.NoError(t, err)
	m, err := New(Config{Connections: reg, Bus: bus})
	require.NoError(t, err)
	return m
}

func TestSpecValidation(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
		ok   bool
	}{
		{"local ok", Spec{Kind: KindLocal, ListenAddr: "127.0.0.1:0", RemoteHost: "db", RemotePort: 5432}, true},
		{"local missing target", Spec{Kind: KindLocal, ListenAddr: "127.0.0.1:0"}, false},
		{"remote ok", Spec{Kind: KindRemote, RemoteListenPort: 8080, LocalAddr: "127.0.0.1", LocalPort: 3000}, true},
		{"remote missing port", Spec{Kind: KindRemote, LocalAddr: "127.0.0.1", LocalPort: 3000}, false},
		{"dynamic ok", Spec{Kind: KindDynamic, ListenAddr: "127.0.0.1:0"}, true},
		{"dynamic missing listen", Spec{Kind: KindDynamic}, false},
		{"unknown kind", Spec{Kind: "weird"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.check()
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestSOCKSNegotiateIPv4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		host string
		port int
		err  error
	}
	got := make(chan result, 1)
	go func() {
		h, p, err := negotiateSOCKS(server)
		got <- result{h, p, err}
	}()

	// Greeting: version 5, one method, NO AUTH.
	_, err := client.Write([]byte{0x05, 0x01, 0x00})
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, reply)

	// CONNECT to 10.1.2.3:443.
	req := []byte{0x05, 0x01, 0x00, 0x01, 10, 1, 2, 3}
	req = binary.BigEndian.AppendUint16(req, 443)
	_, err = client.Write(req)
	require.NoError(t, err)

	r := <-got
	require.NoError(t, r.err)
	require.Equal(t, "10.1.2.3", r.host)
	require.Equal(t, 443, r.port)
}

func TestSOCKSNegotiateDomain(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		host string
		port int
		err  error
	}
	got := make(chan result, 1)
	go func() {
		h, p, err := negotiateSOCKS(server)
		got <- result{h, p, err}
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(client, make([]byte, 2))

	name := "example.com"
	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(name))}
	req = append(req, name...)
	req = binary.BigEndian.AppendUint16(req, 80)
	client.Write(req)

	r := <-got
	require.NoError(t, r.err)
	require.Equal(t, "example.com", r.host)
	require.Equal(t, 80, r.port)
}

func TestSOCKSRejectsBind(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := negotiateSOCKS(server)
		errCh <- err
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(client, make([]byte, 2))

	// BIND command.
	client.Write([]byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 80})

	reply := make([]byte, 10)
	_, err := io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socksReplyCmdNotSupported), reply[1])
	require.Error(t, <-errCh)
}

func TestSOCKSRejectsNoAcceptableMethod(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		_, _, err := negotiateSOCKS(server)
		errCh <- err
	}()

	// Offers only GSSAPI.
	client.Write([]byte{0x05, 0x01, 0x01})
	reply := make([]byte, 2)
	_, err := io.ReadFull(client, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socksMethodUnacceptable), reply[1])
	require.Error(t, <-errCh)
}

// fakeChannel adapts an in-memory duplex pipe to ssh.Channel so flow tasks
// can be exercised without a transport.
type fakeChannel struct {
	r io.ReadCloser
	w io.WriteCloser
}

func newFakeChannel() (local *fakeChannel, remote *fakeChannel) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	return &fakeChannel{r: ar, w: bw}, &fakeChannel{r: br, w: aw}
}

func (c *fakeChannel) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *fakeChannel) Write(b []byte) (int, error) { return c.w.Write(b) }
func (c *fakeChannel) Close() error {
	c.r.Close()
	return c.w.Close()
}
func (c *fakeChannel) CloseWrite() error { return c.w.Close() }
func (c *fakeChannel) SendRequest(string, bool, []byte) (bool, error) {
	return false, nil
}
func (c *fakeChannel) Stderr() io.ReadWriter { return nil }

var _ ssh.Channel = (*fakeChannel)(nil)

func startTestFlow(t *testing.T, m *Manager, fwd *Forward) (client net.Conn, far *fakeChannel) {
	t.Helper()
	client, local := net.Pipe()
	near, far := newFakeChannel()
	m.startFlow(fwd, local, near)
	return client, far
}

func TestFlowProxiesAndReportsDeath(t *testing.T) {
	bus := events.NewBus()
	sub, unsub := bus.Subscribe(16)
	defer unsub()

	m := newManager(t, bus)
	fwd := &Forward{ID: "f1", Spec: Spec{Kind: KindLocal}, flows: make(map[string]*flow)}

	client, far := startTestFlow(t, m, fwd)

	// Client -> channel.
	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(far, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	// Channel -> client.
	_, err = far.Write([]byte("pong!"))
	require.NoError(t, err)
	buf = make([]byte, 5)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "pong!", string(buf))

	client.Close()
	far.Close()

	select {
	case ev := <-sub:
		ended, ok := ev.(events.ForwardFlowEnded)
		require.True(t, ok)
		require.Equal(t, "f1", ended.ForwardID)
		require.EqualValues(t, 5, ended.BytesIn)
		require.EqualValues(t, 4, ended.BytesOut)
		require.NotEmpty(t, ended.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("no ForwardFlowEnded event")
	}
}

func TestFlowIsolation(t *testing.T) {
	bus := events.NewBus()
	m := newManager(t, bus)
	fwd := &Forward{ID: "f1", Spec: Spec{Kind: KindLocal}, flows: make(map[string]*flow)}

	client1, far1 := startTestFlow(t, m, fwd)
	client2, far2 := startTestFlow(t, m, fwd)
	defer client2.Close()
	defer far2.Close()

	// Kill flow 1.
	client1.Close()
	far1.Close()

	// Flow 2 still proxies both ways.
	_, err := client2.Write([]byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(far2, buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf))

	_, err = far2.Write([]byte("yo"))
	require.NoError(t, err)
	_, err = io.ReadFull(client2, buf)
	require.NoError(t, err)
	require.Equal(t, "yo", string(buf))
}

func TestSuspendedListenerRefusesFlows(t *testing.T) {
	m := newManager(t, events.NewBus())
	fwd := &Forward{
		ID:    "f1",
		Spec:  Spec{Kind: KindDynamic, ListenAddr: "127.0.0.1:0"},
		state: StateSuspended,
		flows: make(map[string]*flow),
	}
	require.NoError(t, m.armDynamic(context.Background(), context.Background(), fwd))
	defer fwd.listener.Close()

	conn, err := net.Dial("tcp", fwd.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// The accept loop closes suspended flows immediately; the read observes
	// EOF rather than a SOCKS greeting reply.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte{0x05, 0x01, 0x00})
	_, err = conn.Read(make([]byte, 2))
	require.Error(t, err)
}
