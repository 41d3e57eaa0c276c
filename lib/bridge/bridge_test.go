package bridge

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/oxideterm/core/lib/wire"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s, err := New(Config{})
	require.NoError(t, err)
	url, err := s.Start()
	require.NoError(t, err)
	return s, url
}

func dialAndHandshake(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	hs, _ := json.Marshal(map[string]string{"type": "handshake", "token": token})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, hs))
	return conn
}

func TestHandshakeAndFrameExchange(t *testing.T) {
	s, url := startServer(t)
	ep := s.NewEndpoint()
	token, err := s.IssueToken("sess-1", ep)
	require.NoError(t, err)

	conn := dialAndHandshake(t, url, token)
	defer conn.Close()

	// UI -> backend input.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.TypeDataToRemote, []byte("whoami\n"))))
	select {
	case b := <-ep.ToRemote:
		require.Equal(t, []byte("whoami\n"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("input frame not delivered")
	}

	// Backend -> UI output.
	ep.FromRemote <- []byte("root\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	frame, _, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.TypeDataFromRemote, frame.Type)
	require.Equal(t, []byte("root\n"), frame.Payload)
}

func TestResizeFrameRouted(t *testing.T) {
	s, url := startServer(t)
	ep := s.NewEndpoint()
	token, err := s.IssueToken("sess-1", ep)
	require.NoError(t, err)

	conn := dialAndHandshake(t, url, token)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.EncodeResize(132, 43)))
	select {
	case rp := <-ep.Resize:
		require.EqualValues(t, 132, rp.Cols)
		require.EqualValues(t, 43, rp.Rows)
	case <-time.After(2 * time.Second):
		t.Fatal("resize frame not delivered")
	}
}

func TestTokenIsSingleUse(t *testing.T) {
	s, url := startServer(t)
	ep := s.NewEndpoint()
	token, err := s.IssueToken("sess-1", ep)
	require.NoError(t, err)

	conn := dialAndHandshake(t, url, token)
	defer conn.Close()
	// Prove the first handshake succeeded before replaying the token.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.TypeDataToRemote, []byte("x"))))
	<-ep.ToRemote

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer second.Close()
	hs, _ := json.Marshal(map[string]string{"type": "handshake", "token": token})
	require.NoError(t, second.WriteMessage(websocket.TextMessage, hs))

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
}

func TestBadHandshakeRejected(t *testing.T) {
	s, url := startServer(t)
	ep := s.NewEndpoint()
	_, err := s.IssueToken("sess-1", ep)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Binary garbage instead of the handshake control message.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestIssueTokenBeforeStart(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)

	_, err = s.IssueToken("sess-1", s.NewEndpoint())
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestEndpointBufferBoundedByBacklog(t *testing.T) {
	ep := NewEndpoint(DefaultBacklogBytes)
	require.Equal(t, int(DefaultBacklogBytes/MaxChunk), cap(ep.FromRemote))
	require.Equal(t, int(DefaultBacklogBytes/MaxChunk), cap(ep.ToRemote))

	// A backlog smaller than one chunk still admits a single element.
	tiny := NewEndpoint(100)
	require.Equal(t, 1, cap(tiny.FromRemote))
}

func TestOversizedInboundFrameIsChunked(t *testing.T) {
	s, url := startServer(t)
	ep := s.NewEndpoint()
	token, err := s.IssueToken("sess-1", ep)
	require.NoError(t, err)

	conn := dialAndHandshake(t, url, token)
	defer conn.Close()

	payload := make([]byte, MaxChunk+1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.TypeDataToRemote, payload)))

	var got []byte
	for len(got) < len(payload) {
		select {
		case b := <-ep.ToRemote:
			require.LessOrEqual(t, len(b), MaxChunk)
			got = append(got, b...)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d bytes delivered", len(got), len(payload))
		}
	}
	require.Equal(t, payload, got)
}

func TestTokenExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := newTokenStore(clock)

	token := store.issue(tokenEntry{sessionID: "sess-1"}, time.Minute)
	clock.Advance(2 * time.Minute)
	_, ok := store.take(token)
	require.False(t, ok)
}

func TestTokenSingleUseInStore(t *testing.T) {
	store := newTokenStore(clockwork.NewFakeClock())
	token := store.issue(tokenEntry{sessionID: "sess-1"}, time.Minute)

	_, ok := store.take(token)
	require.True(t, ok)
	_, ok = store.take(token)
	require.False(t, ok)
}

func TestCloseFrameEndsSession(t *testing.T) {
	s, url := startServer(t)
	ep := s.NewEndpoint()
	token, err := s.IssueToken("sess-1", ep)
	require.NoError(t, err)

	conn := dialAndHandshake(t, url, token)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.TypeClose, nil)))

	select {
	case <-ep.Closed:
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint not closed")
	}
}
