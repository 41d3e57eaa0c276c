// Package bridge is the local, token-authenticated WebSocket endpoint
// carrying binary terminal I/O frames between the UI and a session,
// bypassing the JSON IPC surface on the hot path. One server on an ephemeral
// loopback port serves every session, routed by single-use token.
package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/oxideterm/core/lib/oxerr"
	"github.com/oxideterm/core/lib/wire"
)

// Backlog and token defaults.
const (
	DefaultBacklogBytes = 1 << 20 // 1 MiB
	DefaultTokenTTL     = 60 * time.Second
)

// MaxChunk caps the size of one element on an Endpoint's data channels. The
// per-direction byte bound is enforced by sizing those channels in MaxChunk
// units, so producers must never send a larger slice: the session registry
// reads in MaxChunk buffers, and the inbound pump splits oversized UI frames.
const MaxChunk = 32 * 1024

// Endpoint is the session-side conduit a Bridge pumps bytes through. The
// Session Registry owns one Endpoint per terminal; the Bridge never touches
// the PTY or SSH channel directly.
type Endpoint struct {
	// FromRemote carries bytes arriving from the PTY/SSH channel, to be sent
	// to the UI as type=data-from-remote frames. The Session Registry's
	// reader goroutine is the sole writer; once backlogBytes worth of chunks
	// are outstanding the send blocks, pausing upstream reads until the
	// consumer drains.
	FromRemote chan []byte
	// ToRemote carries bytes the UI sent (type=data-to-remote), for the
	// Session Registry to deliver to the PTY/SSH channel in arrival order.
	ToRemote chan []byte
	// Resize carries type=resize frames.
	Resize chan wire.ResizePayload
	// Notices carries out-of-band JSON control messages from the backend to
	// the UI (e.g. a soft "reattach" notice after a reconnect re-opened the
	// underlying channel while the WebSocket stayed up). Sent as text frames,
	// never interleaved into the binary stream.
	Notices chan []byte
	// Closed is closed once the bridge connection ends (client close frame
	// or socket error), signalling the Session Registry to tear the session
	// down if appropriate.
	Closed chan struct{}

	closeOnce sync.Once
}

// NewEndpoint constructs an Endpoint whose per-direction buffers hold at
// most backlogBytes: each data channel is sized in MaxChunk units, and no
// element ever exceeds MaxChunk, so outstanding bytes per direction stay
// within the bound.
func NewEndpoint(backlogBytes int64) *Endpoint {
	if backlogBytes <= 0 {
		backlogBytes = DefaultBacklogBytes
	}
	slots := int(backlogBytes / MaxChunk)
	if slots < 1 {
		slots = 1
	}
	return &Endpoint{
		FromRemote: make(chan []byte, slots),
		ToRemote:   make(chan []byte, slots),
		Resize:     make(chan wire.ResizePayload, 4),
		Notices:    make(chan []byte, 4),
		Closed:     make(chan struct{}),
	}
}

// NewEndpoint constructs an Endpoint bounded by the server's configured
// backlog.
func (s *Server) NewEndpoint() *Endpoint {
	return NewEndpoint(s.cfg.BacklogBytes)
}

func (e *Endpoint) markClosed() {
	e.closeOnce.Do(func() { close(e.Closed) })
}

// Config configures a Server.
type Config struct {
	// Host is the bind address; always loopback.
	Host string
	// BacklogBytes bounds outstanding bytes per direction per session.
	BacklogBytes int64
	// TokenTTL is how long an issued, unused token remains valid.
	TokenTTL time.Duration
	Clock    clockwork.Clock
	Log      *logrus.Entry
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.BacklogBytes <= 0 {
		c.BacklogBytes = DefaultBacklogBytes
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "bridge")
	}
	return nil
}

// tokenEntry pairs a session with the single-use token guarding it.
type tokenEntry struct {
	sessionID string
	endpoint  *Endpoint
	expiresAt time.Time
}

// tokenStore holds issued-but-unused tokens. Expiry is enforced on access
// and stale entries are swept opportunistically on Issue, so no background
// goroutine is needed for what is always a handful of live entries.
type tokenStore struct {
	clock clockwork.Clock
	mu    sync.Mutex
	m     map[string]tokenEntry
}

func newTokenStore(clock clockwork.Clock) *tokenStore {
	return &tokenStore{clock: clock, m: make(map[string]tokenEntry)}
}

func (s *tokenStore) issue(entry tokenEntry, ttl time.Duration) string {
	token := uuid.NewString()
	now := s.clock.Now()
	entry.expiresAt = now.Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		if now.After(v.expiresAt) {
			delete(s.m, k)
		}
	}
	s.m[token] = entry
	return token
}

// take consumes a token: a hit removes the entry so the token is single-use.
func (s *tokenStore) take(token string) (tokenEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.m[token]
	if !ok {
		return tokenEntry{}, false
	}
	delete(s.m, token)
	if s.clock.Now().After(entry.expiresAt) {
		return tokenEntry{}, false
	}
	return entry, true
}

func (s *tokenStore) revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, token)
}

// Server is the local WebSocket endpoint. One Server instance is shared by
// every Session; each session gets its own ephemeral token and is routed by
// it, not by a per-session listener, keeping file-descriptor use flat
// regardless of terminal count.
type Server struct {
	cfg Config

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	tokens   *tokenStore

	upgrader websocket.Upgrader
}

// New constructs a Server bound to an ephemeral loopback port but does not
// start accepting connections until Start is called.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	s := &Server{
		cfg:    cfg,
		tokens: newTokenStore(cfg.Clock),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  MaxChunk,
			WriteBufferSize: MaxChunk,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	return s, nil
}

// Start binds the listener and begins serving in the background. It returns
// the base ws:// URL new sessions should be told to connect to.
func (s *Server) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, "0"))
	if err != nil {
		return "", trace.Wrap(err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", s.handleWS)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.cfg.Log.WithError(err).Warn("bridge server stopped serving")
		}
	}()

	return "ws://" + ln.Addr().String() + "/bridge", nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return trace.Wrap(srv.Shutdown(ctx))
}

// IssueToken mints a fresh single-use token for a session's Endpoint. The
// token expires after cfg.TokenTTL if unused, or after one successful
// handshake.
func (s *Server) IssueToken(sessionID string, ep *Endpoint) (string, error) {
	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return "", ErrNotStarted
	}
	return s.tokens.issue(tokenEntry{sessionID: sessionID, endpoint: ep}, s.cfg.TokenTTL), nil
}

// RevokeToken invalidates a token before use, e.g. if the session closes
// before the UI ever connects.
func (s *Server) RevokeToken(token string) {
	s.tokens.revoke(token)
}

// handshakeFrame is the out-of-band JSON control message the first WS frame
// must carry. It precedes the binary wire.Frame protocol.
type handshakeFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	mt, data, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		conn.WriteControl(websocket.ClosePolicyViolation, []byte("handshake required"), s.cfg.Clock.Now().Add(time.Second))
		return
	}

	var hs handshakeFrame
	if err := unmarshalHandshake(data, &hs); err != nil || hs.Type != "handshake" {
		conn.WriteControl(websocket.ClosePolicyViolation, []byte("malformed handshake"), s.cfg.Clock.Now().Add(time.Second))
		return
	}

	entry, ok := s.tokens.take(hs.Token)
	if !ok {
		// Reject the connection but keep the session alive, so a legitimate
		// client can retry with a token from recreate_terminal_pty.
		conn.WriteControl(websocket.ClosePolicyViolation, []byte("invalid or expired token"), s.cfg.Clock.Now().Add(time.Second))
		return
	}
	s.pump(conn, entry.endpoint)
}

func (s *Server) pump(conn *websocket.Conn, ep *Endpoint) {
	defer ep.markClosed()

	done := make(chan struct{})
	var once sync.Once
	closeDone := func() { once.Do(func() { close(done) }) }

	// Outbound: Endpoint.FromRemote -> ws binary frames, plus Resize acks are
	// not sent outbound (resize is UI -> backend only).
	go func() {
		defer closeDone()
		for {
			select {
			case <-done:
				return
			case b, ok := <-ep.FromRemote:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.TypeDataFromRemote, b)); err != nil {
					return
				}
			case n, ok := <-ep.Notices:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, n); err != nil {
					return
				}
			}
		}
	}()

	// Inbound: ws binary frames -> Endpoint.ToRemote / Resize / Closed.
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			closeDone()
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, _, err := wire.Decode(data)
		if err != nil {
			continue
		}
		switch frame.Type {
		case wire.TypeDataToRemote:
			// Split so no single element busts the MaxChunk contract the
			// byte bound is built on.
			payload := frame.Payload
			for len(payload) > 0 {
				chunk := payload
				if len(chunk) > MaxChunk {
					chunk = payload[:MaxChunk]
				}
				payload = payload[len(chunk):]
				select {
				case ep.ToRemote <- chunk:
				case <-done:
					return
				}
			}
		case wire.TypeResize:
			rp, err := wire.DecodeResize(frame.Payload)
			if err == nil {
				select {
				case ep.Resize <- rp:
				default:
				}
			}
		case wire.TypeClose:
			closeDone()
			return
		}
	}
}

func unmarshalHandshake(data []byte, hs *handshakeFrame) error {
	return json.Unmarshal(data, hs)
}

// ErrNotStarted is returned to callers that try to issue tokens before Start.
var ErrNotStarted = oxerr.New(oxerr.Internal, nil, "bridge server not started")
