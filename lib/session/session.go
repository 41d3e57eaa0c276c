// Package session implements the per-terminal session registry: each Session
// owns an interactive SSH channel (or a local PTY), a scroll buffer, and a
// Bridge endpoint the UI streams through. Sessions attach to a physical
// connection through the connection registry's Handle and never touch the
// SSH transport directly.
package session

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/lib/bridge"
	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/oxerr"
	"github.com/oxideterm/core/lib/scrollbuf"
	"github.com/oxideterm/core/lib/sshreg"
)

// Terminal is the byte-stream the session pumps: an interactive SSH channel
// or a local PTY. Both directions are exclusively owned by the session's two
// pump goroutines once handed over.
type Terminal interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
}

// TerminalFactory spawns a local terminal. Wired to the PTY host on builds
// that carry one; nil otherwise, making CreateLocal fail cleanly instead of
// at link time.
type TerminalFactory func(cols, rows uint16) (Terminal, error)

// Descriptor is what the UI needs to open the byte stream for a session.
type Descriptor struct {
	SessionID string `json:"sessionId"`
	WsURL     string `json:"wsUrl"`
	WsToken   string `json:"wsToken"`
}

// State tracks a session's liveness for IPC status views.
type State string

const (
	StateActive State = "active"
	StateFailed State = "failed"
	StateClosed State = "closed"
)

// Session is one terminal. Local PTY sessions have an empty ConnectionID.
type Session struct {
	ID           string
	ConnectionID string
	NodeID       string

	mu          sync.Mutex
	cols, rows  uint16
	state       State
	failReason  string
	term        Terminal
	endpoint    *bridge.Endpoint
	buffer      *scrollbuf.Buffer
	token       string
	pumpCancel  context.CancelFunc
}

// Dims returns the session's current terminal dimensions.
func (s *Session) Dims() (cols, rows uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Buffer exposes the session's scroll buffer for search and persistence.
func (s *Session) Buffer() *scrollbuf.Buffer { return s.buffer }

// Config wires the session registry to its collaborators.
type Config struct {
	Connections *sshreg.Registry
	Bridge      *bridge.Server
	BridgeURL   string
	Bus         *events.Bus
	Clock       clockwork.Clock
	Log         *logrus.Entry
	// LocalTerminals spawns local PTYs; nil when the PTY host is compiled out.
	LocalTerminals TerminalFactory
	// ScrollbackDir, when set, enables persist-on-disconnect: Close writes the
	// session's scroll buffer snapshot there under one file per session.
	ScrollbackDir string
	// ScrollbackCapacity overrides the per-session scroll buffer row capacity.
	ScrollbackCapacity int
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Connections == nil {
		return trace.BadParameter("session: missing connection registry")
	}
	if c.Bridge == nil {
		return trace.BadParameter("session: missing bridge server")
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "session")
	}
	return nil
}

// Registry owns every live Session.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New constructs a session Registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{cfg: cfg, sessions: make(map[string]*Session)}, nil
}

// Create opens an interactive channel on the given connection, requests an
// xterm-256color PTY at the given dimensions plus a shell, and wires the
// channel to a fresh Bridge endpoint.
func (r *Registry) Create(ctx context.Context, connectionID, nodeID string, cols, rows uint16) (Descriptor, error) {
	handle, err := r.cfg.Connections.GetHandle(connectionID)
	if err != nil {
		return Descriptor{}, trace.Wrap(err)
	}

	term, err := openShellChannel(ctx, handle, cols, rows)
	if err != nil {
		return Descriptor{}, trace.Wrap(err)
	}

	sess := &Session{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		NodeID:       nodeID,
		cols:         cols,
		rows:         rows,
		state:        StateActive,
		term:         term,
		endpoint:     r.cfg.Bridge.NewEndpoint(),
		buffer:       scrollbuf.New(r.cfg.ScrollbackCapacity),
	}

	desc, err := r.register(sess)
	if err != nil {
		term.Close()
		return Descriptor{}, trace.Wrap(err)
	}
	r.cfg.Connections.AttachTerminal(connectionID, sess.ID)
	r.cfg.Connections.Ref(connectionID)
	return desc, nil
}

// CreateLocal spawns a local PTY session. Fails with a policy error when the
// build carries no PTY host.
func (r *Registry) CreateLocal(cols, rows uint16) (Descriptor, error) {
	if r.cfg.LocalTerminals == nil {
		return Descriptor{}, oxerr.New(oxerr.Policy, nil, "local terminals are not available in this build")
	}
	term, err := r.cfg.LocalTerminals(cols, rows)
	if err != nil {
		return Descriptor{}, trace.Wrap(err)
	}

	sess := &Session{
		ID:       uuid.NewString(),
		cols:     cols,
		rows:     rows,
		state:    StateActive,
		term:     term,
		endpoint: r.cfg.Bridge.NewEndpoint(),
		buffer:   scrollbuf.New(r.cfg.ScrollbackCapacity),
	}
	desc, err := r.register(sess)
	if err != nil {
		term.Close()
		return Descriptor{}, trace.Wrap(err)
	}
	return desc, nil
}

func (r *Registry) register(sess *Session) (Descriptor, error) {
	token, err := r.cfg.Bridge.IssueToken(sess.ID, sess.endpoint)
	if err != nil {
		return Descriptor{}, trace.Wrap(err)
	}
	sess.token = token

	pumpCtx, cancel := context.WithCancel(context.Background())
	sess.pumpCancel = cancel
	go r.pumpOutput(pumpCtx, sess, sess.term)
	go r.pumpInput(pumpCtx, sess)

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	return Descriptor{SessionID: sess.ID, WsURL: r.cfg.BridgeURL, WsToken: token}, nil
}

// pumpOutput reads terminal output and fans it to the scroll buffer and the
// Bridge endpoint, in arrival order for both. term is pinned at pump start:
// after a reconnect swaps the session's terminal, the old pump must never
// read the new channel, so a fresh pump is started per terminal generation.
// The read buffer is bridge.MaxChunk so every chunk fits the endpoint's
// byte-bounded backlog accounting.
func (r *Registry) pumpOutput(ctx context.Context, sess *Session, term Terminal) {
	buf := make([]byte, bridge.MaxChunk)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := term.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sess.buffer.Write(chunk)
			select {
			case sess.endpoint.FromRemote <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpInput delivers UI input and resize requests to the terminal in
// submission order.
func (r *Registry) pumpInput(ctx context.Context, sess *Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-sess.endpoint.ToRemote:
			if !ok {
				return
			}
			if err := r.Write(sess.ID, b); err != nil {
				return
			}
		case rp, ok := <-sess.endpoint.Resize:
			if !ok {
				return
			}
			r.Resize(sess.ID, rp.Cols, rp.Rows)
		case <-sess.endpoint.Closed:
			return
		}
	}
}

// Write delivers user input bytes to the session's terminal.
func (r *Registry) Write(sessionID string, b []byte) error {
	sess, err := r.get(sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	sess.mu.Lock()
	term := sess.term
	sess.mu.Unlock()
	if term == nil {
		return oxerr.New(oxerr.IO, nil, "session %s has no terminal", sessionID)
	}
	_, err = term.Write(b)
	return trace.Wrap(err)
}

// Resize adjusts the terminal window.
func (r *Registry) Resize(sessionID string, cols, rows uint16) error {
	sess, err := r.get(sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	sess.mu.Lock()
	sess.cols, sess.rows = cols, rows
	term := sess.term
	sess.mu.Unlock()
	if term == nil {
		return nil
	}
	return trace.Wrap(term.Resize(cols, rows))
}

// Close tears a session down: closes the terminal, persists the scroll
// buffer when enabled, detaches from the owning connection, and drops the
// registry entry.
func (r *Registry) Close(sessionID string) error {
	sess, err := r.get(sessionID)
	if err != nil {
		return trace.Wrap(err)
	}

	sess.mu.Lock()
	term := sess.term
	sess.term = nil
	if sess.pumpCancel != nil {
		sess.pumpCancel()
	}
	sess.state = StateClosed
	sess.mu.Unlock()

	if term != nil {
		term.Close()
	}
	r.cfg.Bridge.RevokeToken(sess.token)

	if r.cfg.ScrollbackDir != "" {
		if err := r.persistScrollback(sess); err != nil {
			r.cfg.Log.WithError(err).WithField("session", sessionID).Warn("failed to persist scrollback")
		}
	}

	if sess.ConnectionID != "" {
		r.cfg.Connections.DetachTerminal(sess.ConnectionID, sess.ID)
		r.cfg.Connections.Disconnect(sess.ConnectionID)
	}

	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	return nil
}

// persistScrollback writes the buffer snapshot via temp file + rename so a
// crash mid-write never leaves a truncated snapshot under the final name.
func (r *Registry) persistScrollback(sess *Session) error {
	if err := os.MkdirAll(r.cfg.ScrollbackDir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	final := filepath.Join(r.cfg.ScrollbackDir, sess.ID+".scroll")
	tmp, err := os.CreateTemp(r.cfg.ScrollbackDir, "."+sess.ID+".tmp.*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer os.Remove(tmp.Name())

	if err := sess.buffer.Snapshot(tmp); err != nil {
		tmp.Close()
		return trace.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp.Name(), final))
}

// RecreatePTY issues a fresh single-use bridge token for an existing session,
// for a UI that lost its WebSocket and needs to come back.
func (r *Registry) RecreatePTY(sessionID string) (Descriptor, error) {
	sess, err := r.get(sessionID)
	if err != nil {
		return Descriptor{}, trace.Wrap(err)
	}
	token, err := r.cfg.Bridge.IssueToken(sess.ID, sess.endpoint)
	if err != nil {
		return Descriptor{}, trace.Wrap(err)
	}
	sess.mu.Lock()
	sess.token = token
	sess.mu.Unlock()
	return Descriptor{SessionID: sess.ID, WsURL: r.cfg.BridgeURL, WsToken: token}, nil
}

// Reattach swaps in a freshly opened shell channel after a reconnect,
// re-requesting the PTY at the saved dimensions and re-attaching the existing
// scroll buffer so new output appends after the old. If the UI's bridge
// socket is still up it receives a soft reattach notice; otherwise the caller
// should publish the descriptor returned here so the UI reconnects.
func (r *Registry) Reattach(ctx context.Context, sessionID string) (Descriptor, error) {
	sess, err := r.get(sessionID)
	if err != nil {
		return Descriptor{}, trace.Wrap(err)
	}
	if sess.ConnectionID == "" {
		return Descriptor{}, oxerr.New(oxerr.Policy, nil, "local sessions do not reattach")
	}

	handle, err := r.cfg.Connections.GetHandle(sess.ConnectionID)
	if err != nil {
		return Descriptor{}, trace.Wrap(err)
	}

	cols, rows := sess.Dims()
	term, err := openShellChannel(ctx, handle, cols, rows)
	if err != nil {
		return Descriptor{}, trace.Wrap(err)
	}

	sess.mu.Lock()
	old := sess.term
	if sess.pumpCancel != nil {
		sess.pumpCancel()
	}
	sess.term = term
	sess.state = StateActive
	sess.failReason = ""
	pumpCtx, cancel := context.WithCancel(context.Background())
	sess.pumpCancel = cancel
	sess.mu.Unlock()

	if old != nil {
		old.Close()
	}
	go r.pumpOutput(pumpCtx, sess, term)
	go r.pumpInput(pumpCtx, sess)

	bridgeUp := true
	select {
	case <-sess.endpoint.Closed:
		bridgeUp = false
	default:
	}

	if bridgeUp {
		notice, _ := json.Marshal(map[string]string{"type": "reattach", "sessionId": sess.ID})
		select {
		case sess.endpoint.Notices <- notice:
		default:
		}
		return Descriptor{SessionID: sess.ID, WsURL: r.cfg.BridgeURL, WsToken: sess.token}, nil
	}
	return r.RecreatePTY(sessionID)
}

// ForConnection lists the session ids currently bound to a connection, for
// the reconnect snapshot phase.
func (r *Registry) ForConnection(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, s := range r.sessions {
		if s.ConnectionID == connectionID {
			out = append(out, id)
		}
	}
	return out
}

// FailForConnection marks every session on a connection as failed with the
// given reason, when reconnection is abandoned or cancelled.
func (r *Registry) FailForConnection(connectionID, reason string) {
	r.mu.RLock()
	ids := []string{}
	for id, s := range r.sessions {
		if s.ConnectionID == connectionID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		sess, err := r.get(id)
		if err != nil {
			continue
		}
		sess.mu.Lock()
		sess.state = StateFailed
		sess.failReason = reason
		term := sess.term
		sess.term = nil
		if sess.pumpCancel != nil {
			sess.pumpCancel()
		}
		sess.mu.Unlock()
		if term != nil {
			term.Close()
		}
	}
}

// Get returns a live session by id.
func (r *Registry) Get(sessionID string) (*Session, error) { return r.get(sessionID) }

func (r *Registry) get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil, oxerr.New(oxerr.NotFound, nil, "session %s not found", sessionID)
	}
	return sess, nil
}

// StateOf reports a session's state and failure reason.
func (r *Registry) StateOf(sessionID string) (State, string, error) {
	sess, err := r.get(sessionID)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state, sess.failReason, nil
}

// openShellChannel opens a session channel via the connection handle,
// requests an xterm-256color PTY and a shell, and wraps the result as a
// Terminal the pump goroutines exclusively own.
func openShellChannel(ctx context.Context, handle *sshreg.Handle, cols, rows uint16) (Terminal, error) {
	ch, reqs, err := handle.OpenSession(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	go ssh.DiscardRequests(reqs)

	ptyReq := ssh.Marshal(struct {
		Term          string
		Cols, Rows    uint32
		Width, Height uint32
		Modes         string
	}{"xterm-256color", uint32(cols), uint32(rows), 0, 0, string([]byte{0})})
	ok, err := ch.SendRequest("pty-req", true, ptyReq)
	if err != nil || !ok {
		ch.Close()
		return nil, oxerr.New(oxerr.Protocol, err, "server refused pty request")
	}

	ok, err = ch.SendRequest("shell", true, nil)
	if err != nil || !ok {
		ch.Close()
		return nil, oxerr.New(oxerr.Protocol, err, "server refused shell request")
	}

	return &sshTerminal{ch: ch}, nil
}

// sshTerminal adapts an interactive ssh.Channel to the Terminal interface.
type sshTerminal struct {
	ch ssh.Channel
}

func (t *sshTerminal) Read(b []byte) (int, error)  { return t.ch.Read(b) }
func (t *sshTerminal) Write(b []byte) (int, error) { return t.ch.Write(b) }

func (t *sshTerminal) Resize(cols, rows uint16) error {
	payload := ssh.Marshal(struct {
		Cols, Rows, Width, Height uint32
	}{uint32(cols), uint32(rows), 0, 0})
	_, err := t.ch.SendRequest("window-change", false, payload)
	return trace.Wrap(err)
}

func (t *sshTerminal) Close() error { return t.ch.Close() }
