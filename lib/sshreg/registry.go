// Package sshreg is the SSH connection registry: reference-counted,
// multiplexed physical SSH connections shared by terminals, SFTP, and port
// forwards. Each connection is owned by a single I/O actor goroutine;
// callers submit typed requests over a bounded channel and await one-shot
// replies, so nothing outside the actor ever touches the transport.
// Concurrent connects with an identical reuse fingerprint coalesce into one
// handshake.
package sshreg

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/health"
	"github.com/oxideterm/core/lib/oxerr"
)

// State is a Connection's lifecycle state.
type State string

const (
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateLinkDown     State = "link_down"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// DialFunc opens the underlying transport and performs the SSH handshake. It
// exists as a seam so tests can substitute an in-memory SSH server instead of
// a real TCP dial.
type DialFunc func(ctx context.Context, network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error)

func defaultDial(ctx context.Context, network, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// ConnectSpec describes a desired physical connection, as supplied to
// connect_node by way of the IPC surface.
type ConnectSpec struct {
	Host     string
	Port     int
	Username string
	Auth     []ssh.AuthMethod
	// AuthClass and KeyOrCredID feed the reuse Fingerprint; see fingerprint.go.
	AuthClass   AuthClass
	KeyOrCredID string
	// HostKeyCallback verifies the server's host key (TOFU or strict). Nil
	// selects InsecureIgnoreHostKey only in tests; production callers must
	// supply one (normally vault.HostKeyStore.Callback).
	HostKeyCallback ssh.HostKeyCallback
	// Via, when set, is the connection-id of a live parent (jump host); the
	// new connection is dialed as a direct-tcpip channel over it instead of a
	// raw TCP socket.
	Via string
	// KeepAlive pins the resulting connection regardless of refCount.
	KeepAlive bool
}

func (s ConnectSpec) fingerprint() Fingerprint {
	return Fingerprint{
		Host:        s.Host,
		Port:        s.Port,
		Username:    s.Username,
		AuthClass:   s.AuthClass,
		KeyOrCredID: s.KeyOrCredID,
	}
}

func (s ConnectSpec) addr() string {
	return net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
}

// Connection is a physical SSH connection, exclusively owned by the
// Registry. External callers never see this type directly; they operate
// through a Handle.
type Connection struct {
	ID          string
	Spec        ConnectSpec
	fingerprint Fingerprint

	mu        sync.Mutex
	state     State
	refCount  int
	keepAlive bool
	createdAt time.Time
	lastActive time.Time
	terminals map[string]struct{}
	forwards  map[string]struct{}

	client *ssh.Client
	health *health.Tracker

	reqCh  chan ioRequest
	cancel context.CancelFunc
	done   chan struct{}
}

// Snapshot is an immutable, race-free view of a Connection for IPC/UI
// consumption.
type Snapshot struct {
	ID        string
	Host      string
	Port      int
	Username  string
	State     State
	RefCount  int
	KeepAlive bool
	CreatedAt time.Time
	LastActive time.Time
	Terminals []string
	Forwards  []string
}

func (c *Connection) snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ID:         c.ID,
		Host:       c.Spec.Host,
		Port:       c.Spec.Port,
		Username:   c.Spec.Username,
		State:      c.state,
		RefCount:   c.refCount,
		KeepAlive:  c.keepAlive,
		CreatedAt:  c.createdAt,
		LastActive: c.lastActive,
		Terminals:  keys(c.terminals),
		Forwards:   keys(c.forwards),
	}
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Config configures a Registry.
type Config struct {
	Dial             DialFunc
	Clock            clockwork.Clock
	Log              *logrus.Entry
	Bus              *events.Bus
	HandshakeTimeout time.Duration
	HealthConfig     health.Config
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Dial == nil {
		c.Dial = defaultDial
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "sshreg")
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	return nil
}

// Registry issues, pools, and retires physical SSH connections.
type Registry struct {
	cfg Config

	mu          sync.RWMutex
	conns       map[string]*Connection
	byFingerprint map[string]string

	sf singleflight.Group
}

// New constructs a Registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Registry{
		cfg:           cfg,
		conns:         make(map[string]*Connection),
		byFingerprint: make(map[string]string),
	}, nil
}

// Connect returns a live connection for spec, reusing an Active or Idle one
// with a matching fingerprint. Two concurrent calls with an identical
// fingerprint coalesce into exactly one handshake via singleflight; every
// caller after the first observes the same connection-id (or the same
// error).
func (r *Registry) Connect(ctx context.Context, spec ConnectSpec) (string, error) {
	fp := spec.fingerprint()

	if id, ok := r.lookupReusable(fp); ok {
		r.incRef(id)
		return id, nil
	}

	// The dial leaves refCount at zero; every caller that leaves Do with an
	// id — the executor and each coalesced waiter alike — takes exactly one
	// reference here.
	v, err, _ := r.sf.Do(fp.String(), func() (interface{}, error) {
		// Re-check under singleflight in case a coalesced caller's sibling
		// already finished between the fast-path check above and now.
		if id, ok := r.lookupReusable(fp); ok {
			return id, nil
		}
		return r.dial(ctx, spec, fp)
	})
	if err != nil {
		return "", err
	}
	id := v.(string)
	r.incRef(id)
	return id, nil
}

func (r *Registry) lookupReusable(fp Fingerprint) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byFingerprint[fp.String()]
	if !ok {
		return "", false
	}
	conn, ok := r.conns[id]
	if !ok {
		return "", false
	}
	conn.mu.Lock()
	reusable := conn.state == StateActive || conn.state == StateIdle
	conn.mu.Unlock()
	return id, reusable
}

func (r *Registry) dial(ctx context.Context, spec ConnectSpec, fp Fingerprint) (string, error) {
	id := uuid.NewString()
	hostKeyCB := spec.HostKeyCallback
	if hostKeyCB == nil {
		hostKeyCB = ssh.InsecureIgnoreHostKey()
	}

	clientCfg := &ssh.ClientConfig{
		User:            spec.Username,
		Auth:            spec.Auth,
		HostKeyCallback: hostKeyCB,
		Timeout:         r.cfg.HandshakeTimeout,
	}

	conn := &Connection{
		ID:          id,
		Spec:        spec,
		fingerprint: fp,
		state:       StateConnecting,
		createdAt:   r.cfg.Clock.Now(),
		lastActive:  r.cfg.Clock.Now(),
		terminals:   make(map[string]struct{}),
		forwards:    make(map[string]struct{}),
		reqCh:       make(chan ioRequest, 64),
	}

	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	r.publish(conn, StateConnecting, nil)

	handshakeCtx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()

	client, err := r.connectTransport(handshakeCtx, spec, clientCfg, conn)
	if err != nil {
		r.mu.Lock()
		delete(r.conns, id)
		r.mu.Unlock()
		r.publish(conn, StateClosed, nil)
		return "", classifyDialErr(err)
	}

	conn.client = client
	conn.mu.Lock()
	conn.state = StateActive
	// refCount stays zero here; Connect's tail takes the caller's reference.
	if spec.KeepAlive {
		conn.keepAlive = true
	}
	conn.mu.Unlock()

	actorCtx, actorCancel := context.WithCancel(context.Background())
	conn.cancel = actorCancel
	conn.done = make(chan struct{})
	go r.runActor(actorCtx, conn)

	healthCfg := r.cfg.HealthConfig
	healthCfg.Clock = r.cfg.Clock
	healthCfg.Ping = func(pingCtx context.Context) (time.Duration, error) {
		start := r.cfg.Clock.Now()
		reply := make(chan ioResponse, 1)
		select {
		case conn.reqCh <- ioRequest{kind: reqKeepAlive, reply: reply}:
		case <-pingCtx.Done():
			return 0, pingCtx.Err()
		}
		select {
		case resp := <-reply:
			if resp.err != nil {
				return 0, resp.err
			}
			return r.cfg.Clock.Now().Sub(start), nil
		case <-pingCtx.Done():
			return 0, pingCtx.Err()
		}
	}
	healthCfg.OnLinkDown = func() { r.markLinkDown(conn) }
	tracker, err := health.New(id, healthCfg)
	if err != nil {
		r.cfg.Log.WithError(err).Warn("failed to start health tracker")
	} else {
		conn.health = tracker
	}

	r.mu.Lock()
	r.byFingerprint[fp.String()] = id
	r.mu.Unlock()

	r.publish(conn, StateActive, nil)
	return id, nil
}

// connectTransport performs either a direct dial or, when spec.Via names a
// live parent connection, opens a direct-tcpip channel over that parent and
// handshakes SSH on top of it.
func (r *Registry) connectTransport(ctx context.Context, spec ConnectSpec, cfg *ssh.ClientConfig, self *Connection) (*ssh.Client, error) {
	if spec.Via == "" {
		return r.cfg.Dial(ctx, "tcp", spec.addr(), cfg)
	}

	parentHandle, err := r.GetHandle(spec.Via)
	if err != nil {
		return nil, trace.Wrap(err, "jump host connection %s not available", spec.Via)
	}

	ch, reqs, err := parentHandle.OpenChannel(ctx, "direct-tcpip", directTCPIPPayload(spec.Host, spec.Port, "127.0.0.1", 0))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	c, newChans, newReqs, err := ssh.NewClientConn(&channelConn{Channel: ch, reqs: reqs}, spec.addr(), cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ssh.NewClient(c, newChans, newReqs), nil
}

func classifyDialErr(err error) error {
	if oxerr.Is(err, oxerr.Auth) || oxerr.Is(err, oxerr.HostKey) {
		return err
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "unable to authenticate", "handshake failed", "ssh: no auth"):
		return oxerr.New(oxerr.Auth, err, "authentication rejected")
	case containsAny(msg, "knownhosts", "host key mismatch", "key is unknown"):
		return oxerr.New(oxerr.HostKey, err, "host key verification failed")
	case containsAny(msg, "no route to host", "connection refused", "i/o timeout", "network is unreachable"):
		return oxerr.New(oxerr.Network, err, "network unreachable")
	default:
		return oxerr.New(oxerr.Protocol, err, "ssh handshake failed")
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (r *Registry) incRef(id string) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.refCount++
	conn.lastActive = r.cfg.Clock.Now()
	conn.mu.Unlock()
}

// Ref takes an additional counted reference on a live connection, held by a
// new session or forward. Callers release it with Disconnect.
func (r *Registry) Ref(connectionID string) error {
	r.mu.RLock()
	_, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}
	r.incRef(connectionID)
	return nil
}

// Disconnect drops one counted reference. At zero references with no
// keep-alive pin the connection goes Idle and is closed after the idle
// timeout; fatal-state connections are removed immediately.
func (r *Registry) Disconnect(connectionID string) error {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}

	conn.mu.Lock()
	conn.refCount--
	if conn.refCount < 0 {
		conn.refCount = 0
	}
	shouldClose := conn.refCount == 0 && !conn.keepAlive
	fatal := conn.state == StateClosed
	conn.mu.Unlock()

	if fatal {
		r.removeConn(conn)
		return nil
	}
	if shouldClose {
		r.transitionIdleThenClose(conn)
	}
	return nil
}

func (r *Registry) transitionIdleThenClose(conn *Connection) {
	conn.mu.Lock()
	conn.state = StateIdle
	conn.mu.Unlock()
	r.publish(conn, StateIdle, nil)
	// Actual teardown after the idle timeout is driven by the owning
	// daemon's periodic sweep, see Registry.Sweep.
}

// Sweep closes any Idle connection whose health tracker has exceeded
// IDLE_TIMEOUT with refCount == 0 and no keep-alive pin. Callers run this on
// a ticker (see cmd/oxidetermd).
func (r *Registry) Sweep() {
	r.mu.RLock()
	snaps := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snaps = append(snaps, c)
	}
	r.mu.RUnlock()

	for _, conn := range snaps {
		conn.mu.Lock()
		idle := conn.state == StateIdle && conn.refCount == 0 && !conn.keepAlive
		var timedOut bool
		if idle && conn.health != nil {
			timedOut = conn.health.IsIdleTimedOut()
		}
		conn.mu.Unlock()
		if idle && timedOut {
			r.removeConn(conn)
		}
	}
}

func (r *Registry) removeConn(conn *Connection) {
	r.mu.Lock()
	delete(r.conns, conn.ID)
	if r.byFingerprint[conn.fingerprint.String()] == conn.ID {
		delete(r.byFingerprint, conn.fingerprint.String())
	}
	r.mu.Unlock()

	conn.mu.Lock()
	conn.state = StateClosed
	if conn.cancel != nil {
		conn.cancel()
	}
	client := conn.client
	conn.mu.Unlock()

	if conn.health != nil {
		conn.health.Stop()
	}
	if conn.done != nil {
		<-conn.done
	}
	if client != nil {
		client.Close()
	}
	r.publish(conn, StateClosed, nil)
}

// SetKeepAlive pins or unpins a connection regardless of its refCount.
func (r *Registry) SetKeepAlive(connectionID string, keepAlive bool) error {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}
	conn.mu.Lock()
	conn.keepAlive = keepAlive
	conn.mu.Unlock()
	return nil
}

// markLinkDown transitions a connection to LinkDown, called by the health
// tracker from its own goroutine on the third consecutive keep-alive
// failure. Reconnect orchestration is driven externally via Subscribe.
func (r *Registry) markLinkDown(conn *Connection) {
	conn.mu.Lock()
	if conn.state == StateClosed || conn.state == StateLinkDown {
		conn.mu.Unlock()
		return
	}
	conn.state = StateLinkDown
	conn.mu.Unlock()
	r.publish(conn, StateLinkDown, nil)
}

// MarkReconnecting and MarkActive are called by the Reconnect Orchestrator as
// it drives a Connection through its recovery phases.
func (r *Registry) MarkReconnecting(connectionID string) error {
	return r.transition(connectionID, StateReconnecting)
}

func (r *Registry) MarkActive(connectionID string) error {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}
	if conn.health != nil {
		conn.health.Reset()
	}
	return r.transition(connectionID, StateActive)
}

func (r *Registry) transition(connectionID string, state State) error {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}
	conn.mu.Lock()
	conn.state = state
	conn.mu.Unlock()
	r.publish(conn, state, nil)
	return nil
}

// Redial re-runs the transport and auth handshake for an existing entry
// using its original spec and reuse fingerprint. The entry's state is left
// untouched; on success callers hand the new client to Rebind.
func (r *Registry) Redial(ctx context.Context, connectionID string) (*ssh.Client, error) {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return nil, oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}

	spec := conn.Spec
	hostKeyCB := spec.HostKeyCallback
	if hostKeyCB == nil {
		hostKeyCB = ssh.InsecureIgnoreHostKey()
	}
	clientCfg := &ssh.ClientConfig{
		User:            spec.Username,
		Auth:            spec.Auth,
		HostKeyCallback: hostKeyCB,
		Timeout:         r.cfg.HandshakeTimeout,
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()

	client, err := r.connectTransport(handshakeCtx, spec, clientCfg, conn)
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return client, nil
}

// Teardown force-closes a connection entry regardless of its refCount, used
// when reconnection is abandoned or cancelled.
func (r *Registry) Teardown(connectionID string) error {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}
	r.removeConn(conn)
	return nil
}

// Rebind swaps a Connection entry's underlying *ssh.Client and actor after a
// successful reconnect, preserving the connection-id and its terminal/forward
// membership sets so the Node Router's bound connection-id stays valid; only
// the transport underneath changes. Used by the Reconnect Orchestrator.
func (r *Registry) Rebind(connectionID string, client *ssh.Client) error {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}

	conn.mu.Lock()
	if conn.cancel != nil {
		conn.cancel()
	}
	oldDone := conn.done
	conn.client = client
	conn.reqCh = make(chan ioRequest, 64)
	ctx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	conn.done = make(chan struct{})
	conn.mu.Unlock()

	if oldDone != nil {
		<-oldDone
	}
	go r.runActor(ctx, conn)
	return nil
}

// AttachTerminal / DetachTerminal / AttachForward / DetachForward keep the
// Connection's membership sets (used for refCount invariant bookkeeping and
// UI display) in sync with the Session Registry and Forwarding Manager.
func (r *Registry) AttachTerminal(connectionID, sessionID string) error {
	return r.mutateMembership(connectionID, func(c *Connection) { c.terminals[sessionID] = struct{}{} })
}

func (r *Registry) DetachTerminal(connectionID, sessionID string) error {
	return r.mutateMembership(connectionID, func(c *Connection) { delete(c.terminals, sessionID) })
}

func (r *Registry) AttachForward(connectionID, forwardID string) error {
	return r.mutateMembership(connectionID, func(c *Connection) { c.forwards[forwardID] = struct{}{} })
}

func (r *Registry) DetachForward(connectionID, forwardID string) error {
	return r.mutateMembership(connectionID, func(c *Connection) { delete(c.forwards, forwardID) })
}

func (r *Registry) mutateMembership(connectionID string, fn func(*Connection)) error {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}
	conn.mu.Lock()
	fn(conn)
	conn.mu.Unlock()
	return nil
}

// Snapshot returns a race-free view of a connection by id.
func (r *Registry) Snapshot(connectionID string) (Snapshot, error) {
	r.mu.RLock()
	conn, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}
	return conn.snapshot(), nil
}

// All returns a snapshot of every live connection, for the IPC surface's
// connection-history / status views.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.snapshot())
	}
	return out
}

func (r *Registry) publish(conn *Connection, state State, affected []string) {
	r.cfg.Bus.Publish(events.ConnectionStatusChanged{
		ConnectionID:     conn.ID,
		Status:           events.ConnectionStatus(state),
		AffectedChildren: affected,
		At:               r.cfg.Clock.Now(),
	})
}

// Subscribe exposes the Registry's event bus to other components
// (Reconnect Orchestrator, Node Router, Forwarding Manager).
func (r *Registry) Subscribe(buffer int) (<-chan events.Event, func()) {
	return r.cfg.Bus.Subscribe(buffer)
}

func directTCPIPPayload(destHost string, destPort int, originHost string, originPort int) []byte {
	return ssh.Marshal(struct {
		DestAddr   string
		DestPort   uint32
		OriginAddr string
		OriginPort uint32
	}{destHost, uint32(destPort), originHost, uint32(originPort)})
}
