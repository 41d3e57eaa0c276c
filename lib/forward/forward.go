// Package forward implements the port forwarding manager: local (-L),
// remote (-R), and dynamic SOCKS5 (-D) forwarders over a shared SSH
// connection. Every accepted flow runs in its own task owning exactly one
// SSH channel; flows never share channels and never take locks on the
// transport. Forwards suspend when their connection goes link-down and are
// re-armed by the reconnect pipeline.
package forward

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/lib/events"
	"github.com/oxideterm/core/lib/oxerr"
	"github.com/oxideterm/core/lib/sshreg"
)

// DefaultFlowIdleTimeout closes per-flow tasks with no traffic.
const DefaultFlowIdleTimeout = 300 * time.Second

// Kind discriminates the forward variants.
type Kind string

const (
	KindLocal   Kind = "local"
	KindRemote  Kind = "remote"
	KindDynamic Kind = "dynamic"
)

// Spec describes one forwarding rule.
type Spec struct {
	Kind Kind `json:"kind"`

	// ListenAddr is the local bind address for local and dynamic forwards,
	// e.g. "127.0.0.1:8080".
	ListenAddr string `json:"listenAddr,omitempty"`

	// RemoteHost/RemotePort is the target a local forward connects to through
	// the server.
	RemoteHost string `json:"remoteHost,omitempty"`
	RemotePort int    `json:"remotePort,omitempty"`

	// RemoteListenPort is the server-side port a remote forward asks the
	// server to listen on.
	RemoteListenPort int `json:"remoteListenPort,omitempty"`

	// LocalAddr/LocalPort is the target a remote forward's inbound flows
	// connect to on this machine.
	LocalAddr string `json:"localAddr,omitempty"`
	LocalPort int    `json:"localPort,omitempty"`
}

func (s Spec) check() error {
	switch s.Kind {
	case KindLocal:
		if s.ListenAddr == "" || s.RemoteHost == "" || s.RemotePort <= 0 {
			return oxerr.New(oxerr.SpecInvalid, nil, "local forward requires listen address and remote host:port")
		}
	case KindRemote:
		if s.RemoteListenPort <= 0 || s.LocalAddr == "" || s.LocalPort <= 0 {
			return oxerr.New(oxerr.SpecInvalid, nil, "remote forward requires remote listen port and local host:port")
		}
	case KindDynamic:
		if s.ListenAddr == "" {
			return oxerr.New(oxerr.SpecInvalid, nil, "dynamic forward requires a listen address")
		}
	default:
		return oxerr.New(oxerr.SpecInvalid, nil, "unknown forward kind %q", s.Kind)
	}
	return nil
}

// State is a forward's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateSuspended State = "suspended"
	StateFailed    State = "failed"
)

// Forward is one forwarding rule plus its runtime resources: at most one
// listener, a set of live flows, and aggregated byte counters.
type Forward struct {
	ID           string
	ConnectionID string
	Spec         Spec

	mu         sync.Mutex
	state      State
	failReason string
	listener   net.Listener
	flows      map[string]*flow
	bytesIn    int64
	bytesOut   int64

	cancel context.CancelFunc
}

// Status is a race-free view of a Forward.
type Status struct {
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
	Spec         Spec   `json:"spec"`
	State        State  `json:"state"`
	FailReason   string `json:"failReason,omitempty"`
	ActiveFlows  int    `json:"activeFlows"`
	BytesIn      int64  `json:"bytesIn"`
	BytesOut     int64  `json:"bytesOut"`
}

func (f *Forward) status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{
		ID:           f.ID,
		ConnectionID: f.ConnectionID,
		Spec:         f.Spec,
		State:        f.state,
		FailReason:   f.failReason,
		ActiveFlows:  len(f.flows),
		BytesIn:      f.bytesIn,
		BytesOut:     f.bytesOut,
	}
}

func (f *Forward) setState(state State, reason string) {
	f.mu.Lock()
	f.state = state
	f.failReason = reason
	f.mu.Unlock()
}

// Config wires the Manager to its collaborators.
type Config struct {
	Connections *sshreg.Registry
	Bus         *events.Bus
	Clock       clockwork.Clock
	Log         *logrus.Entry
	// FlowIdleTimeout closes flows with no traffic in either direction.
	FlowIdleTimeout time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Connections == nil {
		return trace.BadParameter("forward: missing connection registry")
	}
	if c.Bus == nil {
		c.Bus = events.NewBus()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger()).WithField(trace.Component, "forward")
	}
	if c.FlowIdleTimeout <= 0 {
		c.FlowIdleTimeout = DefaultFlowIdleTimeout
	}
	return nil
}

// Manager owns every forward across all connections.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	forwards map[string]*Forward
	// dispatchers routes inbound forwarded-tcpip channel opens, one reader
	// goroutine per connection that has at least one remote forward.
	dispatchers map[string]context.CancelFunc
}

// New constructs a Manager.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:         cfg,
		forwards:    make(map[string]*Forward),
		dispatchers: make(map[string]context.CancelFunc),
	}, nil
}

// Create validates the spec, arms the forward, and returns its id.
func (m *Manager) Create(ctx context.Context, connectionID string, spec Spec) (string, error) {
	if err := spec.check(); err != nil {
		return "", trace.Wrap(err)
	}

	fwd := &Forward{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Spec:         spec,
		state:        StatePending,
		flows:        make(map[string]*flow),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	fwd.cancel = cancel

	var err error
	switch spec.Kind {
	case KindLocal:
		err = m.armLocal(ctx, runCtx, fwd)
	case KindRemote:
		err = m.armRemote(ctx, runCtx, fwd)
	case KindDynamic:
		err = m.armDynamic(ctx, runCtx, fwd)
	}
	if err != nil {
		cancel()
		return "", trace.Wrap(err)
	}

	fwd.setState(StateActive, "")
	m.mu.Lock()
	m.forwards[fwd.ID] = fwd
	m.mu.Unlock()

	m.cfg.Connections.AttachForward(connectionID, fwd.ID)
	m.cfg.Connections.Ref(connectionID)
	return fwd.ID, nil
}

// Close tears a forward down: stops its listener, ends its flows, and drops
// the counted connection reference.
func (m *Manager) Close(forwardID string) error {
	m.mu.Lock()
	fwd, ok := m.forwards[forwardID]
	if ok {
		delete(m.forwards, forwardID)
	}
	m.mu.Unlock()
	if !ok {
		return oxerr.New(oxerr.NotFound, nil, "forward %s not found", forwardID)
	}

	fwd.cancel()
	fwd.mu.Lock()
	ln := fwd.listener
	fwd.listener = nil
	flows := make([]*flow, 0, len(fwd.flows))
	for _, fl := range fwd.flows {
		flows = append(flows, fl)
	}
	fwd.state = StateFailed
	fwd.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, fl := range flows {
		fl.close("closed")
	}

	m.cfg.Connections.DetachForward(fwd.ConnectionID, fwd.ID)
	m.cfg.Connections.Disconnect(fwd.ConnectionID)
	return nil
}

// Status returns a race-free view of one forward.
func (m *Manager) Status(forwardID string) (Status, error) {
	m.mu.RLock()
	fwd, ok := m.forwards[forwardID]
	m.mu.RUnlock()
	if !ok {
		return Status{}, oxerr.New(oxerr.NotFound, nil, "forward %s not found", forwardID)
	}
	return fwd.status(), nil
}

// ForConnection lists forward ids bound to a connection, for the reconnect
// snapshot phase.
func (m *Manager) ForConnection(connectionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, f := range m.forwards {
		if f.ConnectionID == connectionID {
			out = append(out, id)
		}
	}
	return out
}

// SuspendForConnection moves every forward on a link-down connection to
// Suspended. Local and dynamic listeners stay bound and refuse new flows
// with an immediate close; live flows end with reason "link_down".
func (m *Manager) SuspendForConnection(connectionID string) {
	m.mu.RLock()
	var affected []*Forward
	for _, f := range m.forwards {
		if f.ConnectionID == connectionID {
			affected = append(affected, f)
		}
	}
	m.mu.RUnlock()

	for _, fwd := range affected {
		fwd.mu.Lock()
		fwd.state = StateSuspended
		flows := make([]*flow, 0, len(fwd.flows))
		for _, fl := range fwd.flows {
			flows = append(flows, fl)
		}
		fwd.mu.Unlock()
		for _, fl := range flows {
			fl.close("link_down")
		}
	}
}

// Resume re-arms one suspended forward after reconnect: remote forwards
// re-issue their tcpip-forward request, local/dynamic listeners are re-bound
// if they had been torn down. Returns the forward's resulting state.
func (m *Manager) Resume(ctx context.Context, forwardID string) (State, error) {
	m.mu.RLock()
	fwd, ok := m.forwards[forwardID]
	m.mu.RUnlock()
	if !ok {
		return "", oxerr.New(oxerr.NotFound, nil, "forward %s not found", forwardID)
	}

	fwd.mu.Lock()
	if fwd.state != StateSuspended {
		state := fwd.state
		fwd.mu.Unlock()
		return state, nil
	}
	listening := fwd.listener != nil
	fwd.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	var err error
	switch fwd.Spec.Kind {
	case KindRemote:
		err = m.armRemote(ctx, runCtx, fwd)
	case KindLocal:
		if !listening {
			err = m.armLocal(ctx, runCtx, fwd)
		}
	case KindDynamic:
		if !listening {
			err = m.armDynamic(ctx, runCtx, fwd)
		}
	}
	if err != nil {
		cancel()
		fwd.setState(StateFailed, err.Error())
		return StateFailed, trace.Wrap(err)
	}

	fwd.mu.Lock()
	old := fwd.cancel
	fwd.cancel = cancel
	fwd.state = StateActive
	fwd.failReason = ""
	fwd.mu.Unlock()
	if old != nil && (fwd.Spec.Kind == KindRemote || !listening) {
		// The old run context only guarded resources we just replaced.
		old()
	}
	return StateActive, nil
}

// All returns status for every forward.
func (m *Manager) All() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.forwards))
	for _, f := range m.forwards {
		out = append(out, f.status())
	}
	return out
}

func (m *Manager) active(fwd *Forward) bool {
	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	return fwd.state == StateActive || fwd.state == StatePending
}

// directTCPIPPayload is the channel-open payload for direct-tcpip.
func directTCPIPPayload(destHost string, destPort int, origin net.Addr) []byte {
	originHost, originPort := "127.0.0.1", 0
	if origin != nil {
		if host, port, err := net.SplitHostPort(origin.String()); err == nil {
			originHost = host
			fmt.Sscanf(port, "%d", &originPort)
		}
	}
	return ssh.Marshal(struct {
		DestAddr   string
		DestPort   uint32
		OriginAddr string
		OriginPort uint32
	}{destHost, uint32(destPort), originHost, uint32(originPort)})
}
