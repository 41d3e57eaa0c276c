package forward

import (
	"context"
	"net"
	"strconv"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/lib/oxerr"
)

// tcpipForwardRequest is the global-request payload asking the server to
// listen on a port and forward connections back to us.
type tcpipForwardRequest struct {
	Addr string
	Port uint32
}

// forwardedTCPIPPayload is the channel-open payload of a server-initiated
// forwarded-tcpip channel.
type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// armRemote issues the tcpip-forward global request and ensures the owning
// connection has a dispatcher routing inbound forwarded-tcpip channels.
func (m *Manager) armRemote(ctx, runCtx context.Context, fwd *Forward) error {
	handle, err := m.cfg.Connections.GetHandle(fwd.ConnectionID)
	if err != nil {
		return trace.Wrap(err)
	}

	payload := ssh.Marshal(tcpipForwardRequest{Addr: "", Port: uint32(fwd.Spec.RemoteListenPort)})
	ok, _, err := handle.GlobalRequest(ctx, "tcpip-forward", true, payload)
	if err != nil {
		return trace.Wrap(err)
	}
	if !ok {
		return oxerr.New(oxerr.Policy, nil, "server refused tcpip-forward for port %d", fwd.Spec.RemoteListenPort)
	}

	return m.ensureDispatcher(ctx, fwd.ConnectionID)
}

// ensureDispatcher starts (once per connection) the goroutine that reads
// inbound forwarded-tcpip channel opens off the transport and routes each to
// the remote forward matching its server-side port.
func (m *Manager) ensureDispatcher(ctx context.Context, connectionID string) error {
	m.mu.Lock()
	if _, ok := m.dispatchers[connectionID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	handle, err := m.cfg.Connections.GetHandle(connectionID)
	if err != nil {
		return trace.Wrap(err)
	}
	incoming, err := handle.HandleChannelOpen(ctx, "forwarded-tcpip")
	if err != nil {
		return trace.Wrap(err)
	}
	if incoming == nil {
		// Already registered on this transport; the existing dispatcher is
		// still reading it.
		return nil
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.dispatchers[connectionID] = cancel
	m.mu.Unlock()

	go m.dispatch(dispatchCtx, connectionID, incoming)
	return nil
}

// DropDispatcher forgets a connection's forwarded-tcpip reader, called when
// the transport is replaced after reconnect so Resume can register a fresh
// one on the new transport.
func (m *Manager) DropDispatcher(connectionID string) {
	m.mu.Lock()
	cancel, ok := m.dispatchers[connectionID]
	delete(m.dispatchers, connectionID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) dispatch(ctx context.Context, connectionID string, incoming <-chan ssh.NewChannel) {
	for {
		select {
		case <-ctx.Done():
			return
		case nch, ok := <-incoming:
			if !ok {
				return
			}
			m.routeInbound(ctx, connectionID, nch)
		}
	}
}

// routeInbound matches an inbound channel to the remote forward listening on
// its server-side port and spawns the per-flow task connecting to the
// forward's local target.
func (m *Manager) routeInbound(ctx context.Context, connectionID string, nch ssh.NewChannel) {
	var payload forwardedTCPIPPayload
	if err := ssh.Unmarshal(nch.ExtraData(), &payload); err != nil {
		nch.Reject(ssh.Prohibited, "malformed forwarded-tcpip payload")
		return
	}

	fwd := m.findRemote(connectionID, int(payload.Port))
	if fwd == nil || !m.active(fwd) {
		nch.Reject(ssh.Prohibited, "no forward listening on port "+strconv.Itoa(int(payload.Port)))
		return
	}

	ch, reqs, err := nch.Accept()
	if err != nil {
		return
	}
	go discardRequests(reqs)

	target := net.JoinHostPort(fwd.Spec.LocalAddr, strconv.Itoa(fwd.Spec.LocalPort))
	conn, err := net.Dial("tcp", target)
	if err != nil {
		m.cfg.Log.WithError(err).WithField("forward", fwd.ID).Debug("local target dial failed")
		ch.Close()
		return
	}

	m.startFlow(fwd, conn, ch)
}

func (m *Manager) findRemote(connectionID string, port int) *Forward {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.forwards {
		if f.ConnectionID == connectionID && f.Spec.Kind == KindRemote && f.Spec.RemoteListenPort == port {
			return f
		}
	}
	return nil
}

func discardRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}
