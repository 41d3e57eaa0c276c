package forward

import (
	"context"
	"net"

	"github.com/gravitational/trace"
)

// armLocal binds the local listener and starts the accept loop. Each
// accepted TCP flow opens a direct-tcpip channel to the configured remote
// target over the owning connection.
func (m *Manager) armLocal(ctx, runCtx context.Context, fwd *Forward) error {
	ln, err := net.Listen("tcp", fwd.Spec.ListenAddr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	fwd.mu.Lock()
	fwd.listener = ln
	fwd.mu.Unlock()

	go m.acceptLocal(runCtx, fwd, ln)
	return nil
}

func (m *Manager) acceptLocal(ctx context.Context, fwd *Forward, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if !m.active(fwd) {
			// Suspended: the listener stays bound but refuses new flows.
			conn.Close()
			continue
		}
		go m.openLocalFlow(ctx, fwd, conn)
	}
}

func (m *Manager) openLocalFlow(ctx context.Context, fwd *Forward, conn net.Conn) {
	handle, err := m.cfg.Connections.GetHandle(fwd.ConnectionID)
	if err != nil {
		conn.Close()
		return
	}

	payload := directTCPIPPayload(fwd.Spec.RemoteHost, fwd.Spec.RemotePort, conn.RemoteAddr())
	ch, reqs, err := handle.OpenChannel(ctx, "direct-tcpip", payload)
	if err != nil {
		m.cfg.Log.WithError(err).WithField("forward", fwd.ID).Debug("direct-tcpip open failed")
		conn.Close()
		return
	}
	go discardRequests(reqs)

	m.startFlow(fwd, conn, ch)
}
