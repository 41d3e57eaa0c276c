package sshreg

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/oxideterm/core/lib/oxerr"
)

// Handle is a clonable, cheap-to-copy reference to a live Connection. It is
// the only way callers (session registry, SFTP pool, forwarding manager)
// reach the SSH transport: every operation is submitted to the connection's
// I/O actor, and every returned ssh.Channel is exclusively owned by the
// caller from that point on. A Handle never exposes the raw client.
type Handle struct {
	registry *Registry
	connID   string
}

// GetHandle returns a Handle for a live connection.
func (r *Registry) GetHandle(connectionID string) (*Handle, error) {
	r.mu.RLock()
	_, ok := r.conns[connectionID]
	r.mu.RUnlock()
	if !ok {
		return nil, oxerr.New(oxerr.NotFound, nil, "connection %s not found", connectionID)
	}
	return &Handle{registry: r, connID: connectionID}, nil
}

// ConnectionID returns the id of the connection this handle addresses.
func (h *Handle) ConnectionID() string { return h.connID }

func (h *Handle) conn() (*Connection, error) {
	h.registry.mu.RLock()
	conn, ok := h.registry.conns[h.connID]
	h.registry.mu.RUnlock()
	if !ok {
		return nil, oxerr.New(oxerr.NotFound, nil, "connection %s not found", h.connID)
	}
	return conn, nil
}

func (h *Handle) submit(ctx context.Context, req ioRequest) (ioResponse, error) {
	conn, err := h.conn()
	if err != nil {
		return ioResponse{}, err
	}

	reply := make(chan ioResponse, 1)
	req.reply = reply

	select {
	case conn.reqCh <- req:
	case <-ctx.Done():
		return ioResponse{}, oxerr.New(oxerr.Cancelled, ctx.Err(), "request cancelled before submission")
	}

	select {
	case resp := <-reply:
		if resp.err != nil {
			return ioResponse{}, oxerr.New(oxerr.IO, resp.err, "ssh request failed")
		}
		return resp, nil
	case <-ctx.Done():
		return ioResponse{}, oxerr.New(oxerr.Cancelled, ctx.Err(), "request cancelled awaiting reply")
	}
}

// OpenChannel opens a new SSH channel of the given type, exclusively owned by
// the caller on return.
func (h *Handle) OpenChannel(ctx context.Context, chanType string, data []byte) (ssh.Channel, <-chan *ssh.Request, error) {
	resp, err := h.submit(ctx, ioRequest{kind: reqOpenChannel, chanType: chanType, chanData: data})
	if err != nil {
		return nil, nil, err
	}
	return resp.channel, resp.requests, nil
}

// GlobalRequest issues an SSH global request (e.g. tcpip-forward) and waits
// for the reply.
func (h *Handle) GlobalRequest(ctx context.Context, name string, wantReply bool, payload []byte) (bool, []byte, error) {
	resp, err := h.submit(ctx, ioRequest{kind: reqGlobalRequest, reqType: name, wantReply: wantReply, reqPayload: payload})
	if err != nil {
		return false, nil, err
	}
	return resp.ok, resp.payload, nil
}

// HandleChannelOpen registers interest in server-initiated channel opens of
// the given type (e.g. forwarded-tcpip for remote forwards). The returned
// stream is nil if another caller already registered that type on this
// transport. Each ssh.NewChannel received is exclusively owned by the
// receiver, which must Accept or Reject it.
func (h *Handle) HandleChannelOpen(ctx context.Context, chanType string) (<-chan ssh.NewChannel, error) {
	resp, err := h.submit(ctx, ioRequest{kind: reqHandleChannelOpen, chanType: chanType})
	if err != nil {
		return nil, err
	}
	return resp.incoming, nil
}

// OpenSFTPClient opens the connection's one SFTP subsystem channel and wraps
// it in a *sftp.Client. The returned channel is exclusively
// owned by the SFTP pool from this point on — subsequent requests run over
// the *sftp.Client's own internal serialization, not the registry actor.
func (h *Handle) OpenSFTPClient(ctx context.Context, opts ...sftp.ClientOption) (*sftp.Client, error) {
	ch, reqs, err := h.OpenChannel(ctx, "session", nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	go ssh.DiscardRequests(reqs)

	ok, err := ch.SendRequest("subsystem", true, ssh.Marshal(struct{ Subsystem string }{"sftp"}))
	if err != nil {
		ch.Close()
		return nil, trace.Wrap(err)
	}
	if !ok {
		ch.Close()
		return nil, oxerr.New(oxerr.Protocol, nil, "server refused sftp subsystem request")
	}

	client, err := sftp.NewClientPipe(ch, ch, opts...)
	if err != nil {
		ch.Close()
		return nil, trace.Wrap(err)
	}
	return client, nil
}

// OpenSession opens a plain "session" channel, for PTY/shell use by the
// Session Registry or one-off capability probes (the Reconnect
// Orchestrator's `exec true` readiness check). The channel and its request
// stream are exclusively owned by the caller on return; all further
// interaction (pty-req, shell, exec, window-change) happens directly on the
// channel, never back through the actor.
func (h *Handle) OpenSession(ctx context.Context) (ssh.Channel, <-chan *ssh.Request, error) {
	return h.OpenChannel(ctx, "session", nil)
}
