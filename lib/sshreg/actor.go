package sshreg

import (
	"context"
	"errors"

	"golang.org/x/crypto/ssh"
)

var errNoClient = errors.New("connection has no active transport")

// ioRequest is submitted to a Connection's single I/O actor over its bounded
// request channel; the actor is the only goroutine that ever touches
// conn.client, so no caller ever holds a lock on the transport.
type ioRequest struct {
	kind reqKind

	chanType string
	chanData []byte

	reqType    string
	wantReply  bool
	reqPayload []byte

	reply chan ioResponse
}

type reqKind int

const (
	reqOpenChannel reqKind = iota
	reqGlobalRequest
	reqKeepAlive
	reqHandleChannelOpen
)

type ioResponse struct {
	channel  ssh.Channel
	requests <-chan *ssh.Request

	ok      bool
	payload []byte

	incoming <-chan ssh.NewChannel

	err error
}

// runActor is the Connection's single I/O task. It owns conn.client
// exclusively until ctx is cancelled (teardown or Rebind).
func (r *Registry) runActor(ctx context.Context, conn *Connection) {
	defer close(conn.done)

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-conn.reqCh:
			if !ok {
				return
			}
			r.serve(conn, req)
		}
	}
}

func (r *Registry) serve(conn *Connection, req ioRequest) {
	client := conn.client
	if client == nil {
		req.reply <- ioResponse{err: errNoClient}
		return
	}

	switch req.kind {
	case reqOpenChannel:
		ch, reqs, err := client.OpenChannel(req.chanType, req.chanData)
		req.reply <- ioResponse{channel: ch, requests: reqs, err: err}
	case reqGlobalRequest:
		ok, payload, err := client.SendRequest(req.reqType, req.wantReply, req.reqPayload)
		req.reply <- ioResponse{ok: ok, payload: payload, err: err}
	case reqKeepAlive:
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		req.reply <- ioResponse{err: err}
	case reqHandleChannelOpen:
		req.reply <- ioResponse{incoming: client.HandleChannelOpen(req.chanType)}
	}
}
