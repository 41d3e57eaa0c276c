package forward

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/gravitational/trace"
)

// SOCKS5 protocol constants (RFC 1928).
const (
	socksVersion5 = 0x05

	socksMethodNoAuth       = 0x00
	socksMethodUnacceptable = 0xff

	socksCmdConnect = 0x01

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04

	socksReplySuccess         = 0x00
	socksReplyFailure         = 0x01
	socksReplyCmdNotSupported = 0x07
	socksReplyAtypUnsupported = 0x08
)

// armDynamic binds the SOCKS5 listener and starts the accept loop.
func (m *Manager) armDynamic(ctx, runCtx context.Context, fwd *Forward) error {
	ln, err := net.Listen("tcp", fwd.Spec.ListenAddr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	fwd.mu.Lock()
	fwd.listener = ln
	fwd.mu.Unlock()

	go m.acceptDynamic(runCtx, fwd, ln)
	return nil
}

func (m *Manager) acceptDynamic(ctx context.Context, fwd *Forward, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if !m.active(fwd) {
			conn.Close()
			continue
		}
		go m.serveSOCKS(ctx, fwd, conn)
	}
}

// serveSOCKS negotiates one SOCKS5 client: method selection (NO AUTH only),
// a CONNECT request for IPv4/IPv6/DOMAINNAME, then a direct-tcpip channel to
// the requested target. BIND and UDP ASSOCIATE get command-not-supported.
func (m *Manager) serveSOCKS(ctx context.Context, fwd *Forward, conn net.Conn) {
	host, port, err := negotiateSOCKS(conn)
	if err != nil {
		conn.Close()
		return
	}

	handle, err := m.cfg.Connections.GetHandle(fwd.ConnectionID)
	if err != nil {
		writeSOCKSReply(conn, socksReplyFailure)
		conn.Close()
		return
	}

	payload := directTCPIPPayload(host, port, conn.RemoteAddr())
	ch, reqs, err := handle.OpenChannel(ctx, "direct-tcpip", payload)
	if err != nil {
		m.cfg.Log.WithError(err).WithField("target", socksTarget(host, port)).Debug("socks connect failed")
		writeSOCKSReply(conn, socksReplyFailure)
		conn.Close()
		return
	}
	go discardRequests(reqs)

	if err := writeSOCKSReply(conn, socksReplySuccess); err != nil {
		ch.Close()
		conn.Close()
		return
	}

	m.startFlow(fwd, conn, ch)
}

// negotiateSOCKS runs the greeting and request phases and returns the
// CONNECT target. Protocol errors are answered on the wire before returning.
func negotiateSOCKS(conn net.Conn) (host string, port int, err error) {
	// Greeting: VER NMETHODS METHODS...
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", 0, trace.Wrap(err)
	}
	if hdr[0] != socksVersion5 {
		return "", 0, trace.BadParameter("unsupported socks version %#x", hdr[0])
	}
	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return "", 0, trace.Wrap(err)
	}
	noAuth := false
	for _, mth := range methods {
		if mth == socksMethodNoAuth {
			noAuth = true
		}
	}
	if !noAuth {
		conn.Write([]byte{socksVersion5, socksMethodUnacceptable})
		return "", 0, trace.AccessDenied("client offers no acceptable auth method")
	}
	if _, err := conn.Write([]byte{socksVersion5, socksMethodNoAuth}); err != nil {
		return "", 0, trace.Wrap(err)
	}

	// Request: VER CMD RSV ATYP DST.ADDR DST.PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil {
		return "", 0, trace.Wrap(err)
	}
	if req[0] != socksVersion5 {
		return "", 0, trace.BadParameter("bad request version %#x", req[0])
	}

	switch req[3] {
	case socksAtypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, trace.Wrap(err)
		}
		host = net.IP(addr).String()
	case socksAtypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return "", 0, trace.Wrap(err)
		}
		host = net.IP(addr).String()
	case socksAtypDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(conn, n); err != nil {
			return "", 0, trace.Wrap(err)
		}
		name := make([]byte, int(n[0]))
		if _, err := io.ReadFull(conn, name); err != nil {
			return "", 0, trace.Wrap(err)
		}
		host = string(name)
	default:
		writeSOCKSReply(conn, socksReplyAtypUnsupported)
		return "", 0, trace.BadParameter("unsupported address type %#x", req[3])
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBytes); err != nil {
		return "", 0, trace.Wrap(err)
	}
	// The command is checked only after the whole request has been read, so
	// the rejection reply is not written ahead of unread request bytes.
	if req[1] != socksCmdConnect {
		writeSOCKSReply(conn, socksReplyCmdNotSupported)
		return "", 0, trace.AccessDenied("socks command %#x not supported", req[1])
	}
	return host, int(binary.BigEndian.Uint16(portBytes)), nil
}

// writeSOCKSReply sends VER REP RSV ATYP=IPv4 BND.ADDR=0.0.0.0 BND.PORT=0;
// a zero bind address is permitted for CONNECT replies.
func writeSOCKSReply(conn net.Conn, rep byte) error {
	_, err := conn.Write([]byte{socksVersion5, rep, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})
	return trace.Wrap(err)
}

// socksTarget is a debugging helper used in log lines.
func socksTarget(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
