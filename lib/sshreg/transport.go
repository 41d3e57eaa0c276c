package sshreg

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// channelConn adapts an ssh.Channel (opened as a direct-tcpip channel to a
// jump host's next hop) into a net.Conn so ssh.NewClientConn can perform a
// nested SSH handshake over it without a second physical TCP socket.
type channelConn struct {
	ssh.Channel
	reqs <-chan *ssh.Request
}

func (c *channelConn) LocalAddr() net.Addr                { return fakeAddr{} }
func (c *channelConn) RemoteAddr() net.Addr                { return fakeAddr{} }
func (c *channelConn) SetDeadline(time.Time) error         { return nil }
func (c *channelConn) SetReadDeadline(time.Time) error     { return nil }
func (c *channelConn) SetWriteDeadline(time.Time) error    { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "ssh-direct-tcpip" }
func (fakeAddr) String() string  { return "ssh-direct-tcpip" }
