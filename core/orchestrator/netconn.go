package orchestrator

import (
	"io"
	"net"
	"time"
)

// rawAddr is a net.Addr stand-in for a transport that isn't really backed
// by a socket address, such as a relay or gossip tunnel.
type rawAddr string

func (a rawAddr) Network() string { return "dpc" }
func (a rawAddr) String() string  { return string(a) }

// netConnAdapter upgrades an io.ReadWriteCloser (the relay client's framed
// tunnel, the hole-punch UDP flow, anything opaque-byte-shaped) into a
// net.Conn so crypto/tls can run its handshake on top — tls.Client/Server
// only know how to talk to net.Conn. Deadlines are accepted and ignored:
// the caller is expected to bound the handshake with ctx instead, exactly
// as every other strategy in this package does.
type netConnAdapter struct {
	io.ReadWriteCloser
	local, remote rawAddr
}

func newNetConnAdapter(rw io.ReadWriteCloser, local, remote string) *netConnAdapter {
	return &netConnAdapter{ReadWriteCloser: rw, local: rawAddr(local), remote: rawAddr(remote)}
}

func (c *netConnAdapter) LocalAddr() net.Addr  { return c.local }
func (c *netConnAdapter) RemoteAddr() net.Addr { return c.remote }

func (c *netConnAdapter) SetDeadline(time.Time) error      { return nil }
func (c *netConnAdapter) SetReadDeadline(time.Time) error  { return nil }
func (c *netConnAdapter) SetWriteDeadline(time.Time) error { return nil }
