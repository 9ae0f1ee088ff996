package orchestrator

import (
	"context"
	"crypto/x509"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// HubSignaler models only the central hub's signaling interface (§1: "the
// central hub's own implementation... only its signaling interface is
// modeled"): it relays one SDP offer to target and returns the answer the
// hub forwarded back, however it actually reaches target.
type HubSignaler interface {
	Available() bool
	Exchange(ctx context.Context, target identity.NodeId, offerSDP string) (answerSDP string, err error)
}

// dialWebRTC implements strategy 3: a hub-signaled WebRTC data channel,
// authenticated by comparing the DTLS transport's remote certificate
// against target the same way every other strategy does. stunServers
// supplements the hub's signaling with ICE reflexive candidates, so the
// strategy can still traverse a NAT the hub itself has no visibility into.
func dialWebRTC(ctx context.Context, hub HubSignaler, target identity.NodeId, stunServers []string) (Conn, error) {
	if hub == nil || !hub.Available() {
		return nil, errkind.New(errkind.StrategyPreconditionUnmet, "no hub session available")
	}

	cfg := webrtc.Configuration{}
	if len(stunServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, errkind.Wrap(errkind.DTLSHandshakeFailed, "create peer connection", err)
	}

	dc, err := pc.CreateDataChannel("dpc", nil)
	if err != nil {
		pc.Close()
		return nil, errkind.Wrap(errkind.DTLSHandshakeFailed, "create data channel", err)
	}

	adapter := newDataChannelConn(dc)
	dc.OnOpen(adapter.onOpen)
	dc.OnMessage(adapter.onMessage)
	dc.OnClose(adapter.onClose)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, errkind.Wrap(errkind.DTLSHandshakeFailed, "create offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, errkind.Wrap(errkind.DTLSHandshakeFailed, "set local description", err)
	}

	answerSDP, err := hub.Exchange(ctx, target, offer.SDP)
	if err != nil {
		pc.Close()
		return nil, errkind.Wrap(errkind.StrategyTimeout, "hub signaling exchange", err)
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		pc.Close()
		return nil, errkind.Wrap(errkind.DTLSHandshakeFailed, "set remote description", err)
	}

	select {
	case <-adapter.opened:
	case <-ctx.Done():
		pc.Close()
		return nil, errkind.Wrap(errkind.Cancelled, "webrtc data channel did not open in time", ctx.Err())
	}

	if err := verifyWebRTCPeer(pc, target); err != nil {
		pc.Close()
		return nil, err
	}

	adapter.pc = pc
	return session.New(adapter, target, session.StrategyWebRTC), nil
}

// verifyWebRTCPeer applies the §4.1 NodeId-vs-certificate check to the
// DTLS transport's remote certificate, the same identity boundary every
// other strategy enforces.
func verifyWebRTCPeer(pc *webrtc.PeerConnection, target identity.NodeId) error {
	sctp := pc.SCTP()
	if sctp == nil {
		return errkind.New(errkind.CertificateInvalid, "no sctp transport established")
	}
	dtlsTransport := sctp.Transport()
	if dtlsTransport == nil {
		return errkind.New(errkind.CertificateInvalid, "no dtls transport established")
	}
	der := dtlsTransport.GetRemoteCertificate()
	if len(der) == 0 {
		return errkind.New(errkind.CertificateInvalid, "peer presented no dtls certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return errkind.Wrap(errkind.CertificateInvalid, "parse webrtc peer certificate", err)
	}
	return identity.VerifyHandshakeIdentity(cert, target)
}

// dataChannelConn adapts a pion DataChannel into an io.ReadWriteCloser so a
// *session.Session can frame over it exactly as it does any other
// transport.
type dataChannelConn struct {
	dc     *webrtc.DataChannel
	pc     *webrtc.PeerConnection
	opened chan struct{}

	mu     sync.Mutex
	buf    []byte
	notify chan struct{}
	closed bool
}

func newDataChannelConn(dc *webrtc.DataChannel) *dataChannelConn {
	return &dataChannelConn{dc: dc, opened: make(chan struct{}), notify: make(chan struct{}, 1)}
}

func (c *dataChannelConn) onOpen() { close(c.opened) }

func (c *dataChannelConn) onClose() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *dataChannelConn) onMessage(msg webrtc.DataChannelMessage) {
	c.mu.Lock()
	c.buf = append(c.buf, msg.Data...)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *dataChannelConn) Write(p []byte) (int, error) {
	if err := c.dc.Send(p); err != nil {
		return 0, errkind.Wrap(errkind.PeerClosed, "webrtc data channel send", err)
	}
	return len(p), nil
}

func (c *dataChannelConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if len(c.buf) > 0 {
			n := copy(p, c.buf)
			c.buf = c.buf[n:]
			c.mu.Unlock()
			return n, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return 0, errkind.New(errkind.PeerClosed, "webrtc data channel closed")
		}
		<-c.notify
	}
}

func (c *dataChannelConn) Close() error {
	_ = c.dc.Close()
	if c.pc != nil {
		return c.pc.Close()
	}
	return nil
}
