package orchestrator

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/dpcmesh/dpcnode/core/dht"
	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// pickEndpoint returns the first endpoint in rec matching the requested IP
// family and TCP-TLS transport, per strategies 1/2's precondition.
func pickEndpoint(rec *dht.PeerRecord, wantIPv6 bool) (dht.Endpoint, bool) {
	for _, e := range rec.Endpoints {
		if e.Transport != dht.TransportTCPTLS {
			continue
		}
		ip := net.ParseIP(e.IP)
		if ip == nil {
			continue
		}
		isV6 := ip.To4() == nil
		if isV6 == wantIPv6 {
			return e, true
		}
	}
	return dht.Endpoint{}, false
}

// dialDirectTLS implements strategies 1 and 2: look the target up in the
// DHT, dial its advertised endpoint of the requested IP family, complete a
// mutually-authenticated TLS handshake, and check the peer certificate's
// derived NodeId against target per §4.1.
func dialDirectTLS(ctx context.Context, dhtClient *dht.DHT, id *identity.Identity, target identity.NodeId, wantIPv6 bool, strategy session.Strategy) (Conn, error) {
	rec, err := dhtClient.FindPeer(ctx, target)
	if err != nil {
		return nil, errkind.Wrap(errkind.StrategyPreconditionUnmet, "target has no dht record", err)
	}
	ep, ok := pickEndpoint(rec, wantIPv6)
	if !ok {
		return nil, errkind.New(errkind.StrategyPreconditionUnmet, "target advertises no matching direct endpoint")
	}
	return connectEndpoint(ctx, id, ep, target, strategy)
}

// connectEndpoint dials a known endpoint directly and runs the
// certificate-authenticated handshake, independent of how the endpoint was
// discovered — the same helper backs both the DHT-driven dialDirectTLS and
// tests that dial a known address directly.
func connectEndpoint(ctx context.Context, id *identity.Identity, ep dht.Endpoint, target identity.NodeId, strategy session.Strategy) (Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ep.IP, strconv.Itoa(ep.Port)))
	if err != nil {
		return nil, errkind.Wrap(errkind.ConnectionRefused, "dial direct endpoint", err)
	}

	tlsConn := tls.Client(raw, &tls.Config{
		Certificates:       []tls.Certificate{id.TLSCertificate()},
		InsecureSkipVerify: true, // NodeId-vs-certificate check happens explicitly below
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, errkind.Wrap(errkind.TLSHandshakeFailed, "tls handshake", err)
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		tlsConn.Close()
		return nil, errkind.New(errkind.CertificateInvalid, "peer presented no certificate")
	}
	if err := identity.VerifyHandshakeIdentity(state.PeerCertificates[0], target); err != nil {
		tlsConn.Close()
		return nil, err
	}

	return session.New(tlsConn, target, strategy), nil
}

// DialRelayRegistration dials a known relay endpoint directly over TLS,
// exported so cmd/dpcnode can build the relay.Dialer strategy 5 needs
// without duplicating the direct-dial-and-verify logic connectEndpoint
// already implements.
func DialRelayRegistration(ctx context.Context, id *identity.Identity, ep dht.Endpoint, relayID identity.NodeId) (*session.Session, error) {
	conn, err := connectEndpoint(ctx, id, ep, relayID, session.StrategyRelay)
	if err != nil {
		return nil, err
	}
	return conn.(*session.Session), nil
}

// Listener accepts inbound direct TLS connections (the server side of
// strategies 1/2) and authenticates each client the same way the dialer
// authenticates the server: by the NodeId its certificate implies.
type Listener struct {
	ln  net.Listener
	id  *identity.Identity
	out chan *session.Session
}

// ListenDirect binds addr and begins accepting direct-strategy connections
// in the background; accepted, authenticated sessions are delivered via
// Accept.
func ListenDirect(addr string, id *identity.Identity) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errkind.Wrap(errkind.NetworkUnreachable, "listen direct", err)
	}
	l := &Listener{ln: ln, id: id, out: make(chan *session.Session, 16)}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		raw, err := l.ln.Accept()
		if err != nil {
			close(l.out)
			return
		}
		go l.handshake(raw)
	}
}

func (l *Listener) handshake(raw net.Conn) {
	tlsConn := tls.Server(raw, &tls.Config{
		Certificates:       []tls.Certificate{l.id.TLSCertificate()},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
	})
	ctx, cancel := context.WithTimeout(context.Background(), directHandshakeTimeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		tlsConn.Close()
		return
	}
	peerID, err := identity.NodeIdFromCert(state.PeerCertificates[0])
	if err != nil {
		tlsConn.Close()
		return
	}
	l.out <- session.New(tlsConn, peerID, session.StrategyIPv4Direct)
}

// Accept returns the next authenticated inbound session, or nil once the
// listener has been closed.
func (l *Listener) Accept() *session.Session { return <-l.out }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
