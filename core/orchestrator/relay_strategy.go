package orchestrator

import (
	"context"
	"crypto/tls"

	"github.com/dpcmesh/dpcnode/core/dht"
	"github.com/dpcmesh/dpcnode/core/relay"
	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// dialRelay implements strategy 5: obtain a relay tunnel (client mode of
// §4.4) and immediately run the same certificate-authenticated TLS
// handshake over it that strategies 1/2 run over a raw socket. The relay
// server only ever forwards the resulting ciphertext, so it remains blind
// to both the handshake and the traffic it carries (property #9).
func dialRelay(ctx context.Context, dhtClient *dht.DHT, id *identity.Identity, target identity.NodeId, dial relay.Dialer, preferredRegion string) (Conn, error) {
	tunnel, err := relay.ObtainRelaySession(ctx, dhtClient, target, dial, preferredRegion)
	if err != nil {
		return nil, err
	}

	conn := newNetConnAdapter(tunnel, "relay-local", string(target))
	tlsConn := tls.Client(conn, &tls.Config{
		Certificates:       []tls.Certificate{id.TLSCertificate()},
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tunnel.Close()
		return nil, errkind.Wrap(errkind.TLSHandshakeFailed, "inner handshake over relay tunnel", err)
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		tlsConn.Close()
		return nil, errkind.New(errkind.CertificateInvalid, "peer presented no certificate over relay")
	}
	if err := identity.VerifyHandshakeIdentity(state.PeerCertificates[0], target); err != nil {
		tlsConn.Close()
		return nil, err
	}

	return session.New(tlsConn, target, session.StrategyRelay), nil
}

// AcceptRelay is the callee-side mirror of dialRelay: once this node's own
// background relay-registration loop hands back a paired tunnel (it
// registered for the same target the caller dialed), it runs the
// responder half of the inner TLS handshake and authenticates the caller
// the same way every other strategy does.
func AcceptRelay(ctx context.Context, tunnel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}, id *identity.Identity) (*session.Session, error) {
	conn := newNetConnAdapter(tunnel, "relay-local", "relay-remote")
	tlsConn := tls.Server(conn, &tls.Config{
		Certificates:       []tls.Certificate{id.TLSCertificate()},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tunnel.Close()
		return nil, errkind.Wrap(errkind.TLSHandshakeFailed, "inner handshake over relay tunnel", err)
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		tlsConn.Close()
		return nil, errkind.New(errkind.CertificateInvalid, "caller presented no certificate over relay")
	}
	peerID, err := identity.NodeIdFromCert(state.PeerCertificates[0])
	if err != nil {
		tlsConn.Close()
		return nil, err
	}
	return session.New(tlsConn, peerID, session.StrategyRelay), nil
}
