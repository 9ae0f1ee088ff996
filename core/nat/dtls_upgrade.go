package nat

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/pion/dtls/v3"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// UpgradeServer runs the responder side of the mandatory datagram-TLS
// upgrade over a punched UDP flow, using the node's own certificate. The
// DTLS upgrade is never optional for strategy 4 (see design §9 open
// questions): a plaintext UDP session is not a valid outcome here.
func UpgradeServer(ctx context.Context, conn net.PacketConn, remote net.Addr, id *identity.Identity, timeout time.Duration) (*dtls.Conn, error) {
	cfg := &dtls.Config{
		Certificates:        []tls.Certificate{id.TLSCertificate()},
		InsecureSkipVerify:  true, // NodeId-vs-certificate check happens explicitly after handshake
		ClientAuthType:      dtls.RequireAnyClientCert,
		ConnectContextMaker: func() (context.Context, func()) { return context.WithTimeout(ctx, timeout) },
	}
	return dtls.ServerWithContext(ctx, conn, remote, cfg)
}

// UpgradeClient runs the initiator side of the same handshake.
func UpgradeClient(ctx context.Context, conn net.PacketConn, remote net.Addr, id *identity.Identity, timeout time.Duration) (*dtls.Conn, error) {
	cfg := &dtls.Config{
		Certificates:        []tls.Certificate{id.TLSCertificate()},
		InsecureSkipVerify:  true,
		ConnectContextMaker: func() (context.Context, func()) { return context.WithTimeout(ctx, timeout) },
	}
	return dtls.ClientWithContext(ctx, conn, remote, cfg)
}

// VerifyPeerCertificate re-derives the NodeId implied by the certificate
// the DTLS handshake presented and checks it against the expected target,
// per the shared §4.1 identity-mismatch check.
func VerifyPeerCertificate(connState dtls.State, expected identity.NodeId) error {
	if len(connState.PeerCertificates) == 0 {
		return errkind.New(errkind.CertificateInvalid, "peer presented no certificate")
	}
	cert, err := x509.ParseCertificate(connState.PeerCertificates[0])
	if err != nil {
		return errkind.Wrap(errkind.CertificateInvalid, "parse peer certificate", err)
	}
	return identity.VerifyHandshakeIdentity(cert, expected)
}
