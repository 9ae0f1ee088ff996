package orchestrator

import (
	"context"
	"net"
	"time"

	"github.com/dpcmesh/dpcnode/core/dht"
	"github.com/dpcmesh/dpcnode/core/nat"
	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// holePunchRecvTimeout bounds how long Punch waits for the peer's
// simultaneous-send datagram once the scheduled instant arrives, leaving
// the remainder of the strategy's 15s budget for the DTLS upgrade.
const holePunchRecvTimeout = 8 * time.Second

// dialHolePunch implements strategy 4: classify this node's own NAT,
// bail out immediately on symmetric NAT (§4.3), otherwise schedule and run
// a timed simultaneous UDP send against the target's advertised UDP
// endpoint and upgrade the resulting flow to DTLS, which is never optional.
func dialHolePunch(ctx context.Context, dhtClient *dht.DHT, natMgr *nat.Manager, id *identity.Identity, target identity.NodeId, udpPort int, dtlsTimeout time.Duration) (Conn, error) {
	rec, err := dhtClient.FindPeer(ctx, target)
	if err != nil {
		return nil, errkind.Wrap(errkind.StrategyPreconditionUnmet, "target has no dht record", err)
	}
	if !rec.HasCapability(dht.CapUDPPunch) {
		return nil, errkind.New(errkind.StrategyPreconditionUnmet, "target does not support udp_punch")
	}
	var targetEP dht.Endpoint
	found := false
	for _, e := range rec.Endpoints {
		if e.Transport == dht.TransportUDPDTLS {
			targetEP = e
			found = true
			break
		}
	}
	if !found {
		return nil, errkind.New(errkind.StrategyPreconditionUnmet, "target advertises no udp endpoint")
	}

	class, _, err := natMgr.Classify(ctx)
	if err != nil {
		return nil, err
	}
	if class == nat.ClassSymmetric {
		return nil, nat.ErrSymmetricNAT
	}

	pc, err := nat.NewPunchCoordinator(udpPort)
	if err != nil {
		return nil, err
	}

	addr := &net.UDPAddr{IP: net.ParseIP(targetEP.IP), Port: targetEP.Port}
	at := nat.Negotiate(time.Now())
	if err := pc.Punch(ctx, addr, at, holePunchRecvTimeout); err != nil {
		pc.Close()
		return nil, err
	}

	dtlsConn, err := nat.UpgradeClient(ctx, pc.Conn(), addr, id, dtlsTimeout)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := nat.VerifyPeerCertificate(dtlsConn.ConnectionState(), target); err != nil {
		dtlsConn.Close()
		return nil, err
	}

	return session.New(dtlsConn, target, session.StrategyHolePunch), nil
}
