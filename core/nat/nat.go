// Package nat implements NAT classification and coordinated UDP hole
// punching with a mandatory datagram-TLS upgrade, per §4.3 of the design.
// Reflexive endpoint discovery delegates to the DHT (three independent
// observers). Manager.MapPort offers opportunistic port mapping via
// NAT-PMP/UPnP when a gateway is reachable, mirroring the donor's
// nat_traversal.go; Classify and Punch do not call it.
package nat

import (
	"context"
	"net"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	log "github.com/sirupsen/logrus"

	"github.com/dpcmesh/dpcnode/core/dht"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
)

// Class classifies how a NAT maps outbound UDP traffic.
type Class string

const (
	ClassCone      Class = "cone"
	ClassSymmetric Class = "symmetric"
	ClassUnknown   Class = "unknown"
)

// Reflector is satisfied by anything that can ask third parties to observe
// this node's source (ip,port) — in production, *dht.DHT.
type Reflector interface {
	ProbeReflexiveEndpoint(ctx context.Context) ([]dht.Endpoint, error)
}

// Manager coordinates reflexive discovery, NAT classification, opportunistic
// gateway port mapping, and the timed simultaneous-send punch.
type Manager struct {
	reflector Reflector
	udpPort   int

	pmp        *natpmp.Client
	upnp       *internetgateway1.WANIPConnection1
	gatewayIP  net.IP
	mappedPort int
}

// NewManager builds a Manager bound to the given UDP punch port (0 =
// ephemeral; callers that need a stable port for gateway mapping should
// pass a fixed one).
func NewManager(reflector Reflector, udpPort int) *Manager {
	return &Manager{reflector: reflector, udpPort: udpPort}
}

// discoverGateway opportunistically finds a NAT-PMP or UPnP gateway, used
// only to attempt a direct port mapping before falling back to hole
// punching; failure here is never fatal.
func (m *Manager) discoverGateway() {
	if gw, err := gateway.DiscoverGateway(); err == nil {
		client := natpmp.NewClient(gw)
		if res, err := client.GetExternalAddress(); err == nil {
			m.pmp = client
			m.gatewayIP = net.IPv4(res.ExternalIPAddress[0], res.ExternalIPAddress[1], res.ExternalIPAddress[2], res.ExternalIPAddress[3])
			return
		}
	}
	if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		m.upnp = clients[0]
		if ipStr, err := m.upnp.GetExternalIPAddress(); err == nil {
			m.gatewayIP = net.ParseIP(ipStr)
		}
	}
}

// MapPort attempts an opportunistic gateway port mapping for the punch
// port; the caller proceeds to hole punching regardless of the outcome.
func (m *Manager) MapPort() {
	m.discoverGateway()
	if m.gatewayIP == nil {
		return
	}
	if m.pmp != nil {
		if _, err := m.pmp.AddPortMapping("udp", m.udpPort, m.udpPort, 3600); err == nil {
			m.mappedPort = m.udpPort
			return
		}
	}
	if m.upnp != nil {
		if err := m.upnp.AddPortMapping("", uint16(m.udpPort), "UDP", uint16(m.udpPort), m.gatewayIP.String(), true, "dpcnode", 3600); err == nil {
			m.mappedPort = m.udpPort
		}
	}
}

// UnmapPort removes a previously established gateway mapping, if any.
func (m *Manager) UnmapPort() {
	if m.mappedPort == 0 {
		return
	}
	if m.pmp != nil {
		_, _ = m.pmp.AddPortMapping("udp", m.mappedPort, m.mappedPort, 0)
	} else if m.upnp != nil {
		_ = m.upnp.DeletePortMapping("", uint16(m.mappedPort), "UDP")
	}
	m.mappedPort = 0
}

// Classify discovers this node's reflexive endpoint via three DHT peers
// and classifies the NAT: identical observed ports imply cone, differing
// ports imply symmetric.
func (m *Manager) Classify(ctx context.Context) (Class, []dht.Endpoint, error) {
	observed, err := m.reflector.ProbeReflexiveEndpoint(ctx)
	if err != nil {
		return ClassUnknown, nil, errkind.Wrap(errkind.ReflexiveDiscoveryFailed, "reflexive discovery failed", err)
	}
	port := observed[0].Port
	for _, e := range observed[1:] {
		if e.Port != port {
			return ClassSymmetric, observed, nil
		}
	}
	return ClassCone, observed, nil
}

// RendezvousInfo is exchanged out-of-band (DHT rendezvous, hub signaling,
// or gossip) so both sides know where and when to punch.
type RendezvousInfo struct {
	Reflexive dht.Endpoint
	At        time.Time
}

// PunchCoordinator negotiates and executes the timed simultaneous send and
// hands the resulting flow to an upgrader for the mandatory DTLS step.
type PunchCoordinator struct {
	conn *net.UDPConn
}

// NewPunchCoordinator binds the UDP socket used for both probing and
// punching.
func NewPunchCoordinator(port int) (*PunchCoordinator, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errkind.Wrap(errkind.NetworkUnreachable, "bind hole-punch socket", err)
	}
	return &PunchCoordinator{conn: conn}, nil
}

// Close releases the underlying socket.
func (p *PunchCoordinator) Close() error { return p.conn.Close() }

// Negotiate picks a near-future synchronized timestamp, defaulting to
// now+5s per §4.3.
func Negotiate(now time.Time) time.Time {
	return now.Add(5 * time.Second)
}

// burstCount is the number of datagrams sent per punch attempt, to survive
// isolated packet loss without needing retransmission logic.
const burstCount = 6

// Punch waits until t, then sends a burst of datagrams to target and
// listens for any inbound datagram from that same address within timeout.
// It returns nil as soon as one datagram from target arrives (reachability
// is checked in the inbound direction only); the socket for the subsequent
// upgrade is available from Conn.
func (p *PunchCoordinator) Punch(ctx context.Context, target *net.UDPAddr, t time.Time, timeout time.Duration) error {
	select {
	case <-time.After(time.Until(t)):
	case <-ctx.Done():
		return errkind.Wrap(errkind.Cancelled, "punch cancelled before scheduled time", ctx.Err())
	}

	marker := []byte("dpc-punch")
	for i := 0; i < burstCount; i++ {
		if _, err := p.conn.WriteToUDP(marker, target); err != nil {
			log.WithError(err).Debug("nat: punch datagram send failed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.Now().Add(timeout)
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	buf := make([]byte, 1500)
	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return errkind.Wrap(errkind.PunchTimeout, "no datagram received from peer", err)
		}
		if addr.IP.Equal(target.IP) && addr.Port == target.Port {
			_ = n
			return nil
		}
		// Stray datagram from someone else: keep waiting until the deadline.
		if time.Now().After(deadline) {
			return errkind.New(errkind.PunchTimeout, "deadline exceeded waiting for peer datagram")
		}
	}
}

// Conn exposes the underlying socket for the subsequent DTLS upgrade.
func (p *PunchCoordinator) Conn() *net.UDPConn { return p.conn }

// String renders a Class as a user-facing string, used by
// callers that only need to log or report the outcome.
func (c Class) String() string { return string(c) }

// ErrSymmetricNAT is returned by orchestrator strategy 4 immediately
// without attempting a punch, per the symmetric-NAT edge case in §4.3.
var ErrSymmetricNAT = errkind.New(errkind.NatSymmetric, "symmetric nat detected, hole punch not attempted")
