package dht

import (
	"net"
	"strconv"
	"strings"

	multiaddr "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
)

// ParseSeedEndpoint decodes one of config.Config.DHT.SeedNodes's multiaddr
// strings (e.g. "/ip4/203.0.113.9/tcp/7946") into an Endpoint, so the
// bootstrap seed list can be authored in the same address notation the
// rest of the retrieved pack's networking code uses rather than a bespoke
// "host:port" format.
func ParseSeedEndpoint(s string) (Endpoint, error) {
	addr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return Endpoint{}, errkind.Wrap(errkind.BootstrapFailed, "parse seed multiaddr", err)
	}
	network, hostport, err := manet.DialArgs(addr)
	if err != nil {
		return Endpoint{}, errkind.Wrap(errkind.BootstrapFailed, "resolve seed multiaddr", err)
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, errkind.Wrap(errkind.BootstrapFailed, "split seed host:port", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, errkind.Wrap(errkind.BootstrapFailed, "parse seed port", err)
	}
	transport := TransportTCPTLS
	if strings.HasPrefix(network, "udp") {
		transport = TransportUDPDTLS
	}
	return Endpoint{IP: host, Port: port, Transport: transport}, nil
}
