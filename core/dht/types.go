// Package dht implements a Kademlia-style routing table and iterative
// lookup protocol used for peer discovery, endpoint announcement, and
// relay advertisement, per the design's DHT component (k=20, alpha=3,
// 160-bit key space).
package dht

import (
	"crypto/sha256"
	"sort"
	"time"

	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// KeyBits is the size of the Kademlia key space in bits.
const KeyBits = 160
const keyBytes = KeyBits / 8

// Key is a 160-bit Kademlia key, derived by truncating SHA-256.
type Key [keyBytes]byte

// KeyFromNodeId derives a Key from a NodeId.
func KeyFromNodeId(id identity.NodeId) Key {
	return keyFromBytes([]byte(id))
}

// KeyFromString derives a Key for an arbitrary string, used for namespaced
// keys such as "relay:<node_id>".
func KeyFromString(s string) Key {
	return keyFromBytes([]byte(s))
}

func keyFromBytes(b []byte) Key {
	sum := sha256.Sum256(b)
	var k Key
	copy(k[:], sum[:keyBytes])
	return k
}

// Distance is the XOR distance between two keys, used to order and bucket
// contacts.
func Distance(a, b Key) Key {
	var d Key
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is numerically smaller than b, treating both as
// big-endian unsigned integers.
func (a Key) Less(b Key) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// leadingZeroBits returns the bucket index (0..KeyBits-1) a key with this
// distance from the local node falls into: the count of leading zero bits.
func (a Key) leadingZeroBits() int {
	for i, b := range a {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>bit) != 0 {
				return i*8 + bit
			}
		}
	}
	return KeyBits - 1
}

// Transport identifies the kind of encrypted transport an Endpoint speaks.
type Transport string

const (
	TransportTCPTLS  Transport = "tcp-tls"
	TransportUDPDTLS Transport = "udp-dtls"
)

// Endpoint is a reachable network location for a node.
type Endpoint struct {
	IP        string    `json:"ip"`
	Port      int       `json:"port"`
	Transport Transport `json:"transport"`
}

// Capability flags a node may advertise.
const (
	CapTLSDirect   = "tls_direct"
	CapUDPPunch    = "udp_punch"
	CapRelayServer = "relay_server"
	CapGossip      = "gossip"
)

// PeerRecord is the DHT value stored under hash(node_id).
type PeerRecord struct {
	NodeID            identity.NodeId `json:"node_id"`
	Endpoints         []Endpoint      `json:"endpoints"`
	Capabilities      []string        `json:"capabilities"`
	AnnounceTimestamp time.Time       `json:"announce_timestamp"`
	Signature         []byte          `json:"signature,omitempty"`
}

// HasCapability reports whether the record advertises cap.
func (r PeerRecord) HasCapability(cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Expired reports whether the record is older than ttl.
func (r PeerRecord) Expired(ttl time.Duration) bool {
	return time.Since(r.AnnounceTimestamp) > ttl
}

// RelayAdvertisement is the DHT value stored under "relay:<node_id>".
type RelayAdvertisement struct {
	NodeID          identity.NodeId `json:"node_id"`
	Endpoint        Endpoint        `json:"endpoint"`
	MaxPeers        int             `json:"max_peers"`
	CurrentPeers    int             `json:"current_peers"`
	UptimeFraction  float64         `json:"uptime_fraction"`
	LatencyMs       float64         `json:"latency_ms"`
	Region          string          `json:"region"`
	BandwidthLimit  float64         `json:"bandwidth_limit"`
	AnnounceTime    time.Time       `json:"announce_time"`
}

// QualityScore implements the §3 scoring formula:
// 0.5*uptime + 0.3*(1 - current/max) + 0.2*(1 - min(latency,500)/500).
func (r RelayAdvertisement) QualityScore() float64 {
	occupancy := 0.0
	if r.MaxPeers > 0 {
		occupancy = float64(r.CurrentPeers) / float64(r.MaxPeers)
	}
	lat := r.LatencyMs
	if lat > 500 {
		lat = 500
	}
	return 0.5*r.UptimeFraction + 0.3*(1-occupancy) + 0.2*(1-lat/500)
}

// Available reports whether the relay can accept another registration.
func (r RelayAdvertisement) Available() bool {
	return r.CurrentPeers < r.MaxPeers
}

// SortRelaysByScore sorts ads descending by QualityScore, highest first.
func SortRelaysByScore(ads []RelayAdvertisement) {
	sort.SliceStable(ads, func(i, j int) bool {
		return ads[i].QualityScore() > ads[j].QualityScore()
	})
}
