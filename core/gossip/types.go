// Package gossip implements the epidemic store-and-forward layer: the
// lowest-priority, infrastructure-independent connection strategy and the
// substrate opportunistic knowledge-commit sync rides on when no direct
// session exists between two nodes.
package gossip

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// Message is one epidemic gossip message, framed inside any established
// session per the wire protocol.
type Message struct {
	ID               string                        `json:"id"`
	Source           identity.NodeId               `json:"source"`
	Destination      identity.NodeId               `json:"destination,omitempty"`
	Hops             int                           `json:"hops"`
	MaxHops          int                           `json:"max_hops"`
	AlreadyForwarded []identity.NodeId             `json:"already_forwarded"`
	VectorClock      map[identity.NodeId]uint64    `json:"vector_clock"`
	TTLExpiresAt     time.Time                     `json:"ttl_expires_at"`
	Payload          []byte                        `json:"payload"`
}

// Expired reports whether m's TTL has passed as of now.
func (m Message) Expired(now time.Time) bool { return now.After(m.TTLExpiresAt) }

// hasForwarded reports whether id already appears in m.AlreadyForwarded.
func (m Message) hasForwarded(id identity.NodeId) bool {
	for _, f := range m.AlreadyForwarded {
		if f == id {
			return true
		}
	}
	return false
}

// messageID derives a deterministic id from a source node and its local
// monotonic sequence counter: "<source>:<seq>". Determinism (rather than a
// random UUID) is what lets anti-entropy peers compute exactly which ids
// the other side is missing from a vector-clock comparison alone, without
// a prior id-list exchange that the wire protocol does not define.
func messageID(source identity.NodeId, seq uint64) string {
	return fmt.Sprintf("%s:%d", source, seq)
}

// parseMessageID recovers (source, seq) from a messageID, or ok=false if
// id was not produced by this scheme (e.g. malformed input from a peer).
func parseMessageID(id string) (source identity.NodeId, seq uint64, ok bool) {
	idx := strings.LastIndex(id, ":")
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseUint(id[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return identity.NodeId(id[:idx]), n, true
}
