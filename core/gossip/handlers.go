package gossip

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// handleMessage implements property #7 (idempotence) and #8 (TTL
// enforcement): a message already in the store is dropped without being
// delivered or re-forwarded; an expired one is dropped outright.
func (r *Router) handleMessage(body json.RawMessage, from identity.NodeId) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		log.WithField("peer", from).WithError(err).Debug("gossip: malformed message body")
		return
	}
	if msg.Expired(time.Now()) {
		return
	}

	r.mu.Lock()
	if _, seen := r.store[msg.ID]; seen {
		r.mu.Unlock()
		return
	}
	r.store[msg.ID] = stored{msg: msg, storedAt: time.Now()}
	if src, seq, ok := parseMessageID(msg.ID); ok {
		if r.clock[src] < seq {
			r.clock[src] = seq
		}
	}
	deliver := msg.Destination == "" || msg.Destination == r.self
	var targets []*session.Session
	if msg.Hops < msg.MaxHops {
		forwarded := append(append([]identity.NodeId(nil), msg.AlreadyForwarded...), r.self)
		targets = r.pickFanoutLocked(append(forwarded, from))
		msg.Hops++
		msg.AlreadyForwarded = forwarded
	}
	depth := len(r.store)
	r.mu.Unlock()
	r.metrics.SetGossipQueueDepth(depth)

	if deliver {
		select {
		case r.inbox <- DeliveredMessage{Source: msg.Source, Payload: msg.Payload}:
		default:
			log.WithField("id", msg.ID).Warn("gossip: inbox full, dropping delivery")
		}
	}
	if len(targets) > 0 {
		r.forwardTo(targets, msg)
	}
}

// handleSyncClock implements the pull half of anti-entropy: for every
// source where the peer's clock is ahead of ours, we are missing messages
// and request them by their deterministically derived ids.
func (r *Router) handleSyncClock(body json.RawMessage, from identity.NodeId) {
	var b syncClockBody
	if err := json.Unmarshal(body, &b); err != nil {
		log.WithField("peer", from).WithError(err).Debug("gossip: malformed sync_clock body")
		return
	}

	r.mu.Lock()
	var missing []string
	for src, peerSeq := range b.Clock {
		localSeq := r.clock[src]
		for seq := localSeq + 1; seq <= peerSeq; seq++ {
			missing = append(missing, messageID(src, seq))
		}
	}
	sess := r.peers[from]
	r.mu.Unlock()

	if len(missing) == 0 || sess == nil {
		return
	}
	raw, err := encodeRequest(missing)
	if err != nil {
		log.WithError(err).Error("gossip: encode request")
		return
	}
	if err := sess.Send(raw); err != nil {
		log.WithField("peer", from).WithError(err).Debug("gossip: send request failed")
	}
}

// handleRequest answers a peer's GOSSIP_REQUEST by resending any requested
// message this node still has stored and unexpired.
func (r *Router) handleRequest(body json.RawMessage, from identity.NodeId) {
	var b requestBody
	if err := json.Unmarshal(body, &b); err != nil {
		log.WithField("peer", from).WithError(err).Debug("gossip: malformed request body")
		return
	}

	r.mu.Lock()
	sess := r.peers[from]
	var toSend []Message
	now := time.Now()
	for _, id := range b.IDs {
		st, ok := r.store[id]
		if !ok || st.msg.Expired(now) {
			continue
		}
		toSend = append(toSend, st.msg)
	}
	r.mu.Unlock()

	if sess == nil {
		return
	}
	for _, msg := range toSend {
		raw, err := encodeMessage(msg)
		if err != nil {
			continue
		}
		if err := sess.Send(raw); err != nil {
			log.WithField("peer", from).WithError(err).Debug("gossip: send requested message failed")
			return
		}
	}
}

// antiEntropyLoop periodically picks a random connected peer and exchanges
// vector clocks with it.
func (r *Router) antiEntropyLoop() {
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runAntiEntropyTick()
		case <-r.done:
			return
		}
	}
}

func (r *Router) runAntiEntropyTick() {
	r.mu.Lock()
	var peerID identity.NodeId
	var sess *session.Session
	// Go's map iteration order is randomized per-run, so taking the first
	// entry here already gives a random peer without extra bookkeeping.
	for id, s := range r.peers {
		peerID, sess = id, s
		break
	}
	clock := cloneClock(r.clock)
	r.mu.Unlock()

	if sess == nil {
		return
	}
	raw, err := encodeSyncClock(clock)
	if err != nil {
		log.WithError(err).Error("gossip: encode sync_clock")
		return
	}
	if err := sess.Send(raw); err != nil {
		log.WithField("peer", peerID).WithError(err).Debug("gossip: anti-entropy send failed")
	}
}
