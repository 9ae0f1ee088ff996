package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
	"github.com/dpcmesh/dpcnode/pkg/metrics"
)

// Config tunes the epidemic layer, mirroring config.Config.Gossip.
type Config struct {
	Fanout       int
	MaxHops      int
	TTL          time.Duration
	SyncInterval time.Duration
}

type stored struct {
	msg      Message
	storedAt time.Time
}

// Router is the local node's gossip participant: it tracks connected
// gossip-capable sessions, forwards and deduplicates messages, delivers
// locally addressed ones, and runs periodic anti-entropy against a random
// peer.
type Router struct {
	self identity.NodeId
	cfg  Config

	mu    sync.Mutex
	seq   uint64
	clock map[identity.NodeId]uint64
	store map[string]stored
	peers map[identity.NodeId]*session.Session

	inbox chan DeliveredMessage
	done  chan struct{}
	once  sync.Once

	metrics *metrics.Metrics
}

// DeliveredMessage is a locally delivered gossip payload handed to Recv.
type DeliveredMessage struct {
	Source  identity.NodeId
	Payload []byte
}

// NewRouter constructs a Router for this node. self is this node's id.
func NewRouter(self identity.NodeId, cfg Config) *Router {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 3
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	r := &Router{
		self:  self,
		cfg:   cfg,
		clock: make(map[identity.NodeId]uint64),
		store: make(map[string]stored),
		peers: make(map[identity.NodeId]*session.Session),
		inbox: make(chan DeliveredMessage, 256),
		done:  make(chan struct{}),
	}
	go r.antiEntropyLoop()
	return r
}

// SetMetrics wires a Metrics sink; nil disables instrumentation (the
// default). Call before the router sees concurrent traffic.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// AddPeer registers a session as a gossip-capable link and starts reading
// gossip frames from it. A given peer may only be registered once; a later
// AddPeer call for an already-registered peer replaces the link.
func (r *Router) AddPeer(sess *session.Session) {
	peerID := sess.PeerNodeID()
	r.mu.Lock()
	r.peers[peerID] = sess
	n := len(r.peers)
	r.mu.Unlock()
	r.metrics.SetGossipPeerCount(n)
	go r.readLoop(sess)
}

// PeerCount reports how many gossip-capable sessions are currently
// registered, the orchestrator's precondition check for strategy 6.
func (r *Router) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// RemovePeer drops a peer's gossip link, typically once its session closes.
func (r *Router) RemovePeer(peerID identity.NodeId) {
	r.mu.Lock()
	delete(r.peers, peerID)
	n := len(r.peers)
	r.mu.Unlock()
	r.metrics.SetGossipPeerCount(n)
}

// Close stops the anti-entropy loop. Registered sessions are not closed;
// callers own their lifecycle.
func (r *Router) Close() {
	r.once.Do(func() { close(r.done) })
}

// Send originates a new gossip message addressed to destination (or
// broadcast, if destination is empty) and fans it out to up to
// cfg.Fanout connected peers.
func (r *Router) Send(destination identity.NodeId, payload []byte) (string, error) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	id := messageID(r.self, seq)
	if r.clock[r.self] < seq {
		r.clock[r.self] = seq
	}
	msg := Message{
		ID:               id,
		Source:           r.self,
		Destination:      destination,
		Hops:             0,
		MaxHops:          r.cfg.MaxHops,
		AlreadyForwarded: []identity.NodeId{r.self},
		VectorClock:      cloneClock(r.clock),
		TTLExpiresAt:     time.Now().Add(r.cfg.TTL),
		Payload:          payload,
	}
	r.store[id] = stored{msg: msg, storedAt: time.Now()}
	targets := r.pickFanoutLocked(msg.AlreadyForwarded)
	depth := len(r.store)
	r.mu.Unlock()

	r.metrics.SetGossipQueueDepth(depth)
	r.forwardTo(targets, msg)
	return id, nil
}

// Recv blocks until a locally addressed (or broadcast) message arrives, the
// router closes, or ctx is cancelled.
func (r *Router) Recv(ctx context.Context) (DeliveredMessage, error) {
	select {
	case m := <-r.inbox:
		return m, nil
	case <-r.done:
		return DeliveredMessage{}, errkind.New(errkind.PeerClosed, "gossip router closed")
	case <-ctx.Done():
		return DeliveredMessage{}, errkind.Wrap(errkind.Cancelled, "gossip recv cancelled", ctx.Err())
	}
}

func cloneClock(in map[identity.NodeId]uint64) map[identity.NodeId]uint64 {
	out := make(map[identity.NodeId]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// pickFanoutLocked chooses up to cfg.Fanout peers not already in exclude.
// Caller must hold r.mu.
func (r *Router) pickFanoutLocked(exclude []identity.NodeId) []*session.Session {
	excluded := make(map[identity.NodeId]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	candidates := make([]*session.Session, 0, len(r.peers))
	for id, sess := range r.peers {
		if _, skip := excluded[id]; skip {
			continue
		}
		candidates = append(candidates, sess)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > r.cfg.Fanout {
		candidates = candidates[:r.cfg.Fanout]
	}
	return candidates
}

func (r *Router) forwardTo(targets []*session.Session, msg Message) {
	raw, err := encodeMessage(msg)
	if err != nil {
		log.WithError(err).Error("gossip: encode message for forward")
		return
	}
	for _, sess := range targets {
		if err := sess.Send(raw); err != nil {
			log.WithField("peer", sess.PeerNodeID()).WithError(err).Debug("gossip: forward failed")
		}
	}
}

func (r *Router) readLoop(sess *session.Session) {
	peerID := sess.PeerNodeID()
	ctx := context.Background()
	for {
		raw, err := sess.Recv(ctx)
		if err != nil {
			r.RemovePeer(peerID)
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			log.WithField("peer", peerID).WithError(err).Debug("gossip: malformed envelope")
			continue
		}
		switch env.Type {
		case MsgGossipMessage:
			r.handleMessage(env.Body, peerID)
		case MsgGossipSyncClock:
			r.handleSyncClock(env.Body, peerID)
		case MsgGossipRequest:
			r.handleRequest(env.Body, peerID)
		}
	}
}
