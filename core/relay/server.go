package relay

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"

	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
	"github.com/dpcmesh/dpcnode/pkg/metrics"
)

// DefaultRateLimit is the default per-registered-peer message rate, per §4.5.
const DefaultRateLimit = 100

type pendingReg struct {
	from identity.NodeId
	sess *session.Session
}

type link struct {
	partner     identity.NodeId
	partnerSess *session.Session
	limiter     *rate.Limiter
}

// Server is a volunteer relay's forwarding table: writers register on
// RELAY_REGISTER/RELAY_UNREGISTER, readers consult it on every forwarded
// RELAY_MESSAGE. It never inspects or retains the opaque payload beyond
// the single forward.
type Server struct {
	maxPeers  int
	rateLimit float64

	mu      sync.Mutex
	pending map[string]*pendingReg
	active  map[identity.NodeId]*link

	metrics *metrics.Metrics
}

// SetMetrics wires a Metrics sink; nil disables instrumentation (the
// default). Call before the server sees concurrent traffic.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// NewServer returns a relay server accepting up to maxPeers concurrently
// registered peers, each rate limited to rateLimit messages/second
// (DefaultRateLimit if rateLimit <= 0).
func NewServer(maxPeers int, rateLimit float64) *Server {
	if rateLimit <= 0 {
		rateLimit = DefaultRateLimit
	}
	return &Server{
		maxPeers:  maxPeers,
		rateLimit: rateLimit,
		pending:   make(map[string]*pendingReg),
		active:    make(map[identity.NodeId]*link),
	}
}

func pairKey(a, b identity.NodeId) string {
	if a < b {
		return string(a) + "|" + string(b)
	}
	return string(b) + "|" + string(a)
}

// HandleConnection services one relay client's session until it closes.
func (s *Server) HandleConnection(sess *session.Session) {
	from := sess.PeerNodeID()
	ctx := context.Background()
	defer s.disconnect(from)

	for {
		raw, err := sess.Recv(ctx)
		if err != nil {
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			log.WithField("peer", from).WithError(err).Debug("relay: malformed envelope")
			continue
		}
		switch env.Type {
		case MsgRegister:
			var body registerBody
			if jsonErr := decodeBody(env.Body, &body); jsonErr != nil {
				continue
			}
			s.register(from, body.Target, sess)
		case MsgMessage:
			var body messageBody
			if jsonErr := decodeBody(env.Body, &body); jsonErr != nil {
				continue
			}
			s.forward(from, body.Opaque, sess)
		case MsgUnregister:
			s.disconnect(from)
			return
		}
	}
}

func decodeBody(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func (s *Server) register(from, target identity.NodeId, sess *session.Session) {
	key := pairKey(from, target)

	s.mu.Lock()
	if other, ok := s.pending[key]; ok && other.from == target {
		delete(s.pending, key)
		aLimiter := rate.NewLimiter(rate.Limit(s.rateLimit), int(s.rateLimit))
		bLimiter := rate.NewLimiter(rate.Limit(s.rateLimit), int(s.rateLimit))
		s.active[from] = &link{partner: target, partnerSess: other.sess, limiter: aLimiter}
		s.active[target] = &link{partner: from, partnerSess: sess, limiter: bLimiter}
		peers := s.currentPeersLocked()
		s.mu.Unlock()
		s.metrics.SetRelayPeerCount(peers)

		ready, err := encodeSessionReady()
		if err == nil {
			_ = sess.Send(ready)
			_ = other.sess.Send(ready)
		}
		return
	}

	if s.maxPeers > 0 && s.currentPeersLocked() >= s.maxPeers {
		s.mu.Unlock()
		if raw, err := encodeError(errkind.RelayRejected); err == nil {
			_ = sess.Send(raw)
		}
		return
	}
	s.pending[key] = &pendingReg{from: from, sess: sess}
	s.mu.Unlock()
}

func (s *Server) currentPeersLocked() int {
	return len(s.active)
}

func (s *Server) forward(from identity.NodeId, opaque []byte, sess *session.Session) {
	s.mu.Lock()
	l, ok := s.active[from]
	s.mu.Unlock()
	if !ok {
		return
	}
	if !l.limiter.Allow() {
		s.metrics.IncRelayRateLimited()
		if raw, err := encodeError(errkind.RelayRateLimited); err == nil {
			_ = sess.Send(raw)
		}
		return
	}
	raw, err := encodeMessage(opaque)
	if err != nil {
		return
	}
	if err := l.partnerSess.Send(raw); err != nil {
		log.WithFields(log.Fields{"from": from, "to": l.partner}).WithError(err).Debug("relay: forward failed")
	}
}

func (s *Server) disconnect(id identity.NodeId) {
	s.mu.Lock()
	l, ok := s.active[id]
	if ok {
		delete(s.active, id)
		delete(s.active, l.partner)
	}
	for key, p := range s.pending {
		if p.from == id {
			delete(s.pending, key)
		}
	}
	peers := s.currentPeersLocked()
	s.mu.Unlock()

	if ok {
		s.metrics.SetRelayPeerCount(peers)
		if raw, err := encodeError(errkind.RelaySessionClosedByPeer); err == nil {
			_ = l.partnerSess.Send(raw)
		}
	}
}

// ActivePeers reports the number of currently paired peers (not counting
// half-open pending registrations).
func (s *Server) ActivePeers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPeersLocked()
}
