// Package session implements the uniform framed-transport contract every
// connection strategy hands back to consumers: length-prefixed frames,
// idleness keepalive, explicit state machine, and single-owner close.
package session

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// State is a session's position in the Idle -> Handshaking -> Open ->
// Closing -> Closed state machine (§4.10). Transitions are monotonic.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Strategy names the connection method that produced a Session.
type Strategy string

const (
	StrategyIPv6Direct   Strategy = "ipv6_direct"
	StrategyIPv4Direct   Strategy = "ipv4_direct"
	StrategyWebRTC       Strategy = "hub_webrtc"
	StrategyHolePunch    Strategy = "udp_hole_punch"
	StrategyRelay        Strategy = "volunteer_relay"
	StrategyGossip       Strategy = "gossip"
)

const (
	keepaliveInterval   = 30 * time.Second
	maxMissedKeepalives = 3
	maxFrameLen         = 16 << 20 // 16MiB, generous upper bound on an opaque payload
)

// Session is a bidirectional, confidential, integrity-protected byte
// channel to a known, certificate-bound NodeId. It is created by the
// orchestrator, handed to exactly one consumer, and closed exactly once.
type Session struct {
	conn     io.ReadWriteCloser
	peerID   identity.NodeId
	strategy Strategy

	mu    sync.Mutex
	state State

	inbox      chan []byte
	sendMu     sync.Mutex
	closeOnce  sync.Once
	closeErr   error
	missed     int
	lastActive time.Time
	done       chan struct{}
}

// New wraps conn as an Open session. The caller is expected to have
// completed the handshake (TLS/DTLS/WebRTC/relay inner-session) before
// calling New — Session itself only manages framing and liveness.
func New(conn io.ReadWriteCloser, peerID identity.NodeId, strategy Strategy) *Session {
	s := &Session{
		conn:       conn,
		peerID:     peerID,
		strategy:   strategy,
		state:      StateOpen,
		inbox:      make(chan []byte, 64),
		lastActive: time.Now(),
		done:       make(chan struct{}),
	}
	go s.readLoop()
	go s.keepaliveLoop()
	return s
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerNodeID returns the session's authenticated remote NodeId.
func (s *Session) PeerNodeID() identity.NodeId { return s.peerID }

// StrategyUsed returns which of the six strategies produced this session.
func (s *Session) StrategyUsed() Strategy { return s.strategy }

// Send writes one frame. Concurrent Send calls are serialized so that
// writes from multiple goroutines do not interleave on the wire.
func (s *Session) Send(payload []byte) error {
	if s.State() != StateOpen {
		return errkind.New(errkind.PeerClosed, "session is not open")
	}
	return s.writeFrame(payload)
}

func (s *Session) writeFrame(payload []byte) error {
	if len(payload) > maxFrameLen {
		return errkind.New(errkind.FrameTooLarge, "frame exceeds maximum length")
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return errkind.Wrap(errkind.PeerClosed, "write frame header", err)
	}
	if len(payload) > 0 {
		if _, err := s.conn.Write(payload); err != nil {
			return errkind.Wrap(errkind.PeerClosed, "write frame body", err)
		}
	}
	return nil
}

// Recv blocks until the next payload frame arrives, the session closes, or
// ctx is cancelled. Keepalive frames are consumed internally and never
// surfaced here.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-s.inbox:
		if !ok {
			return nil, s.closeErrOrDefault()
		}
		return b, nil
	case <-s.done:
		return nil, s.closeErrOrDefault()
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.Cancelled, "recv cancelled", ctx.Err())
	}
}

func (s *Session) closeErrOrDefault() error {
	if s.closeErr != nil {
		return s.closeErr
	}
	return errkind.New(errkind.PeerClosed, "session closed")
}

func (s *Session) readLoop() {
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
			s.fail(errkind.Wrap(errkind.PeerClosed, "read frame header", err))
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxFrameLen {
			s.fail(errkind.New(errkind.FrameTooLarge, "peer sent oversized frame"))
			return
		}
		s.mu.Lock()
		s.lastActive = time.Now()
		s.missed = 0
		s.mu.Unlock()

		if n == 0 {
			// Empty frames are the keepalive heartbeat: liveness is recorded
			// above, nothing is surfaced to the consumer.
			continue
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(s.conn, body); err != nil {
			s.fail(errkind.Wrap(errkind.PeerClosed, "read frame body", err))
			return
		}
		select {
		case s.inbox <- body:
		case <-s.done:
			return
		}
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActive) >= keepaliveInterval
			s.mu.Unlock()
			if !idle {
				continue
			}
			if err := s.writeFrame(nil); err != nil {
				s.fail(errkind.Wrap(errkind.PeerClosed, "keepalive send failed", err))
				return
			}
			s.mu.Lock()
			s.missed++
			missed := s.missed
			s.mu.Unlock()
			if missed > maxMissedKeepalives {
				s.fail(errkind.New(errkind.PeerClosed, "peer unreachable: missed 3 consecutive keepalives"))
				return
			}
		case <-s.done:
			return
		}
	}
}

// fail and Close both route through closeOnce: the inbox channel is never
// closed (readLoop is the only sender and selects on done alongside it),
// avoiding a send-on-closed-channel race between the two goroutines.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.closeErr = err
		close(s.done)
		_ = s.conn.Close()
		s.setState(StateClosed)
		log.WithFields(log.Fields{"peer": s.peerID, "strategy": s.strategy}).WithError(err).Debug("session closed")
	})
}

// Close tears the session down exactly once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)
		s.closeErr = s.conn.Close()
		s.setState(StateClosed)
	})
	return nil
}
