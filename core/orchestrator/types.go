// Package orchestrator implements the six-strategy connection fallback
// hierarchy (§4.6): given a target NodeId it tries, in strict priority
// order and under per-strategy time budgets, IPv6 direct TLS, IPv4 direct
// TLS, hub-signaled WebRTC, UDP hole-punch+DTLS, volunteer relay, and
// finally epidemic gossip as a degraded best-effort fallback. The first
// strategy to succeed wins; every attempt is recorded for the caller.
package orchestrator

import (
	"context"
	"time"

	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// Outcome classifies how a single strategy attempt ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeSkipped Outcome = "skipped"
)

// Attempt records one strategy's result, per §4.6's per-attempt statistics
// requirement.
type Attempt struct {
	Strategy  session.Strategy
	Outcome   Outcome
	LatencyMs int64
	ErrorKind errkind.Kind
}

// Stats is the full per-connect record of every strategy tried, in order.
type Stats struct {
	Attempts []Attempt
}

func (s *Stats) record(strategy session.Strategy, outcome Outcome, started time.Time, err error) {
	a := Attempt{
		Strategy:  strategy,
		Outcome:   outcome,
		LatencyMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		if k, ok := errkind.Of(err); ok {
			a.ErrorKind = k
		}
	}
	s.Attempts = append(s.Attempts, a)
}

// Conn is the uniform interface both a real Session (strategies 1-5) and
// the degraded GossipSession (strategy 6) satisfy, matching §4.7's
// send/recv/close/peer_node_id/strategy_used contract.
type Conn interface {
	Send(payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
	PeerNodeID() identity.NodeId
	StrategyUsed() session.Strategy
}

// strategyFunc is the shape every one of the six strategies implements,
// dependency-injected onto the Orchestrator so tests can substitute
// instantly-failing or instantly-succeeding stand-ins without real sockets.
type strategyFunc func(ctx context.Context, target identity.NodeId) (Conn, error)
