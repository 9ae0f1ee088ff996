package orchestrator

import (
	"context"

	"github.com/dpcmesh/dpcnode/core/gossip"
	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// GossipSession is the "degraded session" of §4.6: when strategies 1-5 all
// fail, send transparently fans the payload out via epidemic gossip and
// recv is fed by the router's local inbox filtered to this peer. Round
// trips are unbounded — callers must treat this differently from a real
// session, which is exactly why it is its own named type rather than a
// *session.Session.
type GossipSession struct {
	router *gossip.Router
	peer   identity.NodeId
}

// Send fans payload out across the gossip mesh addressed to the peer.
func (g *GossipSession) Send(payload []byte) error {
	_, err := g.router.Send(g.peer, payload)
	return err
}

// Recv blocks for the next gossip message from this peer specifically,
// discarding deliveries from anyone else back onto nothing (gossip is
// fundamentally multi-sender; a degraded session narrows the view to one
// correspondent by filtering).
func (g *GossipSession) Recv(ctx context.Context) ([]byte, error) {
	for {
		msg, err := g.router.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if msg.Source == g.peer {
			return msg.Payload, nil
		}
	}
}

// Close is a no-op: the underlying router is shared across every degraded
// session and every other strategy's fallback path, so it outlives any one
// GossipSession.
func (g *GossipSession) Close() error { return nil }

// PeerNodeID returns the degraded session's correspondent.
func (g *GossipSession) PeerNodeID() identity.NodeId { return g.peer }

// StrategyUsed always reports gossip for a degraded session.
func (g *GossipSession) StrategyUsed() session.Strategy { return session.StrategyGossip }

// dialGossip implements strategy 6: accept immediately if the router has
// at least one connected peer to fan out through, per "any connected peer"
// in §4.6's precondition column.
func dialGossip(ctx context.Context, router *gossip.Router, target identity.NodeId) (Conn, error) {
	if router == nil {
		return nil, errkind.New(errkind.StrategyPreconditionUnmet, "no gossip router configured")
	}
	if router.PeerCount() == 0 {
		return nil, errkind.New(errkind.StrategyPreconditionUnmet, "no connected gossip peer")
	}
	select {
	case <-ctx.Done():
		return nil, errkind.Wrap(errkind.Cancelled, "gossip strategy cancelled", ctx.Err())
	default:
	}
	return &GossipSession{router: router, peer: target}, nil
}
