package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dpcmesh/dpcnode/core/dht"
	"github.com/dpcmesh/dpcnode/core/gossip"
	"github.com/dpcmesh/dpcnode/core/nat"
	"github.com/dpcmesh/dpcnode/core/relay"
	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
	"github.com/dpcmesh/dpcnode/pkg/metrics"
)

// directHandshakeTimeout bounds an inbound direct connection's TLS
// handshake on the listener side (§4.7 framing applies the same budget
// philosophy to the accept path as to the dial path).
const directHandshakeTimeout = 10 * time.Second

// Budgets holds the per-strategy time allowances of §4.6's table, in
// seconds, matching config.Config.Connection's field names one-to-one.
type Budgets struct {
	IPv6Timeout      int
	IPv4Timeout      int
	WebRTCTimeout    int
	HolePunchTimeout int
	RelayTimeout     int
	GossipTimeout    int
	PreflightBudget  int
}

// DefaultBudgets returns the §4.6 table's defaults.
func DefaultBudgets() Budgets {
	return Budgets{IPv6Timeout: 60, IPv4Timeout: 60, WebRTCTimeout: 30, HolePunchTimeout: 15, RelayTimeout: 20, GossipTimeout: 5, PreflightBudget: 30}
}

// Enable toggles each of the six strategies independently, per
// config.Config.Connection's enable_* switches. A disabled strategy is
// skipped entirely and recorded as OutcomeSkipped.
type Enable struct {
	IPv6       bool
	IPv4       bool
	WebRTC     bool
	HolePunch  bool
	Relay      bool
	Gossip     bool
}

// DefaultEnable enables every strategy.
func DefaultEnable() Enable {
	return Enable{IPv6: true, IPv4: true, WebRTC: true, HolePunch: true, Relay: true, Gossip: true}
}

// Orchestrator is bound to one node's own identity and its supporting
// managers, and tries the six strategies, in order, against whatever
// target a caller names.
type Orchestrator struct {
	id      *identity.Identity
	dhtC    *dht.DHT
	natMgr  *nat.Manager
	hub     HubSignaler
	relayD  relay.Dialer
	gossipR *gossip.Router
	metrics *metrics.Metrics

	budgets Budgets
	enable  Enable

	udpPort            int
	dtlsHandshakeTimeout time.Duration
	preferredRelayRegion string
	stunServers          []string
}

// Deps bundles an Orchestrator's collaborators. Any may be nil; the
// corresponding strategy (or strategies) that needs it then fails its
// precondition check rather than panicking, so a node that has not yet
// bootstrapped the DHT, for instance, can still attempt gossip.
type Deps struct {
	Identity             *identity.Identity
	DHT                  *dht.DHT
	NAT                  *nat.Manager
	Hub                  HubSignaler
	RelayDialer          relay.Dialer
	GossipRouter         *gossip.Router
	Metrics              *metrics.Metrics
	UDPPort              int
	DTLSHandshakeTimeout time.Duration
	PreferredRelayRegion string
	STUNServers          []string
}

// New builds an Orchestrator with the given budgets/enable switches and
// collaborators. Zero-value Budgets/Enable are replaced with the spec
// defaults.
func New(deps Deps, budgets Budgets, enable Enable) *Orchestrator {
	if budgets == (Budgets{}) {
		budgets = DefaultBudgets()
	}
	if enable == (Enable{}) {
		enable = DefaultEnable()
	}
	dtlsTimeout := deps.DTLSHandshakeTimeout
	if dtlsTimeout <= 0 {
		dtlsTimeout = 3 * time.Second
	}
	return &Orchestrator{
		id:                   deps.Identity,
		dhtC:                 deps.DHT,
		natMgr:               deps.NAT,
		hub:                  deps.Hub,
		relayD:               deps.RelayDialer,
		gossipR:              deps.GossipRouter,
		metrics:              deps.Metrics,
		budgets:              budgets,
		enable:               enable,
		udpPort:              deps.UDPPort,
		dtlsHandshakeTimeout: dtlsTimeout,
		preferredRelayRegion: deps.PreferredRelayRegion,
		stunServers:          deps.STUNServers,
	}
}

type step struct {
	strategy session.Strategy
	enabled  bool
	budget   time.Duration
	run      strategyFunc
}

func (o *Orchestrator) steps(target identity.NodeId) []step {
	return []step{
		{
			strategy: session.StrategyIPv6Direct,
			enabled:  o.enable.IPv6 && o.dhtC != nil && o.id != nil,
			budget:   time.Duration(o.budgets.IPv6Timeout) * time.Second,
			run: func(ctx context.Context, target identity.NodeId) (Conn, error) {
				return dialDirectTLS(ctx, o.dhtC, o.id, target, true, session.StrategyIPv6Direct)
			},
		},
		{
			strategy: session.StrategyIPv4Direct,
			enabled:  o.enable.IPv4 && o.dhtC != nil && o.id != nil,
			budget:   time.Duration(o.budgets.IPv4Timeout) * time.Second,
			run: func(ctx context.Context, target identity.NodeId) (Conn, error) {
				return dialDirectTLS(ctx, o.dhtC, o.id, target, false, session.StrategyIPv4Direct)
			},
		},
		{
			strategy: session.StrategyWebRTC,
			enabled:  o.enable.WebRTC && o.hub != nil,
			budget:   time.Duration(o.budgets.WebRTCTimeout) * time.Second,
			run: func(ctx context.Context, target identity.NodeId) (Conn, error) {
				return dialWebRTC(ctx, o.hub, target, o.stunServers)
			},
		},
		{
			strategy: session.StrategyHolePunch,
			enabled:  o.enable.HolePunch && o.dhtC != nil && o.natMgr != nil && o.id != nil,
			budget:   time.Duration(o.budgets.HolePunchTimeout) * time.Second,
			run: func(ctx context.Context, target identity.NodeId) (Conn, error) {
				return dialHolePunch(ctx, o.dhtC, o.natMgr, o.id, target, o.udpPort, o.dtlsHandshakeTimeout)
			},
		},
		{
			strategy: session.StrategyRelay,
			enabled:  o.enable.Relay && o.dhtC != nil && o.relayD != nil && o.id != nil,
			budget:   time.Duration(o.budgets.RelayTimeout) * time.Second,
			run: func(ctx context.Context, target identity.NodeId) (Conn, error) {
				return dialRelay(ctx, o.dhtC, o.id, target, o.relayD, o.preferredRelayRegion)
			},
		},
		{
			strategy: session.StrategyGossip,
			enabled:  o.enable.Gossip && o.gossipR != nil,
			budget:   time.Duration(o.budgets.GossipTimeout) * time.Second,
			run: func(ctx context.Context, target identity.NodeId) (Conn, error) {
				return dialGossip(ctx, o.gossipR, target)
			},
		},
	}
}

// Connect implements §4.6's entry point: try the six strategies in strict
// priority order, returning the first successful session. If every enabled
// strategy fails, the aggregate error is AllStrategiesExhausted carrying
// the full Stats so the caller can present an actionable message.
func (o *Orchestrator) Connect(ctx context.Context, target identity.NodeId) (Conn, *Stats, error) {
	conn, stats, err := runSteps(ctx, o.steps(target), target)
	for _, a := range stats.Attempts {
		o.metrics.RecordOrchestratorAttempt(string(a.Strategy), string(a.Outcome), a.LatencyMs)
	}
	return conn, stats, err
}

// maxStrategyRetries bounds §7's "transient network failures inside a
// strategy retry up to twice within the strategy's budget" — a per-strategy
// failure itself (after retries are exhausted) still causes the
// orchestrator to advance, never to retry a different strategy.
const maxStrategyRetries = 2

// isTransientNetworkFailure reports whether err is the class of failure §7
// allows an in-strategy retry for: a momentary network-layer hiccup, not a
// precondition, identity, or protocol failure that a retry cannot fix.
func isTransientNetworkFailure(err error) bool {
	k, ok := errkind.Of(err)
	if !ok {
		return false
	}
	switch k {
	case errkind.DNSFailure, errkind.NetworkUnreachable, errkind.ConnectionRefused, errkind.Timeout:
		return true
	default:
		return false
	}
}

// runSteps drives a concrete []step list to completion; split out from
// Connect so tests can exercise the ordering/cancellation/exhaustion logic
// against fake strategyFuncs without standing up real network dependencies.
func runSteps(ctx context.Context, steps []step, target identity.NodeId) (Conn, *Stats, error) {
	stats := &Stats{}
	for _, st := range steps {
		if ctx.Err() != nil {
			stats.record(st.strategy, OutcomeFailure, time.Now(), errkind.Wrap(errkind.Cancelled, "connect cancelled", ctx.Err()))
			return nil, stats, errkind.Wrap(errkind.Cancelled, "connect cancelled", ctx.Err())
		}
		if !st.enabled {
			stats.record(st.strategy, OutcomeSkipped, time.Now(), nil)
			continue
		}

		started := time.Now()
		stratCtx, cancel := context.WithTimeout(ctx, st.budget)
		conn, err := st.run(stratCtx, target)
		for attempt := 0; err != nil && attempt < maxStrategyRetries && isTransientNetworkFailure(err) && stratCtx.Err() == nil; attempt++ {
			conn, err = st.run(stratCtx, target)
		}
		cancel()

		if err == nil {
			stats.record(st.strategy, OutcomeSuccess, started, nil)
			return conn, stats, nil
		}
		stats.record(st.strategy, OutcomeFailure, started, err)
		if errkind.Is(err, errkind.Cancelled) && ctx.Err() != nil {
			// The outer ctx, not just this strategy's budget, was cancelled:
			// per §4.6 cancellation semantics, stop immediately rather than
			// advancing to the next strategy.
			return nil, stats, err
		}
	}
	return nil, stats, allStrategiesExhausted(stats)
}

func allStrategiesExhausted(stats *Stats) error {
	var parts []string
	for _, a := range stats.Attempts {
		if a.Outcome == OutcomeFailure {
			parts = append(parts, fmt.Sprintf("%s=%s", a.Strategy, a.ErrorKind))
		}
	}
	return errkind.New(errkind.AllStrategiesExhausted, "all strategies exhausted: "+strings.Join(parts, ", "))
}
