package relay

import (
	"context"
	"io"
	"time"

	"github.com/dpcmesh/dpcnode/core/dht"
	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// Dialer opens an authenticated direct session to a relay's endpoint. In
// production this is the orchestrator's IPv6/IPv4 direct-dial strategy;
// tests inject an in-memory stand-in so relay pairing logic can be
// exercised without real sockets.
type Dialer func(ctx context.Context, ep dht.Endpoint, relayID identity.NodeId) (*session.Session, error)

// ObtainRelaySession implements the client-mode flow of §4.4: find
// candidate relays, pick the best-scoring one that is available, register
// for target, and wait for the pairing to complete. The returned
// io.ReadWriteCloser carries only opaque application bytes — any inner
// handshake the caller layers on top of it is invisible to the relay.
func ObtainRelaySession(ctx context.Context, d *dht.DHT, target identity.NodeId, dial Dialer, preferredRegion string) (io.ReadWriteCloser, error) {
	ads, err := d.FindRelays(ctx, nil)
	if err != nil {
		return nil, err
	}

	candidates := make([]dht.RelayAdvertisement, 0, len(ads))
	for _, ad := range ads {
		if !ad.Available() {
			continue
		}
		if preferredRegion != "" && ad.Region != preferredRegion {
			continue
		}
		candidates = append(candidates, ad)
	}
	if len(candidates) == 0 {
		return nil, errkind.New(errkind.NoRelayAvailable, "no available volunteer relay advertised")
	}
	dht.SortRelaysByScore(candidates)

	var lastErr error
	for _, ad := range candidates {
		conn, err := tryRelay(ctx, ad, target, dial)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	if lastErr == nil {
		lastErr = errkind.New(errkind.NoRelayAvailable, "all candidate relays failed")
	}
	return nil, lastErr
}

func tryRelay(ctx context.Context, ad dht.RelayAdvertisement, target identity.NodeId, dial Dialer) (io.ReadWriteCloser, error) {
	relaySess, err := dial(ctx, ad.Endpoint, ad.NodeID)
	if err != nil {
		return nil, errkind.Wrap(errkind.ConnectionRefused, "dial relay", err)
	}

	regRaw, err := encodeRegister(target)
	if err != nil {
		relaySess.Close()
		return nil, err
	}
	if err := relaySess.Send(regRaw); err != nil {
		relaySess.Close()
		return nil, errkind.Wrap(errkind.PeerClosed, "send relay register", err)
	}

	raw, err := relaySess.Recv(ctx)
	if err != nil {
		relaySess.Close()
		return nil, errkind.Wrap(errkind.StrategyTimeout, "await relay_session_ready", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		relaySess.Close()
		return nil, err
	}
	switch env.Type {
	case MsgSessionReady:
		return &Conn{sess: relaySess}, nil
	case MsgError:
		relaySess.Close()
		return nil, errkind.New(errkind.RelayRejected, "relay rejected registration")
	default:
		relaySess.Close()
		return nil, errkind.New(errkind.RelayRejected, "unexpected relay response")
	}
}

// Conn adapts a relay-client session (framed RELAY_MESSAGE exchanges with
// the relay server) into a plain io.ReadWriteCloser so the orchestrator can
// run its usual certificate handshake on top, nested inside the relay
// tunnel exactly as any other transport.
type Conn struct {
	sess *session.Session
	buf  []byte
}

func (c *Conn) Write(p []byte) (int, error) {
	raw, err := encodeMessage(p)
	if err != nil {
		return 0, err
	}
	if err := c.sess.Send(raw); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		raw, err := c.sess.Recv(ctx)
		cancel()
		if err != nil {
			return 0, err
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		switch env.Type {
		case MsgMessage:
			var body messageBody
			if err := decodeBody(env.Body, &body); err != nil {
				continue
			}
			c.buf = body.Opaque
		case MsgError:
			return 0, errkind.New(errkind.RelaySessionClosedByPeer, "relay reported peer closure")
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *Conn) Close() error {
	if raw, err := encodeUnregister(); err == nil {
		_ = c.sess.Send(raw)
	}
	return c.sess.Close()
}
