package gossip

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// linkedSessions returns two in-memory sessions wired together, mimicking
// whatever transport strategy actually produced them.
func linkedSessions(t *testing.T, a, b identity.NodeId) (*session.Session, *session.Session) {
	t.Helper()
	ca, cb := net.Pipe()
	sa := session.New(ca, b, session.StrategyGossip)
	sb := session.New(cb, a, session.StrategyGossip)
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb
}

func testConfig() Config {
	return Config{Fanout: 3, MaxHops: 5, TTL: time.Hour, SyncInterval: time.Hour}
}

// Property #7: receiving the same message id twice causes exactly one
// local delivery.
func TestRouterIdempotentDelivery(t *testing.T) {
	a := identity.NodeId("dpc-aaaaaaaaaaaaaaaa")
	b := identity.NodeId("dpc-bbbbbbbbbbbbbbbb")
	sa, sb := linkedSessions(t, a, b)

	ra := NewRouter(a, testConfig())
	rb := NewRouter(b, testConfig())
	defer ra.Close()
	defer rb.Close()
	ra.AddPeer(sa)
	rb.AddPeer(sb)

	if _, err := ra.Send(b, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := rb.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(msg.Payload) != "hello" || msg.Source != a {
		t.Fatalf("unexpected delivery: %+v", msg)
	}

	// Replay the same stored message directly through the handler to
	// simulate a duplicate arriving via a different path (e.g. a second
	// forwarding peer); it must not be delivered again.
	rb.mu.Lock()
	var raw []byte
	for _, st := range rb.store {
		raw, _ = encodeMessage(st.msg)
	}
	rb.mu.Unlock()
	env, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rb.handleMessage(env.Body, a)

	select {
	case dup := <-rb.inbox:
		t.Fatalf("expected no duplicate delivery, got %+v", dup)
	case <-time.After(100 * time.Millisecond):
	}
}

// Property #8: an already-expired message is dropped rather than delivered
// or forwarded.
func TestRouterDropsExpiredMessage(t *testing.T) {
	a := identity.NodeId("dpc-aaaaaaaaaaaaaaaa")
	r := NewRouter(a, testConfig())
	defer r.Close()

	msg := Message{
		ID:           messageID(a, 1),
		Source:       a,
		Destination:  "",
		MaxHops:      5,
		TTLExpiresAt: time.Now().Add(-time.Second),
	}
	raw, err := encodeMessage(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r.handleMessage(env.Body, a)

	if _, ok := r.store[msg.ID]; ok {
		t.Fatalf("expired message must not be stored")
	}
}

// Scenario S5: A -> B -> C relay with max_hops=5 delivers the payload to
// C with source=A, via B's forwarding.
func TestRouterMultiHopDelivery(t *testing.T) {
	a := identity.NodeId("dpc-aaaaaaaaaaaaaaaa")
	b := identity.NodeId("dpc-bbbbbbbbbbbbbbbb")
	c := identity.NodeId("dpc-cccccccccccccccc")

	sa, sbFromA := linkedSessions(t, a, b)
	sbFromC, sc := linkedSessions(t, b, c)

	ra := NewRouter(a, testConfig())
	rb := NewRouter(b, testConfig())
	rc := NewRouter(c, testConfig())
	defer ra.Close()
	defer rb.Close()
	defer rc.Close()

	ra.AddPeer(sa)
	rb.AddPeer(sbFromA)
	rb.AddPeer(sbFromC)
	rc.AddPeer(sc)

	if _, err := ra.Send(c, []byte("relayed")); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := rc.Recv(ctx)
	if err != nil {
		t.Fatalf("recv at C: %v", err)
	}
	if string(msg.Payload) != "relayed" || msg.Source != a {
		t.Fatalf("unexpected delivery at C: %+v", msg)
	}
}
