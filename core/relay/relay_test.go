package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

func linkedSessions(t *testing.T, a, b identity.NodeId) (*session.Session, *session.Session) {
	t.Helper()
	ca, cb := net.Pipe()
	sa := session.New(ca, b, session.StrategyIPv4Direct)
	sb := session.New(cb, a, session.StrategyIPv4Direct)
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb
}

// Two clients register for each other and both receive RELAY_SESSION_READY.
func TestServerPairsComplementaryRegistrations(t *testing.T) {
	a := identity.NodeId("dpc-aaaaaaaaaaaaaaaa")
	b := identity.NodeId("dpc-bbbbbbbbbbbbbbbb")
	relaySideA, clientA := linkedSessions(t, a, "relay")
	relaySideB, clientB := linkedSessions(t, b, "relay")

	srv := NewServer(0, 0)
	go srv.HandleConnection(relaySideA)
	go srv.HandleConnection(relaySideB)

	regA, _ := encodeRegister(b)
	regB, _ := encodeRegister(a)
	if err := clientA.Send(regA); err != nil {
		t.Fatalf("send register a: %v", err)
	}
	if err := clientB.Send(regB); err != nil {
		t.Fatalf("send register b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, c := range []*session.Session{clientA, clientB} {
		raw, err := c.Recv(ctx)
		if err != nil {
			t.Fatalf("recv session_ready: %v", err)
		}
		env, err := decodeEnvelope(raw)
		if err != nil || env.Type != MsgSessionReady {
			t.Fatalf("expected session_ready, got %+v err=%v", env, err)
		}
	}

	if got := srv.ActivePeers(); got != 2 {
		t.Fatalf("ActivePeers() = %d, want 2", got)
	}
}

// RELAY_MESSAGE frames from one paired peer are forwarded verbatim to the
// other, and never to a third unrelated peer.
func TestServerForwardsMessageToPairedPeerOnly(t *testing.T) {
	a := identity.NodeId("dpc-aaaaaaaaaaaaaaaa")
	b := identity.NodeId("dpc-bbbbbbbbbbbbbbbb")
	relaySideA, clientA := linkedSessions(t, a, "relay")
	relaySideB, clientB := linkedSessions(t, b, "relay")

	srv := NewServer(0, 0)
	go srv.HandleConnection(relaySideA)
	go srv.HandleConnection(relaySideB)

	regA, _ := encodeRegister(b)
	regB, _ := encodeRegister(a)
	clientA.Send(regA)
	clientB.Send(regB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientA.Recv(ctx)
	clientB.Recv(ctx)

	msg, _ := encodeMessage([]byte("opaque-bytes"))
	if err := clientA.Send(msg); err != nil {
		t.Fatalf("send message: %v", err)
	}

	raw, err := clientB.Recv(ctx)
	if err != nil {
		t.Fatalf("recv forwarded message: %v", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil || env.Type != MsgMessage {
		t.Fatalf("expected RELAY_MESSAGE, got %+v err=%v", env, err)
	}
	var body messageBody
	if err := decodeBody(env.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if string(body.Opaque) != "opaque-bytes" {
		t.Fatalf("payload mismatch: %q", body.Opaque)
	}
}

// A peer exceeding its per-second rate gets RELAY_ERROR{RelayRateLimited}
// instead of forwarding.
func TestServerEnforcesRateLimit(t *testing.T) {
	a := identity.NodeId("dpc-aaaaaaaaaaaaaaaa")
	b := identity.NodeId("dpc-bbbbbbbbbbbbbbbb")
	relaySideA, clientA := linkedSessions(t, a, "relay")
	relaySideB, clientB := linkedSessions(t, b, "relay")

	srv := NewServer(0, 1) // 1 msg/s, burst 1
	go srv.HandleConnection(relaySideA)
	go srv.HandleConnection(relaySideB)

	regA, _ := encodeRegister(b)
	regB, _ := encodeRegister(a)
	clientA.Send(regA)
	clientB.Send(regB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientA.Recv(ctx)
	clientB.Recv(ctx)

	msg, _ := encodeMessage([]byte("first"))
	clientA.Send(msg)
	if raw, err := clientB.Recv(ctx); err != nil {
		t.Fatalf("recv first forward: %v", err)
	} else if env, _ := decodeEnvelope(raw); env.Type != MsgMessage {
		t.Fatalf("expected first message forwarded, got %v", env.Type)
	}

	msg2, _ := encodeMessage([]byte("second"))
	clientA.Send(msg2)
	raw, err := clientA.Recv(ctx)
	if err != nil {
		t.Fatalf("recv rate limit error: %v", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil || env.Type != MsgError {
		t.Fatalf("expected RELAY_ERROR, got %+v err=%v", env, err)
	}
	var eb errorBody
	if err := decodeBody(env.Body, &eb); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if eb.Kind != errkind.RelayRateLimited {
		t.Fatalf("kind = %v, want RelayRateLimited", eb.Kind)
	}
}

// A registration once maxPeers peers are paired is rejected.
func TestServerRejectsRegistrationAtCapacity(t *testing.T) {
	a := identity.NodeId("dpc-aaaaaaaaaaaaaaaa")
	b := identity.NodeId("dpc-bbbbbbbbbbbbbbbb")
	c := identity.NodeId("dpc-cccccccccccccccc")
	relaySideA, clientA := linkedSessions(t, a, "relay")
	relaySideB, clientB := linkedSessions(t, b, "relay")
	relaySideC, clientC := linkedSessions(t, c, "relay")

	srv := NewServer(2, 0) // maxPeers=2: one pair fills capacity
	go srv.HandleConnection(relaySideA)
	go srv.HandleConnection(relaySideB)
	go srv.HandleConnection(relaySideC)

	regA, _ := encodeRegister(b)
	regB, _ := encodeRegister(a)
	clientA.Send(regA)
	clientB.Send(regB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientA.Recv(ctx)
	clientB.Recv(ctx)

	regC, _ := encodeRegister(a)
	clientC.Send(regC)

	raw, err := clientC.Recv(ctx)
	if err != nil {
		t.Fatalf("recv rejection: %v", err)
	}
	env, err := decodeEnvelope(raw)
	if err != nil || env.Type != MsgError {
		t.Fatalf("expected RELAY_ERROR, got %+v err=%v", env, err)
	}
	var eb errorBody
	decodeBody(env.Body, &eb)
	if eb.Kind != errkind.RelayRejected {
		t.Fatalf("kind = %v, want RelayRejected", eb.Kind)
	}
}

// Property #9 (relay blindness): the server's forwarding path only ever
// touches the opaque_payload bytes — it never parses them, so garbage
// (non-JSON, encrypted-looking) bytes pass through unexamined and unaltered.
func TestServerForwardsOpaqueGarbageUnexamined(t *testing.T) {
	a := identity.NodeId("dpc-aaaaaaaaaaaaaaaa")
	b := identity.NodeId("dpc-bbbbbbbbbbbbbbbb")
	relaySideA, clientA := linkedSessions(t, a, "relay")
	relaySideB, clientB := linkedSessions(t, b, "relay")

	srv := NewServer(0, 0)
	go srv.HandleConnection(relaySideA)
	go srv.HandleConnection(relaySideB)

	regA, _ := encodeRegister(b)
	regB, _ := encodeRegister(a)
	clientA.Send(regA)
	clientB.Send(regB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientA.Recv(ctx)
	clientB.Recv(ctx)

	garbage := []byte{0x00, 0xFF, 0x10, 0xAB, 0x7E, 'n', 'o', 't', ' ', 'j', 's', 'o', 'n'}
	msg, err := encodeMessage(garbage)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	clientA.Send(msg)

	raw, err := clientB.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	env, _ := decodeEnvelope(raw)
	var body messageBody
	decodeBody(env.Body, &body)
	if string(body.Opaque) != string(garbage) {
		t.Fatalf("opaque payload mutated: got %x, want %x", body.Opaque, garbage)
	}
}

// Conn.Write/Read adapt a relay-client session into plain byte streaming,
// exercising the client-side framing the orchestrator's inner handshake
// would run on top of.
func TestConnAdaptsFramingBothDirections(t *testing.T) {
	a := identity.NodeId("dpc-aaaaaaaaaaaaaaaa")
	relayEnd, clientEnd := linkedSessions(t, a, "relay")

	conn := &Conn{sess: clientEnd}
	peer := relayEnd

	payload := []byte("inner-handshake-bytes")
	go func() {
		raw, _ := encodeMessage(payload)
		peer.Send(raw)
	}()

	buf := make([]byte, len(payload))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("read mismatch: %q", buf[:n])
	}

	if _, err := conn.Write([]byte("reply")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := peer.Recv(ctx)
	if err != nil {
		t.Fatalf("recv reply: %v", err)
	}
	env, _ := decodeEnvelope(raw)
	var body messageBody
	decodeBody(env.Body, &body)
	if string(body.Opaque) != "reply" {
		t.Fatalf("write payload mismatch: %q", body.Opaque)
	}
}
