package session

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a, b := net.Pipe()
	sa := New(a, "dpc-aaaaaaaaaaaaaaaa", StrategyIPv4Direct)
	sb := New(b, "dpc-bbbbbbbbbbbbbbbb", StrategyIPv4Direct)
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb
}

func TestSessionFIFOFraming(t *testing.T) {
	sa, sb := newTestSessionPair(t)
	msgs := [][]byte{[]byte("ping"), []byte("pong"), []byte(""), []byte("final message")}

	done := make(chan error, 1)
	go func() {
		for _, m := range msgs {
			if err := sa.Send(m); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, want := range msgs {
		if len(want) == 0 {
			continue // an empty payload frame is indistinguishable from keepalive by design
		}
		got, err := sb.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if string(got) != string(want) {
			t.Fatalf("recv %d: got %q want %q", i, got, want)
		}
	}
}

func TestSessionPeerNodeIDAndStrategy(t *testing.T) {
	sa, _ := newTestSessionPair(t)
	if sa.PeerNodeID() != "dpc-aaaaaaaaaaaaaaaa" {
		t.Fatalf("unexpected peer id: %s", sa.PeerNodeID())
	}
	if sa.StrategyUsed() != StrategyIPv4Direct {
		t.Fatalf("unexpected strategy: %s", sa.StrategyUsed())
	}
	if sa.State() != StateOpen {
		t.Fatalf("expected open state, got %s", sa.State())
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	sa, _ := newTestSessionPair(t)
	if err := sa.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := sa.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if sa.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", sa.State())
	}
}
