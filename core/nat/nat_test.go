package nat

import (
	"context"
	"testing"
	"time"

	"github.com/dpcmesh/dpcnode/core/dht"
)

type fakeReflector struct {
	endpoints []dht.Endpoint
	err       error
}

func (f fakeReflector) ProbeReflexiveEndpoint(context.Context) ([]dht.Endpoint, error) {
	return f.endpoints, f.err
}

func TestClassifyConeWhenPortsMatch(t *testing.T) {
	m := NewManager(fakeReflector{endpoints: []dht.Endpoint{
		{IP: "1.1.1.1", Port: 4000}, {IP: "2.2.2.2", Port: 4000}, {IP: "3.3.3.3", Port: 4000},
	}}, 0)
	class, _, err := m.Classify(context.Background())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if class != ClassCone {
		t.Fatalf("expected cone, got %s", class)
	}
}

func TestClassifySymmetricWhenPortsDiffer(t *testing.T) {
	m := NewManager(fakeReflector{endpoints: []dht.Endpoint{
		{IP: "1.1.1.1", Port: 4000}, {IP: "2.2.2.2", Port: 4001}, {IP: "3.3.3.3", Port: 4002},
	}}, 0)
	class, _, err := m.Classify(context.Background())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if class != ClassSymmetric {
		t.Fatalf("expected symmetric, got %s", class)
	}
}

func TestClassifyPropagatesReflexiveFailure(t *testing.T) {
	m := NewManager(fakeReflector{err: ErrSymmetricNAT}, 0)
	if _, _, err := m.Classify(context.Background()); err == nil {
		t.Fatalf("expected reflexive discovery error to propagate")
	}
}

func TestNegotiateDefaultsToFiveSecondsAhead(t *testing.T) {
	now, err := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	at := Negotiate(now)
	if at.Sub(now).Seconds() != 5 {
		t.Fatalf("expected 5s lookahead, got %s", at.Sub(now))
	}
}
