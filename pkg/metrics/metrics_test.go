package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecordOrchestratorAttemptAppearsInExposition(t *testing.T) {
	m := New()
	m.RecordOrchestratorAttempt("ipv4_direct", "success", 42)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "dpcnode_orchestrator_attempts_total") {
		t.Fatalf("exposition missing orchestrator attempts counter:\n%s", body)
	}
	if !strings.Contains(body, `strategy="ipv4_direct"`) {
		t.Fatalf("exposition missing strategy label:\n%s", body)
	}
}

func TestGossipAndRelayGaugesUpdate(t *testing.T) {
	m := New()
	m.SetGossipQueueDepth(7)
	m.SetGossipPeerCount(3)
	m.SetRelayPeerCount(2)
	m.IncRelayRateLimited()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"dpcnode_gossip_queue_depth 7",
		"dpcnode_gossip_peer_count 3",
		"dpcnode_relay_active_peer_count 2",
		"dpcnode_relay_rate_limited_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestNilMetricsMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordOrchestratorAttempt("ipv4_direct", "failure", 1)
	m.SetGossipQueueDepth(1)
	m.SetGossipPeerCount(1)
	m.SetRelayPeerCount(1)
	m.IncRelayRateLimited()
}
