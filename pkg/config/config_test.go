package config

import "testing"

func TestDefaultEnablesEveryStrategy(t *testing.T) {
	c := Default()
	if !(c.Connection.EnableIPv6 && c.Connection.EnableIPv4 && c.Connection.EnableWebRTC &&
		c.Connection.EnableHolePunch && c.Connection.EnableRelay && c.Connection.EnableGossip) {
		t.Fatal("Default() must enable every connection strategy")
	}
}

func TestDefaultDHTParametersMatchKademliaDefaults(t *testing.T) {
	c := Default()
	if c.DHT.K != 20 || c.DHT.Alpha != 3 {
		t.Fatalf("expected k=20 alpha=3, got k=%d alpha=%d", c.DHT.K, c.DHT.Alpha)
	}
}

func TestDefaultSeedsAtLeastOneSTUNServer(t *testing.T) {
	c := Default()
	if len(c.WebRTC.STUNServers) == 0 {
		t.Fatal("Default() must seed at least one STUN server for the WebRTC strategy")
	}
}

func TestLoadFromEnvReturnsUsableConfig(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.DHT.Port != 7946 {
		t.Fatalf("expected default dht port absent overrides, got %d", cfg.DHT.Port)
	}
}
