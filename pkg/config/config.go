// Package config provides a reusable loader for dpcnode's configuration
// files and environment overrides. It mirrors the donor stack's viper-based
// loader: one YAML file per environment, merged with SYNN_ENV-style
// overrides and automatic environment variable binding.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/dpcmesh/dpcnode/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a dpcnode process. Every knob
// named in the design's §6 configuration table has a field here.
type Config struct {
	DataDir string `mapstructure:"data_dir" json:"data_dir"`

	Connection struct {
		IPv6Timeout       int  `mapstructure:"ipv6_timeout" json:"ipv6_timeout"`
		IPv4Timeout       int  `mapstructure:"ipv4_timeout" json:"ipv4_timeout"`
		WebRTCTimeout     int  `mapstructure:"webrtc_timeout" json:"webrtc_timeout"`
		HolePunchTimeout  int  `mapstructure:"hole_punch_timeout" json:"hole_punch_timeout"`
		RelayTimeout      int  `mapstructure:"relay_timeout" json:"relay_timeout"`
		GossipTimeout     int  `mapstructure:"gossip_timeout" json:"gossip_timeout"`
		PreflightBudget   int  `mapstructure:"preflight_budget" json:"preflight_budget"`
		EnableIPv6        bool `mapstructure:"enable_ipv6" json:"enable_ipv6"`
		EnableIPv4        bool `mapstructure:"enable_ipv4" json:"enable_ipv4"`
		EnableWebRTC      bool `mapstructure:"enable_webrtc" json:"enable_webrtc"`
		EnableHolePunch   bool `mapstructure:"enable_hole_punch" json:"enable_hole_punch"`
		EnableRelay       bool `mapstructure:"enable_relay" json:"enable_relay"`
		EnableGossip      bool `mapstructure:"enable_gossip" json:"enable_gossip"`
	} `mapstructure:"connection" json:"connection"`

	DHT struct {
		Port             int      `mapstructure:"port" json:"port"`
		SeedNodes        []string `mapstructure:"seed_nodes" json:"seed_nodes"`
		AnnounceInterval int      `mapstructure:"announce_interval" json:"announce_interval"`
		K                int      `mapstructure:"k" json:"k"`
		Alpha            int      `mapstructure:"alpha" json:"alpha"`
	} `mapstructure:"dht" json:"dht"`

	HolePunch struct {
		UDPPort               int `mapstructure:"udp_port" json:"udp_port"`
		DTLSHandshakeTimeout  int `mapstructure:"dtls_handshake_timeout" json:"dtls_handshake_timeout"`
	} `mapstructure:"hole_punch" json:"hole_punch"`

	WebRTC struct {
		// STUNServers supplements hub signaling with ICE reflexive
		// candidates, so strategy 3 can still traverse a NAT the hub
		// itself knows nothing about.
		STUNServers []string `mapstructure:"stun_servers" json:"stun_servers"`
	} `mapstructure:"webrtc" json:"webrtc"`

	Relay struct {
		Volunteer        bool    `mapstructure:"volunteer" json:"volunteer"`
		MaxPeers         int     `mapstructure:"max_peers" json:"max_peers"`
		BandwidthLimitMbps float64 `mapstructure:"bandwidth_limit_mbps" json:"bandwidth_limit_mbps"`
		Region           string  `mapstructure:"region" json:"region"`
	} `mapstructure:"relay" json:"relay"`

	Gossip struct {
		Fanout       int `mapstructure:"fanout" json:"fanout"`
		MaxHops      int `mapstructure:"max_hops" json:"max_hops"`
		TTLSeconds   int `mapstructure:"ttl_seconds" json:"ttl_seconds"`
		SyncInterval int `mapstructure:"sync_interval" json:"sync_interval"`
	} `mapstructure:"gossip" json:"gossip"`

	CommitStore struct {
		VotingWindowSeconds int  `mapstructure:"voting_window_seconds" json:"voting_window_seconds"`
		RequireUnanimous    bool `mapstructure:"require_unanimous" json:"require_unanimous"`
	} `mapstructure:"commit_store" json:"commit_store"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Default returns a Config populated with the defaults spelled out in the
// design document (§4.2-§4.6, §6).
func Default() Config {
	var c Config
	c.DataDir = "~/.dpc"
	c.Connection.IPv6Timeout = 60
	c.Connection.IPv4Timeout = 60
	c.Connection.WebRTCTimeout = 30
	c.Connection.HolePunchTimeout = 15
	c.Connection.RelayTimeout = 20
	c.Connection.GossipTimeout = 5
	c.Connection.PreflightBudget = 30
	c.Connection.EnableIPv6 = true
	c.Connection.EnableIPv4 = true
	c.Connection.EnableWebRTC = true
	c.Connection.EnableHolePunch = true
	c.Connection.EnableRelay = true
	c.Connection.EnableGossip = true

	c.DHT.Port = 7946
	c.DHT.AnnounceInterval = 3600
	c.DHT.K = 20
	c.DHT.Alpha = 3

	c.HolePunch.UDPPort = 0
	c.HolePunch.DTLSHandshakeTimeout = 3

	c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}

	c.Relay.MaxPeers = 50

	c.Gossip.Fanout = 3
	c.Gossip.MaxHops = 5
	c.Gossip.TTLSeconds = 24 * 3600
	c.Gossip.SyncInterval = 300

	c.CommitStore.VotingWindowSeconds = 600
	c.CommitStore.RequireUnanimous = true

	c.Logging.Level = "info"
	return c
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config = Default()

// Load reads configuration files and merges any environment specific
// overrides on top of Default(). The resulting configuration is stored in
// AppConfig and returned.
func Load(env string) (*Config, error) {
	AppConfig = Default()

	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the DPC_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("DPC_ENV", ""))
}
