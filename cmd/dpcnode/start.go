package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"

	"github.com/dpcmesh/dpcnode/core/dht"
	"github.com/dpcmesh/dpcnode/core/gossip"
	"github.com/dpcmesh/dpcnode/core/nat"
	"github.com/dpcmesh/dpcnode/core/orchestrator"
	"github.com/dpcmesh/dpcnode/core/relay"
	"github.com/dpcmesh/dpcnode/core/session"
	"github.com/dpcmesh/dpcnode/pkg/config"
	"github.com/dpcmesh/dpcnode/pkg/identity"
	"github.com/dpcmesh/dpcnode/pkg/identity/certcache"
	"github.com/dpcmesh/dpcnode/pkg/metrics"
)

func startCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "bootstrap the DHT, join gossip, and run the node's background services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")
	return cmd
}

func expandDataDir(dir string) string {
	if !strings.HasPrefix(dir, "~") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return dir
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~"))
}

// runStart assembles one node's runtime: identity, certificate cache, DHT
// (bound to a real UDP socket), NAT manager, gossip router, optional
// volunteer relay server, the direct-TLS listener, and the orchestrator
// that ties them together — then blocks until interrupted.
func runStart(ctx context.Context, metricsAddr string) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	dataDir := expandDataDir(cfg.DataDir)

	id, err := identity.CreateIfAbsent(filepath.Join(dataDir, "identity"))
	if err != nil {
		return err
	}
	log.WithField("node_id", id.NodeID).Info("identity loaded")

	cc, err := certcache.New(filepath.Join(dataDir, "peers"))
	if err != nil {
		return err
	}

	m := metrics.New()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	udpNet, err := dht.NewUDPNetwork(cfg.DHT.Port)
	if err != nil {
		return err
	}
	defer udpNet.Close()

	self := dht.Contact{
		NodeID:   id.NodeID,
		Key:      dht.KeyFromNodeId(id.NodeID),
		Endpoint: dht.Endpoint{IP: "0.0.0.0", Port: udpNet.LocalAddr().Port, Transport: dht.TransportUDPDTLS},
	}
	dhtClient := dht.New(dht.Config{Self: self, Network: udpNet, K: cfg.DHT.K, Alpha: cfg.DHT.Alpha, CertResolver: cc.Get})
	udpNet.Attach(dhtClient)

	seeds := make([]dht.Contact, 0, len(cfg.DHT.SeedNodes))
	for _, s := range cfg.DHT.SeedNodes {
		ep, err := dht.ParseSeedEndpoint(s)
		if err != nil {
			log.WithField("seed", s).WithError(err).Warn("skipping unparseable seed node")
			continue
		}
		// The seed's real NodeId is not known here; KeyFromString over its
		// address serves as the contact's placeholder bucket key.
		seeds = append(seeds, dht.Contact{Key: dht.KeyFromString(s), Endpoint: ep})
	}
	if len(seeds) > 0 {
		bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := dhtClient.Bootstrap(bootCtx, seeds); err != nil {
			log.WithError(err).Warn("dht bootstrap failed, continuing without it")
		}
		cancel()
	}

	natMgr := nat.NewManager(dhtClient, cfg.HolePunch.UDPPort)

	gossipRouter := gossip.NewRouter(id.NodeID, gossip.Config{
		Fanout:       cfg.Gossip.Fanout,
		MaxHops:      cfg.Gossip.MaxHops,
		TTL:          time.Duration(cfg.Gossip.TTLSeconds) * time.Second,
		SyncInterval: time.Duration(cfg.Gossip.SyncInterval) * time.Second,
	})
	gossipRouter.SetMetrics(m)
	defer gossipRouter.Close()

	listener, err := orchestrator.ListenDirect(":0", id)
	if err != nil {
		return err
	}
	defer listener.Close()
	go acceptDirectSessions(listener, gossipRouter)

	var relayServer *relay.Server
	if cfg.Relay.Volunteer {
		relayServer = relay.NewServer(cfg.Relay.MaxPeers, cfg.Relay.BandwidthLimitMbps)
		relayServer.SetMetrics(m)
		go acceptRelayConnections(relayServer, id)
	}

	orc := orchestrator.New(orchestrator.Deps{
		Identity:     id,
		DHT:          dhtClient,
		NAT:          natMgr,
		RelayDialer: func(ctx context.Context, ep dht.Endpoint, relayID identity.NodeId) (*session.Session, error) {
			return orchestrator.DialRelayRegistration(ctx, id, ep, relayID)
		},
		GossipRouter: gossipRouter,
		Metrics:      m,
		UDPPort:      cfg.HolePunch.UDPPort,
		STUNServers:  cfg.WebRTC.STUNServers,
	}, orchestrator.Budgets{
		IPv6Timeout:      cfg.Connection.IPv6Timeout,
		IPv4Timeout:      cfg.Connection.IPv4Timeout,
		WebRTCTimeout:    cfg.Connection.WebRTCTimeout,
		HolePunchTimeout: cfg.Connection.HolePunchTimeout,
		RelayTimeout:     cfg.Connection.RelayTimeout,
		GossipTimeout:    cfg.Connection.GossipTimeout,
		PreflightBudget:  cfg.Connection.PreflightBudget,
	}, orchestrator.Enable{
		IPv6:      cfg.Connection.EnableIPv6,
		IPv4:      cfg.Connection.EnableIPv4,
		WebRTC:    cfg.Connection.EnableWebRTC,
		HolePunch: cfg.Connection.EnableHolePunch,
		Relay:     cfg.Connection.EnableRelay,
		Gossip:    cfg.Connection.EnableGossip,
	})
	_ = orc // constructed but not exposed to any caller; the CLI itself only runs the background services

	log.WithFields(log.Fields{
		"direct_addr": listener.Addr(),
		"dht_port":    udpNet.LocalAddr().Port,
	}).Info("dpcnode started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	log.Info("dpcnode shutting down")
	return nil
}

func acceptDirectSessions(listener *orchestrator.Listener, router *gossip.Router) {
	for {
		sess := listener.Accept()
		if sess == nil {
			return
		}
		router.AddPeer(sess)
	}
}

func acceptRelayConnections(srv *relay.Server, id *identity.Identity) {
	ln, err := orchestrator.ListenDirect(":0", id)
	if err != nil {
		log.WithError(err).Error("relay listener failed to start")
		return
	}
	for {
		sess := ln.Accept()
		if sess == nil {
			return
		}
		go srv.HandleConnection(sess)
	}
}
