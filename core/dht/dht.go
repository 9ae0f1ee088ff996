package dht

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

const relayNamespace = "relay:"

// Network abstracts the UDP wire protocol so DHT lookup logic can be
// exercised without a real socket, mirroring the NetworkInterface injection
// pattern used for Kademlia implementations in the rest of the pack.
type Network interface {
	Ping(ctx context.Context, to Contact) error
	FindNode(ctx context.Context, to Contact, target Key) ([]Contact, error)
	Store(ctx context.Context, to Contact, key Key, value, sig []byte) error
	FindValue(ctx context.Context, to Contact, key Key) (value []byte, found bool, closer []Contact, err error)
	ReflexProbe(ctx context.Context, to Contact) (observedIP string, observedPort int, err error)
}

type storedValue struct {
	value  []byte
	expiry time.Time
}

// CertResolver looks up a node's certificate, typically certcache.Cache.Get.
// It is the same shape commitstore.Audit uses to verify commit signatures,
// reused here so inbound STORE records can be checked against the
// announcing NodeId's cached certificate without this package importing
// certcache directly.
type CertResolver func(identity.NodeId) (*x509.Certificate, bool)

// announceEnvelope recovers only the node_id field common to both values
// ever stored in the DHT (PeerRecord and RelayAdvertisement), so inbound
// STORE verification does not need to know which of the two shapes a given
// key's namespace implies.
type announceEnvelope struct {
	NodeID identity.NodeId `json:"node_id"`
}

// DHT is a Kademlia-style node: routing table, local storage, and the
// iterative operations the orchestrator and NAT manager depend on.
type DHT struct {
	self    Contact
	rt      *RoutingTable
	net     Network
	alpha   int
	k       int

	mu    sync.RWMutex
	store map[Key]storedValue

	lookupBudget time.Duration
	certResolver CertResolver
}

// Config configures a DHT instance.
type Config struct {
	Self         Contact
	Network      Network
	K            int
	Alpha        int
	LookupBudget time.Duration
	// CertResolver, if set, makes HandleStore verify an inbound STORE
	// record's signature against the announcing NodeId's cached
	// certificate before accepting it. Nil disables verification (e.g. in
	// tests that never exercise the signed-announce path).
	CertResolver CertResolver
}

// New constructs a DHT with an empty routing table.
func New(cfg Config) *DHT {
	k := cfg.K
	if k <= 0 {
		k = 20
	}
	alpha := cfg.Alpha
	if alpha <= 0 {
		alpha = 3
	}
	budget := cfg.LookupBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &DHT{
		self:         cfg.Self,
		rt:           NewRoutingTable(cfg.Self.Key, k),
		net:          cfg.Network,
		alpha:        alpha,
		k:            k,
		store:        make(map[Key]storedValue),
		lookupBudget: budget,
		certResolver: cfg.CertResolver,
	}
}

func (d *DHT) pinger() Pinger {
	return func(c Contact) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return d.net.Ping(ctx, c) == nil
	}
}

// Bootstrap contacts each seed and performs a self-lookup to populate
// buckets. Bootstrap failure is non-fatal: callers that cannot reach any
// seed get BootstrapFailed and may proceed without DHT-dependent strategies.
func (d *DHT) Bootstrap(ctx context.Context, seeds []Contact) error {
	if len(seeds) == 0 {
		return errkind.New(errkind.BootstrapFailed, "no seed endpoints configured")
	}
	reached := 0
	for _, s := range seeds {
		ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := d.net.Ping(ctx2, s)
		cancel()
		if err != nil {
			log.WithField("seed", s.NodeID).WithError(err).Debug("dht: seed unreachable")
			continue
		}
		d.rt.Upsert(s, d.pinger())
		reached++
	}
	if reached == 0 {
		return errkind.New(errkind.BootstrapFailed, "no seed node responded")
	}
	_, err := d.iterativeFindNode(ctx, d.self.Key)
	if err != nil {
		log.WithError(err).Debug("dht: self-lookup during bootstrap returned partial results")
	}
	return nil
}

// iterativeFindNode runs the standard Kademlia iterative lookup with
// parallelism alpha, returning the k closest contacts found.
func (d *DHT) iterativeFindNode(ctx context.Context, target Key) ([]Contact, error) {
	ctx, cancel := context.WithTimeout(ctx, d.lookupBudget)
	defer cancel()

	queried := make(map[identity.NodeId]bool)
	var mu sync.Mutex
	shortlist := d.rt.Closest(target, d.k)
	if len(shortlist) == 0 {
		return nil, errkind.New(errkind.LookupEmpty, "routing table is empty")
	}

	anyResponded := false
	for {
		mu.Lock()
		var batch []Contact
		for _, c := range shortlist {
			if queried[c.NodeID] {
				continue
			}
			batch = append(batch, c)
			if len(batch) == d.alpha {
				break
			}
		}
		mu.Unlock()
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		results := make([][]Contact, len(batch))
		for i, c := range batch {
			i, c := i, c
			mu.Lock()
			queried[c.NodeID] = true
			mu.Unlock()
			g.Go(func() error {
				found, err := d.net.FindNode(gctx, c, target)
				if err != nil {
					return nil // per-contact failure does not abort the round
				}
				mu.Lock()
				anyResponded = true
				mu.Unlock()
				results[i] = found
				return nil
			})
		}
		_ = g.Wait()

		mu.Lock()
		before := len(shortlist)
		seen := make(map[identity.NodeId]bool, len(shortlist))
		for _, c := range shortlist {
			seen[c.NodeID] = true
		}
		for _, found := range results {
			for _, c := range found {
				if !seen[c.NodeID] {
					seen[c.NodeID] = true
					shortlist = append(shortlist, c)
					d.rt.Upsert(c, d.pinger())
				}
			}
		}
		sortByDistance(shortlist, target)
		if len(shortlist) > d.k {
			shortlist = shortlist[:d.k]
		}
		progressed := len(shortlist) != before
		mu.Unlock()

		if ctx.Err() != nil {
			break
		}
		if !progressed {
			break
		}
	}

	if len(shortlist) > d.k {
		shortlist = shortlist[:d.k]
	}
	if !anyResponded {
		return shortlist, errkind.New(errkind.LookupEmpty, "no contact responded")
	}
	if ctx.Err() != nil {
		return shortlist, errkind.New(errkind.LookupPartial, "lookup budget exhausted")
	}
	return shortlist, nil
}

// Announce stores my_record under hash(my NodeId) at the k closest nodes.
// Callers are expected to invoke this once at startup and again every
// announce interval.
func (d *DHT) Announce(ctx context.Context, rec PeerRecord, sign func([]byte) ([]byte, error)) error {
	key := KeyFromNodeId(rec.NodeID)
	return d.storeAt(ctx, key, rec, sign)
}

// AnnounceRelay stores a RelayAdvertisement under the "relay:<node_id>"
// namespace.
func (d *DHT) AnnounceRelay(ctx context.Context, ad RelayAdvertisement, sign func([]byte) ([]byte, error)) error {
	key := KeyFromString(relayNamespace + string(ad.NodeID))
	return d.storeAt(ctx, key, ad, sign)
}

func (d *DHT) storeAt(ctx context.Context, key Key, value any, sign func([]byte) ([]byte, error)) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errkind.Wrap(errkind.CertificateInvalid, "marshal dht value", err)
	}
	var sig []byte
	if sign != nil {
		sum := sha256.Sum256(raw)
		sig, err = sign(sum[:])
		if err != nil {
			return errkind.Wrap(errkind.InvalidRecordSignature, "sign dht value", err)
		}
	}

	// Store locally too so a direct FIND_VALUE against this node succeeds
	// even before it propagates.
	d.mu.Lock()
	d.store[key] = storedValue{value: raw, expiry: time.Now().Add(time.Hour)}
	d.mu.Unlock()

	closest, err := d.iterativeFindNode(ctx, key)
	if err != nil && len(closest) == 0 {
		return err
	}
	var stored int
	for _, c := range closest {
		ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := d.net.Store(ctx2, c, key, raw, sig)
		cancel()
		if err == nil {
			stored++
		}
	}
	if stored == 0 {
		return errkind.New(errkind.BootstrapFailed, "no peer accepted the stored value")
	}
	return nil
}

// FindPeer performs an iterative FIND_VALUE lookup for a node's PeerRecord.
func (d *DHT) FindPeer(ctx context.Context, id identity.NodeId) (*PeerRecord, error) {
	key := KeyFromNodeId(id)
	raw, err := d.findValue(ctx, key)
	if err != nil {
		return nil, err
	}
	var rec PeerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errkind.Wrap(errkind.InvalidRecordSignature, "decode peer record", err)
	}
	return &rec, nil
}

func (d *DHT) findValue(ctx context.Context, key Key) ([]byte, error) {
	d.mu.RLock()
	local, ok := d.store[key]
	d.mu.RUnlock()
	if ok && time.Now().Before(local.expiry) {
		return local.value, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.lookupBudget)
	defer cancel()
	shortlist := d.rt.Closest(key, d.k)
	if len(shortlist) == 0 {
		return nil, errkind.New(errkind.LookupEmpty, "routing table is empty")
	}
	queried := make(map[identity.NodeId]bool)
	for {
		var batch []Contact
		for _, c := range shortlist {
			if queried[c.NodeID] {
				continue
			}
			batch = append(batch, c)
			if len(batch) == d.alpha {
				break
			}
		}
		if len(batch) == 0 {
			break
		}
		for _, c := range batch {
			queried[c.NodeID] = true
			ctx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
			value, found, closer, err := d.net.FindValue(ctx2, c, key)
			cancel2()
			if err != nil {
				continue
			}
			if found {
				return value, nil
			}
			for _, cc := range closer {
				shortlist = append(shortlist, cc)
				d.rt.Upsert(cc, d.pinger())
			}
			sortByDistance(shortlist, key)
			if len(shortlist) > d.k {
				shortlist = shortlist[:d.k]
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errkind.New(errkind.LookupEmpty, "value not found")
}

// FindRelays looks up relay advertisements under the relay namespace by
// running a FIND_VALUE lookup of relay:<id> for each hinted NodeId,
// falling back to a broad routing-table scan (every contact among the k
// closest to this node) when no hints are given.
func (d *DHT) FindRelays(ctx context.Context, hints []identity.NodeId) ([]RelayAdvertisement, error) {
	var out []RelayAdvertisement
	var lastErr error
	if len(hints) == 0 {
		for _, c := range d.rt.Closest(d.self.Key, d.k) {
			if c.NodeID != "" {
				hints = append(hints, c.NodeID)
			}
		}
	}
	for _, h := range hints {
		key := KeyFromString(relayNamespace + string(h))
		raw, err := d.findValue(ctx, key)
		if err != nil {
			lastErr = err
			continue
		}
		var ad RelayAdvertisement
		if err := json.Unmarshal(raw, &ad); err != nil {
			continue
		}
		out = append(out, ad)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// ProbeReflexiveEndpoint sends a lightweight REFLEX_PROBE to three distinct
// DHT peers and returns their observations of this node's source
// (ip,port). Per §4.3 the caller classifies NAT type from how many
// distinct ports come back.
func (d *DHT) ProbeReflexiveEndpoint(ctx context.Context) ([]Endpoint, error) {
	peers := d.rt.Closest(d.self.Key, d.k)
	if len(peers) < 3 {
		return nil, errkind.New(errkind.ReflexiveDiscoveryFailed, "fewer than 3 dht peers known")
	}
	var observed []Endpoint
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range peers[:3] {
		c := c
		g.Go(func() error {
			ip, port, err := d.net.ReflexProbe(gctx, c)
			if err != nil {
				return nil
			}
			mu.Lock()
			observed = append(observed, Endpoint{IP: ip, Port: port, Transport: TransportUDPDTLS})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if len(observed) == 0 {
		return nil, errkind.New(errkind.ReflexiveDiscoveryFailed, "no peer answered the reflexive probe")
	}
	return observed, nil
}

// RoutingTable exposes the underlying table for diagnostics and the
// orchestrator's preflight checks.
func (d *DHT) RoutingTable() *RoutingTable { return d.rt }

// Self returns the local contact record.
func (d *DHT) Self() Contact { return d.self }

// HandleFindNode answers an inbound FIND_NODE request (server side).
func (d *DHT) HandleFindNode(from Contact, target Key) []Contact {
	d.rt.Upsert(from, d.pinger())
	return d.rt.Closest(target, d.k)
}

// HandleStore answers an inbound STORE request (server side). §6 requires
// every store be signed by the announcing NodeId: the envelope's node_id
// is recovered from the stored value itself (both PeerRecord and
// RelayAdvertisement carry it), resolved to a cached certificate, and the
// signature checked against it before the record is accepted. A record
// that fails verification is dropped rather than poisoning the table; if
// no CertResolver was configured, verification is skipped (e.g. tests that
// exercise routing without the certificate-cache dependency).
func (d *DHT) HandleStore(from Contact, key Key, value, sig []byte) {
	d.rt.Upsert(from, d.pinger())
	if d.certResolver != nil {
		if err := d.verifyStore(value, sig); err != nil {
			log.WithField("from", from.NodeID).WithError(err).Warn("dht: rejected unsigned or invalid STORE")
			return
		}
	}
	d.mu.Lock()
	d.store[key] = storedValue{value: value, expiry: time.Now().Add(time.Hour)}
	d.mu.Unlock()
}

// verifyStore checks that sig is a valid signature over value's SHA-256
// digest by the certificate cached for the node_id embedded in value.
func (d *DHT) verifyStore(value, sig []byte) error {
	var env announceEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return errkind.Wrap(errkind.InvalidRecordSignature, "decode announce envelope", err)
	}
	if env.NodeID == "" {
		return errkind.New(errkind.InvalidRecordSignature, "stored value carries no node_id")
	}
	cert, ok := d.certResolver(env.NodeID)
	if !ok {
		return errkind.New(errkind.InvalidRecordSignature, "no cached certificate for announcing node")
	}
	sum := sha256.Sum256(value)
	if err := identity.Verify(cert, env.NodeID, sum[:], sig); err != nil {
		return errkind.Wrap(errkind.InvalidRecordSignature, "verify store signature", err)
	}
	return nil
}

// HandleFindValue answers an inbound FIND_VALUE request (server side).
func (d *DHT) HandleFindValue(from Contact, key Key) (value []byte, found bool, closer []Contact) {
	d.rt.Upsert(from, d.pinger())
	d.mu.RLock()
	v, ok := d.store[key]
	d.mu.RUnlock()
	if ok && time.Now().Before(v.expiry) {
		return v.value, true, nil
	}
	return nil, false, d.rt.Closest(key, d.k)
}

// EvictExpired sweeps stale stored records, e.g. on a periodic timer.
func (d *DHT) EvictExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, v := range d.store {
		if now.After(v.expiry) {
			delete(d.store, k)
		}
	}
}
