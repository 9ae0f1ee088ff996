package dht

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"testing"

	"github.com/dpcmesh/dpcnode/pkg/identity"
)

func TestKeyDistanceAndOrdering(t *testing.T) {
	a := KeyFromString("alice")
	b := KeyFromString("bob")
	if Distance(a, a) != (Key{}) {
		t.Fatalf("distance to self must be zero")
	}
	da := Distance(a, b)
	db := Distance(b, a)
	if da != db {
		t.Fatalf("XOR distance must be symmetric")
	}
}

func TestRoutingTableBucketEvictsOnlyDeadContacts(t *testing.T) {
	self := KeyFromNodeId("dpc-0000000000000000")
	rt := NewRoutingTable(self, 2)

	alive := Contact{NodeID: "dpc-aaaaaaaaaaaaaaaa", Key: KeyFromNodeId("dpc-aaaaaaaaaaaaaaaa")}
	rt.Upsert(alive, nil)
	second := Contact{NodeID: "dpc-bbbbbbbbbbbbbbbb", Key: KeyFromNodeId("dpc-bbbbbbbbbbbbbbbb")}
	rt.Upsert(second, nil)

	newcomer := Contact{NodeID: "dpc-cccccccccccccccc", Key: KeyFromNodeId("dpc-cccccccccccccccc")}
	// Force both contacts into the same bucket by reusing the bucket index
	// computed for `alive`; a real run relies on natural key distribution,
	// so here we just assert the liveness-gated eviction logic directly via
	// the bucket helper instead of depending on hash placement.
	idx := rt.bucketIndex(alive.Key)
	b := rt.buckets[idx]
	b.k = 1
	b.contacts.Init()
	b.upsert(alive, nil)

	pingAlwaysAlive := func(Contact) bool { return true }
	b.upsert(newcomer, pingAlwaysAlive)
	if got := b.list(); len(got) != 1 || got[0].NodeID != alive.NodeID {
		t.Fatalf("expected alive contact retained, got %+v", got)
	}

	pingAlwaysDead := func(Contact) bool { return false }
	b.upsert(newcomer, pingAlwaysDead)
	if got := b.list(); len(got) != 1 || got[0].NodeID != newcomer.NodeID {
		t.Fatalf("expected dead contact evicted in favour of newcomer, got %+v", got)
	}
}

// fakeNetwork is an in-memory Network used to exercise iterative lookup
// without real sockets: each DHT instance in a test cluster answers its own
// FIND_NODE/FIND_VALUE/PING requests directly against its own DHT state.
type fakeNetwork struct {
	nodes map[identity.NodeId]*DHT
}

func (f *fakeNetwork) Ping(_ context.Context, to Contact) error {
	if _, ok := f.nodes[to.NodeID]; !ok {
		return errNotFound
	}
	return nil
}

func (f *fakeNetwork) FindNode(_ context.Context, to Contact, target Key) ([]Contact, error) {
	d, ok := f.nodes[to.NodeID]
	if !ok {
		return nil, errNotFound
	}
	return d.HandleFindNode(Contact{}, target), nil
}

func (f *fakeNetwork) Store(_ context.Context, to Contact, key Key, value, sig []byte) error {
	d, ok := f.nodes[to.NodeID]
	if !ok {
		return errNotFound
	}
	d.HandleStore(Contact{}, key, value, sig)
	return nil
}

func (f *fakeNetwork) FindValue(_ context.Context, to Contact, key Key) ([]byte, bool, []Contact, error) {
	d, ok := f.nodes[to.NodeID]
	if !ok {
		return nil, false, nil, errNotFound
	}
	v, found, closer := d.HandleFindValue(Contact{}, key)
	return v, found, closer, nil
}

func (f *fakeNetwork) ReflexProbe(_ context.Context, to Contact) (string, int, error) {
	return "203.0.113.1", 40000, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "node not reachable" }

var errNotFound = notFoundErr{}

func contactFor(id identity.NodeId) Contact {
	return Contact{NodeID: id, Key: KeyFromNodeId(id)}
}

func TestIterativeFindNodeConverges(t *testing.T) {
	net := &fakeNetwork{nodes: make(map[identity.NodeId]*DHT)}
	var ids []identity.NodeId
	for i := 0; i < 8; i++ {
		id := identity.NodeId(string(rune('a'+i)) + "-node")
		ids = append(ids, id)
	}
	for _, id := range ids {
		net.nodes[id] = New(Config{Self: contactFor(id), Network: net, K: 20, Alpha: 3})
	}
	// Fully connect the cluster's routing tables so lookups have somewhere
	// to start from.
	for _, id := range ids {
		for _, other := range ids {
			if id == other {
				continue
			}
			net.nodes[id].rt.Upsert(contactFor(other), nil)
		}
	}

	target := ids[0]
	found, err := net.nodes[ids[3]].iterativeFindNode(context.Background(), KeyFromNodeId(target))
	if err != nil {
		t.Fatalf("iterativeFindNode: %v", err)
	}
	hit := false
	for _, c := range found {
		if c.NodeID == target {
			hit = true
		}
	}
	if !hit {
		t.Fatalf("expected target node among lookup results, got %+v", found)
	}
}

// TestHandleStoreRejectsInvalidSignature covers §6's requirement that an
// inbound STORE be signed by the NodeId it announces: a resolver that
// recognizes the announcer but a bad signature must be rejected, while a
// genuinely signed record is accepted.
func TestHandleStoreRejectsInvalidSignature(t *testing.T) {
	id, err := identity.CreateIfAbsent(t.TempDir())
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}

	resolver := func(nodeID identity.NodeId) (*x509.Certificate, bool) {
		if nodeID != id.NodeID {
			return nil, false
		}
		return id.Cert, true
	}
	d := New(Config{Self: contactFor(id.NodeID), Network: &fakeNetwork{nodes: map[identity.NodeId]*DHT{}}, CertResolver: resolver})

	rec := PeerRecord{NodeID: id.NodeID, Endpoints: []Endpoint{{IP: "127.0.0.1", Port: 9000, Transport: TransportTCPTLS}}}
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	key := KeyFromNodeId(id.NodeID)

	d.HandleStore(Contact{}, key, raw, []byte("not a real signature"))
	if _, found, _ := d.HandleFindValue(Contact{}, key); found {
		t.Fatalf("expected record with invalid signature to be rejected")
	}

	sum := sha256.Sum256(raw)
	sig, err := id.Sign(sum[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	d.HandleStore(Contact{}, key, raw, sig)
	if _, found, _ := d.HandleFindValue(Contact{}, key); !found {
		t.Fatalf("expected validly signed record to be accepted")
	}
}

// TestHandleStoreWithoutResolverSkipsVerification preserves the existing
// unsigned-routing behaviour relied on by tests (and any deployment that
// has not wired a certificate cache in yet).
func TestHandleStoreWithoutResolverSkipsVerification(t *testing.T) {
	d := New(Config{Self: contactFor("dpc-0000000000000000"), Network: &fakeNetwork{nodes: map[identity.NodeId]*DHT{}}})
	key := KeyFromString("anything")
	d.HandleStore(Contact{}, key, []byte(`{"node_id":""}`), nil)
	if _, found, _ := d.HandleFindValue(Contact{}, key); !found {
		t.Fatalf("expected record to be stored when no resolver is configured")
	}
}

func TestAnnounceAndFindPeerRoundTrip(t *testing.T) {
	net := &fakeNetwork{nodes: make(map[identity.NodeId]*DHT)}
	var ids []identity.NodeId
	for i := 0; i < 5; i++ {
		ids = append(ids, identity.NodeId(string(rune('a'+i))+"-node"))
	}
	for _, id := range ids {
		net.nodes[id] = New(Config{Self: contactFor(id), Network: net, K: 20, Alpha: 3})
	}
	for _, id := range ids {
		for _, other := range ids {
			if id != other {
				net.nodes[id].rt.Upsert(contactFor(other), nil)
			}
		}
	}

	announcer := net.nodes[ids[0]]
	rec := PeerRecord{NodeID: ids[0], Endpoints: []Endpoint{{IP: "127.0.0.1", Port: 9000, Transport: TransportTCPTLS}}}
	if err := announcer.Announce(context.Background(), rec, nil); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	seeker := net.nodes[ids[4]]
	got, err := seeker.FindPeer(context.Background(), ids[0])
	if err != nil {
		t.Fatalf("FindPeer: %v", err)
	}
	if got.NodeID != ids[0] || len(got.Endpoints) != 1 {
		t.Fatalf("unexpected peer record: %+v", got)
	}
}
