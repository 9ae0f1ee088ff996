package dht

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// Contact is a routing-table entry: a peer's identity, its reflexive key
// distance bucket, and liveness bookkeeping.
type Contact struct {
	NodeID   identity.NodeId
	Key      Key
	Endpoint Endpoint
	LastSeen time.Time
}

// bucket holds up to k contacts, ordered least-recently-seen first (front)
// to most-recently-seen (back), mirroring the donor's preference for
// bounded LRU structures (see golang-lru) generalized here with an explicit
// liveness-check-before-evict policy that a generic LRU cannot express.
type bucket struct {
	k        int
	contacts *list.List // of *Contact
}

func newBucket(k int) *bucket {
	return &bucket{k: k, contacts: list.New()}
}

// Pinger is invoked to check liveness of the least-recently-seen contact
// before it is evicted to make room for a new one.
type Pinger func(Contact) bool

// upsert records a sighting of c. If the bucket is full and c is new, the
// caller's Pinger is consulted: only a dead least-recently-seen contact is
// evicted, per the "LRU with liveness check" invariant in §4.2.
func (b *bucket) upsert(c Contact, ping Pinger) {
	for e := b.contacts.Front(); e != nil; e = e.Next() {
		if e.Value.(*Contact).NodeID == c.NodeID {
			b.contacts.MoveToBack(e)
			e.Value.(*Contact).LastSeen = c.LastSeen
			e.Value.(*Contact).Endpoint = c.Endpoint
			return
		}
	}
	if b.contacts.Len() < b.k {
		cc := c
		b.contacts.PushBack(&cc)
		return
	}
	front := b.contacts.Front()
	if ping == nil || !ping(*front.Value.(*Contact)) {
		b.contacts.Remove(front)
		cc := c
		b.contacts.PushBack(&cc)
	}
	// else: front contact answered the ping — it is kept, c is dropped.
}

func (b *bucket) list() []Contact {
	out := make([]Contact, 0, b.contacts.Len())
	for e := b.contacts.Front(); e != nil; e = e.Next() {
		out = append(out, *e.Value.(*Contact))
	}
	return out
}

// RoutingTable is a Kademlia routing table of KeyBits buckets, each bounded
// to k entries.
type RoutingTable struct {
	mu      sync.Mutex
	self    Key
	k       int
	buckets [KeyBits]*bucket
}

// NewRoutingTable builds an empty routing table for the given local key.
func NewRoutingTable(self Key, k int) *RoutingTable {
	rt := &RoutingTable{self: self, k: k}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket(k)
	}
	return rt
}

func (rt *RoutingTable) bucketIndex(k Key) int {
	d := Distance(rt.self, k)
	return d.leadingZeroBits()
}

// Upsert records a sighting of a contact, applying the liveness-checked
// eviction policy when its bucket is full.
func (rt *RoutingTable) Upsert(c Contact, ping Pinger) {
	if c.Key == rt.self {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.bucketIndex(c.Key)
	rt.buckets[idx].upsert(c, ping)
}

// Closest returns up to n contacts closest to target by XOR distance.
func (rt *RoutingTable) Closest(target Key, n int) []Contact {
	rt.mu.Lock()
	all := make([]Contact, 0, rt.k*4)
	for _, b := range rt.buckets {
		all = append(all, b.list()...)
	}
	rt.mu.Unlock()

	sortByDistance(all, target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortByDistance(cs []Contact, target Key) {
	sort.Slice(cs, func(i, j int) bool {
		return Distance(cs[i].Key, target).Less(Distance(cs[j].Key, target))
	})
}

// Size reports the total number of contacts across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += b.contacts.Len()
	}
	return n
}

// Remove evicts a contact unconditionally, e.g. after a confirmed failure
// from outside the upsert path.
func (rt *RoutingTable) Remove(id identity.NodeId) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, b := range rt.buckets {
		for e := b.contacts.Front(); e != nil; e = e.Next() {
			if e.Value.(*Contact).NodeID == id {
				b.contacts.Remove(e)
				return
			}
		}
	}
}
