package certcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dpcmesh/dpcnode/pkg/identity"
)

func newIdentity(t *testing.T, label string) *identity.Identity {
	t.Helper()
	dir, err := os.MkdirTemp("", "dpc-certcache-identity-"+label+"-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	id, err := identity.CreateIfAbsent(dir)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return id
}

func TestInsertThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := newIdentity(t, "a")
	cert := id.Cert

	nodeID, err := c.Insert(cert)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if nodeID != id.NodeID {
		t.Fatalf("nodeID = %s, want %s", nodeID, id.NodeID)
	}
	got, ok := c.Get(id.NodeID)
	if !ok {
		t.Fatalf("Get: not found")
	}
	if got.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		t.Fatalf("Get returned a different certificate")
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
}

func TestInsertIsIdempotentForSameFingerprint(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := newIdentity(t, "b")
	cert := id.Cert

	if _, err := c.Insert(cert); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	path := filepath.Join(dir, string(id.NodeID)+".crt")
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if _, err := c.Insert(cert); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Fatalf("re-inserting an unchanged certificate rewrote the disk mirror")
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after duplicate insert", c.Len())
	}
}

func TestGetFallsBackToDiskAfterMemoryEviction(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := newIdentity(t, "c")
	cert := id.Cert
	if _, err := c.Insert(cert); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// Simulate eviction from the bounded in-memory LRU: the disk mirror
	// still has the certificate, so Get must still succeed.
	c.hits.Remove(id.NodeID)
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after manual eviction, want 0", c.Len())
	}

	got, ok := c.Get(id.NodeID)
	if !ok {
		t.Fatalf("Get: expected disk fallback to succeed")
	}
	if got.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		t.Fatalf("Get returned a different certificate after disk fallback")
	}
	// The fallback repopulates the in-memory cache.
	if c.Len() != 1 {
		t.Fatalf("Len() = %d after disk fallback, want 1", c.Len())
	}
}

func TestNewSeedsFromExistingDiskMirror(t *testing.T) {
	dir := t.TempDir()
	id := newIdentity(t, "d")
	cert := id.Cert

	c1, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c1.Insert(cert); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c2, err := New(dir)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if c2.Len() != 1 {
		t.Fatalf("reloaded cache Len() = %d, want 1", c2.Len())
	}
	if _, ok := c2.Get(id.NodeID); !ok {
		t.Fatalf("reloaded cache missing seeded certificate")
	}
}

func TestGetUnknownNodeIdReportsMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Get(identity.NodeId("dpc-doesnotexist0000")); ok {
		t.Fatalf("Get: expected miss for unknown NodeId")
	}
}
