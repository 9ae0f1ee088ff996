package identity

import (
	"crypto/sha256"
	"testing"
)

func newTestIdentity(t *testing.T, dir string) *Identity {
	t.Helper()
	id, err := CreateIfAbsent(dir)
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	return id
}

func TestNodeIdUniqueUnderCorrectKeygen(t *testing.T) {
	a := newTestIdentity(t, t.TempDir())
	b := newTestIdentity(t, t.TempDir())
	if a.NodeID == b.NodeID {
		t.Fatalf("expected distinct node ids, got %s for both", a.NodeID)
	}
}

func TestCreateIfAbsentLoadsExisting(t *testing.T) {
	dir := t.TempDir()
	first := newTestIdentity(t, dir)
	second, err := CreateIfAbsent(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.NodeID != second.NodeID {
		t.Fatalf("reload produced different node id: %s vs %s", first.NodeID, second.NodeID)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	id := newTestIdentity(t, t.TempDir())
	hash := sha256.Sum256([]byte("commit content"))
	sig, err := id.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(id.Cert, id.NodeID, hash[:], sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	id := newTestIdentity(t, t.TempDir())
	hash := sha256.Sum256([]byte("commit content"))
	sig, err := id.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig[0] ^= 0xFF
	if err := Verify(id.Cert, id.NodeID, hash[:], sig); err == nil {
		t.Fatalf("expected forged signature to fail verification")
	}
}

func TestVerifyHandshakeIdentityMismatch(t *testing.T) {
	a := newTestIdentity(t, t.TempDir())
	b := newTestIdentity(t, t.TempDir())
	if err := VerifyHandshakeIdentity(a.Cert, b.NodeID); err == nil {
		t.Fatalf("expected identity mismatch")
	}
	if err := VerifyHandshakeIdentity(a.Cert, a.NodeID); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
}
