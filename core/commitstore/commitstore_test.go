package commitstore

import (
	"crypto/x509"
	"os"
	"testing"
	"time"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

func mustIdentity(t *testing.T, dir string) *identity.Identity {
	t.Helper()
	id, err := identity.CreateIfAbsent(dir)
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return id
}

func sampleCommit(participants []identity.NodeId) *KnowledgeCommit {
	return &KnowledgeCommit{
		Topic:   "Coffee Brewing Methods",
		Summary: "Pour-over and French press both produce clean, distinct cups.",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Entries: []KnowledgeEntry{
			{Content: "Pour-over favors clarity", Tags: []string{"brewing", "technique"}, Confidence: 0.91},
			{Content: "French press favors body", Tags: []string{"brewing"}, Confidence: 0.873, CulturalSpecific: true, AlternativeViewpoints: []string{"some prefer metal filters"}},
		},
		Participants:    participants,
		ApprovedBy:      participants,
		ConfidenceScore: 0.89,
	}
}

// Property #1 (commit_hash is a pure function of content): identical
// content hashes identically, and any field change changes the hash.
func TestComputeHashIsDeterministicAndContentSensitive(t *testing.T) {
	c1 := sampleCommit([]identity.NodeId{"dpc-aaaaaaaaaaaaaaaa", "dpc-bbbbbbbbbbbbbbbb"})
	c2 := sampleCommit([]identity.NodeId{"dpc-aaaaaaaaaaaaaaaa", "dpc-bbbbbbbbbbbbbbbb"})

	h1, err := ComputeHash(c1)
	if err != nil {
		t.Fatalf("compute hash 1: %v", err)
	}
	h2, err := ComputeHash(c2)
	if err != nil {
		t.Fatalf("compute hash 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("identical commits must hash identically: %s != %s", h1, h2)
	}

	c2.Summary = "Different summary entirely."
	h3, err := ComputeHash(c2)
	if err != nil {
		t.Fatalf("compute hash 3: %v", err)
	}
	if h3 == h1 {
		t.Fatalf("changing summary must change the hash")
	}
}

// Entry order must not affect the hash, since entries are sorted by content
// before hashing.
func TestComputeHashIgnoresEntryOrder(t *testing.T) {
	c := sampleCommit([]identity.NodeId{"dpc-aaaaaaaaaaaaaaaa"})
	h1, _ := ComputeHash(c)

	c.Entries[0], c.Entries[1] = c.Entries[1], c.Entries[0]
	h2, _ := ComputeHash(c)

	if h1 != h2 {
		t.Fatalf("entry order must not affect commit_hash")
	}
}

// Property #2: commit_id is always "commit-" + first 16 hex chars of hash.
func TestDeriveCommitIDMatchesHashPrefix(t *testing.T) {
	c := sampleCommit([]identity.NodeId{"dpc-aaaaaaaaaaaaaaaa"})
	if err := Finalize(c); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	want := commitIDPrefix + c.CommitHash[:16]
	if c.CommitID != want {
		t.Fatalf("commit id mismatch: got %s want %s", c.CommitID, want)
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id := mustIdentity(t, dir)
	c := sampleCommit([]identity.NodeId{id.NodeID})
	if err := Finalize(c); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := Sign(c, id); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifySignature(c, id.NodeID, id.Cert); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifySignatureRejectsTamperedHash(t *testing.T) {
	dir := t.TempDir()
	id := mustIdentity(t, dir)
	c := sampleCommit([]identity.NodeId{id.NodeID})
	if err := Finalize(c); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := Sign(c, id); err != nil {
		t.Fatalf("sign: %v", err)
	}

	c.CommitHash = c.CommitHash[:len(c.CommitHash)-2] + "00"
	if err := VerifySignature(c, id.NodeID, id.Cert); err == nil {
		t.Fatalf("expected verification failure against tampered hash")
	}
}

func TestDeriveConsensusUnanimousMajorityDisputed(t *testing.T) {
	a, b, c := identity.NodeId("dpc-aaaaaaaaaaaaaaaa"), identity.NodeId("dpc-bbbbbbbbbbbbbbbb"), identity.NodeId("dpc-cccccccccccccccc")
	commit := &KnowledgeCommit{Participants: []identity.NodeId{a, b, c}}

	commit.ApprovedBy = []identity.NodeId{a, b, c}
	DeriveConsensus(commit)
	if commit.ConsensusType != ConsensusUnanimous {
		t.Fatalf("expected unanimous, got %s", commit.ConsensusType)
	}

	commit.ApprovedBy = []identity.NodeId{a, b}
	DeriveConsensus(commit)
	if commit.ConsensusType != ConsensusMajority {
		t.Fatalf("expected majority, got %s", commit.ConsensusType)
	}

	commit.ApprovedBy = []identity.NodeId{a}
	DeriveConsensus(commit)
	if commit.ConsensusType != ConsensusDisputed {
		t.Fatalf("expected disputed, got %s", commit.ConsensusType)
	}
}

func TestValidateInvariantsRejectsOverlappingApprovalSets(t *testing.T) {
	a, b := identity.NodeId("dpc-aaaaaaaaaaaaaaaa"), identity.NodeId("dpc-bbbbbbbbbbbbbbbb")
	commit := &KnowledgeCommit{
		Participants: []identity.NodeId{a, b},
		ApprovedBy:   []identity.NodeId{a},
		RejectedBy:   []identity.NodeId{a},
	}
	DeriveConsensus(commit)
	if err := ValidateInvariants(commit); err == nil {
		t.Fatalf("expected invariant violation for overlapping approved_by/rejected_by")
	}
}

func TestValidateInvariantsRejectsNonParticipantApprover(t *testing.T) {
	a, b, x := identity.NodeId("dpc-aaaaaaaaaaaaaaaa"), identity.NodeId("dpc-bbbbbbbbbbbbbbbb"), identity.NodeId("dpc-xxxxxxxxxxxxxxxx")
	commit := &KnowledgeCommit{
		Participants: []identity.NodeId{a, b},
		ApprovedBy:   []identity.NodeId{a, x},
	}
	DeriveConsensus(commit)
	if err := ValidateInvariants(commit); err == nil {
		t.Fatalf("expected invariant violation for approver outside participants")
	}
}

// Scenario: persist then reload a commit, and confirm its content survives
// byte-for-byte (property #4, content_hash stability) and that the audit
// finds no filename/content/hash problems on an untampered file.
func TestStoreAuditLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id := mustIdentity(t, dir)
	c := sampleCommit([]identity.NodeId{id.NodeID})
	if err := Finalize(c); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := Sign(c, id); err != nil {
		t.Fatalf("sign: %v", err)
	}
	DeriveConsensus(c)

	path, err := persistCommit(dir, c)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected persisted file to exist: %v", err)
	}

	loaded, _, _, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.CommitID != c.CommitID || loaded.CommitHash != c.CommitHash {
		t.Fatalf("loaded commit id/hash mismatch: got %s/%s want %s/%s",
			loaded.CommitID, loaded.CommitHash, c.CommitID, c.CommitHash)
	}

	resolve := func(n identity.NodeId) (*x509.Certificate, bool) {
		if n == id.NodeID {
			return id.Cert, true
		}
		return nil, false
	}
	report, err := Audit(dir, resolve)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	for _, issue := range report.Issues {
		t.Fatalf("unexpected audit issue: %s: %v", issue.Kind, issue.Err)
	}
	if _, ok := report.Commits[c.CommitID]; !ok {
		t.Fatalf("expected audit to recognize %s as clean", c.CommitID)
	}
}

// Audit must flag a file whose body was tampered with after signing.
func TestAuditDetectsTamperedContent(t *testing.T) {
	dir := t.TempDir()
	id := mustIdentity(t, dir)
	c := sampleCommit([]identity.NodeId{id.NodeID})
	if err := Finalize(c); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := Sign(c, id); err != nil {
		t.Fatalf("sign: %v", err)
	}
	DeriveConsensus(c)
	path, err := persistCommit(dir, c)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := []byte(string(raw) + "\nrogue addendum nobody signed\n")
	if err := os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatalf("write tampered: %v", err)
	}

	report, err := Audit(dir, nil)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(report.Issues) == 0 {
		t.Fatalf("expected audit to flag tampered content")
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Kind == errkind.ContentTampered {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a ContentTampered issue, got %+v", report.Issues)
	}
}

// Applying a commit whose parent is unknown must buffer it rather than
// reject it outright, and applying the parent afterward must drain it.
func TestStoreAppliesBufferedChildOnceParentArrives(t *testing.T) {
	dir := t.TempDir()
	id := mustIdentity(t, dir)

	root := sampleCommit([]identity.NodeId{id.NodeID})
	if err := Finalize(root); err != nil {
		t.Fatalf("finalize root: %v", err)
	}
	if err := Sign(root, id); err != nil {
		t.Fatalf("sign root: %v", err)
	}
	DeriveConsensus(root)

	child := sampleCommit([]identity.NodeId{id.NodeID})
	child.Topic = "Coffee Brewing Methods Follow-up"
	child.ParentCommitID = root.CommitID
	if err := Finalize(child); err != nil {
		t.Fatalf("finalize child: %v", err)
	}
	if err := Sign(child, id); err != nil {
		t.Fatalf("sign child: %v", err)
	}
	DeriveConsensus(child)

	resolve := func(n identity.NodeId) (*x509.Certificate, bool) {
		if n == id.NodeID {
			return id.Cert, true
		}
		return nil, false
	}
	store, _, err := Open(dir, resolve)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := store.Apply(child); err == nil || !errkind.Is(err, errkind.ParentMissing) {
		t.Fatalf("expected ParentMissing buffering error, got %v", err)
	}
	if store.PendingCount() != 1 {
		t.Fatalf("expected 1 buffered commit, got %d", store.PendingCount())
	}
	if _, ok := store.Get(child.CommitID); ok {
		t.Fatalf("buffered child must not be visible via Get yet")
	}

	if err := store.Apply(root); err != nil {
		t.Fatalf("apply root: %v", err)
	}
	if _, ok := store.Get(child.CommitID); !ok {
		t.Fatalf("expected buffered child to be applied once its parent arrived")
	}
	if store.PendingCount() != 0 {
		t.Fatalf("expected pending pool to be drained, got %d", store.PendingCount())
	}
}
