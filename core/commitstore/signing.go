package commitstore

import (
	"crypto/sha256"
	"crypto/x509"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// signingDigest is what participants actually sign: the commit hash bytes,
// not the canonical JSON itself, so re-signing never requires re-deriving
// the canonical form.
func signingDigest(commitHash string) [32]byte {
	return sha256.Sum256([]byte(commitHash))
}

// Sign adds id's approval signature over the commit's already-computed
// CommitHash. The caller must have run Finalize first.
func Sign(c *KnowledgeCommit, id *identity.Identity) error {
	if c.CommitHash == "" {
		return errkind.New(errkind.HashMismatch, "commit must be finalized before signing")
	}
	digest := signingDigest(c.CommitHash)
	sig, err := id.Sign(digest[:])
	if err != nil {
		return errkind.Wrap(errkind.SignatureInvalid, "sign commit", err)
	}
	if c.Signatures == nil {
		c.Signatures = make(map[identity.NodeId][]byte)
	}
	c.Signatures[id.NodeID] = sig
	return nil
}

// VerifySignature checks a single participant's signature against their
// certificate, typically resolved from a certcache.Cache.
func VerifySignature(c *KnowledgeCommit, signer identity.NodeId, cert *x509.Certificate) error {
	sig, ok := c.Signatures[signer]
	if !ok {
		return errkind.New(errkind.SignatureMissing, "no signature recorded for signer")
	}
	digest := signingDigest(c.CommitHash)
	if err := identity.Verify(cert, signer, digest[:], sig); err != nil {
		return errkind.Wrap(errkind.SignatureInvalid, "verify commit signature", err)
	}
	return nil
}

// VerifyAllSignatures checks that every node in approved_by has a valid
// signature, using resolver to look up each signer's certificate (typically
// certcache.Cache.Get). It fails closed: any signer that cannot be resolved
// or whose signature does not verify invalidates the whole commit.
func VerifyAllSignatures(c *KnowledgeCommit, resolver func(identity.NodeId) (*x509.Certificate, bool)) error {
	for _, signer := range sortedUnique(c.ApprovedBy) {
		cert, ok := resolver(signer)
		if !ok {
			return errkind.New(errkind.UnknownApprover, "unresolvable signer: "+string(signer))
		}
		if err := VerifySignature(c, signer, cert); err != nil {
			return err
		}
	}
	return nil
}

// DeriveConsensus sets c.ConsensusType from the current approved_by /
// participants relationship, per invariant 6:
// unanimous iff approved_by == participants (as sets);
// majority iff |approved_by| forms a strict majority of participants;
// disputed otherwise.
func DeriveConsensus(c *KnowledgeCommit) {
	participants := sortedUnique(c.Participants)
	approved := sortedUnique(c.ApprovedBy)

	switch {
	case sameSet(approved, participants):
		c.ConsensusType = ConsensusUnanimous
	case len(participants) > 0 && 2*len(approved) > len(participants):
		c.ConsensusType = ConsensusMajority
	default:
		c.ConsensusType = ConsensusDisputed
	}
}

// ValidateInvariants enforces §3 invariants 5-6 that are independent of
// hashing/signing: approved_by and rejected_by are both subsets of
// participants and mutually disjoint, and consensus_type is consistent
// with the approval set.
func ValidateInvariants(c *KnowledgeCommit) error {
	if !isSubset(c.ApprovedBy, c.Participants) {
		return errkind.New(errkind.CertificateInvalid, "approved_by is not a subset of participants")
	}
	if !isSubset(c.RejectedBy, c.Participants) {
		return errkind.New(errkind.CertificateInvalid, "rejected_by is not a subset of participants")
	}
	if !disjoint(c.ApprovedBy, c.RejectedBy) {
		return errkind.New(errkind.CertificateInvalid, "approved_by and rejected_by overlap")
	}
	want := c.ConsensusType
	DeriveConsensus(c)
	got := c.ConsensusType
	c.ConsensusType = want
	if want != got {
		return errkind.New(errkind.CertificateInvalid, "consensus_type does not match approved_by/participants")
	}
	return nil
}
