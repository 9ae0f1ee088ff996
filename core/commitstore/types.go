// Package commitstore implements the knowledge-commit store: canonical
// hashing, multi-signature approval, parent-linked history, on-disk
// markdown persistence with front matter, and startup audit, per §3,
// §4.8-§4.9 of the design.
package commitstore

import (
	"sort"
	"time"

	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// ConsensusType reflects how broadly a commit was approved.
type ConsensusType string

const (
	ConsensusUnanimous ConsensusType = "unanimous"
	ConsensusMajority  ConsensusType = "majority"
	ConsensusDisputed  ConsensusType = "disputed"
)

// KnowledgeEntry is immutable once included in a commit.
type KnowledgeEntry struct {
	Content               string   `json:"content"`
	Tags                  []string `json:"tags"`
	Confidence            float64  `json:"confidence"`
	CulturalSpecific      bool     `json:"cultural_specific"`
	AlternativeViewpoints []string `json:"alternative_viewpoints"`
}

// KnowledgeCommit is an immutable, content-addressed record of a knowledge
// agreement between the listed participants.
type KnowledgeCommit struct {
	CommitID        string                        `json:"commit_id"`
	CommitHash      string                        `json:"commit_hash"`
	ParentCommitID  string                        `json:"parent_commit_id,omitempty"`
	Author          identity.NodeId               `json:"author"`
	Topic           string                        `json:"topic"`
	Summary         string                        `json:"summary"`
	Timestamp       time.Time                     `json:"timestamp"`
	Entries         []KnowledgeEntry              `json:"entries"`
	Participants    []identity.NodeId             `json:"participants"`
	ApprovedBy      []identity.NodeId             `json:"approved_by"`
	RejectedBy      []identity.NodeId             `json:"rejected_by"`
	ConfidenceScore float64                       `json:"confidence_score"`
	Signatures      map[identity.NodeId][]byte    `json:"signatures"`
	ConsensusType   ConsensusType                 `json:"consensus_type"`
}

// culturalPerspectives derives the sorted, de-duplicated Content of the
// entries flagged CulturalSpecific, used only as a hashing input per §4.8 (the field does
// not otherwise exist as first-class state on the commit).
func (c *KnowledgeCommit) culturalPerspectives() []string {
	set := make(map[string]struct{})
	for _, e := range c.Entries {
		if e.CulturalSpecific {
			set[e.Content] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ProposalState is the commit proposal lifecycle (§4.10): Draft ->
// AwaitingSignatures -> {Finalized | Rejected | Expired}, monotonic.
type ProposalState string

const (
	ProposalDraft              ProposalState = "draft"
	ProposalAwaitingSignatures ProposalState = "awaiting_signatures"
	ProposalFinalized          ProposalState = "finalized"
	ProposalRejected           ProposalState = "rejected"
	ProposalExpired            ProposalState = "expired"
)

// sortedUnique returns a sorted copy of ids with duplicates removed.
func sortedUnique(ids []identity.NodeId) []identity.NodeId {
	set := make(map[identity.NodeId]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := make([]identity.NodeId, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sameSet(a, b []identity.NodeId) bool {
	if len(a) != len(b) {
		return false
	}
	as := sortedUnique(a)
	bs := sortedUnique(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func isSubset(sub, super []identity.NodeId) bool {
	superSet := make(map[identity.NodeId]struct{}, len(super))
	for _, id := range super {
		superSet[id] = struct{}{}
	}
	for _, id := range sub {
		if _, ok := superSet[id]; !ok {
			return false
		}
	}
	return true
}

func disjoint(a, b []identity.NodeId) bool {
	set := make(map[identity.NodeId]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return false
		}
	}
	return true
}
