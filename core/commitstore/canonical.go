package commitstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
)

const commitIDPrefix = "commit-"

// round2 rounds x to 2 decimal places, matching the canonicalization rule
// for per-entry and commit-level confidence values.
func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// reduceEntries projects each KnowledgeEntry to its hash-stable form. Each
// entry is built as a map[string]any, not a struct, because encoding/json
// only sorts map keys on Marshal — a struct's fields always emit in
// declaration order regardless of json tag naming, which would make the
// per-entry objects violate invariant 1's "sorted keys at every level".
func reduceEntries(entries []KnowledgeEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		tags := append([]string(nil), e.Tags...)
		sort.Strings(tags)
		alts := append([]string(nil), e.AlternativeViewpoints...)
		sort.Strings(alts)
		out = append(out, map[string]any{
			"content":                e.Content,
			"tags":                   tags,
			"confidence":             round2(e.Confidence),
			"cultural_specific":      e.CulturalSpecific,
			"alternative_viewpoints": alts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i]["content"].(string) < out[j]["content"].(string) })
	return out
}

// canonicalMap builds the exact key set the design specifies for hashing,
// excluding commit_id, signatures, and any volatile per-entry metadata.
// encoding/json sorts map[string]any keys lexicographically on Marshal,
// which is what gives this its "sorted keys" property — the bullet order
// in the design documents field meaning, not serialization order.
func canonicalMap(c *KnowledgeCommit) map[string]any {
	participants := stringSlice(sortedUnique(c.Participants))
	approved := stringSlice(sortedUnique(c.ApprovedBy))
	rejected := stringSlice(sortedUnique(c.RejectedBy))

	return map[string]any{
		"parent":                c.ParentCommitID,
		"timestamp":             c.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		"topic":                 c.Topic,
		"summary":               c.Summary,
		"entries":               reduceEntries(c.Entries),
		"participants":          participants,
		"approved_by":           approved,
		"rejected_by":           rejected,
		"cultural_perspectives": c.culturalPerspectives(),
		"confidence":            round2(c.ConfidenceScore),
	}
}

func stringSlice[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// CanonicalJSON renders the commit's hashable content as ASCII-only,
// whitespace-free JSON with lexicographically sorted keys at every level.
func CanonicalJSON(c *KnowledgeCommit) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonicalMap(c)); err != nil {
		return nil, errkind.Wrap(errkind.HashMismatch, "encode canonical commit", err)
	}
	// json.Encoder.Encode appends a trailing newline; the design requires
	// no insignificant whitespace in the hash input.
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return toASCII(out), nil
}

// toASCII rewrites any non-ASCII rune as its \uXXXX escape so the hash
// input is byte-identical regardless of the host's default string
// encoding choices.
func toASCII(b []byte) []byte {
	var out bytes.Buffer
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r < utf8.RuneSelf {
			out.WriteByte(b[i])
			i++
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16Surrogates(r)
			fmt.Fprintf(&out, "\\u%04x\\u%04x", r1, r2)
		} else {
			fmt.Fprintf(&out, "\\u%04x", r)
		}
		i += size
	}
	return out.Bytes()
}

func utf16Surrogates(r rune) (rune, rune) {
	r -= 0x10000
	return 0xD800 + (r >> 10), 0xDC00 + (r & 0x3FF)
}

// ComputeHash returns the lowercase hex SHA-256 digest of the commit's
// canonical JSON, per §4.8/invariant 1.
func ComputeHash(c *KnowledgeCommit) (string, error) {
	raw, err := CanonicalJSON(c)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// DeriveCommitID implements invariant 2: "commit-" + first 16 hex chars of
// commit_hash.
func DeriveCommitID(commitHash string) string {
	n := 16
	if len(commitHash) < n {
		n = len(commitHash)
	}
	return commitIDPrefix + commitHash[:n]
}

// Finalize computes and fills in CommitHash and CommitID from the commit's
// current content. It must be called before signing and again whenever
// content changes, since commits are never mutated after persistence.
func Finalize(c *KnowledgeCommit) error {
	hash, err := ComputeHash(c)
	if err != nil {
		return err
	}
	c.CommitHash = hash
	c.CommitID = DeriveCommitID(hash)
	return nil
}
