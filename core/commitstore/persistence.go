package commitstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

const knowledgeSubdir = "knowledge"

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// sanitizeTopic turns a topic string into the slug half of a commit's
// filename: lowercase, non-alphanumeric runs collapsed to a single hyphen,
// leading/trailing hyphens trimmed.
func sanitizeTopic(topic string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(topic), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "untitled"
	}
	return s
}

// filename returns the on-disk name a commit must be stored under:
// <sanitized topic>_<commit_id>.md.
func filename(c *KnowledgeCommit) string {
	return fmt.Sprintf("%s_%s.md", sanitizeTopic(c.Topic), c.CommitID)
}

// frontMatter is the persisted, human-readable metadata block. entries and
// the summary live in the markdown body instead, so the file reads like a
// normal note with provenance attached.
type frontMatter struct {
	CommitID             string                     `yaml:"commit_id"`
	CommitHash           string                     `yaml:"commit_hash"`
	ContentHash          string                     `yaml:"content_hash"`
	ParentCommitID       string                     `yaml:"parent_commit,omitempty"`
	Author               identity.NodeId            `yaml:"author,omitempty"`
	Topic                string                     `yaml:"topic"`
	Timestamp            time.Time                  `yaml:"timestamp"`
	Participants         []identity.NodeId          `yaml:"participants"`
	ApprovedBy           []identity.NodeId          `yaml:"approved_by"`
	RejectedBy           []identity.NodeId          `yaml:"rejected_by,omitempty"`
	ConfidenceScore      float64                    `yaml:"confidence_score"`
	ConsensusType        ConsensusType              `yaml:"consensus"`
	Signatures           map[identity.NodeId]string `yaml:"signatures"`
	CulturalPerspectives []string                   `yaml:"cultural_perspectives,omitempty"`
}

// renderBody produces the deterministic markdown body whose bytes are
// covered by content_hash: the summary followed by each entry, in the same
// sorted order canonicalization uses.
func renderBody(c *KnowledgeCommit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n\n%s\n", c.Topic, c.Summary)
	for _, e := range reduceEntries(c.Entries) {
		content := e["content"].(string)
		tags := e["tags"].([]string)
		confidence := e["confidence"].(float64)
		culturalSpecific := e["cultural_specific"].(bool)
		alts := e["alternative_viewpoints"].([]string)

		fmt.Fprintf(&buf, "\n## %s\n\n", content)
		if len(tags) > 0 {
			fmt.Fprintf(&buf, "tags: %s\n", strings.Join(tags, ", "))
		}
		fmt.Fprintf(&buf, "confidence: %.2f\n", confidence)
		if culturalSpecific {
			buf.WriteString("cultural-specific: true\n")
		}
		for _, alt := range alts {
			fmt.Fprintf(&buf, "- alternative viewpoint: %s\n", alt)
		}
	}
	return buf.Bytes()
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Marshal renders a finalized, signed commit as front-matter markdown.
func Marshal(c *KnowledgeCommit) ([]byte, error) {
	if c.CommitHash == "" || c.CommitID == "" {
		return nil, errkind.New(errkind.HashMismatch, "commit must be finalized before persisting")
	}
	body := renderBody(c)
	sigs := make(map[identity.NodeId]string, len(c.Signatures))
	for id, sig := range c.Signatures {
		sigs[id] = hex.EncodeToString(sig)
	}
	fm := frontMatter{
		CommitID:             c.CommitID,
		CommitHash:           c.CommitHash,
		ContentHash:          contentHash(body),
		ParentCommitID:       c.ParentCommitID,
		Author:               c.Author,
		Topic:                c.Topic,
		Timestamp:            c.Timestamp.UTC(),
		Participants:         sortedUnique(c.Participants),
		ApprovedBy:           sortedUnique(c.ApprovedBy),
		RejectedBy:           sortedUnique(c.RejectedBy),
		ConfidenceScore:      round2(c.ConfidenceScore),
		ConsensusType:        c.ConsensusType,
		Signatures:           sigs,
		CulturalPerspectives: c.culturalPerspectives(),
	}
	fmBytes, err := yaml.Marshal(fm)
	if err != nil {
		return nil, errkind.Wrap(errkind.HashMismatch, "marshal front matter", err)
	}

	var out bytes.Buffer
	out.WriteString("---\n")
	out.Write(fmBytes)
	out.WriteString("---\n\n")
	out.Write(body)
	return out.Bytes(), nil
}

// Unmarshal parses a front-matter markdown document back into a
// KnowledgeCommit plus the raw body bytes (needed by the audit to recheck
// content_hash) and the stored content_hash itself.
func Unmarshal(raw []byte) (*KnowledgeCommit, []byte, string, error) {
	const delim = "---\n"
	if !bytes.HasPrefix(raw, []byte(delim)) {
		return nil, nil, "", errkind.New(errkind.ContentTampered, "missing front matter delimiter")
	}
	rest := raw[len(delim):]
	end := bytes.Index(rest, []byte("\n---\n"))
	if end < 0 {
		return nil, nil, "", errkind.New(errkind.ContentTampered, "unterminated front matter")
	}
	fmBytes := rest[:end+1]
	body := rest[end+len(delim)+1:]
	body = bytes.TrimPrefix(body, []byte("\n"))

	var fm frontMatter
	if err := yaml.Unmarshal(fmBytes, &fm); err != nil {
		return nil, nil, "", errkind.Wrap(errkind.ContentTampered, "parse front matter", err)
	}

	sigs := make(map[identity.NodeId][]byte, len(fm.Signatures))
	for id, hexSig := range fm.Signatures {
		b, err := hex.DecodeString(hexSig)
		if err != nil {
			return nil, nil, "", errkind.Wrap(errkind.SignatureInvalid, "decode signature", err)
		}
		sigs[id] = b
	}

	entries, summary := parseBody(body, fm.Topic)
	c := &KnowledgeCommit{
		CommitID:        fm.CommitID,
		CommitHash:      fm.CommitHash,
		ParentCommitID:  fm.ParentCommitID,
		Author:          fm.Author,
		Topic:           fm.Topic,
		Summary:         summary,
		Timestamp:       fm.Timestamp,
		Entries:         entries,
		Participants:    fm.Participants,
		ApprovedBy:      fm.ApprovedBy,
		RejectedBy:      fm.RejectedBy,
		ConfidenceScore: fm.ConfidenceScore,
		Signatures:      sigs,
		ConsensusType:   fm.ConsensusType,
	}
	return c, body, fm.ContentHash, nil
}

// parseBody recovers entries from renderBody's format. It is intentionally
// forgiving of fields rendering logic does not need to round-trip exactly
// (entry ordering and reduction are re-derived by canonicalization, not by
// this parse), since the audit only needs content_hash over the raw bytes
// to match, not a perfect structural reconstruction.
func parseBody(body []byte, topic string) ([]KnowledgeEntry, string) {
	lines := strings.Split(string(body), "\n")
	var summary strings.Builder
	var entries []KnowledgeEntry
	var cur *KnowledgeEntry
	inSummary := true
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "# "):
			inSummary = true
			continue
		case strings.HasPrefix(line, "## "):
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &KnowledgeEntry{Content: strings.TrimPrefix(line, "## ")}
			inSummary = false
			continue
		}
		if inSummary {
			if strings.TrimSpace(line) != "" {
				summary.WriteString(line)
			}
			continue
		}
		if cur == nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "tags: "):
			tags := strings.Split(strings.TrimPrefix(line, "tags: "), ", ")
			cur.Tags = tags
		case strings.HasPrefix(line, "confidence: "):
			fmt.Sscanf(strings.TrimPrefix(line, "confidence: "), "%f", &cur.Confidence)
		case line == "cultural-specific: true":
			cur.CulturalSpecific = true
		case strings.HasPrefix(line, "- alternative viewpoint: "):
			cur.AlternativeViewpoints = append(cur.AlternativeViewpoints, strings.TrimPrefix(line, "- alternative viewpoint: "))
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries, summary.String()
}

// persistCommit persists a commit atomically: write to a temp file in the
// same directory, fsync, then rename over the final path so a crash never
// leaves a half-written knowledge file.
func persistCommit(dataDir string, c *KnowledgeCommit) (string, error) {
	dir := filepath.Join(dataDir, knowledgeSubdir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errkind.Wrap(errkind.HashMismatch, "create knowledge dir", err)
	}
	raw, err := Marshal(c)
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(dir, filename(c))
	tmp, err := os.CreateTemp(dir, ".tmp-commit-*")
	if err != nil {
		return "", errkind.Wrap(errkind.HashMismatch, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return "", errkind.Wrap(errkind.HashMismatch, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errkind.Wrap(errkind.HashMismatch, "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return "", errkind.Wrap(errkind.HashMismatch, "close temp file", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", errkind.Wrap(errkind.HashMismatch, "rename into place", err)
	}
	return finalPath, nil
}

// Load reads and parses a commit file without verifying it; use Audit or
// VerifyAllSignatures for that.
func Load(path string) (*KnowledgeCommit, []byte, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, "", errkind.Wrap(errkind.HashMismatch, "read commit file", err)
	}
	return Unmarshal(raw)
}
