package commitstore

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dpcmesh/dpcnode/pkg/errkind"
	"github.com/dpcmesh/dpcnode/pkg/identity"
)

// Issue is one problem the startup audit found in a single commit file.
type Issue struct {
	Path     string
	CommitID string
	Kind     errkind.Kind
	Err      error
}

// Report is the outcome of auditing every commit file under a data
// directory's knowledge/ subdirectory.
type Report struct {
	Checked int
	Issues  []Issue
	Commits map[string]*KnowledgeCommit // commit_id -> commit, for clean files only
}

// CertResolver looks up a node's certificate, typically certcache.Cache.Get.
type CertResolver func(identity.NodeId) (*x509.Certificate, bool)

// Audit implements §4.9: on startup, recompute and cross-check every
// persisted commit's filename, content hash, commit hash, signatures, and
// parent linkage. It never mutates or deletes files; callers decide what to
// do with a non-empty Report.
func Audit(dataDir string, resolve CertResolver) (*Report, error) {
	dir := filepath.Join(dataDir, knowledgeSubdir)
	report := &Report{Commits: make(map[string]*KnowledgeCommit)}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.HashMismatch, "read knowledge dir", err)
	}

	for _, fi := range entries {
		if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".md") {
			continue
		}
		report.Checked++
		path := filepath.Join(dir, fi.Name())
		if issue := auditFile(path, fi.Name(), resolve, report.Commits); issue != nil {
			report.Issues = append(report.Issues, *issue)
			continue
		}
	}

	report.Issues = append(report.Issues, checkChain(report.Commits)...)
	return report, nil
}

func auditFile(path, baseName string, resolve CertResolver, good map[string]*KnowledgeCommit) *Issue {
	c, body, storedContentHash, err := Load(path)
	if err != nil {
		return &Issue{Path: path, Kind: errkind.ContentTampered, Err: err}
	}

	if filename(c) != baseName {
		return &Issue{Path: path, CommitID: c.CommitID, Kind: errkind.FilenameMismatch,
			Err: errkind.New(errkind.FilenameMismatch, "filename does not match topic/commit_id")}
	}

	if got := contentHash(body); got != storedContentHash {
		return &Issue{Path: path, CommitID: c.CommitID, Kind: errkind.ContentTampered,
			Err: errkind.New(errkind.ContentTampered, "content_hash does not match file body")}
	}

	storedHash := c.CommitHash
	storedID := c.CommitID
	if err := Finalize(c); err != nil {
		return &Issue{Path: path, CommitID: storedID, Kind: errkind.CommitHashInvalid, Err: err}
	}
	if c.CommitHash != storedHash || c.CommitID != storedID {
		c.CommitHash, c.CommitID = storedHash, storedID // restore for downstream reporting
		return &Issue{Path: path, CommitID: storedID, Kind: errkind.CommitHashInvalid,
			Err: errkind.New(errkind.CommitHashInvalid, "recomputed commit_hash does not match stored value")}
	}

	if resolve != nil {
		if err := VerifyAllSignatures(c, resolve); err != nil {
			return &Issue{Path: path, CommitID: c.CommitID, Kind: errkind.SignatureInvalid, Err: err}
		}
	}

	good[c.CommitID] = c
	return nil
}

// checkChain reports ParentMissing for any commit whose parent is absent
// from the clean set, and ChainBroken for any cycle detected while walking
// parent links back from each commit.
func checkChain(commits map[string]*KnowledgeCommit) []Issue {
	var issues []Issue
	ids := make([]string, 0, len(commits))
	for id := range commits {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := commits[id]
		if c.ParentCommitID == "" {
			continue
		}
		if _, ok := commits[c.ParentCommitID]; !ok {
			issues = append(issues, Issue{CommitID: id, Kind: errkind.ParentMissing,
				Err: errkind.New(errkind.ParentMissing, "parent commit "+c.ParentCommitID+" not found")})
			continue
		}
		if cycleFrom(id, commits) {
			issues = append(issues, Issue{CommitID: id, Kind: errkind.ChainBroken,
				Err: errkind.New(errkind.ChainBroken, "parent chain contains a cycle")})
		}
	}
	return issues
}

func cycleFrom(start string, commits map[string]*KnowledgeCommit) bool {
	seen := map[string]struct{}{}
	cur := start
	for {
		if _, ok := seen[cur]; ok {
			return true
		}
		seen[cur] = struct{}{}
		c, ok := commits[cur]
		if !ok || c.ParentCommitID == "" {
			return false
		}
		cur = c.ParentCommitID
	}
}
